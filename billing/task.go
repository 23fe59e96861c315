package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tasks guards task creation and listing behind project ownership.
type Tasks struct {
	store Store
	guard AccessGuard
	now   func() time.Time
}

func NewTasks(store Store, guard AccessGuard) *Tasks {
	if guard == nil {
		guard = OwnershipGuard{}
	}
	return &Tasks{store: store, guard: guard, now: time.Now}
}

// Create adds a task. Only the project's manager of record may create one,
// and the project must have a manager assigned.
func (s *Tasks) Create(ctx context.Context, actor User, t Task) (*Task, error) {
	if t.ProjectID == "" {
		return nil, invalid("project", "task needs a project")
	}
	if t.Subject == "" {
		return nil, invalid("subject", "task subject is required")
	}
	project, err := getProject(ctx, s.store, t.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.ManagerUserID == "" {
		return nil, invalid("project", "project %s has no project manager assigned", project.ID)
	}
	if !s.guard.IsManagerOf(actor, *project) {
		return nil, denied(actor, "only the assigned project manager (%s) can create tasks for %s",
			project.ManagerUserID, project.ID)
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = "Open"
	}
	if t.Priority == "" {
		t.Priority = "Medium"
	}
	if t.Progress < 0 || t.Progress > 100 {
		return nil, invalid("progress", "progress must be between 0 and 100")
	}
	t.CreatedBy = actor.ID
	t.CreatedAt = s.now().UTC()

	if err := s.store.SaveTask(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}
	return &t, nil
}

// ListForProject returns a project's tasks to its manager, newest first.
func (s *Tasks) ListForProject(ctx context.Context, actor User, projectID string) ([]Task, error) {
	project, err := getProject(ctx, s.store, projectID)
	if err != nil {
		return nil, err
	}
	if err := requireManagerOf(s.guard, actor, *project); err != nil {
		return nil, err
	}
	return s.store.ListTasks(ctx, []string{projectID})
}
