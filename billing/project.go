package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Projects validates and persists project records.
type Projects struct {
	store      Store
	guard      AccessGuard
	reconciler *Reconciler
	logger     *zap.Logger
	now        func() time.Time
}

func NewProjects(store Store, guard AccessGuard, reconciler *Reconciler, logger *zap.Logger) *Projects {
	if guard == nil {
		guard = OwnershipGuard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projects{store: store, guard: guard, reconciler: reconciler, logger: logger, now: time.Now}
}

// ValidateProject enforces billing-type rules and the manager requirement.
// manager is the resolved ManagerUserID, or nil if it does not exist.
func ValidateProject(p *Project, manager *User) error {
	if p.Name == "" {
		return invalid("project_name", "Project name is required")
	}
	if p.ManagerUserID == "" {
		return invalid("project_manager_user", "Project Manager is required")
	}
	if manager == nil {
		return invalid("project_manager_user", "user %s does not exist", p.ManagerUserID)
	}
	if !manager.HasRole(RoleProjectManager) {
		return invalid("project_manager_user", "Selected user must have %s role", RoleProjectManager)
	}
	if p.Status == "" {
		p.Status = ProjectOpen
	}
	if !p.Status.Valid() {
		return invalid("status", "unknown status %q", p.Status)
	}

	switch p.BillingType {
	case BillingHourly:
		if !p.PurchasedHours.IsPositive() {
			return invalid("total_purchased_hours", "Total Purchased Hours must be greater than 0 for Hourly Billing projects")
		}
		if !p.HourlyRate.IsPositive() {
			return invalid("hourly_rate", "Hourly Rate must be greater than 0 for Hourly Billing projects")
		}
	case BillingFixedCost:
		p.PurchasedHours = decimal.Zero
		p.ConsumedHours = decimal.Zero
		p.HourlyRate = decimal.Zero
	default:
		return invalid("billing_type", "unknown billing type %q", p.BillingType)
	}
	return nil
}

// Save creates or updates a project, then reconciles it. The returned
// warning is non-nil when the saved project is over budget.
//
// Creating requires the project-manager role; updating requires being the
// current manager of record. ConsumedHours from the caller is ignored.
func (s *Projects) Save(ctx context.Context, actor User, p Project) (*Project, *OverBudgetWarning, error) {
	admin := actor.HasRole(RoleSystemManager)
	if !admin {
		if err := RequireRole(actor, RoleProjectManager); err != nil {
			return nil, nil, err
		}
	}

	now := s.now().UTC()
	var existing *Project
	if p.ID != "" {
		var err error
		existing, err = s.store.GetProject(ctx, p.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load project %s: %w", p.ID, err)
		}
	}
	if existing != nil {
		if !admin && !s.guard.IsManagerOf(actor, *existing) {
			return nil, nil, denied(actor, "not the project manager for %s", existing.ID)
		}
		p.ConsumedHours = existing.ConsumedHours
		p.CreatedAt = existing.CreatedAt
	} else {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.ConsumedHours = decimal.Zero
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	if p.CustomerID != "" {
		c, err := s.store.GetCustomer(ctx, p.CustomerID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load customer %s: %w", p.CustomerID, err)
		}
		if c == nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrCustomerNotFound, p.CustomerID)
		}
	}

	var manager *User
	if p.ManagerUserID != "" {
		var err error
		manager, err = s.store.GetUser(ctx, p.ManagerUserID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load manager %s: %w", p.ManagerUserID, err)
		}
	}
	if err := ValidateProject(&p, manager); err != nil {
		return nil, nil, err
	}

	if err := s.store.SaveProject(ctx, p); err != nil {
		return nil, nil, fmt.Errorf("failed to save project: %w", err)
	}

	res, err := s.reconciler.Recompute(ctx, p.ID)
	if err != nil {
		return nil, nil, err
	}
	p.ConsumedHours = res.Consumed

	s.logger.Info("project saved",
		zap.String("project_id", p.ID),
		zap.String("billing_type", string(p.BillingType)),
		zap.String("manager", p.ManagerUserID),
	)
	return &p, res.Warning, nil
}

// Get loads a project, translating a missing row into ErrProjectNotFound.
func (s *Projects) Get(ctx context.Context, id string) (*Project, error) {
	return getProject(ctx, s.store, id)
}

func getProject(ctx context.Context, store ProjectStore, id string) (*Project, error) {
	p, err := store.GetProject(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load project %s: %w", id, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	return p, nil
}
