/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Populates the store with realistic data for demos and manual testing.
  Scenarios are YAML documents embedded from scenarios/*.yaml; extra files
  can be loaded by the CLI (billing seed --file).

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Save customers and users directly (the directory has no workflow)
 3. Save projects as their manager, through the validation hook
 4. Create tasks as the project manager
 5. Save timesheets as the employee, optionally submit them
 6. Approve or reject line items as the project manager

  Every step after 2 goes through the billing services, so consumed hours
  and over-budget warnings come out exactly as they would in production.

DATES:
  Timesheets use weeks_ago (0 = current week, starting Monday UTC) and
  line items use a day offset, so demo data always lands near today.

USAGE VIA API:
  POST /api/admin/scenarios/load
  {"scenario_id": "hourly-budget"}

NOTE:
  Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Admin handlers
  - cmd/billing/main.go: seed command
*/
package api

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/warp/billing-engine/billing"
)

//go:embed scenarios/*.yaml
var scenarioFS embed.FS

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type Scenario struct {
	ID          string              `yaml:"id"`
	Name        string              `yaml:"name"`
	Description string              `yaml:"description"`
	Customers   []ScenarioCustomer  `yaml:"customers"`
	Users       []ScenarioUser      `yaml:"users"`
	Projects    []ScenarioProject   `yaml:"projects"`
	Tasks       []ScenarioTask      `yaml:"tasks"`
	Timesheets  []ScenarioTimesheet `yaml:"timesheets"`
}

type ScenarioCustomer struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Disabled bool   `yaml:"disabled"`
}

type ScenarioUser struct {
	ID       string   `yaml:"id"`
	FullName string   `yaml:"full_name"`
	Email    string   `yaml:"email"`
	Roles    []string `yaml:"roles"`
	Customer string   `yaml:"customer"`
}

type ScenarioProject struct {
	ID             string  `yaml:"id"`
	Name           string  `yaml:"name"`
	Customer       string  `yaml:"customer"`
	Status         string  `yaml:"status"`
	BillingType    string  `yaml:"billing_type"`
	PurchasedHours float64 `yaml:"purchased_hours"`
	HourlyRate     float64 `yaml:"hourly_rate"`
	Manager        string  `yaml:"manager"`
}

type ScenarioTask struct {
	ID       string `yaml:"id"`
	Project  string `yaml:"project"`
	Subject  string `yaml:"subject"`
	Priority string `yaml:"priority"`
	Progress int    `yaml:"progress"`
}

type ScenarioTimesheet struct {
	ID       string         `yaml:"id"`
	Employee string         `yaml:"employee"`
	Project  string         `yaml:"project"`
	WeeksAgo int            `yaml:"weeks_ago"`
	Submit   bool           `yaml:"submit"`
	Items    []ScenarioItem `yaml:"items"`
}

// ScenarioItem is one line item. Outcome is approved, rejected or empty
// (left pending); it only applies to submitted timesheets.
type ScenarioItem struct {
	ID            string  `yaml:"id"`
	Project       string  `yaml:"project"`
	Task          string  `yaml:"task"`
	Activity      string  `yaml:"activity"`
	Description   string  `yaml:"description"`
	Day           int     `yaml:"day"`
	Hours         float64 `yaml:"hours"`
	BillableHours float64 `yaml:"billable_hours"`
	Outcome       string  `yaml:"outcome"`
}

// ParseScenario decodes a YAML scenario document.
func ParseScenario(data []byte) (Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return sc, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if sc.ID == "" {
		return sc, fmt.Errorf("scenario has no id")
	}
	return sc, nil
}

// ReadScenarioFile loads a scenario from disk.
func ReadScenarioFile(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("failed to read scenario %s: %w", path, err)
	}
	return ParseScenario(data)
}

// BuiltinScenarios returns the embedded scenarios sorted by ID.
func BuiltinScenarios() ([]Scenario, error) {
	files, err := fs.Glob(scenarioFS, "scenarios/*.yaml")
	if err != nil {
		return nil, err
	}
	out := make([]Scenario, 0, len(files))
	for _, name := range files {
		data, err := scenarioFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		sc, err := ParseScenario(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// BuiltinScenario looks up an embedded scenario by ID.
func BuiltinScenario(id string) (Scenario, bool, error) {
	all, err := BuiltinScenarios()
	if err != nil {
		return Scenario{}, false, err
	}
	for _, sc := range all {
		if sc.ID == id {
			return sc, true, nil
		}
	}
	return Scenario{}, false, nil
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios and the one currently loaded.
// GET /api/admin/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	all, err := BuiltinScenarios()
	if err != nil {
		h.fail(w, r, "Failed to read scenarios", err)
		return
	}
	dtos := make([]ScenarioDTO, len(all))
	for i, sc := range all {
		dtos[i] = ScenarioDTO{ID: sc.ID, Name: sc.Name, Description: sc.Description}
	}

	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"scenarios": dtos, "current": current})
}

// LoadScenario resets the store and loads a built-in scenario.
// POST /api/admin/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	sc, ok, err := BuiltinScenario(req.ScenarioID)
	if err != nil {
		h.fail(w, r, "Failed to read scenarios", err)
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err := h.ApplyScenario(r.Context(), sc); err != nil {
		h.fail(w, r, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": sc.ID})
}

// =============================================================================
// SCENARIO LOADER
// =============================================================================

// ApplyScenario resets the store and replays sc through the billing services.
func (h *Handler) ApplyScenario(ctx context.Context, sc Scenario) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset store: %w", err)
	}
	h.currentScenario = ""

	for _, c := range sc.Customers {
		if err := h.Store.SaveCustomer(ctx, billing.Customer{ID: c.ID, Name: c.Name, Disabled: c.Disabled}); err != nil {
			return fmt.Errorf("customer %s: %w", c.ID, err)
		}
	}
	users := make(map[string]billing.User, len(sc.Users))
	for _, u := range sc.Users {
		user := billing.User{ID: u.ID, FullName: u.FullName, Email: u.Email, CustomerID: u.Customer}
		for _, role := range u.Roles {
			user.Roles = append(user.Roles, billing.Role(role))
		}
		if err := h.Store.SaveUser(ctx, user); err != nil {
			return fmt.Errorf("user %s: %w", u.ID, err)
		}
		users[u.ID] = user
	}

	managers := make(map[string]billing.User, len(sc.Projects))
	for _, p := range sc.Projects {
		manager, ok := users[p.Manager]
		if !ok {
			return fmt.Errorf("project %s: unknown manager %q", p.ID, p.Manager)
		}
		_, _, err := h.Projects.Save(ctx, manager, billing.Project{
			ID:             p.ID,
			Name:           p.Name,
			CustomerID:     p.Customer,
			Status:         billing.ProjectStatus(p.Status),
			BillingType:    billing.BillingType(p.BillingType),
			ManagerUserID:  p.Manager,
			PurchasedHours: billing.Hours(p.PurchasedHours),
			HourlyRate:     billing.Hours(p.HourlyRate),
		})
		if err != nil {
			return fmt.Errorf("project %s: %w", p.ID, err)
		}
		managers[p.ID] = manager
	}

	for _, t := range sc.Tasks {
		_, err := h.Tasks.Create(ctx, managers[t.Project], billing.Task{
			ID:        t.ID,
			ProjectID: t.Project,
			Subject:   t.Subject,
			Priority:  t.Priority,
			Progress:  t.Progress,
		})
		if err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
	}

	thisWeek := WeekStart(time.Now())
	for _, ts := range sc.Timesheets {
		if err := h.applyTimesheet(ctx, ts, users, managers, thisWeek); err != nil {
			return fmt.Errorf("timesheet %s: %w", ts.ID, err)
		}
	}

	h.currentScenario = sc.ID
	h.logger.Info("scenario loaded",
		zap.String("scenario", sc.ID),
		zap.Int("projects", len(sc.Projects)),
		zap.Int("timesheets", len(sc.Timesheets)),
	)
	return nil
}

func (h *Handler) applyTimesheet(ctx context.Context, st ScenarioTimesheet, users, managers map[string]billing.User, thisWeek time.Time) error {
	employee, ok := users[st.Employee]
	if !ok {
		return fmt.Errorf("unknown employee %q", st.Employee)
	}
	start := thisWeek.AddDate(0, 0, -7*st.WeeksAgo)
	ts := billing.Timesheet{
		ID:        st.ID,
		ProjectID: st.Project,
		StartDate: start,
		EndDate:   start.AddDate(0, 0, 6),
		Items:     make([]billing.LineItem, len(st.Items)),
	}
	for i, item := range st.Items {
		ts.Items[i] = billing.LineItem{
			ID:            item.ID,
			ProjectID:     item.Project,
			TaskID:        item.Task,
			ActivityType:  item.Activity,
			Description:   item.Description,
			FromTime:      start.AddDate(0, 0, item.Day).Add(9 * time.Hour),
			Hours:         billing.Hours(item.Hours),
			BillableHours: billing.Hours(item.BillableHours),
		}
	}

	saved, err := h.Timesheets.Save(ctx, employee, ts)
	if err != nil {
		return err
	}
	if !st.Submit {
		return nil
	}
	if _, _, err := h.Timesheets.Submit(ctx, employee, saved.ID); err != nil {
		return err
	}

	for i, item := range st.Items {
		projectID := saved.Items[i].ProjectID
		var res billing.BatchResult
		switch item.Outcome {
		case "":
			continue
		case "approved":
			res, err = h.Workflow.Approve(ctx, managers[projectID], []string{saved.Items[i].ID})
		case "rejected":
			res, err = h.Workflow.Reject(ctx, managers[projectID], []string{saved.Items[i].ID})
		default:
			return fmt.Errorf("item %d: unknown outcome %q", i+1, item.Outcome)
		}
		if err != nil {
			return err
		}
		if len(res.Failures) > 0 {
			return fmt.Errorf("item %d: %s", i+1, res.Failures[0])
		}
	}
	return nil
}
