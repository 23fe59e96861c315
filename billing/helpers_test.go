package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// march2 is a Monday; fixture timesheets start on it.
var march2 = time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu       sync.Mutex
	warnings []billing.OverBudgetWarning
}

func (s *recordingSink) OverBudget(_ context.Context, w billing.OverBudgetWarning) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, w)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.warnings)
}

type fixture struct {
	ctx   context.Context
	store *store.Memory
	sink  *recordingSink

	reconciler *billing.Reconciler
	projects   *billing.Projects
	timesheets *billing.Timesheets
	workflow   *billing.Workflow
	tasks      *billing.Tasks
	agg        *billing.Aggregator

	admin    billing.User
	pm       billing.User
	otherPM  billing.User
	employee billing.User
	customer billing.User
	globex   billing.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s := store.NewMemory()
	sink := &recordingSink{}
	log := zap.NewNop()
	guard := billing.OwnershipGuard{}
	rec := billing.NewReconciler(s, log, sink)

	f := &fixture{
		ctx:        context.Background(),
		store:      s,
		sink:       sink,
		reconciler: rec,
		projects:   billing.NewProjects(s, guard, rec, log),
		timesheets: billing.NewTimesheets(s, guard, rec, log),
		workflow:   billing.NewWorkflow(s, guard, rec, log),
		tasks:      billing.NewTasks(s, guard),
		agg:        billing.NewAggregator(s, guard),

		admin:    billing.User{ID: "admin", FullName: "Sys Admin", Roles: []billing.Role{billing.RoleSystemManager}},
		pm:       billing.User{ID: "pm-1", FullName: "Priya Manager", Roles: []billing.Role{billing.RoleProjectManager}},
		otherPM:  billing.User{ID: "pm-2", FullName: "Omar Manager", Roles: []billing.Role{billing.RoleProjectManager}},
		employee: billing.User{ID: "emp-1", FullName: "Eve Employee"},
		customer: billing.User{ID: "cust-acme", FullName: "Acme Buyer", Roles: []billing.Role{billing.RoleCustomer}, CustomerID: "acme"},
		globex:   billing.User{ID: "cust-globex", FullName: "Globex Buyer", Roles: []billing.Role{billing.RoleCustomer}, CustomerID: "globex"},
	}

	for _, c := range []billing.Customer{{ID: "acme", Name: "Acme"}, {ID: "globex", Name: "Globex"}} {
		require.NoError(t, s.SaveCustomer(f.ctx, c))
	}
	for _, u := range []billing.User{f.admin, f.pm, f.otherPM, f.employee, f.customer, f.globex} {
		require.NoError(t, s.SaveUser(f.ctx, u))
	}
	return f
}

// hourlyProject creates an Hourly Billing project for acme managed by pm.
func (f *fixture) hourlyProject(t *testing.T, id string, purchased, rate float64) billing.Project {
	t.Helper()
	p, _, err := f.projects.Save(f.ctx, f.pm, billing.Project{
		ID:             id,
		Name:           "Project " + id,
		CustomerID:     "acme",
		BillingType:    billing.BillingHourly,
		PurchasedHours: billing.Hours(purchased),
		HourlyRate:     billing.Hours(rate),
		ManagerUserID:  f.pm.ID,
	})
	require.NoError(t, err)
	return *p
}

func (f *fixture) fixedProject(t *testing.T, id string) billing.Project {
	t.Helper()
	p, _, err := f.projects.Save(f.ctx, f.pm, billing.Project{
		ID:            id,
		Name:          "Project " + id,
		CustomerID:    "acme",
		BillingType:   billing.BillingFixedCost,
		ManagerUserID: f.pm.ID,
	})
	require.NoError(t, err)
	return *p
}

// draft saves a timesheet with one 10h item per billable value, one day apart.
func (f *fixture) draft(t *testing.T, projectID string, billable ...float64) billing.Timesheet {
	t.Helper()
	items := make([]billing.LineItem, len(billable))
	for i, b := range billable {
		items[i] = billing.LineItem{
			ProjectID:     projectID,
			ActivityType:  "Development",
			Description:   "work",
			FromTime:      march2.AddDate(0, 0, i).Add(9 * time.Hour),
			Hours:         billing.Hours(10),
			BillableHours: billing.Hours(b),
		}
	}
	ts, err := f.timesheets.Save(f.ctx, f.employee, billing.Timesheet{Items: items})
	require.NoError(t, err)
	return *ts
}

// submitted is draft followed by Submit.
func (f *fixture) submitted(t *testing.T, projectID string, billable ...float64) billing.Timesheet {
	t.Helper()
	ts := f.draft(t, projectID, billable...)
	out, _, err := f.timesheets.Submit(f.ctx, f.employee, ts.ID)
	require.NoError(t, err)
	return *out
}

func (f *fixture) project(t *testing.T, id string) billing.Project {
	t.Helper()
	p, err := f.projects.Get(f.ctx, id)
	require.NoError(t, err)
	return *p
}

func (f *fixture) timesheet(t *testing.T, id string) billing.Timesheet {
	t.Helper()
	ts, err := f.store.GetTimesheet(f.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, ts)
	return *ts
}

func itemIDs(ts billing.Timesheet) []string {
	ids := make([]string, len(ts.Items))
	for i, item := range ts.Items {
		ids[i] = item.ID
	}
	return ids
}

func assertHours(t *testing.T, want float64, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(decimal.NewFromFloat(want)), "expected %v hours, got %s", want, got.String())
}
