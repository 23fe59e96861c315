/*
handlers_test.go - HTTP tests for the billing API

Tests for:
- Identity resolution (X-User-ID) and the public health probe
- Error mapping: 401 / 403 / 400 / 404
- Timesheet lifecycle and batch approval over HTTP
- Customer portal figures against a loaded scenario
- Admin endpoints (reconcile, runs, scenarios, metrics)
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func setupTestHandler(t *testing.T) *Handler {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewHandler(store, Options{})
}

// setupScenario returns a handler and router with a built-in scenario loaded.
func setupScenario(t *testing.T, id string) (*Handler, http.Handler) {
	h := setupTestHandler(t)
	sc, ok, err := BuiltinScenario(id)
	require.NoError(t, err)
	require.True(t, ok, "scenario %s", id)
	require.NoError(t, h.ApplyScenario(context.Background(), sc))
	return h, NewRouter(h, []string{"*"})
}

func call(t *testing.T, router http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// pendingEntryIDs lists the manager's pending items through the API.
func pendingEntryIDs(t *testing.T, router http.Handler, manager, projectID string) []string {
	rec := call(t, router, http.MethodGet, "/api/manager/timesheet-entries?project="+projectID, manager, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[struct {
		Entries []EntryDTO `json:"entries"`
	}](t, rec)
	ids := make([]string, len(resp.Entries))
	for i, e := range resp.Entries {
		ids[i] = e.ID
	}
	return ids
}

// =============================================================================
// IDENTITY & HEALTH
// =============================================================================

func TestHealth_NoIdentityRequired(t *testing.T) {
	_, router := setupScenario(t, "hourly-budget")

	rec := call(t, router, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, rec)["status"])
}

func TestIdentify_RejectsMissingOrUnknownUser(t *testing.T) {
	_, router := setupScenario(t, "hourly-budget")

	rec := call(t, router, http.MethodGet, "/api/portal/projects", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call(t, router, http.MethodGet, "/api/portal/projects", "mallory", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Details, "mallory")
}

// =============================================================================
// CUSTOMER PORTAL
// =============================================================================

func TestPortal_SummaryShowsApprovedHours(t *testing.T) {
	// GIVEN: hourly-budget: 100h at 50/h, items of 10 and 5 approved, 0h rejected
	// WHEN: The customer opens the project summary
	// THEN: 15 consumed, 85 remaining, 15% used, 750 billable

	_, router := setupScenario(t, "hourly-budget")

	rec := call(t, router, http.MethodGet, "/api/portal/projects/acme-web/summary", "cust-acme", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	sum := decode[ProjectSummaryDTO](t, rec)
	assert.Equal(t, 15.0, sum.ConsumedHours)
	assert.Equal(t, 85.0, sum.RemainingHours)
	assert.Equal(t, 15.0, sum.ConsumptionPercentage)
	assert.Equal(t, 750.0, sum.BillableAmount)
	assert.Equal(t, 15.0, sum.ApprovedBillableHours)
	assert.Equal(t, 750.0, sum.ApprovedBillableAmount)
	assert.False(t, sum.OverBudget)
}

func TestPortal_ProjectsAndDashboard(t *testing.T) {
	_, router := setupScenario(t, "hourly-budget")

	rec := call(t, router, http.MethodGet, "/api/portal/projects", "cust-acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	projects := decode[struct {
		Projects []ProjectDTO `json:"projects"`
	}](t, rec)
	assert.Len(t, projects.Projects, 2)

	rec = call(t, router, http.MethodGet, "/api/portal/dashboard", "cust-acme", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dash := decode[DashboardDTO](t, rec)
	assert.Equal(t, 100.0, dash.Totals.PurchasedHours)
	assert.Equal(t, 15.0, dash.Totals.ConsumedHours)
	assert.Equal(t, 85.0, dash.Totals.RemainingHours)

	rec = call(t, router, http.MethodGet, "/api/portal/filters", "cust-acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	filters := decode[FiltersDTO](t, rec)
	assert.Equal(t, []string{"Carol Diaz"}, filters.Employees)
	assert.NotEmpty(t, filters.Months)
}

func TestPortal_AccessErrors(t *testing.T) {
	_, router := setupScenario(t, "hourly-budget")

	// Not a customer
	rec := call(t, router, http.MethodGet, "/api/portal/projects", "pm-alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decode[ErrorResponse](t, rec).Code)

	rec = call(t, router, http.MethodGet, "/api/portal/projects/ghost/summary", "cust-acme", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Code)

	rec = call(t, router, http.MethodGet, "/api/portal/billing?year=2026&month=13", "cust-acme", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decode[ErrorResponse](t, rec).Code)

	rec = call(t, router, http.MethodGet, "/api/portal/billing?month=march", "cust-acme", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPortal_OtherCustomerIsForbidden(t *testing.T) {
	_, router := setupScenario(t, "over-budget")

	rec := call(t, router, http.MethodGet, "/api/portal/projects/acme-migration/summary", "cust-globex", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// =============================================================================
// TIMESHEETS & APPROVAL
// =============================================================================

func TestTimesheetLifecycleOverHTTP(t *testing.T) {
	// GIVEN: hourly-budget with 15 of 100 hours consumed
	// WHEN: Carol records 8 + 2 billable hours, submits, and Alice approves both
	// THEN: The project shows 25 consumed hours

	_, router := setupScenario(t, "hourly-budget")
	monday := WeekStart(time.Now()).Add(9 * time.Hour)

	rec := call(t, router, http.MethodPost, "/api/timesheets", "emp-carol", SaveTimesheetRequest{
		Items: []LineItemRequest{
			{ProjectID: "acme-web", ActivityType: "Development", FromTime: monday, Hours: 8, BillableHours: 8},
			{ProjectID: "acme-web", ActivityType: "Meeting", FromTime: monday.Add(4 * time.Hour), Hours: 4, BillableHours: 2},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ts := decode[TimesheetDTO](t, rec)
	assert.Equal(t, "Draft", ts.Status)
	assert.Equal(t, 2.0, ts.Items[1].NonBillableHours)

	rec = call(t, router, http.MethodPost, "/api/timesheets/"+ts.ID+"/submit", "emp-carol", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(t, router, http.MethodPost, "/api/entries/approve", "pm-alice", EntryIDsRequest{
		EntryIDs: []string{ts.Items[0].ID, ts.Items[1].ID},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	batch := decode[BatchResponse](t, rec)
	assert.True(t, batch.Success)
	assert.Equal(t, 2, batch.Count)
	require.NotNil(t, batch.ApprovedCount)
	assert.Equal(t, 2, *batch.ApprovedCount)
	assert.Nil(t, batch.RejectedCount)
	assert.Empty(t, batch.FailedEntries)

	rec = call(t, router, http.MethodGet, "/api/projects/acme-web", "pm-alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 25.0, decode[ProjectSummaryDTO](t, rec).ConsumedHours)

	rec = call(t, router, http.MethodGet, "/api/timesheets/"+ts.ID+"/approval-status", "emp-carol", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[TimesheetApprovalDTO](t, rec)
	assert.Equal(t, "Approved", status.ApprovalStatus)
	assert.Equal(t, 2, status.Approved)
}

func TestSaveTimesheet_ItemIDFromAnotherTimesheet(t *testing.T) {
	// GIVEN: hourly-budget, where ts-carol-1 holds decided items
	// WHEN: Carol posts a new draft reusing one of those item IDs
	// THEN: 400 validation, and the item still belongs to ts-carol-1

	h, router := setupScenario(t, "hourly-budget")
	ctx := context.Background()
	existing, err := h.Store.GetTimesheet(ctx, "ts-carol-1")
	require.NoError(t, err)
	require.NotEmpty(t, existing.Items)
	taken := existing.Items[0].ID

	rec := call(t, router, http.MethodPost, "/api/timesheets", "emp-carol", SaveTimesheetRequest{
		Items: []LineItemRequest{{
			ID:            taken,
			ProjectID:     "acme-web",
			ActivityType:  "Development",
			FromTime:      WeekStart(time.Now()).Add(9 * time.Hour),
			Hours:         2,
			BillableHours: 2,
		}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, "validation", decode[ErrorResponse](t, rec).Code)

	item, err := h.Store.GetLineItem(ctx, taken)
	require.NoError(t, err)
	assert.Equal(t, "ts-carol-1", item.TimesheetID)
}

func TestApprove_WrongManagerReportsFailures(t *testing.T) {
	// GIVEN: over-budget, a pending item on Bob's globex-audit project
	// WHEN: Alice tries to approve it
	// THEN: 200 with count 0 and the item listed as failed

	_, router := setupScenario(t, "over-budget")
	ids := pendingEntryIDs(t, router, "pm-bob", "globex-audit")
	require.Len(t, ids, 1)

	rec := call(t, router, http.MethodPost, "/api/entries/approve", "pm-alice", EntryIDsRequest{EntryIDs: ids})
	require.Equal(t, http.StatusOK, rec.Code)
	batch := decode[BatchResponse](t, rec)
	assert.Equal(t, 0, batch.Count)
	require.Len(t, batch.FailedEntries, 1)
	assert.Contains(t, batch.FailedEntries[0], "Not authorized for project globex-audit")
}

func TestApprove_OverBudgetWarningInResponse(t *testing.T) {
	_, router := setupScenario(t, "over-budget")

	// acme-migration is already at 22 of 20; editing re-triggers the warning
	rec := call(t, router, http.MethodGet, "/api/reports/manager-approval?project=acme-migration&status=Approved", "pm-alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[struct {
		Rows []ApprovalReportRowDTO `json:"rows"`
	}](t, rec).Rows
	require.Len(t, rows, 2)
	assert.False(t, rows[0].CanEdit)

	rec = call(t, router, http.MethodPut, "/api/entries/"+rows[0].ID+"/hours", "pm-alice", HourEditRequest{
		BillableHours:    rows[0].Hours - 1,
		NonBillableHours: 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[EditHoursResponse](t, rec)
	require.Len(t, resp.Warnings, 1)
	assert.Equal(t, "acme-migration", resp.Warnings[0].ProjectID)
	assert.Equal(t, 21.0, resp.Warnings[0].ConsumedHours)
	assert.Equal(t, 1.0, resp.Warnings[0].OverrunHours)
}

func TestEntries_RequestErrors(t *testing.T) {
	_, router := setupScenario(t, "hourly-budget")

	rec := call(t, router, http.MethodPost, "/api/entries/approve", "pm-alice", EntryIDsRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decode[ErrorResponse](t, rec).Code)

	rec = call(t, router, http.MethodPost, "/api/entries/reject", "pm-alice", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, router, http.MethodPost, "/api/entries/approve", "emp-carol", EntryIDsRequest{EntryIDs: []string{"x"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, router, http.MethodPut, "/api/entries/ghost/hours", "pm-alice", HourEditRequest{BillableHours: 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEditHours_MismatchIsRejected(t *testing.T) {
	_, router := setupScenario(t, "hourly-budget")
	ids := pendingEntryIDs(t, router, "pm-alice", "acme-support")
	require.Len(t, ids, 1)

	rec := call(t, router, http.MethodPost, "/api/entries/hours", "pm-alice", SaveHoursRequest{
		Changes: []HourEditRequest{{ID: ids[0], BillableHours: 1, NonBillableHours: 1}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	batch := decode[BatchResponse](t, rec)
	assert.Equal(t, 0, batch.Count)
	require.NotNil(t, batch.SavedCount)
	assert.Equal(t, 0, *batch.SavedCount)
	require.Len(t, batch.FailedEntries, 1)
	assert.Contains(t, batch.FailedEntries[0], "Total hours mismatch")
}

func TestProjectEntries_BulkAction(t *testing.T) {
	_, router := setupScenario(t, "hourly-budget")
	ids := pendingEntryIDs(t, router, "pm-alice", "acme-support")

	rec := call(t, router, http.MethodPost, "/api/projects/acme-support/timesheet-entries", "pm-alice",
		ProjectEntriesRequest{EntryIDs: ids, Action: "Reject"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"rejected_count":1`)
	assert.Equal(t, 1, decode[BatchResponse](t, rec).Count)

	rec = call(t, router, http.MethodPost, "/api/projects/acme-support/timesheet-entries", "pm-alice",
		ProjectEntriesRequest{EntryIDs: ids, Action: "archive"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// PROJECTS & TASKS
// =============================================================================

func TestSaveProject(t *testing.T) {
	_, router := setupScenario(t, "hourly-budget")

	rec := call(t, router, http.MethodPost, "/api/projects", "pm-alice", SaveProjectRequest{
		Name:           "Acme Mobile",
		CustomerID:     "acme",
		BillingType:    "Hourly Billing",
		ManagerUserID:  "pm-alice",
		PurchasedHours: 40,
		HourlyRate:     75,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[SaveProjectResponse](t, rec)
	assert.NotEmpty(t, resp.Project.ID)
	assert.Equal(t, "Open", resp.Project.Status)
	assert.Nil(t, resp.Warning)

	rec = call(t, router, http.MethodPost, "/api/projects", "pm-alice", SaveProjectRequest{
		Name:          "Broken",
		BillingType:   "Hourly Billing",
		ManagerUserID: "pm-alice",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, router, http.MethodPost, "/api/projects", "emp-carol", SaveProjectRequest{Name: "Nope"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProjectTasks(t *testing.T) {
	_, router := setupScenario(t, "hourly-budget")

	rec := call(t, router, http.MethodPost, "/api/projects/acme-web/tasks", "pm-alice", CreateTaskRequest{Subject: "Search"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	task := decode[TaskDTO](t, rec)
	assert.Equal(t, "acme-web", task.ProjectID)
	assert.Equal(t, "Medium", task.Priority)

	rec = call(t, router, http.MethodGet, "/api/projects/acme-web/tasks", "pm-alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tasks := decode[struct {
		Tasks []TaskDTO `json:"tasks"`
	}](t, rec).Tasks
	assert.Len(t, tasks, 2)

	rec = call(t, router, http.MethodPost, "/api/projects/acme-web/tasks", "cust-acme", CreateTaskRequest{Subject: "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProjectBillingReport(t *testing.T) {
	_, router := setupScenario(t, "over-budget")

	rec := call(t, router, http.MethodGet, "/api/reports/project-billing", "pm-alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[struct {
		Rows []ProjectBillingRowDTO `json:"rows"`
	}](t, rec).Rows
	require.Len(t, rows, 1)
	assert.Equal(t, "acme-migration", rows[0].ID)
	assert.Equal(t, 22.0, rows[0].ConsumedHours)
	assert.True(t, rows[0].OverBudget)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdmin_RequiresSystemManager(t *testing.T) {
	_, router := setupScenario(t, "hourly-budget")

	for _, path := range []string{"/api/admin/health", "/api/admin/reconciliation-runs", "/api/admin/scenarios"} {
		rec := call(t, router, http.MethodGet, path, "pm-alice", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}
}

func TestAdmin_ReconcileRecordsRun(t *testing.T) {
	_, router := setupScenario(t, "over-budget")

	rec := call(t, router, http.MethodPost, "/api/admin/reconcile", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sweep := decode[SweepResponse](t, rec)
	assert.Equal(t, 2, sweep.Processed)
	assert.Equal(t, 0, sweep.Changed)
	assert.Equal(t, "completed", sweep.Run.Status)
	require.Len(t, sweep.Warnings, 1)
	assert.Equal(t, "acme-migration", sweep.Warnings[0].ProjectID)

	rec = call(t, router, http.MethodGet, "/api/admin/reconciliation-runs?status=completed", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), sweep.Run.ID)

	rec = call(t, router, http.MethodGet, "/api/admin/health", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthDTO](t, rec)
	assert.Equal(t, 1, health.PendingApprovals)
	assert.Equal(t, 1, health.OverBudgetProjects)
	// 22*80 + 6*120
	assert.Equal(t, 2480.0, health.TotalBillableAmount)
}

func TestAdmin_Scenarios(t *testing.T) {
	h, router := setupScenario(t, "hourly-budget")

	rec := call(t, router, http.MethodGet, "/api/admin/scenarios", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Scenarios []ScenarioDTO `json:"scenarios"`
		Current   string        `json:"current"`
	}](t, rec)
	assert.Equal(t, "hourly-budget", list.Current)
	assert.Len(t, list.Scenarios, 2)

	rec = call(t, router, http.MethodPost, "/api/admin/scenarios/load", "admin", map[string]string{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, router, http.MethodPost, "/api/admin/scenarios/load", "admin", map[string]string{"scenario_id": "over-budget"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "over-budget", h.currentScenario)

	// hourly-budget data is gone
	rec = call(t, router, http.MethodGet, "/api/portal/projects/acme-web/summary", "cust-acme", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	_, router := setupScenario(t, "hourly-budget")
	call(t, router, http.MethodGet, "/api/health", "", nil)

	rec := call(t, router, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "billing_http_requests_total"), "request counter missing")
	assert.Contains(t, body, `route="/api/health"`)
}
