/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes project billing and timesheet approval via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the billing package.

ENDPOINTS:
  Portal (Customer):
    GET    /api/portal/projects                List customer projects
    GET    /api/portal/projects/{id}/summary   Budget summary of one project
    GET    /api/portal/billing                 Month breakdown (project, month, year, employee, activity_type)
    GET    /api/portal/dashboard               Projects, current month, totals
    GET    /api/portal/filters                 Available filter values

  Projects (Project Manager):
    POST   /api/projects                       Create or update a project
    GET    /api/projects/{id}                  Billing summary
    GET    /api/projects/{id}/approval-summary Summary with entry counts
    GET    /api/projects/{id}/tasks            List tasks
    POST   /api/projects/{id}/tasks            Create task
    POST   /api/projects/{id}/timesheet-entries Bulk approve/reject

  Timesheets & entries:
    POST   /api/timesheets                     Save a draft
    POST   /api/timesheets/{id}/submit         Submit for approval
    POST   /api/timesheets/{id}/cancel         Cancel a submitted timesheet
    POST   /api/entries/approve|reject         Batch transitions
    POST   /api/entries/hours                  Batch hour edits
    PUT    /api/entries/{id}/hours             Single hour edit

  Admin (System Manager):
    GET    /api/admin/health                   Health snapshot
    POST   /api/admin/reconcile                Run the consumed-hours sweep now
    GET    /api/admin/reconciliation-runs      Job history
    GET    /api/admin/billing-statements       Weekly statements

IDENTITY:
  Every /api route except /api/health requires an X-User-ID header naming a
  known user. Role and ownership checks happen in the billing package.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 401: Missing or unknown X-User-ID
  - 403: Role or ownership check failed
  - 404: Resource not found
  - 500: Internal errors
  Batch endpoints answer 200 with failed_entries for per-item failures.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/internal/metrics"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is everything the HTTP layer persists through.
type Store interface {
	billing.TxStore
	billing.RunStore
	billing.StatementStore
	Reset(ctx context.Context) error
}

// Options configures NewHandler. Zero values are usable.
type Options struct {
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
	Guard            billing.AccessGuard
	Sinks            []billing.WarningSink
	VisibilityCutoff *time.Time
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      Store
	Projects   *billing.Projects
	Timesheets *billing.Timesheets
	Workflow   *billing.Workflow
	Tasks      *billing.Tasks
	Aggregator *billing.Aggregator
	Reconciler *billing.Reconciler
	Metrics    *metrics.Metrics
	Scheduler  *Scheduler

	logger *zap.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the billing services over store.
func NewHandler(store Store, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	guard := opts.Guard
	if guard == nil {
		guard = billing.OwnershipGuard{}
	}

	sinks := append([]billing.WarningSink{m}, opts.Sinks...)
	reconciler := billing.NewReconciler(store, logger.Named("reconciler"), sinks...)
	aggregator := billing.NewAggregator(store, guard)
	aggregator.SetVisibilityCutoff(opts.VisibilityCutoff)

	h := &Handler{
		Store:      store,
		Projects:   billing.NewProjects(store, guard, reconciler, logger.Named("projects")),
		Timesheets: billing.NewTimesheets(store, guard, reconciler, logger.Named("timesheets")),
		Workflow:   billing.NewWorkflow(store, guard, reconciler, logger.Named("workflow")),
		Tasks:      billing.NewTasks(store, guard),
		Aggregator: aggregator,
		Reconciler: reconciler,
		Metrics:    m,
		logger:     logger,
	}
	h.Scheduler = NewScheduler(store, reconciler, aggregator, m, logger)
	return h
}

// =============================================================================
// IDENTITY
// =============================================================================

type contextKey int

const userKey contextKey = iota

// UserHeader carries the caller's user ID.
const UserHeader = "X-User-ID"

// Identify resolves X-User-ID into a billing.User on the request context.
func (h *Handler) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(UserHeader))
		if id == "" {
			writeError(w, http.StatusUnauthorized, "Missing "+UserHeader+" header", nil)
			return
		}
		user, err := h.Store.GetUser(r.Context(), id)
		if err != nil {
			h.fail(w, r, "Failed to resolve user", err)
			return
		}
		if user == nil {
			writeError(w, http.StatusUnauthorized, "Unknown user", fmt.Errorf("%w: %s", billing.ErrUserNotFound, id))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, *user)))
	})
}

func userFrom(ctx context.Context) billing.User {
	u, _ := ctx.Value(userKey).(billing.User)
	return u
}

// =============================================================================
// HEALTH
// =============================================================================

// pinger is implemented by stores backed by a database connection.
type pinger interface {
	Ping(ctx context.Context) error
}

// Health is the unauthenticated liveness probe.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// =============================================================================
// PORTAL HANDLERS
// =============================================================================

// ListPortalProjects returns the caller's customer projects.
// GET /api/portal/projects
func (h *Handler) ListPortalProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Aggregator.CustomerProjects(r.Context(), userFrom(r.Context()))
	if err != nil {
		h.fail(w, r, "Failed to list projects", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": toProjectDTOs(projects)})
}

// GetPortalSummary returns one project's budget figures for its customer.
// GET /api/portal/projects/{id}/summary
func (h *Handler) GetPortalSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Aggregator.PortalProjectSummary(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to get project summary", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(*sum))
}

// GetPortalBilling returns one month of approved billing detail.
// GET /api/portal/billing?project=&year=&month=&employee=&activity_type=
func (h *Handler) GetPortalBilling(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	year, err := intParam(q.Get("year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}
	month, err := intParam(q.Get("month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}

	breakdown, err := h.Aggregator.BillingBreakdown(r.Context(), userFrom(r.Context()), billing.BreakdownQuery{
		ProjectID:    q.Get("project"),
		Year:         year,
		Month:        time.Month(month),
		Employee:     q.Get("employee"),
		ActivityType: q.Get("activity_type"),
	})
	if err != nil {
		h.fail(w, r, "Failed to get billing data", err)
		return
	}
	writeJSON(w, http.StatusOK, toBreakdownDTO(breakdown))
}

// GetPortalDashboard combines projects, the current month and totals.
// GET /api/portal/dashboard
func (h *Handler) GetPortalDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.Aggregator.Dashboard(r.Context(), userFrom(r.Context()))
	if err != nil {
		h.fail(w, r, "Failed to get dashboard", err)
		return
	}
	writeJSON(w, http.StatusOK, DashboardDTO{
		Projects:     toProjectDTOs(d.Projects),
		CurrentMonth: toBreakdownDTO(d.CurrentMonth),
		Totals: DashboardTotalsDTO{
			PurchasedHours: num(d.Totals.PurchasedHours),
			ConsumedHours:  num(d.Totals.ConsumedHours),
			ApprovedHours:  num(d.Totals.ApprovedHours),
			RemainingHours: num(d.Totals.RemainingHours),
		},
	})
}

// GetPortalFilters lists the values the portal can filter by.
// GET /api/portal/filters
func (h *Handler) GetPortalFilters(w http.ResponseWriter, r *http.Request) {
	f, err := h.Aggregator.FilterOptions(r.Context(), userFrom(r.Context()))
	if err != nil {
		h.fail(w, r, "Failed to get filter options", err)
		return
	}
	dto := FiltersDTO{
		Months:        make([]MonthOptionDTO, len(f.Months)),
		Employees:     f.Employees,
		ActivityTypes: f.ActivityTypes,
		Projects:      make([]ProjectOptionDTO, len(f.Projects)),
	}
	for i, m := range f.Months {
		dto.Months[i] = MonthOptionDTO{Year: m.Year, Month: int(m.Month), Label: m.Label, Value: m.Value}
	}
	for i, p := range f.Projects {
		dto.Projects[i] = ProjectOptionDTO{ID: p.ID, Name: p.Name}
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// PROJECT HANDLERS
// =============================================================================

// SaveProject creates or updates a project.
// POST /api/projects
func (h *Handler) SaveProject(w http.ResponseWriter, r *http.Request) {
	var req SaveProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p, warning, err := h.Projects.Save(r.Context(), userFrom(r.Context()), billing.Project{
		ID:             req.ID,
		Name:           req.Name,
		CustomerID:     req.CustomerID,
		Status:         billing.ProjectStatus(req.Status),
		BillingType:    billing.BillingType(req.BillingType),
		ManagerUserID:  req.ManagerUserID,
		PurchasedHours: billing.Hours(req.PurchasedHours),
		HourlyRate:     billing.Hours(req.HourlyRate),
	})
	if err != nil {
		h.fail(w, r, "Failed to save project", err)
		return
	}

	resp := SaveProjectResponse{Project: toProjectDTO(*p)}
	if warning != nil {
		dto := toWarningDTO(*warning)
		resp.Warning = &dto
	}
	status := http.StatusOK
	if req.ID == "" {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// GetProjectSummary returns a project's billing summary to its manager.
// GET /api/projects/{id}
func (h *Handler) GetProjectSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Aggregator.ProjectBillingSummary(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to get project summary", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(*sum))
}

// GetProjectApprovalSummary adds entry counts to the billing summary.
// GET /api/projects/{id}/approval-summary
func (h *Handler) GetProjectApprovalSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Aggregator.ProjectApprovalSummary(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to get approval summary", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(*sum))
}

// ListProjectTasks returns a project's tasks, newest first.
// GET /api/projects/{id}/tasks
func (h *Handler) ListProjectTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Tasks.ListForProject(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to list tasks", err)
		return
	}
	dtos := make([]TaskDTO, len(tasks))
	for i, t := range tasks {
		dtos[i] = toTaskDTO(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": dtos})
}

// CreateProjectTask adds a task to a project.
// POST /api/projects/{id}/tasks
func (h *Handler) CreateProjectTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	task, err := h.Tasks.Create(r.Context(), userFrom(r.Context()), billing.Task{
		ProjectID:     chi.URLParam(r, "id"),
		Subject:       req.Subject,
		Status:        req.Status,
		Priority:      req.Priority,
		ExpectedStart: req.ExpectedStart,
		ExpectedEnd:   req.ExpectedEnd,
		Progress:      req.Progress,
	})
	if err != nil {
		h.fail(w, r, "Failed to create task", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskDTO(*task))
}

// UpdateProjectEntries approves or rejects entries of one project.
// POST /api/projects/{id}/timesheet-entries
func (h *Handler) UpdateProjectEntries(w http.ResponseWriter, r *http.Request) {
	var req ProjectEntriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	action := billing.Action(strings.ToLower(req.Action))
	res, err := h.Workflow.BulkUpdateProject(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"), req.EntryIDs, action)
	if err != nil {
		h.fail(w, r, "Failed to update entries", err)
		return
	}
	h.Metrics.ObserveBatch(string(action), res)
	writeJSON(w, http.StatusOK, toBatchResponse(action, res))
}

// =============================================================================
// MANAGER HANDLERS
// =============================================================================

// ListManagedProjects returns the caller's non-cancelled projects.
// GET /api/manager/projects
func (h *Handler) ListManagedProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Aggregator.ManagedProjects(r.Context(), userFrom(r.Context()))
	if err != nil {
		h.fail(w, r, "Failed to list managed projects", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": toProjectDTOs(projects)})
}

// ListManagerEntries returns submitted entries of managed projects.
// GET /api/manager/timesheet-entries?project=&status=
func (h *Handler) ListManagerEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, err := approvalParam(q.Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid status", err)
		return
	}

	entries, err := h.Aggregator.ManagerEntries(r.Context(), userFrom(r.Context()), q.Get("project"), status)
	if err != nil {
		h.fail(w, r, "Failed to list timesheet entries", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": toEntryDTOs(entries)})
}

// =============================================================================
// TIMESHEET HANDLERS
// =============================================================================

// SaveTimesheet creates or replaces a draft timesheet.
// POST /api/timesheets
func (h *Handler) SaveTimesheet(w http.ResponseWriter, r *http.Request) {
	var req SaveTimesheetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ts := billing.Timesheet{
		ID:           req.ID,
		EmployeeID:   req.EmployeeID,
		EmployeeName: req.EmployeeName,
		ProjectID:    req.ProjectID,
		Items:        make([]billing.LineItem, len(req.Items)),
	}
	if req.StartDate != nil {
		ts.StartDate = *req.StartDate
	}
	if req.EndDate != nil {
		ts.EndDate = *req.EndDate
	}
	for i, item := range req.Items {
		ts.Items[i] = billing.LineItem{
			ID:            item.ID,
			ProjectID:     item.ProjectID,
			TaskID:        item.TaskID,
			ActivityType:  item.ActivityType,
			Description:   item.Description,
			FromTime:      item.FromTime,
			Hours:         billing.Hours(item.Hours),
			BillableHours: billing.Hours(item.BillableHours),
		}
	}

	saved, err := h.Timesheets.Save(r.Context(), userFrom(r.Context()), ts)
	if err != nil {
		h.fail(w, r, "Failed to save timesheet", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTimesheetDTO(*saved))
}

// GetTimesheetApprovalStatus counts a timesheet's items by approval status.
// GET /api/timesheets/{id}/approval-status
func (h *Handler) GetTimesheetApprovalStatus(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Timesheets.ApprovalSummary(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to get approval status", err)
		return
	}
	writeJSON(w, http.StatusOK, TimesheetApprovalDTO{
		TimesheetID:    sum.TimesheetID,
		Status:         string(sum.Status),
		ApprovalStatus: string(sum.ApprovalStatus),
		TotalEntries:   sum.Total,
		Pending:        sum.Pending,
		Approved:       sum.Approved,
		Rejected:       sum.Rejected,
		Entries:        toLineItemDTOs(sum.Entries),
	})
}

// SubmitTimesheet locks a draft for approval.
// POST /api/timesheets/{id}/submit
func (h *Handler) SubmitTimesheet(w http.ResponseWriter, r *http.Request) {
	ts, warnings, err := h.Timesheets.Submit(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to submit timesheet", err)
		return
	}
	writeJSON(w, http.StatusOK, TimesheetTransitionResponse{
		Timesheet: toTimesheetDTO(*ts),
		Warnings:  toWarningDTOs(warnings),
	})
}

// CancelTimesheet withdraws a submitted timesheet.
// POST /api/timesheets/{id}/cancel
func (h *Handler) CancelTimesheet(w http.ResponseWriter, r *http.Request) {
	ts, warnings, err := h.Timesheets.Cancel(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to cancel timesheet", err)
		return
	}
	writeJSON(w, http.StatusOK, TimesheetTransitionResponse{
		Timesheet: toTimesheetDTO(*ts),
		Warnings:  toWarningDTOs(warnings),
	})
}

// =============================================================================
// ENTRY HANDLERS
// =============================================================================

// ApproveEntries approves a batch of line items.
// POST /api/entries/approve
func (h *Handler) ApproveEntries(w http.ResponseWriter, r *http.Request) {
	h.transitionEntries(w, r, billing.ActionApprove, h.Workflow.Approve)
}

// RejectEntries rejects a batch of line items.
// POST /api/entries/reject
func (h *Handler) RejectEntries(w http.ResponseWriter, r *http.Request) {
	h.transitionEntries(w, r, billing.ActionReject, h.Workflow.Reject)
}

type batchFunc func(ctx context.Context, actor billing.User, ids []string) (billing.BatchResult, error)

func (h *Handler) transitionEntries(w http.ResponseWriter, r *http.Request, action billing.Action, fn batchFunc) {
	var req EntryIDsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := fn(r.Context(), userFrom(r.Context()), req.EntryIDs)
	if err != nil {
		h.fail(w, r, fmt.Sprintf("Failed to %s entries", action), err)
		return
	}
	h.Metrics.ObserveBatch(string(action), res)
	writeJSON(w, http.StatusOK, toBatchResponse(action, res))
}

// SaveHourChanges applies a batch of hour edits.
// POST /api/entries/hours
func (h *Handler) SaveHourChanges(w http.ResponseWriter, r *http.Request) {
	var req SaveHoursRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	edits := make([]billing.HourEdit, len(req.Changes))
	for i, c := range req.Changes {
		edits[i] = toHourEdit(c.ID, c)
	}
	res, err := h.Workflow.SaveHourChanges(r.Context(), userFrom(r.Context()), edits)
	if err != nil {
		h.fail(w, r, "Failed to save hour changes", err)
		return
	}
	h.Metrics.ObserveBatch("edit", res)
	writeJSON(w, http.StatusOK, toBatchResponse("edit", res))
}

// EditEntryHours re-splits one line item's hours.
// PUT /api/entries/{id}/hours
func (h *Handler) EditEntryHours(w http.ResponseWriter, r *http.Request) {
	var req HourEditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	item, warnings, err := h.Workflow.EditHours(r.Context(), userFrom(r.Context()), toHourEdit(chi.URLParam(r, "id"), req))
	if err != nil {
		h.fail(w, r, "Failed to edit hours", err)
		return
	}
	h.Metrics.ObserveBatch("edit", billing.BatchResult{Count: 1})
	writeJSON(w, http.StatusOK, EditHoursResponse{
		Entry:    toLineItemDTO(*item),
		Warnings: toWarningDTOs(warnings),
	})
}

func toHourEdit(id string, req HourEditRequest) billing.HourEdit {
	return billing.HourEdit{
		LineItemID:       id,
		BillableHours:    billing.Hours(req.BillableHours),
		NonBillableHours: billing.Hours(req.NonBillableHours),
	}
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// ManagerApprovalReport lists entries of managed projects with edit flags.
// GET /api/reports/manager-approval?project=&employee=&status=&from=&to=
func (h *Handler) ManagerApprovalReport(w http.ResponseWriter, r *http.Request) {
	f, err := reportFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}
	rows, err := h.Aggregator.ManagerApprovalReport(r.Context(), userFrom(r.Context()), f)
	if err != nil {
		h.fail(w, r, "Failed to build report", err)
		return
	}

	dtos := make([]ApprovalReportRowDTO, len(rows))
	for i, row := range rows {
		dtos[i] = ApprovalReportRowDTO{
			EntryDTO:   toEntryDTO(row.Entry),
			CanEdit:    row.CanEdit,
			IsApproved: row.IsApproved,
			IsPending:  row.IsPending,
			IsRejected: row.IsRejected,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": dtos})
}

// TimesheetApprovalReport lists submitted entries of managed projects.
// GET /api/reports/timesheet-approval?project=&employee=&status=&from=&to=
func (h *Handler) TimesheetApprovalReport(w http.ResponseWriter, r *http.Request) {
	f, err := reportFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}
	entries, err := h.Aggregator.TimesheetApprovalReport(r.Context(), userFrom(r.Context()), f)
	if err != nil {
		h.fail(w, r, "Failed to build report", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": toEntryDTOs(entries)})
}

// ProjectBillingReport summarises the caller's projects with pending counts.
// GET /api/reports/project-billing?project=&billing_type=&status=
func (h *Handler) ProjectBillingReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rows, err := h.Aggregator.ProjectBillingReport(r.Context(), userFrom(r.Context()), billing.BillingReportFilter{
		ProjectID:   q.Get("project"),
		BillingType: billing.BillingType(q.Get("billing_type")),
		Status:      billing.ProjectStatus(q.Get("status")),
	})
	if err != nil {
		h.fail(w, r, "Failed to build report", err)
		return
	}

	dtos := make([]ProjectBillingRowDTO, len(rows))
	for i, row := range rows {
		dtos[i] = ProjectBillingRowDTO{
			ProjectSummaryDTO: toSummaryDTO(row.ProjectSummary),
			ManagerName:       row.ManagerName,
			PendingApprovals:  row.PendingApprovals,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": dtos})
}

func reportFilter(r *http.Request) (billing.ReportFilter, error) {
	q := r.URL.Query()
	f := billing.ReportFilter{
		ProjectID:  q.Get("project"),
		EmployeeID: q.Get("employee"),
	}
	var err error
	if f.Status, err = approvalParam(q.Get("status")); err != nil {
		return f, err
	}
	if f.From, err = dateParam(q.Get("from"), false); err != nil {
		return f, err
	}
	if f.To, err = dateParam(q.Get("to"), true); err != nil {
		return f, err
	}
	return f, nil
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// requireAdmin writes a 403 and returns false unless the caller is a system manager.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if err := billing.RequireRole(userFrom(r.Context()), billing.RoleSystemManager); err != nil {
		h.fail(w, r, "Admin access required", err)
		return false
	}
	return true
}

// AdminHealth returns the system health snapshot.
// GET /api/admin/health
func (h *Handler) AdminHealth(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	health, err := h.Aggregator.Health(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to get health", err)
		return
	}
	h.Metrics.SetPendingApprovals(health.PendingApprovals)
	writeJSON(w, http.StatusOK, HealthDTO{
		PendingApprovals:    health.PendingApprovals,
		OverBudgetProjects:  health.OverBudgetProjects,
		TotalBillableAmount: num(health.TotalBillableAmount),
		Timestamp:           health.Timestamp,
	})
}

// TriggerReconcile runs the consumed-hours sweep immediately.
// POST /api/admin/reconcile
func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	run, report, err := h.Scheduler.RunSweep(r.Context())
	if err != nil {
		h.fail(w, r, "Reconciliation failed", err)
		return
	}
	failures := report.Failures
	if failures == nil {
		failures = []billing.SweepFailure{}
	}
	writeJSON(w, http.StatusOK, SweepResponse{
		Run:       run,
		Processed: report.Processed,
		Changed:   report.Changed,
		Failures:  failures,
		Warnings:  toWarningDTOs(report.Warnings),
	})
}

// ListReconciliationRuns returns job run history.
// GET /api/admin/reconciliation-runs?status=
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	runs, err := h.Store.GetReconciliationRuns(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		h.fail(w, r, "Failed to get reconciliation runs", err)
		return
	}
	if runs == nil {
		runs = []billing.ReconciliationRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// ListStatements returns generated weekly statements.
// GET /api/admin/billing-statements?customer=
func (h *Handler) ListStatements(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	statements, err := h.Store.ListStatements(r.Context(), r.URL.Query().Get("customer"))
	if err != nil {
		h.fail(w, r, "Failed to get billing statements", err)
		return
	}
	dtos := make([]StatementDTO, len(statements))
	for i, s := range statements {
		dtos[i] = toStatementDTO(s)
	}
	writeJSON(w, http.StatusOK, map[string]any{"statements": dtos})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps a billing error to its HTTP status. Only server errors are logged.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case billing.IsAuthorization(err):
		status, code = http.StatusForbidden, "forbidden"
	case billing.IsValidation(err):
		status, code = http.StatusBadRequest, "validation"
	case billing.IsNotFound(err):
		status, code = http.StatusNotFound, "not_found"
	default:
		h.logger.Error(message,
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: err.Error()})
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func approvalParam(s string) (billing.ApprovalStatus, error) {
	status := billing.ApprovalStatus(s)
	if s != "" && !status.Valid() {
		return "", fmt.Errorf("unknown approval status %q", s)
	}
	return status, nil
}

// dateParam parses YYYY-MM-DD. endOfDay moves the bound to the last instant
// of that day so "to" filters are inclusive.
func dateParam(s string, endOfDay bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
