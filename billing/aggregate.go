/*
aggregate.go - Read-only billing projections

PURPOSE:
  Summaries, hierarchical breakdowns and health figures computed over the
  same ledger the workflow writes. Every billing figure starts from
  ApprovedBillable(): submitted timesheets, explicitly Approved items.

VIEWS:
  Manager:  ProjectBillingSummary, ProjectApprovalSummary, ManagedProjects,
            ManagerEntries
  Customer: CustomerProjects, PortalProjectSummary, BillingBreakdown,
            Dashboard, FilterOptions
  System:   Health

CUSTOMER VISIBILITY:
  Portal views require the Customer role and a linked customer, check
  IsCustomerOwnerOf for every project they expose, and when a visibility
  cutoff is configured only include items approved on or before it.

BREAKDOWN SHAPE:
  "YYYY-MM" -> project name -> task ("General" when none) -> []entry
  Months are bucketed by the timesheet start date.

SEE ALSO:
  - reports.go: Tabular manager reports
  - api/handlers.go: HTTP exposure
*/
package billing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// GeneralTask labels line items that reference no task.
const GeneralTask = "General"

// Aggregator computes read-only views.
type Aggregator struct {
	store  Store
	guard  AccessGuard
	cutoff *time.Time
	now    func() time.Time
}

func NewAggregator(store Store, guard AccessGuard) *Aggregator {
	if guard == nil {
		guard = OwnershipGuard{}
	}
	return &Aggregator{store: store, guard: guard, now: time.Now}
}

// SetVisibilityCutoff limits customer views to items approved on or before t.
// A nil cutoff shows every approved item.
func (a *Aggregator) SetVisibilityCutoff(t *time.Time) {
	a.cutoff = t
}

// =============================================================================
// SUMMARIES
// =============================================================================

// EntryStats counts line items by approval status.
type EntryStats struct {
	TotalEntries     int
	PendingEntries   int
	ApprovedEntries  int
	RejectedEntries  int
	TotalHours       decimal.Decimal
	BillableHours    decimal.Decimal
	NonBillableHours decimal.Decimal
}

func CountEntries(entries []Entry) EntryStats {
	var s EntryStats
	for _, e := range entries {
		s.TotalEntries++
		switch e.ApprovalStatus {
		case ApprovalPending:
			s.PendingEntries++
		case ApprovalApproved:
			s.ApprovedEntries++
		case ApprovalRejected:
			s.RejectedEntries++
		}
		s.TotalHours = s.TotalHours.Add(e.Hours)
		s.BillableHours = s.BillableHours.Add(e.BillableHours)
		s.NonBillableHours = s.NonBillableHours.Add(e.NonBillableHours)
	}
	s.TotalHours = RoundHours(s.TotalHours)
	s.BillableHours = RoundHours(s.BillableHours)
	s.NonBillableHours = RoundHours(s.NonBillableHours)
	return s
}

// ProjectSummary is the budget view of one project.
type ProjectSummary struct {
	ProjectID             string
	ProjectName           string
	CustomerID            string
	BillingType           BillingType
	Status                ProjectStatus
	ManagerUserID         string
	PurchasedHours        decimal.Decimal
	ConsumedHours         decimal.Decimal
	RemainingHours        decimal.Decimal
	ConsumptionPercentage decimal.Decimal
	HourlyRate            decimal.Decimal
	BillableAmount        decimal.Decimal
	OverBudget            bool

	// Portal only: approved hours visible to the customer and their value.
	ApprovedBillableHours  decimal.Decimal
	ApprovedBillableAmount decimal.Decimal

	Stats *EntryStats
}

// Summarize builds the budget figures of a project.
func Summarize(p Project) ProjectSummary {
	return ProjectSummary{
		ProjectID:             p.ID,
		ProjectName:           p.Name,
		CustomerID:            p.CustomerID,
		BillingType:           p.BillingType,
		Status:                p.Status,
		ManagerUserID:         p.ManagerUserID,
		PurchasedHours:        p.PurchasedHours,
		ConsumedHours:         p.ConsumedHours,
		RemainingHours:        p.RemainingHours(),
		ConsumptionPercentage: p.ConsumptionPercentage(),
		HourlyRate:            p.HourlyRate,
		BillableAmount:        p.BillableAmount(),
		OverBudget:            p.IsOverBudget(),
	}
}

// ProjectBillingSummary is visible to the project's manager, its customer
// and system managers. Stats cover submitted timesheets.
func (a *Aggregator) ProjectBillingSummary(ctx context.Context, actor User, projectID string) (*ProjectSummary, error) {
	p, err := getProject(ctx, a.store, projectID)
	if err != nil {
		return nil, err
	}
	if !a.guard.IsManagerOf(actor, *p) && !a.guard.IsCustomerOwnerOf(actor, *p) && !actor.HasRole(RoleSystemManager) {
		return nil, denied(actor, "cannot view project %s", projectID)
	}
	entries, err := a.store.ListEntries(ctx, EntryFilter{
		ProjectIDs:      []string{projectID},
		TimesheetStatus: TimesheetSubmitted,
	})
	if err != nil {
		return nil, err
	}
	sum := Summarize(*p)
	stats := CountEntries(entries)
	sum.Stats = &stats
	return &sum, nil
}

// ProjectApprovalSummary counts every line item of a managed project.
func (a *Aggregator) ProjectApprovalSummary(ctx context.Context, actor User, projectID string) (*ProjectSummary, error) {
	if err := RequireRole(actor, RoleProjectManager); err != nil {
		return nil, err
	}
	p, err := getProject(ctx, a.store, projectID)
	if err != nil {
		return nil, err
	}
	if err := requireManagerOf(a.guard, actor, *p); err != nil {
		return nil, err
	}
	entries, err := a.store.ListEntries(ctx, EntryFilter{ProjectIDs: []string{projectID}})
	if err != nil {
		return nil, err
	}
	sum := Summarize(*p)
	stats := CountEntries(entries)
	sum.Stats = &stats
	return &sum, nil
}

// ManagedProjects lists the caller's non-cancelled projects.
func (a *Aggregator) ManagedProjects(ctx context.Context, actor User) ([]Project, error) {
	if err := RequireRole(actor, RoleProjectManager); err != nil {
		return nil, err
	}
	return a.store.ListProjects(ctx, ProjectFilter{
		ManagerUserID: actor.ID,
		ExcludeStatus: ProjectCancelled,
	})
}

// ManagerEntries lists submitted items awaiting (or past) approval on the
// caller's projects. An empty status means Pending.
func (a *Aggregator) ManagerEntries(ctx context.Context, actor User, projectID string, status ApprovalStatus) ([]Entry, error) {
	if err := RequireRole(actor, RoleProjectManager); err != nil {
		return nil, err
	}
	if status == "" {
		status = ApprovalPending
	}
	ids, err := a.managedProjectIDs(ctx, actor, false)
	if err != nil {
		return nil, err
	}
	if projectID != "" {
		if !containsString(ids, projectID) {
			return nil, denied(actor, "not the project manager for %s", projectID)
		}
		ids = []string{projectID}
	}
	if len(ids) == 0 {
		return []Entry{}, nil
	}
	return a.store.ListEntries(ctx, EntryFilter{
		ProjectIDs:      ids,
		TimesheetStatus: TimesheetSubmitted,
		ApprovalStatus:  status,
	})
}

func (a *Aggregator) managedProjectIDs(ctx context.Context, actor User, excludeCancelled bool) ([]string, error) {
	filter := ProjectFilter{ManagerUserID: actor.ID}
	if excludeCancelled {
		filter.ExcludeStatus = ProjectCancelled
	}
	projects, err := a.store.ListProjects(ctx, filter)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(projects))
	for i, p := range projects {
		ids[i] = p.ID
	}
	return ids, nil
}

// =============================================================================
// CUSTOMER PORTAL
// =============================================================================

func (a *Aggregator) visible(customerID string) EntryFilter {
	f := ApprovedBillable()
	f.CustomerID = customerID
	f.ApprovedOnOrBefore = a.cutoff
	return f
}

// CustomerProjects lists the caller's customer's non-cancelled projects.
func (a *Aggregator) CustomerProjects(ctx context.Context, actor User) ([]Project, error) {
	customerID, err := requireCustomer(actor)
	if err != nil {
		return nil, err
	}
	return a.store.ListProjects(ctx, ProjectFilter{
		CustomerID:    customerID,
		ExcludeStatus: ProjectCancelled,
	})
}

// PortalProjectSummary is the customer's budget card for one project.
func (a *Aggregator) PortalProjectSummary(ctx context.Context, actor User, projectID string) (*ProjectSummary, error) {
	customerID, err := requireCustomer(actor)
	if err != nil {
		return nil, err
	}
	p, err := getProject(ctx, a.store, projectID)
	if err != nil {
		return nil, err
	}
	if !a.guard.IsCustomerOwnerOf(actor, *p) {
		return nil, denied(actor, "you don't have permission to access project %s", projectID)
	}

	filter := a.visible(customerID)
	filter.ProjectIDs = []string{projectID}
	entries, err := a.store.ListEntries(ctx, filter)
	if err != nil {
		return nil, err
	}
	sum := Summarize(*p)
	sum.ApprovedBillableHours = SumBillable(entries)
	sum.ApprovedBillableAmount = sum.ApprovedBillableHours.Mul(p.HourlyRate).Round(2)
	return &sum, nil
}

// BreakdownQuery selects one month of billing detail. Zero Year or Month
// means the current month.
type BreakdownQuery struct {
	ProjectID    string
	Year         int
	Month        time.Month
	Employee     string
	ActivityType string
}

type BreakdownEntry struct {
	LineItemID    string
	ActivityType  string
	Description   string
	EmployeeName  string
	BillableHours decimal.Decimal
	ApprovedBy    string
	ApprovedAt    *time.Time
	Date          time.Time
}

type ProjectBreakdown struct {
	ProjectID          string
	ProjectName        string
	BillingType        BillingType
	HourlyRate         decimal.Decimal
	TotalBillableHours decimal.Decimal
	Tasks              map[string][]BreakdownEntry
}

type MonthBreakdown struct {
	Label    string
	Projects map[string]*ProjectBreakdown
}

// Breakdown maps "YYYY-MM" to that month's projects.
type Breakdown map[string]*MonthBreakdown

func monthKey(year int, month time.Month) string {
	return fmt.Sprintf("%04d-%02d", year, int(month))
}

func monthLabel(year int, month time.Month) string {
	return fmt.Sprintf("%s %d", month.String(), year)
}

// BuildBreakdown groups entries by month, project name and task.
func BuildBreakdown(entries []Entry) Breakdown {
	out := Breakdown{}
	for _, e := range entries {
		y, m, _ := e.TimesheetStart.Date()
		key := monthKey(y, m)
		month, ok := out[key]
		if !ok {
			month = &MonthBreakdown{Label: monthLabel(y, m), Projects: map[string]*ProjectBreakdown{}}
			out[key] = month
		}

		name := e.ProjectName
		if name == "" {
			name = e.ProjectID
		}
		proj, ok := month.Projects[name]
		if !ok {
			proj = &ProjectBreakdown{
				ProjectID:   e.ProjectID,
				ProjectName: name,
				BillingType: e.BillingType,
				HourlyRate:  e.HourlyRate,
				Tasks:       map[string][]BreakdownEntry{},
			}
			month.Projects[name] = proj
		}

		task := e.TaskSubject
		if task == "" {
			task = e.TaskID
		}
		if task == "" {
			task = GeneralTask
		}
		proj.Tasks[task] = append(proj.Tasks[task], BreakdownEntry{
			LineItemID:    e.ID,
			ActivityType:  e.ActivityType,
			Description:   e.Description,
			EmployeeName:  e.EmployeeName,
			BillableHours: e.BillableHours,
			ApprovedBy:    e.ApprovedBy,
			ApprovedAt:    e.ApprovedAt,
			Date:          e.TimesheetStart,
		})
		proj.TotalBillableHours = RoundHours(proj.TotalBillableHours.Add(e.BillableHours))
	}
	return out
}

// BillingBreakdown returns one month of approved, customer-visible detail.
func (a *Aggregator) BillingBreakdown(ctx context.Context, actor User, q BreakdownQuery) (Breakdown, error) {
	customerID, err := requireCustomer(actor)
	if err != nil {
		return nil, err
	}
	if q.Year == 0 || q.Month == 0 {
		now := a.now()
		q.Year, q.Month = now.Year(), now.Month()
	}
	if q.Month < time.January || q.Month > time.December {
		return nil, invalid("month", "month must be between 1 and 12")
	}

	filter := a.visible(customerID)
	if q.ProjectID != "" {
		p, err := getProject(ctx, a.store, q.ProjectID)
		if err != nil {
			return nil, err
		}
		if !a.guard.IsCustomerOwnerOf(actor, *p) {
			return nil, denied(actor, "you don't have permission to access project %s", q.ProjectID)
		}
		filter.ProjectIDs = []string{q.ProjectID}
	} else {
		projects, err := a.store.ListProjects(ctx, ProjectFilter{CustomerID: customerID, ExcludeStatus: ProjectCancelled})
		if err != nil {
			return nil, err
		}
		if len(projects) == 0 {
			return Breakdown{}, nil
		}
		for _, p := range projects {
			filter.ProjectIDs = append(filter.ProjectIDs, p.ID)
		}
	}

	start := time.Date(q.Year, q.Month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0).Add(-time.Nanosecond)
	filter.StartFrom = &start
	filter.StartTo = &end
	filter.EmployeeNameLike = q.Employee
	filter.ActivityTypeLike = q.ActivityType

	entries, err := a.store.ListEntries(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := BuildBreakdown(entries)
	key := monthKey(q.Year, q.Month)
	if _, ok := out[key]; !ok {
		out[key] = &MonthBreakdown{Label: monthLabel(q.Year, q.Month), Projects: map[string]*ProjectBreakdown{}}
	}
	return out, nil
}

// DashboardTotals aggregates a customer's non-cancelled projects.
type DashboardTotals struct {
	PurchasedHours decimal.Decimal
	ConsumedHours  decimal.Decimal
	ApprovedHours  decimal.Decimal
	RemainingHours decimal.Decimal
}

type Dashboard struct {
	Projects     []Project
	CurrentMonth Breakdown
	Totals       DashboardTotals
}

// Dashboard combines the project list, current month breakdown and totals.
func (a *Aggregator) Dashboard(ctx context.Context, actor User) (*Dashboard, error) {
	projects, err := a.CustomerProjects(ctx, actor)
	if err != nil {
		return nil, err
	}
	current, err := a.BillingBreakdown(ctx, actor, BreakdownQuery{})
	if err != nil {
		return nil, err
	}

	var totals DashboardTotals
	var ids []string
	for _, p := range projects {
		totals.PurchasedHours = totals.PurchasedHours.Add(p.PurchasedHours)
		totals.ConsumedHours = totals.ConsumedHours.Add(p.ConsumedHours)
		ids = append(ids, p.ID)
	}
	if len(ids) > 0 {
		filter := a.visible(actor.CustomerID)
		filter.ProjectIDs = ids
		entries, err := a.store.ListEntries(ctx, filter)
		if err != nil {
			return nil, err
		}
		totals.ApprovedHours = SumBillable(entries)
	}
	totals.PurchasedHours = RoundHours(totals.PurchasedHours)
	totals.ConsumedHours = RoundHours(totals.ConsumedHours)
	totals.RemainingHours = totals.PurchasedHours.Sub(totals.ConsumedHours)

	return &Dashboard{Projects: projects, CurrentMonth: current, Totals: totals}, nil
}

type MonthOption struct {
	Year  int
	Month time.Month
	Label string
	Value string
}

type ProjectOption struct {
	ID   string
	Name string
}

// PortalFilters lists the values a customer can filter billing data by.
type PortalFilters struct {
	Months        []MonthOption
	Employees     []string
	ActivityTypes []string
	Projects      []ProjectOption
}

// FilterOptions derives portal filter values from visible approved items.
func (a *Aggregator) FilterOptions(ctx context.Context, actor User) (*PortalFilters, error) {
	projects, err := a.CustomerProjects(ctx, actor)
	if err != nil {
		return nil, err
	}
	entries, err := a.store.ListEntries(ctx, a.visible(actor.CustomerID))
	if err != nil {
		return nil, err
	}

	out := &PortalFilters{
		Months:        []MonthOption{},
		Employees:     []string{},
		ActivityTypes: []string{},
		Projects:      make([]ProjectOption, 0, len(projects)),
	}
	for _, p := range projects {
		out.Projects = append(out.Projects, ProjectOption{ID: p.ID, Name: p.Name})
	}

	months := map[string]MonthOption{}
	employees := map[string]bool{}
	activities := map[string]bool{}
	for _, e := range entries {
		y, m, _ := e.TimesheetStart.Date()
		key := monthKey(y, m)
		months[key] = MonthOption{Year: y, Month: m, Label: monthLabel(y, m), Value: key}
		if e.EmployeeName != "" {
			employees[e.EmployeeName] = true
		}
		if e.ActivityType != "" {
			activities[e.ActivityType] = true
		}
	}
	for _, m := range months {
		out.Months = append(out.Months, m)
	}
	sort.Slice(out.Months, func(i, j int) bool { return out.Months[i].Value > out.Months[j].Value })
	out.Employees = sortedKeys(employees)
	out.ActivityTypes = sortedKeys(activities)
	return out, nil
}

// =============================================================================
// HEALTH
// =============================================================================

// SystemHealth is a point-in-time snapshot for operators.
type SystemHealth struct {
	PendingApprovals    int
	OverBudgetProjects  int
	TotalBillableAmount decimal.Decimal
	Timestamp           time.Time
}

// Health counts pending submitted items and over-budget open hourly projects,
// and totals consumed*rate over open hourly projects.
func (a *Aggregator) Health(ctx context.Context) (*SystemHealth, error) {
	pending, err := a.store.ListEntries(ctx, EntryFilter{
		TimesheetStatus: TimesheetSubmitted,
		ApprovalStatus:  ApprovalPending,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count pending approvals: %w", err)
	}
	projects, err := a.store.ListProjects(ctx, ProjectFilter{BillingType: BillingHourly, Status: ProjectOpen})
	if err != nil {
		return nil, fmt.Errorf("failed to list hourly projects: %w", err)
	}

	h := &SystemHealth{PendingApprovals: len(pending), Timestamp: a.now().UTC()}
	total := decimal.Zero
	for _, p := range projects {
		if p.IsOverBudget() {
			h.OverBudgetProjects++
		}
		total = total.Add(p.ConsumedHours.Mul(p.HourlyRate))
	}
	h.TotalBillableAmount = total.Round(2)
	return h, nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
