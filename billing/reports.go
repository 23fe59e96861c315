package billing

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ReportFilter narrows manager reports. Zero values match everything.
type ReportFilter struct {
	ProjectID  string
	EmployeeID string
	Status     ApprovalStatus
	From       *time.Time
	To         *time.Time
}

// ApprovalReportRow is one line of the manager approval report.
type ApprovalReportRow struct {
	Entry
	CanEdit    bool
	IsApproved bool
	IsPending  bool
	IsRejected bool
}

// ManagerApprovalReport lists items on the caller's non-cancelled projects,
// filtered by project, employee, status and worked date.
func (a *Aggregator) ManagerApprovalReport(ctx context.Context, actor User, f ReportFilter) ([]ApprovalReportRow, error) {
	if err := RequireRole(actor, RoleProjectManager); err != nil {
		return nil, err
	}
	ids, err := a.scopedProjectIDs(ctx, actor, f.ProjectID, true)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []ApprovalReportRow{}, nil
	}

	entries, err := a.store.ListEntries(ctx, EntryFilter{
		ProjectIDs:     ids,
		EmployeeID:     f.EmployeeID,
		ApprovalStatus: f.Status,
		WorkedFrom:     f.From,
		WorkedTo:       f.To,
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].FromTime.After(entries[j].FromTime)
	})

	rows := make([]ApprovalReportRow, len(entries))
	for i, e := range entries {
		rows[i] = ApprovalReportRow{
			Entry:      e,
			CanEdit:    e.ApprovalStatus == ApprovalPending || e.ApprovalStatus == ApprovalRejected,
			IsApproved: e.ApprovalStatus == ApprovalApproved,
			IsPending:  e.ApprovalStatus == ApprovalPending,
			IsRejected: e.ApprovalStatus == ApprovalRejected,
		}
	}
	return rows, nil
}

// TimesheetApprovalReport lists submitted items on the caller's projects,
// filtered by timesheet start date.
func (a *Aggregator) TimesheetApprovalReport(ctx context.Context, actor User, f ReportFilter) ([]Entry, error) {
	if err := RequireRole(actor, RoleProjectManager); err != nil {
		return nil, err
	}
	ids, err := a.scopedProjectIDs(ctx, actor, f.ProjectID, false)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Entry{}, nil
	}
	return a.store.ListEntries(ctx, EntryFilter{
		ProjectIDs:      ids,
		EmployeeID:      f.EmployeeID,
		TimesheetStatus: TimesheetSubmitted,
		ApprovalStatus:  f.Status,
		StartFrom:       f.From,
		StartTo:         f.To,
	})
}

// scopedProjectIDs returns the caller's managed projects, narrowed to one
// project when requested. A project the caller does not manage yields none.
func (a *Aggregator) scopedProjectIDs(ctx context.Context, actor User, projectID string, excludeCancelled bool) ([]string, error) {
	ids, err := a.managedProjectIDs(ctx, actor, excludeCancelled)
	if err != nil {
		return nil, err
	}
	if projectID == "" {
		return ids, nil
	}
	if containsString(ids, projectID) {
		return []string{projectID}, nil
	}
	return nil, nil
}

// BillingReportFilter narrows the project billing report.
type BillingReportFilter struct {
	ProjectID   string
	BillingType BillingType
	Status      ProjectStatus
}

// ProjectBillingRow is one project in the billing summary report.
type ProjectBillingRow struct {
	ProjectSummary
	ManagerName      string
	PendingApprovals int
}

// ProjectBillingReport summarises every project the caller manages,
// including how many submitted items still await approval.
func (a *Aggregator) ProjectBillingReport(ctx context.Context, actor User, f BillingReportFilter) ([]ProjectBillingRow, error) {
	if err := RequireRole(actor, RoleProjectManager); err != nil {
		return nil, err
	}
	filter := ProjectFilter{
		ManagerUserID: actor.ID,
		BillingType:   f.BillingType,
		Status:        f.Status,
	}
	if f.ProjectID != "" {
		filter.IDs = []string{f.ProjectID}
	}
	projects, err := a.store.ListProjects(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		return []ProjectBillingRow{}, nil
	}

	ids := make([]string, len(projects))
	for i, p := range projects {
		ids[i] = p.ID
	}
	pending, err := a.store.ListEntries(ctx, EntryFilter{
		ProjectIDs:      ids,
		TimesheetStatus: TimesheetSubmitted,
		ApprovalStatus:  ApprovalPending,
	})
	if err != nil {
		return nil, err
	}
	pendingByProject := map[string]int{}
	for _, e := range pending {
		pendingByProject[e.ProjectID]++
	}

	rows := make([]ProjectBillingRow, len(projects))
	for i, p := range projects {
		rows[i] = ProjectBillingRow{
			ProjectSummary:   Summarize(p),
			ManagerName:      actor.DisplayName(),
			PendingApprovals: pendingByProject[p.ID],
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ProjectName < rows[j].ProjectName })
	return rows, nil
}

// =============================================================================
// CUSTOMER STATEMENTS
// =============================================================================

// StatementLine is one project's billed hours in a statement period.
type StatementLine struct {
	ProjectID   string
	ProjectName string
	BillingType BillingType
	Entries     int
	Hours       decimal.Decimal
	HourlyRate  decimal.Decimal
	Amount      decimal.Decimal
}

// Statement is a customer's approved work for a period, keyed by approval time.
type Statement struct {
	ID          string
	CustomerID  string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Lines       []StatementLine
	TotalHours  decimal.Decimal
	TotalAmount decimal.Decimal
	GeneratedAt time.Time
}

// StatementStore persists generated customer statements.
type StatementStore interface {
	SaveStatement(ctx context.Context, s Statement) error
	ListStatements(ctx context.Context, customerID string) ([]Statement, error)
}

// BuildStatement totals a customer's items approved in [start, end).
// Fixed Cost projects contribute hours but no amount.
func (a *Aggregator) BuildStatement(ctx context.Context, customerID string, start, end time.Time) (Statement, error) {
	st := Statement{
		CustomerID:  customerID,
		PeriodStart: start,
		PeriodEnd:   end,
		Lines:       []StatementLine{},
		GeneratedAt: a.now().UTC(),
	}
	filter := ApprovedBillable()
	filter.CustomerID = customerID
	last := end.Add(-time.Nanosecond)
	filter.ApprovedOnOrBefore = &last
	entries, err := a.store.ListEntries(ctx, filter)
	if err != nil {
		return st, err
	}

	lines := map[string]*StatementLine{}
	var order []string
	for _, e := range entries {
		if e.ApprovedAt == nil || e.ApprovedAt.Before(start) {
			continue
		}
		line, ok := lines[e.ProjectID]
		if !ok {
			line = &StatementLine{
				ProjectID:   e.ProjectID,
				ProjectName: e.ProjectName,
				BillingType: e.BillingType,
				HourlyRate:  e.HourlyRate,
			}
			lines[e.ProjectID] = line
			order = append(order, e.ProjectID)
		}
		line.Entries++
		line.Hours = line.Hours.Add(e.BillableHours)
	}

	sort.Strings(order)
	total, amount := decimal.Zero, decimal.Zero
	for _, id := range order {
		line := lines[id]
		line.Hours = RoundHours(line.Hours)
		if line.BillingType == BillingHourly {
			line.Amount = line.Hours.Mul(line.HourlyRate).Round(2)
		}
		total = total.Add(line.Hours)
		amount = amount.Add(line.Amount)
		st.Lines = append(st.Lines, *line)
	}
	st.TotalHours = RoundHours(total)
	st.TotalAmount = amount.Round(2)
	return st, nil
}
