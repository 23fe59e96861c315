package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Timesheets manages the draft / submit / cancel lifecycle.
type Timesheets struct {
	store      TxStore
	guard      AccessGuard
	reconciler *Reconciler
	logger     *zap.Logger
	now        func() time.Time
}

func NewTimesheets(store TxStore, guard AccessGuard, reconciler *Reconciler, logger *zap.Logger) *Timesheets {
	if guard == nil {
		guard = OwnershipGuard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Timesheets{store: store, guard: guard, reconciler: reconciler, logger: logger, now: time.Now}
}

// NormalizeTimesheet fills derived hour fields and validates each item.
// Billable hours default to zero and non-billable hours are always
// hours minus billable.
func NormalizeTimesheet(ts *Timesheet) error {
	for i := range ts.Items {
		item := &ts.Items[i]
		if item.Hours.IsNegative() {
			return invalid("hours", "Hours cannot be negative")
		}
		if item.BillableHours.IsNegative() {
			return invalid("billable_hours", "Billable hours cannot be negative")
		}
		item.NonBillableHours = item.Hours.Sub(item.BillableHours)
		if item.NonBillableHours.IsNegative() {
			return invalid("non_billable_hours", "Non-billable hours cannot be negative")
		}
	}
	computeTotals(ts)
	return nil
}

func computeTotals(ts *Timesheet) {
	hours, billable, nonBillable := decimal.Zero, decimal.Zero, decimal.Zero
	for _, item := range ts.Items {
		hours = hours.Add(item.Hours)
		billable = billable.Add(item.BillableHours)
		nonBillable = nonBillable.Add(item.NonBillableHours)
	}
	ts.TotalHours = RoundHours(hours)
	ts.TotalBillableHours = RoundHours(billable)
	ts.TotalNonBillableHours = RoundHours(nonBillable)
}

// Save creates a draft timesheet or replaces an existing draft.
func (s *Timesheets) Save(ctx context.Context, actor User, ts Timesheet) (*Timesheet, error) {
	if ts.EmployeeID == "" {
		ts.EmployeeID = actor.ID
	}
	if ts.EmployeeID != actor.ID && !actor.HasRole(RoleSystemManager) {
		return nil, denied(actor, "cannot record time for %s", ts.EmployeeID)
	}
	if ts.EmployeeName == "" {
		ts.EmployeeName = actor.DisplayName()
	}

	now := s.now().UTC()
	if ts.ID == "" {
		ts.ID = uuid.NewString()
		ts.CreatedAt = now
	} else {
		existing, err := s.store.GetTimesheet(ctx, ts.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load timesheet %s: %w", ts.ID, err)
		}
		if existing != nil {
			if existing.Status != TimesheetDraft {
				return nil, invalid("status", "only draft timesheets can be edited, %s is %s", ts.ID, existing.Status)
			}
			ts.CreatedAt = existing.CreatedAt
		} else {
			ts.CreatedAt = now
		}
	}
	ts.UpdatedAt = now
	ts.Status = TimesheetDraft
	ts.ApprovalStatus = ApprovalPending

	if len(ts.Items) == 0 {
		return nil, invalid("items", "a timesheet needs at least one line item")
	}
	for i := range ts.Items {
		item := &ts.Items[i]
		if item.ID == "" {
			item.ID = uuid.NewString()
		} else if err := s.checkItemOwner(ctx, ts.ID, item.ID); err != nil {
			return nil, err
		}
		item.TimesheetID = ts.ID
		item.Position = i
		if item.ProjectID == "" {
			item.ProjectID = ts.ProjectID
		}
		if item.ProjectID == "" {
			return nil, invalid("project", "line item %d has no project", i+1)
		}
		item.ResetApproval()
	}
	if ts.ProjectID == "" {
		ts.ProjectID = ts.Items[0].ProjectID
	}
	if err := s.checkDates(&ts); err != nil {
		return nil, err
	}
	if err := NormalizeTimesheet(&ts); err != nil {
		return nil, err
	}
	for _, pid := range ts.ProjectIDs() {
		p, err := s.store.GetProject(ctx, pid)
		if err != nil {
			return nil, fmt.Errorf("failed to load project %s: %w", pid, err)
		}
		if p == nil {
			return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, pid)
		}
		if p.Status == ProjectCancelled {
			return nil, invalid("project", "project %s is cancelled", pid)
		}
	}

	if err := s.store.SaveTimesheet(ctx, ts); err != nil {
		return nil, fmt.Errorf("failed to save timesheet: %w", err)
	}
	return &ts, nil
}

// checkItemOwner rejects a caller-supplied item ID that already belongs to another timesheet.
func (s *Timesheets) checkItemOwner(ctx context.Context, timesheetID, itemID string) error {
	existing, err := s.store.GetLineItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("failed to load line item %s: %w", itemID, err)
	}
	if existing != nil && existing.TimesheetID != timesheetID {
		return invalid("items", "line item %s belongs to timesheet %s", itemID, existing.TimesheetID)
	}
	return nil
}

func (s *Timesheets) checkDates(ts *Timesheet) error {
	if ts.StartDate.IsZero() {
		for _, item := range ts.Items {
			if !item.FromTime.IsZero() && (ts.StartDate.IsZero() || item.FromTime.Before(ts.StartDate)) {
				ts.StartDate = item.FromTime
			}
		}
	}
	if ts.StartDate.IsZero() {
		ts.StartDate = s.now().UTC()
	}
	ts.StartDate = truncateDay(ts.StartDate)
	if ts.EndDate.IsZero() {
		ts.EndDate = ts.StartDate
	}
	ts.EndDate = truncateDay(ts.EndDate)
	if ts.EndDate.Before(ts.StartDate) {
		return invalid("end_date", "end date is before start date")
	}
	return nil
}

// Submit locks a draft timesheet for approval: every item is reset to Pending.
func (s *Timesheets) Submit(ctx context.Context, actor User, id string) (*Timesheet, []OverBudgetWarning, error) {
	return s.transition(ctx, actor, id, TimesheetDraft, TimesheetSubmitted)
}

// Cancel withdraws a submitted timesheet, resetting approvals so its hours
// drop out of billing.
func (s *Timesheets) Cancel(ctx context.Context, actor User, id string) (*Timesheet, []OverBudgetWarning, error) {
	return s.transition(ctx, actor, id, TimesheetSubmitted, TimesheetCancelled)
}

func (s *Timesheets) transition(ctx context.Context, actor User, id string, from, to TimesheetStatus) (*Timesheet, []OverBudgetWarning, error) {
	var updated Timesheet
	err := s.store.WithTx(ctx, func(tx Store) error {
		ts, err := tx.GetTimesheet(ctx, id)
		if err != nil {
			return err
		}
		if ts == nil {
			return fmt.Errorf("%w: %s", ErrTimesheetNotFound, id)
		}
		if ts.EmployeeID != actor.ID && !actor.HasRole(RoleSystemManager) {
			return denied(actor, "timesheet %s belongs to %s", id, ts.EmployeeID)
		}
		if ts.Status != from {
			return invalid("status", "timesheet %s is %s, expected %s", id, ts.Status, from)
		}
		for i := range ts.Items {
			ts.Items[i].ResetApproval()
		}
		if err := NormalizeTimesheet(ts); err != nil {
			return err
		}
		ts.Status = to
		ts.ApprovalStatus = ApprovalPending
		ts.UpdatedAt = s.now().UTC()
		updated = *ts
		return tx.SaveTimesheet(ctx, *ts)
	})
	if err != nil {
		return nil, nil, err
	}

	warnings := s.reconciler.recomputeAll(ctx, updated.ProjectIDs())
	s.logger.Info("timesheet status changed",
		zap.String("timesheet_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return &updated, warnings, nil
}

// TimesheetApprovalSummary counts a timesheet's items by approval status.
type TimesheetApprovalSummary struct {
	TimesheetID    string
	Status         TimesheetStatus
	ApprovalStatus ApprovalStatus
	Total          int
	Pending        int
	Approved       int
	Rejected       int
	Entries        []LineItem
}

// ApprovalSummary is visible to the owner, a manager of any of its projects,
// and system managers.
func (s *Timesheets) ApprovalSummary(ctx context.Context, actor User, id string) (*TimesheetApprovalSummary, error) {
	ts, err := s.store.GetTimesheet(ctx, id)
	if err != nil {
		return nil, err
	}
	if ts == nil {
		return nil, fmt.Errorf("%w: %s", ErrTimesheetNotFound, id)
	}
	if !s.canView(ctx, actor, ts) {
		return nil, denied(actor, "cannot view timesheet %s", id)
	}

	sum := &TimesheetApprovalSummary{
		TimesheetID:    ts.ID,
		Status:         ts.Status,
		ApprovalStatus: ts.ApprovalStatus,
		Total:          len(ts.Items),
		Entries:        ts.Items,
	}
	for _, item := range ts.Items {
		switch item.ApprovalStatus {
		case ApprovalPending:
			sum.Pending++
		case ApprovalApproved:
			sum.Approved++
		case ApprovalRejected:
			sum.Rejected++
		}
	}
	return sum, nil
}

func (s *Timesheets) canView(ctx context.Context, actor User, ts *Timesheet) bool {
	if ts.EmployeeID == actor.ID || actor.HasRole(RoleSystemManager) {
		return true
	}
	for _, pid := range ts.ProjectIDs() {
		p, err := s.store.GetProject(ctx, pid)
		if err == nil && p != nil && s.guard.IsManagerOf(actor, *p) {
			return true
		}
	}
	return false
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
