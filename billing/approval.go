/*
approval.go - Line item approval workflow

PURPOSE:
  Moves timesheet line items between approval states on behalf of the
  project manager of record, keeps each parent timesheet's aggregate
  approval status current, and triggers reconciliation of every project
  a batch touched.

STATE MACHINE (per line item):
  Pending  -> Approved | Rejected
  Rejected -> Approved
  Approved -> Rejected
  Every edge requires IsManagerOf(actor, project). Re-stamping an item
  with its current status is allowed and refreshes approver and time.

BATCH CONTRACT:
  Approve, Reject and SaveHourChanges first check the caller's role (the
  whole call fails without it) and reject an empty list. Each id is then
  processed on its own: failures are recorded as "Entry <id>: <reason>"
  and the batch continues. Count + len(Failures) == len(ids).

ATOMICITY:
  Each item is written in its own transaction together with its parent
  timesheet. Reconciliation runs once per affected project after the
  batch.

SEE ALSO:
  - reconcile.go: Recompute
  - timesheet.go: Submit / Cancel reset approval fields
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Workflow applies approval transitions and hour edits.
type Workflow struct {
	store      TxStore
	guard      AccessGuard
	reconciler *Reconciler
	logger     *zap.Logger
	now        func() time.Time
}

func NewWorkflow(store TxStore, guard AccessGuard, reconciler *Reconciler, logger *zap.Logger) *Workflow {
	if guard == nil {
		guard = OwnershipGuard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workflow{
		store:      store,
		guard:      guard,
		reconciler: reconciler,
		logger:     logger,
		now:        time.Now,
	}
}

// HourEdit is a manager's re-split of one line item's hours.
type HourEdit struct {
	LineItemID       string
	BillableHours    decimal.Decimal
	NonBillableHours decimal.Decimal
}

// Action selects the target state of a project-scoped bulk update.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// AggregateApproval derives a timesheet's approval status from its items.
func AggregateApproval(items []LineItem) ApprovalStatus {
	if len(items) == 0 {
		return ApprovalPending
	}
	allApproved := true
	for _, item := range items {
		if item.ApprovalStatus == ApprovalRejected {
			return ApprovalRejected
		}
		if item.ApprovalStatus != ApprovalApproved {
			allApproved = false
		}
	}
	if allApproved {
		return ApprovalApproved
	}
	return ApprovalPending
}

// =============================================================================
// APPROVE / REJECT
// =============================================================================

// Approve marks each line item Approved.
func (w *Workflow) Approve(ctx context.Context, actor User, ids []string) (BatchResult, error) {
	if err := w.checkBatch(actor, len(ids), "no entries selected for approval"); err != nil {
		return BatchResult{}, err
	}
	return w.apply(ctx, actor, ids, ApprovalApproved, ""), nil
}

// Reject marks each line item Rejected.
func (w *Workflow) Reject(ctx context.Context, actor User, ids []string) (BatchResult, error) {
	if err := w.checkBatch(actor, len(ids), "no entries selected for rejection"); err != nil {
		return BatchResult{}, err
	}
	return w.apply(ctx, actor, ids, ApprovalRejected, ""), nil
}

// BulkUpdateProject approves or rejects items of a single project. The caller
// must manage that project; items from other projects are reported as failures.
func (w *Workflow) BulkUpdateProject(ctx context.Context, actor User, projectID string, ids []string, action Action) (BatchResult, error) {
	project, err := w.store.GetProject(ctx, projectID)
	if err != nil {
		return BatchResult{}, fmt.Errorf("failed to load project %s: %w", projectID, err)
	}
	if project == nil {
		return BatchResult{}, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	if !w.guard.IsManagerOf(actor, *project) {
		return BatchResult{}, denied(actor, "you can only approve entries for your managed projects")
	}

	var status ApprovalStatus
	switch action {
	case ActionApprove:
		status = ApprovalApproved
	case ActionReject:
		status = ApprovalRejected
	default:
		return BatchResult{}, invalid("action", "unknown action %q", action)
	}
	if len(ids) == 0 {
		return BatchResult{}, nil
	}
	return w.apply(ctx, actor, ids, status, projectID), nil
}

func (w *Workflow) checkBatch(actor User, n int, emptyMsg string) error {
	if err := RequireRole(actor, RoleProjectManager); err != nil {
		return err
	}
	if n == 0 {
		return invalid("entries", "%s", emptyMsg)
	}
	return nil
}

func (w *Workflow) apply(ctx context.Context, actor User, ids []string, status ApprovalStatus, scope string) BatchResult {
	var result BatchResult
	var affected []string

	for _, id := range ids {
		projectID, err := w.transitionOne(ctx, actor, id, status, scope)
		if err != nil {
			result.fail(id, "%s", failureReason(err))
			continue
		}
		result.Count++
		if !containsString(affected, projectID) {
			affected = append(affected, projectID)
		}
	}

	result.Warnings = w.reconciler.recomputeAll(ctx, affected)

	w.logger.Info("approval batch processed",
		zap.String("actor", actor.ID),
		zap.String("status", string(status)),
		zap.Int("succeeded", result.Count),
		zap.Int("failed", len(result.Failures)),
	)
	return result
}

func (w *Workflow) transitionOne(ctx context.Context, actor User, id string, status ApprovalStatus, scope string) (string, error) {
	var projectID string
	err := w.store.WithTx(ctx, func(tx Store) error {
		item, ts, project, err := loadItem(ctx, tx, id)
		if err != nil {
			return err
		}
		if scope != "" && project.ID != scope {
			return invalid("", "does not belong to project %s", scope)
		}
		if !w.guard.IsManagerOf(actor, *project) {
			return denied(actor, "Not authorized for project %s", project.ID)
		}
		if ts.Status != TimesheetSubmitted {
			return invalid("", "timesheet %s is %s, not Submitted", ts.ID, ts.Status)
		}

		at := w.now().UTC()
		item.ApprovalStatus = status
		item.ApprovedBy = actor.ID
		item.ApprovedAt = &at

		replaceItem(ts, *item)
		ts.ApprovalStatus = AggregateApproval(ts.Items)
		ts.UpdatedAt = at

		projectID = project.ID
		return tx.SaveTimesheet(ctx, *ts)
	})
	return projectID, err
}

// =============================================================================
// HOUR EDITS
// =============================================================================

// EditHours re-splits a single line item. Only the project manager may do so.
func (w *Workflow) EditHours(ctx context.Context, actor User, edit HourEdit) (*LineItem, []OverBudgetWarning, error) {
	item, projectID, err := w.editOne(ctx, actor, edit)
	if err != nil {
		return nil, nil, err
	}
	warnings := w.reconciler.recomputeAll(ctx, []string{projectID})
	return item, warnings, nil
}

// SaveHourChanges applies many hour edits with partial-failure semantics.
func (w *Workflow) SaveHourChanges(ctx context.Context, actor User, edits []HourEdit) (BatchResult, error) {
	if err := w.checkBatch(actor, len(edits), "no changes to save"); err != nil {
		return BatchResult{}, err
	}

	var result BatchResult
	var affected []string
	for _, edit := range edits {
		_, projectID, err := w.editOne(ctx, actor, edit)
		if err != nil {
			result.fail(edit.LineItemID, "%s", failureReason(err))
			continue
		}
		result.Count++
		if !containsString(affected, projectID) {
			affected = append(affected, projectID)
		}
	}
	result.Warnings = w.reconciler.recomputeAll(ctx, affected)

	w.logger.Info("hour edits processed",
		zap.String("actor", actor.ID),
		zap.Int("saved", result.Count),
		zap.Int("failed", len(result.Failures)),
	)
	return result, nil
}

func (w *Workflow) editOne(ctx context.Context, actor User, edit HourEdit) (*LineItem, string, error) {
	var saved LineItem
	var projectID string
	err := w.store.WithTx(ctx, func(tx Store) error {
		item, ts, project, err := loadItem(ctx, tx, edit.LineItemID)
		if err != nil {
			return err
		}
		if !w.guard.IsManagerOf(actor, *project) {
			return denied(actor, "Not authorized for project %s", project.ID)
		}
		if edit.BillableHours.IsNegative() {
			return invalid("billable_hours", "Billable hours cannot be negative")
		}
		if edit.NonBillableHours.IsNegative() {
			return invalid("non_billable_hours", "Non-billable hours cannot be negative")
		}
		if !SplitMatches(edit.BillableHours, edit.NonBillableHours, item.Hours) {
			return invalid("hours", "Total hours mismatch. Expected %s, got %s",
				item.Hours.String(), edit.BillableHours.Add(edit.NonBillableHours).String())
		}

		item.BillableHours = edit.BillableHours
		item.NonBillableHours = edit.NonBillableHours
		if item.ApprovalStatus != ApprovalApproved && item.ApprovalStatus != ApprovalRejected {
			item.ApprovalStatus = ApprovalPending
		}

		replaceItem(ts, *item)
		computeTotals(ts)
		ts.UpdatedAt = w.now().UTC()

		saved = *item
		projectID = project.ID
		return tx.SaveTimesheet(ctx, *ts)
	})
	if err != nil {
		return nil, "", err
	}
	return &saved, projectID, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// loadItem resolves a line item with its timesheet and project.
func loadItem(ctx context.Context, s Store, id string) (*LineItem, *Timesheet, *Project, error) {
	item, err := s.GetLineItem(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	if item == nil {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrLineItemNotFound, id)
	}
	ts, err := s.GetTimesheet(ctx, item.TimesheetID)
	if err != nil {
		return nil, nil, nil, err
	}
	if ts == nil {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrTimesheetNotFound, item.TimesheetID)
	}
	project, err := s.GetProject(ctx, item.ProjectID)
	if err != nil {
		return nil, nil, nil, err
	}
	if project == nil {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrProjectNotFound, item.ProjectID)
	}
	return item, ts, project, nil
}

func replaceItem(ts *Timesheet, item LineItem) {
	for i := range ts.Items {
		if ts.Items[i].ID == item.ID {
			ts.Items[i] = item
			return
		}
	}
}

// failureReason renders an item error for a BatchResult message.
func failureReason(err error) string {
	var authErr *AuthorizationError
	if errors.As(err, &authErr) {
		return authErr.Reason
	}
	return err.Error()
}
