/*
reconcile.go - Hour ledger reconciler

PURPOSE:
  Recomputes a project's consumed-hours aggregate from its approved line
  items. This is the only code path that writes Project.ConsumedHours.

RULE:
  consumed = round2( sum(billable hours) ) over line items where
    - the item belongs to the project
    - the parent timesheet is Submitted
    - the item's approval status is Approved
  Fixed Cost projects are skipped.

  The approver field alone is never used as an approval signal.

OVER BUDGET:
  When consumed > purchased, an OverBudgetWarning is returned with the
  result and handed to every configured WarningSink. The write still
  happens.

SWEEP:
  ReconcileAll walks every open hourly project and recomputes each one
  from scratch. Per-project errors are collected into the SweepReport and
  never stop the sweep.

SEE ALSO:
  - approval.go: Calls Recompute after item transitions
  - api/scheduler.go: Daily sweep
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// WarningSink receives over-budget warnings (log, metrics, message bus).
type WarningSink interface {
	OverBudget(ctx context.Context, w OverBudgetWarning)
}

// Reconciler keeps consumed hours in step with approved line items.
type Reconciler struct {
	store  Store
	sinks  []WarningSink
	logger *zap.Logger
	now    func() time.Time
}

func NewReconciler(store Store, logger *zap.Logger, sinks ...WarningSink) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, sinks: sinks, logger: logger, now: time.Now}
}

// AddSink registers another warning sink.
func (r *Reconciler) AddSink(sink WarningSink) {
	r.sinks = append(r.sinks, sink)
}

// RecomputeResult describes one recompute.
type RecomputeResult struct {
	ProjectID string             `json:"project_id"`
	Skipped   bool               `json:"skipped"`
	Previous  decimal.Decimal    `json:"previous_hours"`
	Consumed  decimal.Decimal    `json:"consumed_hours"`
	Warning   *OverBudgetWarning `json:"warning,omitempty"`
}

func (r RecomputeResult) Changed() bool {
	return !r.Skipped && !r.Previous.Equal(r.Consumed)
}

// ApprovedBillableHours sums billable hours of a project's approved items on
// submitted timesheets, rounded to two places.
func ApprovedBillableHours(ctx context.Context, store TimesheetStore, projectID string) (decimal.Decimal, error) {
	filter := ApprovedBillable()
	filter.ProjectIDs = []string{projectID}
	entries, err := store.ListEntries(ctx, filter)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load approved entries for %s: %w", projectID, err)
	}
	return SumBillable(entries), nil
}

// Recompute refreshes a single project's consumed hours. It is idempotent.
func (r *Reconciler) Recompute(ctx context.Context, projectID string) (RecomputeResult, error) {
	result := RecomputeResult{ProjectID: projectID}

	project, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		return result, fmt.Errorf("failed to load project %s: %w", projectID, err)
	}
	if project == nil {
		return result, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}

	result.Previous = project.ConsumedHours
	if !project.IsHourly() {
		result.Skipped = true
		result.Consumed = project.ConsumedHours
		return result, nil
	}

	consumed, err := ApprovedBillableHours(ctx, r.store, projectID)
	if err != nil {
		return result, err
	}
	if err := r.store.UpdateConsumedHours(ctx, projectID, consumed); err != nil {
		return result, fmt.Errorf("failed to update consumed hours for %s: %w", projectID, err)
	}
	result.Consumed = consumed

	project.ConsumedHours = consumed
	if project.IsOverBudget() {
		w := OverBudgetWarning{
			ProjectID:   project.ID,
			ProjectName: project.Name,
			Purchased:   project.PurchasedHours,
			Consumed:    consumed,
		}
		result.Warning = &w
		r.emit(ctx, w)
	}

	r.logger.Debug("recomputed consumed hours",
		zap.String("project_id", projectID),
		zap.String("previous", result.Previous.StringFixed(2)),
		zap.String("consumed", consumed.StringFixed(2)),
	)
	return result, nil
}

func (r *Reconciler) emit(ctx context.Context, w OverBudgetWarning) {
	r.logger.Warn("project over budget",
		zap.String("project_id", w.ProjectID),
		zap.String("purchased", w.Purchased.StringFixed(2)),
		zap.String("consumed", w.Consumed.StringFixed(2)),
	)
	for _, sink := range r.sinks {
		sink.OverBudget(ctx, w)
	}
}

// recomputeAll recomputes each project once, logging failures.
// Used after batch mutations; the daily sweep repairs anything missed.
func (r *Reconciler) recomputeAll(ctx context.Context, projectIDs []string) []OverBudgetWarning {
	var warnings []OverBudgetWarning
	for _, id := range projectIDs {
		res, err := r.Recompute(ctx, id)
		if err != nil {
			r.logger.Error("recompute failed", zap.String("project_id", id), zap.Error(err))
			continue
		}
		if res.Warning != nil {
			warnings = append(warnings, *res.Warning)
		}
	}
	return warnings
}

// =============================================================================
// SWEEP
// =============================================================================

type SweepFailure struct {
	ProjectID string `json:"project_id"`
	Error     string `json:"error"`
}

// SweepReport summarises a ReconcileAll run.
type SweepReport struct {
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt time.Time           `json:"completed_at"`
	Processed   int                 `json:"processed"`
	Changed     int                 `json:"changed"`
	Results     []RecomputeResult   `json:"results"`
	Failures    []SweepFailure      `json:"failures"`
	Warnings    []OverBudgetWarning `json:"warnings"`
}

// ReconcileProjects recomputes the given projects, collecting per-project errors.
func (r *Reconciler) ReconcileProjects(ctx context.Context, projectIDs []string) SweepReport {
	report := SweepReport{StartedAt: r.now()}
	for _, id := range projectIDs {
		if ctx.Err() != nil {
			report.Failures = append(report.Failures, SweepFailure{ProjectID: id, Error: ctx.Err().Error()})
			continue
		}
		res, err := r.Recompute(ctx, id)
		if err != nil {
			r.logger.Error("sweep: project failed", zap.String("project_id", id), zap.Error(err))
			report.Failures = append(report.Failures, SweepFailure{ProjectID: id, Error: err.Error()})
			continue
		}
		report.Processed++
		if res.Changed() {
			report.Changed++
		}
		if res.Warning != nil {
			report.Warnings = append(report.Warnings, *res.Warning)
		}
		report.Results = append(report.Results, res)
	}
	report.CompletedAt = r.now()
	return report
}

// ReconcileAll sweeps every open hourly project.
func (r *Reconciler) ReconcileAll(ctx context.Context) (SweepReport, error) {
	projects, err := r.store.ListProjects(ctx, ProjectFilter{
		BillingType: BillingHourly,
		Status:      ProjectOpen,
	})
	if err != nil {
		return SweepReport{}, fmt.Errorf("failed to list hourly projects: %w", err)
	}
	ids := make([]string, len(projects))
	for i, p := range projects {
		ids[i] = p.ID
	}
	report := r.ReconcileProjects(ctx, ids)
	r.logger.Info("sweep completed",
		zap.Int("processed", report.Processed),
		zap.Int("changed", report.Changed),
		zap.Int("failed", len(report.Failures)),
		zap.Int("over_budget", len(report.Warnings)),
	)
	return report, nil
}

// =============================================================================
// RUN RECORDS
// =============================================================================

// Run statuses recorded for scheduled jobs.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// ReconciliationRun records one execution of a scheduled job.
type ReconciliationRun struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"` // sweep, statements
	Status      string     `json:"status"`
	Processed   int        `json:"processed"`
	Changed     int        `json:"changed"`
	Failed      int        `json:"failed"`
	OverBudget  int        `json:"over_budget"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// RunStore persists job run records.
type RunStore interface {
	SaveReconciliationRun(ctx context.Context, r ReconciliationRun) error
	// GetReconciliationRuns returns runs newest first, optionally by status.
	GetReconciliationRuns(ctx context.Context, status string) ([]ReconciliationRun, error)
}
