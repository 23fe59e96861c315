/*
scheduler.go - Background reconciliation and statement jobs

PURPOSE:
  Periodically recomputes consumed hours for every open hourly project
  (the sweep) and generates weekly customer billing statements.

DESIGN:
  - One goroutine, two tickers (sweep, statements)
  - The sweep runs immediately on start, then every SweepInterval
  - Statements cover the previous Monday-to-Monday week in UTC
  - Every run is recorded as a ReconciliationRun for audit and the admin API
  - Jobs are serialised: a manual sweep waits for a scheduled one

CONFIGURATION:
  - SweepInterval:      How often to sweep (default: 24h)
  - StatementsInterval: How often to build statements (default: 168h)
  - Enabled / StatementsEnabled

USAGE:
  s := NewScheduler(store, reconciler, aggregator, metrics, logger)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - handlers.go: TriggerReconcile endpoint (manual sweep)
  - billing/reconcile.go: Reconciler.ReconcileAll
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/internal/logger"
	"github.com/warp/billing-engine/internal/metrics"
)

// Job kinds recorded on ReconciliationRun.Kind.
const (
	JobSweep      = "sweep"
	JobStatements = "statements"
)

// jobStore is what the scheduler persists through.
type jobStore interface {
	billing.RunStore
	billing.StatementStore
	ListCustomers(ctx context.Context, includeDisabled bool) ([]billing.Customer, error)
}

// Scheduler runs the sweep and statement jobs.
type Scheduler struct {
	Store      jobStore
	Reconciler *billing.Reconciler
	Aggregator *billing.Aggregator
	Metrics    *metrics.Metrics

	SweepInterval      time.Duration
	StatementsInterval time.Duration
	Enabled            bool
	StatementsEnabled  bool

	logger *zap.Logger
	now    func() time.Time

	sweepTicker      *time.Ticker
	statementsTicker *time.Ticker
	stop             chan struct{}
	wg               sync.WaitGroup
	mu               sync.Mutex

	jobMu sync.Mutex
}

// NewScheduler creates a scheduler with daily sweeps and weekly statements.
func NewScheduler(store jobStore, reconciler *billing.Reconciler, aggregator *billing.Aggregator, m *metrics.Metrics, log *zap.Logger) *Scheduler {
	return &Scheduler{
		Store:              store,
		Reconciler:         reconciler,
		Aggregator:         aggregator,
		Metrics:            m,
		SweepInterval:      24 * time.Hour,
		StatementsInterval: 7 * 24 * time.Hour,
		Enabled:            true,
		StatementsEnabled:  true,
		logger:             logger.Named(log, "scheduler"),
		now:                time.Now,
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("disabled, not starting")
		return
	}
	if s.sweepTicker != nil {
		return
	}

	s.stop = make(chan struct{})
	s.sweepTicker = time.NewTicker(s.SweepInterval)
	var statements <-chan time.Time
	if s.StatementsEnabled {
		s.statementsTicker = time.NewTicker(s.StatementsInterval)
		statements = s.statementsTicker.C
	}
	s.wg.Add(1)

	go s.run(s.sweepTicker.C, statements, s.stop)

	s.logger.Info("started",
		zap.Duration("sweep_interval", s.SweepInterval),
		zap.Bool("statements", s.StatementsEnabled),
		zap.Duration("statements_interval", s.StatementsInterval),
	)
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sweepTicker == nil {
		return
	}
	s.sweepTicker.Stop()
	if s.statementsTicker != nil {
		s.statementsTicker.Stop()
	}
	close(s.stop)
	s.wg.Wait()
	s.sweepTicker, s.statementsTicker = nil, nil
	s.logger.Info("stopped")
}

func (s *Scheduler) run(sweeps, statements <-chan time.Time, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow()

	for {
		select {
		case <-sweeps:
			s.RunNow()
		case <-statements:
			if _, _, err := s.RunStatements(context.Background()); err != nil {
				s.logger.Error("statement job failed", zap.Error(err))
			}
		case <-stop:
			return
		}
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (s *Scheduler) RunNow() {
	if _, _, err := s.RunSweep(context.Background()); err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
	}
}

// GetNextRunTime returns when the next scheduled sweep will occur.
func (s *Scheduler) GetNextRunTime() time.Time {
	return s.now().Add(s.SweepInterval)
}

// =============================================================================
// JOBS
// =============================================================================

// RunSweep reconciles every open hourly project and records the run.
// Per-project failures are counted on the run; err is set only when the
// sweep itself could not run.
func (s *Scheduler) RunSweep(ctx context.Context) (billing.ReconciliationRun, billing.SweepReport, error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	run, err := s.startRun(ctx, JobSweep)
	if err != nil {
		return run, billing.SweepReport{}, err
	}

	report, err := s.Reconciler.ReconcileAll(ctx)
	s.Metrics.ObserveSweep(report, err)
	if err != nil {
		return s.finishRun(ctx, run, err), report, err
	}

	run.Processed = report.Processed
	run.Changed = report.Changed
	run.Failed = len(report.Failures)
	run.OverBudget = len(report.Warnings)
	var runErr error
	if run.Failed > 0 {
		runErr = fmt.Errorf("%d project(s) failed to reconcile", run.Failed)
	}
	run = s.finishRun(ctx, run, runErr)

	if health, err := s.Aggregator.Health(ctx); err == nil {
		s.Metrics.SetPendingApprovals(health.PendingApprovals)
	} else {
		s.logger.Warn("failed to refresh pending approvals", zap.Error(err))
	}

	s.logger.Info("sweep recorded",
		zap.String("run_id", run.ID),
		zap.Int("processed", run.Processed),
		zap.Int("changed", run.Changed),
		zap.Int("failed", run.Failed),
	)
	return run, report, nil
}

// RunStatements builds last week's statement for every enabled customer.
// Customers with no approved hours in the week get no statement.
func (s *Scheduler) RunStatements(ctx context.Context) (billing.ReconciliationRun, []billing.Statement, error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	run, err := s.startRun(ctx, JobStatements)
	if err != nil {
		return run, nil, err
	}

	customers, err := s.Store.ListCustomers(ctx, false)
	if err != nil {
		err = fmt.Errorf("failed to list customers: %w", err)
		return s.finishRun(ctx, run, err), nil, err
	}

	start, end := PreviousWeek(s.now())
	var generated []billing.Statement
	for _, c := range customers {
		run.Processed++
		st, err := s.Aggregator.BuildStatement(ctx, c.ID, start, end)
		if err == nil && len(st.Lines) > 0 {
			st.ID = uuid.NewString()
			err = s.Store.SaveStatement(ctx, st)
		}
		if err != nil {
			run.Failed++
			s.logger.Error("statement failed", zap.String("customer_id", c.ID), zap.Error(err))
			continue
		}
		if len(st.Lines) > 0 {
			generated = append(generated, st)
		}
	}
	run.Changed = len(generated)
	s.Metrics.ObserveStatements(len(generated))

	var runErr error
	if run.Failed > 0 {
		runErr = fmt.Errorf("%d customer statement(s) failed", run.Failed)
	}
	run = s.finishRun(ctx, run, runErr)

	s.logger.Info("statements recorded",
		zap.String("run_id", run.ID),
		zap.Time("period_start", start),
		zap.Time("period_end", end),
		zap.Int("generated", len(generated)),
	)
	return run, generated, nil
}

func (s *Scheduler) startRun(ctx context.Context, kind string) (billing.ReconciliationRun, error) {
	started := s.now().UTC()
	run := billing.ReconciliationRun{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    billing.RunRunning,
		StartedAt: &started,
		CreatedAt: started,
	}
	if err := s.Store.SaveReconciliationRun(ctx, run); err != nil {
		return run, fmt.Errorf("failed to save run record: %w", err)
	}
	return run, nil
}

// finishRun marks the run completed, or failed when err is set.
func (s *Scheduler) finishRun(ctx context.Context, run billing.ReconciliationRun, err error) billing.ReconciliationRun {
	completed := s.now().UTC()
	run.CompletedAt = &completed
	run.Status = billing.RunCompleted
	if err != nil {
		run.Status = billing.RunFailed
		run.Error = err.Error()
	}
	if err := s.Store.SaveReconciliationRun(ctx, run); err != nil {
		s.logger.Error("failed to update run record", zap.String("run_id", run.ID), zap.Error(err))
	}
	return run
}

// WeekStart returns Monday 00:00 UTC of the week containing t.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	sinceMonday := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -sinceMonday)
}

// PreviousWeek returns [Monday 00:00, next Monday 00:00) in UTC for the
// week before the one containing t.
func PreviousWeek(t time.Time) (time.Time, time.Time) {
	end := WeekStart(t)
	return end.AddDate(0, 0, -7), end
}
