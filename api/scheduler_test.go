package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
)

func TestWeekStart(t *testing.T) {
	tests := map[string]struct {
		in   time.Time
		want time.Time
	}{
		"monday midnight": {
			in:   time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		},
		"wednesday afternoon": {
			in:   time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC),
			want: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		},
		"sunday late": {
			in:   time.Date(2026, 3, 8, 23, 59, 0, 0, time.UTC),
			want: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		},
		"across a month": {
			in:   time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 30, 0, 0, 0, 0, time.UTC),
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, WeekStart(tt.in))
		})
	}
}

func TestPreviousWeek(t *testing.T) {
	start, end := PreviousWeek(time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), end)
}

func TestScheduler_RunSweepRecordsRun(t *testing.T) {
	// GIVEN: over-budget with acme-migration at 22 of 20 hours
	// WHEN: A sweep runs
	// THEN: A completed run is stored with one over-budget project

	h, _ := setupScenario(t, "over-budget")
	ctx := context.Background()

	run, report, err := h.Scheduler.RunSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobSweep, run.Kind)
	assert.Equal(t, billing.RunCompleted, run.Status)
	assert.Equal(t, 2, run.Processed)
	assert.Equal(t, 1, run.OverBudget)
	assert.Len(t, report.Warnings, 1)
	require.NotNil(t, run.CompletedAt)

	runs, err := h.Store.GetReconciliationRuns(ctx, billing.RunCompleted)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}

func TestScheduler_RunStatementsCoversLastWeek(t *testing.T) {
	// GIVEN: hourly-budget, approvals stamped now
	// WHEN: Statements run a week from now
	// THEN: Acme gets one statement for the 15 approved hours on acme-web

	h, _ := setupScenario(t, "hourly-budget")
	ctx := context.Background()
	h.Scheduler.now = func() time.Time { return time.Now().AddDate(0, 0, 7) }

	run, statements, err := h.Scheduler.RunStatements(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobStatements, run.Kind)
	assert.Equal(t, billing.RunCompleted, run.Status)
	assert.Equal(t, 1, run.Processed)
	assert.Equal(t, 1, run.Changed)
	require.Len(t, statements, 1)

	st := statements[0]
	assert.Equal(t, "acme", st.CustomerID)
	assert.Equal(t, WeekStart(time.Now()), st.PeriodStart)
	require.Len(t, st.Lines, 1)
	assert.Equal(t, "acme-web", st.Lines[0].ProjectID)
	assert.True(t, st.TotalHours.Equal(billing.Hours(15)), st.TotalHours.String())
	assert.True(t, st.TotalAmount.Equal(billing.Hours(750)), st.TotalAmount.String())

	stored, err := h.Store.ListStatements(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestScheduler_RunStatementsSkipsQuietCustomers(t *testing.T) {
	h, _ := setupScenario(t, "hourly-budget")

	// Last week relative to now holds no approvals
	run, statements, err := h.Scheduler.RunStatements(context.Background())
	require.NoError(t, err)
	assert.Empty(t, statements)
	assert.Equal(t, 0, run.Changed)
}

func TestScheduler_StartStopIdempotent(t *testing.T) {
	h, _ := setupScenario(t, "hourly-budget")
	s := h.Scheduler
	s.SweepInterval = time.Hour
	s.StatementsEnabled = false

	s.Start()
	s.Start()
	s.Stop()
	s.Stop()

	// Start runs a sweep before its first tick
	runs, err := h.Store.GetReconciliationRuns(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestScheduler_DisabledDoesNotStart(t *testing.T) {
	h, _ := setupScenario(t, "hourly-budget")
	h.Scheduler.Enabled = false

	h.Scheduler.Start()
	h.Scheduler.Stop()

	runs, err := h.Store.GetReconciliationRuns(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, runs)
}
