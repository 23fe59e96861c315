package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
)

func TestManagerApprovalReport(t *testing.T) {
	f := newFixture(t)
	f.hourlyProject(t, "web", 100, 50)
	ts := f.submitted(t, "web", 1, 2, 3)
	ids := itemIDs(ts)
	_, err := f.workflow.Approve(f.ctx, f.pm, ids[:1])
	require.NoError(t, err)
	_, err = f.workflow.Reject(f.ctx, f.pm, ids[1:2])
	require.NoError(t, err)

	rows, err := f.agg.ManagerApprovalReport(f.ctx, f.pm, billing.ReportFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	// Newest worked date first
	assert.Equal(t, ids[2], rows[0].ID)
	assert.True(t, rows[0].IsPending)
	assert.True(t, rows[0].CanEdit)
	assert.True(t, rows[1].IsRejected)
	assert.True(t, rows[1].CanEdit)
	assert.True(t, rows[2].IsApproved)
	assert.False(t, rows[2].CanEdit)

	rows, err = f.agg.ManagerApprovalReport(f.ctx, f.pm, billing.ReportFilter{Status: billing.ApprovalApproved})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	// Worked-date window covering the second day only
	from := march2.AddDate(0, 0, 1)
	to := from.Add(24*time.Hour - time.Nanosecond)
	rows, err = f.agg.ManagerApprovalReport(f.ctx, f.pm, billing.ReportFilter{From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ids[1], rows[0].ID)

	rows, err = f.agg.ManagerApprovalReport(f.ctx, f.otherPM, billing.ReportFilter{ProjectID: "web"})
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = f.agg.ManagerApprovalReport(f.ctx, f.employee, billing.ReportFilter{})
	assert.True(t, billing.IsAuthorization(err))
}

func TestTimesheetApprovalReport(t *testing.T) {
	f := newFixture(t)
	f.hourlyProject(t, "web", 100, 50)
	f.submitted(t, "web", 1, 2)
	f.draft(t, "web", 3)

	entries, err := f.agg.TimesheetApprovalReport(f.ctx, f.pm, billing.ReportFilter{EmployeeID: f.employee.ID})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, billing.TimesheetSubmitted, e.TimesheetStatus)
	}

	after := march2.AddDate(0, 0, 1)
	entries, err = f.agg.TimesheetApprovalReport(f.ctx, f.pm, billing.ReportFilter{From: &after})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProjectBillingReport(t *testing.T) {
	f := newFixture(t)
	f.hourlyProject(t, "web", 100, 50)
	f.fixedProject(t, "retainer")
	ts := f.submitted(t, "web", 4, 4)
	_, err := f.workflow.Approve(f.ctx, f.pm, itemIDs(ts)[:1])
	require.NoError(t, err)

	rows, err := f.agg.ProjectBillingReport(f.ctx, f.pm, billing.BillingReportFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Project retainer", rows[0].ProjectName)
	assert.Equal(t, "Project web", rows[1].ProjectName)
	assert.Equal(t, 1, rows[1].PendingApprovals)
	assertHours(t, 4, rows[1].ConsumedHours)
	assertHours(t, 200, rows[1].BillableAmount)
	assert.Equal(t, "Priya Manager", rows[1].ManagerName)

	rows, err = f.agg.ProjectBillingReport(f.ctx, f.pm, billing.BillingReportFilter{BillingType: billing.BillingFixedCost})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "retainer", rows[0].ProjectID)

	rows, err = f.agg.ProjectBillingReport(f.ctx, f.otherPM, billing.BillingReportFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestBuildStatement(t *testing.T) {
	// GIVEN: Approved hours on an hourly and a fixed-cost project
	// WHEN: A statement is built over a window containing the approvals
	// THEN: Hourly lines carry an amount, fixed-cost lines only hours

	f := newFixture(t)
	f.hourlyProject(t, "web", 100, 50)
	f.fixedProject(t, "retainer")
	web := f.submitted(t, "web", 3, 2)
	fixed := f.submitted(t, "retainer", 6)
	_, err := f.workflow.Approve(f.ctx, f.pm, append(itemIDs(web), itemIDs(fixed)...))
	require.NoError(t, err)

	now := time.Now()
	st, err := f.agg.BuildStatement(f.ctx, "acme", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, st.Lines, 2)

	assert.Equal(t, "retainer", st.Lines[0].ProjectID)
	assertHours(t, 6, st.Lines[0].Hours)
	assert.True(t, st.Lines[0].Amount.IsZero())

	assert.Equal(t, "web", st.Lines[1].ProjectID)
	assert.Equal(t, 2, st.Lines[1].Entries)
	assertHours(t, 5, st.Lines[1].Hours)
	assertHours(t, 250, st.Lines[1].Amount)

	assertHours(t, 11, st.TotalHours)
	assertHours(t, 250, st.TotalAmount)

	// A window before the approvals is empty
	st, err = f.agg.BuildStatement(f.ctx, "acme", now.Add(-48*time.Hour), now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, st.Lines)

	st, err = f.agg.BuildStatement(f.ctx, "globex", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, st.Lines)
}
