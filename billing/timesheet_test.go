package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
)

func TestTimesheets_SaveDerivesNonBillableHours(t *testing.T) {
	// GIVEN: Items of 8h with 6 billable and 3.5h with nothing billable
	// WHEN: Saved as a draft
	// THEN: Non-billable is hours minus billable, totals are summed, dates come from the items

	f := newFixture(t)
	f.hourlyProject(t, "web", 100, 50)

	ts, err := f.timesheets.Save(f.ctx, f.employee, billing.Timesheet{
		Items: []billing.LineItem{
			{ProjectID: "web", FromTime: march2.Add(9 * time.Hour), Hours: billing.Hours(8), BillableHours: billing.Hours(6)},
			{ProjectID: "web", FromTime: march2.AddDate(0, 0, 1), Hours: billing.Hours(3.5)},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, billing.TimesheetDraft, ts.Status)
	assert.Equal(t, billing.ApprovalPending, ts.ApprovalStatus)
	assert.Equal(t, f.employee.ID, ts.EmployeeID)
	assert.Equal(t, "Eve Employee", ts.EmployeeName)
	assert.Equal(t, "web", ts.ProjectID)
	assert.Equal(t, march2, ts.StartDate)

	assertHours(t, 2, ts.Items[0].NonBillableHours)
	assertHours(t, 3.5, ts.Items[1].NonBillableHours)
	assertHours(t, 11.5, ts.TotalHours)
	assertHours(t, 6, ts.TotalBillableHours)
	assertHours(t, 5.5, ts.TotalNonBillableHours)
	for i, item := range ts.Items {
		assert.NotEmpty(t, item.ID)
		assert.Equal(t, ts.ID, item.TimesheetID)
		assert.Equal(t, i, item.Position)
	}
}

func TestTimesheets_SaveRejectsInvalidHours(t *testing.T) {
	f := newFixture(t)
	f.hourlyProject(t, "web", 100, 50)

	cases := map[string]billing.LineItem{
		"billable exceeds hours": {ProjectID: "web", Hours: billing.Hours(4), BillableHours: billing.Hours(5)},
		"negative hours":         {ProjectID: "web", Hours: billing.Hours(-1)},
		"negative billable":      {ProjectID: "web", Hours: billing.Hours(4), BillableHours: billing.Hours(-1)},
	}
	for name, item := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.timesheets.Save(f.ctx, f.employee, billing.Timesheet{Items: []billing.LineItem{item}})
			assert.True(t, billing.IsValidation(err), "got %v", err)
		})
	}
}

func TestTimesheets_SaveChecksOwnershipAndProjects(t *testing.T) {
	f := newFixture(t)
	f.hourlyProject(t, "web", 100, 50)
	item := billing.LineItem{ProjectID: "web", Hours: billing.Hours(1)}

	// Someone else's timesheet
	_, err := f.timesheets.Save(f.ctx, f.otherPM, billing.Timesheet{EmployeeID: f.employee.ID, Items: []billing.LineItem{item}})
	assert.True(t, billing.IsAuthorization(err))

	// System managers may record for anyone
	ts, err := f.timesheets.Save(f.ctx, f.admin, billing.Timesheet{EmployeeID: f.employee.ID, Items: []billing.LineItem{item}})
	require.NoError(t, err)
	assert.Equal(t, f.employee.ID, ts.EmployeeID)

	_, err = f.timesheets.Save(f.ctx, f.employee, billing.Timesheet{})
	assert.True(t, billing.IsValidation(err))

	_, err = f.timesheets.Save(f.ctx, f.employee, billing.Timesheet{Items: []billing.LineItem{{Hours: billing.Hours(1)}}})
	assert.True(t, billing.IsValidation(err))

	_, err = f.timesheets.Save(f.ctx, f.employee, billing.Timesheet{Items: []billing.LineItem{{ProjectID: "ghost", Hours: billing.Hours(1)}}})
	assert.True(t, billing.IsNotFound(err))
}

func TestTimesheets_CancelledProjectRejectsTime(t *testing.T) {
	f := newFixture(t)
	p := f.hourlyProject(t, "web", 100, 50)
	p.Status = billing.ProjectCancelled
	_, _, err := f.projects.Save(f.ctx, f.pm, p)
	require.NoError(t, err)

	_, err = f.timesheets.Save(f.ctx, f.employee, billing.Timesheet{
		Items: []billing.LineItem{{ProjectID: "web", Hours: billing.Hours(1)}},
	})
	assert.True(t, billing.IsValidation(err))
}

func TestTimesheets_SubmittedTimesheetIsLocked(t *testing.T) {
	f := newFixture(t)
	f.hourlyProject(t, "web", 100, 50)
	ts := f.submitted(t, "web", 4)

	// Editing
	ts.Items[0].BillableHours = billing.Hours(1)
	_, err := f.timesheets.Save(f.ctx, f.employee, ts)
	assert.True(t, billing.IsValidation(err))

	// Submitting again
	_, _, err = f.timesheets.Submit(f.ctx, f.employee, ts.ID)
	assert.True(t, billing.IsValidation(err))
}

func TestTimesheets_SaveRejectsItemIDsOfOtherTimesheets(t *testing.T) {
	// GIVEN: An approved item on a submitted timesheet
	// WHEN: A new draft reuses that item's ID
	// THEN: The save fails and the approved item stays where it was

	f := newFixture(t)
	f.hourlyProject(t, "web", 100, 50)
	ts := f.submitted(t, "web", 10)
	_, err := f.workflow.Approve(f.ctx, f.pm, itemIDs(ts))
	require.NoError(t, err)
	taken := ts.Items[0].ID

	_, err = f.timesheets.Save(f.ctx, f.employee, billing.Timesheet{Items: []billing.LineItem{{
		ID:            taken,
		ProjectID:     "web",
		FromTime:      march2.Add(9 * time.Hour),
		Hours:         billing.Hours(2),
		BillableHours: billing.Hours(2),
	}}})
	assert.True(t, billing.IsValidation(err), "got %v", err)

	item, err := f.store.GetLineItem(f.ctx, taken)
	require.NoError(t, err)
	assert.Equal(t, ts.ID, item.TimesheetID)

	// Still rejectable, and the ledger follows
	res, err := f.workflow.Reject(f.ctx, f.pm, []string{taken})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	assert.Empty(t, res.Failures)
	assert.True(t, f.project(t, "web").ConsumedHours.IsZero())
}

func TestTimesheets_ResavingDraftKeepsItemIDs(t *testing.T) {
	f := newFixture(t)
	f.hourlyProject(t, "web", 100, 50)
	ts := f.draft(t, "web", 4)
	id := ts.Items[0].ID

	ts.Items[0].BillableHours = billing.Hours(3)
	out, err := f.timesheets.Save(f.ctx, f.employee, ts)
	require.NoError(t, err)
	assert.Equal(t, id, out.Items[0].ID)
	assertHours(t, 7, out.Items[0].NonBillableHours)
}

func TestTimesheets_TransitionsRequireOwner(t *testing.T) {
	f := newFixture(t)
	f.hourlyProject(t, "web", 100, 50)
	ts := f.draft(t, "web", 4)

	_, _, err := f.timesheets.Submit(f.ctx, f.pm, ts.ID)
	assert.True(t, billing.IsAuthorization(err))

	_, _, err = f.timesheets.Submit(f.ctx, f.employee, "ghost")
	assert.True(t, billing.IsNotFound(err))

	// Draft cannot be cancelled
	_, _, err = f.timesheets.Cancel(f.ctx, f.employee, ts.ID)
	assert.True(t, billing.IsValidation(err))

	out, _, err := f.timesheets.Submit(f.ctx, f.admin, ts.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.TimesheetSubmitted, out.Status)
}

func TestTimesheets_ApprovalSummary(t *testing.T) {
	f := newFixture(t)
	f.hourlyProject(t, "web", 100, 50)
	ts := f.submitted(t, "web", 3, 2, 1)
	ids := itemIDs(ts)

	_, err := f.workflow.Approve(f.ctx, f.pm, ids[:1])
	require.NoError(t, err)
	_, err = f.workflow.Reject(f.ctx, f.pm, ids[1:2])
	require.NoError(t, err)

	for _, viewer := range []billing.User{f.employee, f.pm, f.admin} {
		sum, err := f.timesheets.ApprovalSummary(f.ctx, viewer, ts.ID)
		require.NoError(t, err, viewer.ID)
		assert.Equal(t, 3, sum.Total)
		assert.Equal(t, 1, sum.Approved)
		assert.Equal(t, 1, sum.Rejected)
		assert.Equal(t, 1, sum.Pending)
		assert.Equal(t, billing.ApprovalRejected, sum.ApprovalStatus)
	}

	_, err = f.timesheets.ApprovalSummary(f.ctx, f.otherPM, ts.ID)
	assert.True(t, billing.IsAuthorization(err))

	_, err = f.timesheets.ApprovalSummary(f.ctx, f.customer, ts.ID)
	assert.True(t, billing.IsAuthorization(err))
}

func TestNormalizeTimesheet(t *testing.T) {
	ts := billing.Timesheet{Items: []billing.LineItem{
		{Hours: billing.Hours(2.25), BillableHours: billing.Hours(2)},
		{Hours: billing.Hours(1.333)},
	}}
	require.NoError(t, billing.NormalizeTimesheet(&ts))

	assertHours(t, 0.25, ts.Items[0].NonBillableHours)
	assertHours(t, 3.58, ts.TotalHours)
	assertHours(t, 1.58, ts.TotalNonBillableHours)
}
