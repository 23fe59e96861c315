/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario correctly sets up the expected state:
	- Customers, users and projects are created
	- Timesheets are saved, submitted and decided
	- Consumed hours match the approved billable hours

These tests ensure scenarios work correctly and can be used as integration tests.
*/
package api

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
)

func loadScenario(t *testing.T, id string) *Handler {
	h := setupTestHandler(t)
	sc, ok, err := BuiltinScenario(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.ApplyScenario(context.Background(), sc))
	return h
}

func TestBuiltinScenarios(t *testing.T) {
	all, err := BuiltinScenarios()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "hourly-budget", all[0].ID)
	assert.Equal(t, "over-budget", all[1].ID)

	_, ok, err := BuiltinScenario("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseScenario(t *testing.T) {
	sc, err := ParseScenario([]byte("id: tiny\nname: Tiny\ncustomers:\n  - id: c1\n    name: C One\n"))
	require.NoError(t, err)
	assert.Equal(t, "tiny", sc.ID)
	require.Len(t, sc.Customers, 1)

	_, err = ParseScenario([]byte("name: no id"))
	assert.Error(t, err)

	_, err = ParseScenario([]byte("id: [unclosed"))
	assert.Error(t, err)
}

func TestReadScenarioFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: custom\n"), 0o600))

	sc, err := ReadScenarioFile(path)
	require.NoError(t, err)
	assert.Equal(t, "custom", sc.ID)

	_, err = ReadScenarioFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestScenario_HourlyBudget(t *testing.T) {
	// GIVEN: The hourly-budget scenario
	// WHEN: Loading it
	// THEN: acme-web has 15 consumed hours and the support item stays pending

	h := loadScenario(t, "hourly-budget")
	ctx := context.Background()

	web, err := h.Store.GetProject(ctx, "acme-web")
	require.NoError(t, err)
	require.NotNil(t, web)
	assert.True(t, web.ConsumedHours.Equal(billing.Hours(15)), web.ConsumedHours.String())
	assert.False(t, web.IsOverBudget())

	support, err := h.Store.GetProject(ctx, "acme-support")
	require.NoError(t, err)
	assert.Equal(t, billing.BillingFixedCost, support.BillingType)
	assert.True(t, support.PurchasedHours.IsZero())

	ts, err := h.Store.GetTimesheet(ctx, "ts-carol-1")
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.Equal(t, billing.TimesheetSubmitted, ts.Status)
	assert.Equal(t, billing.ApprovalRejected, ts.ApprovalStatus)
	assert.Equal(t, "Carol Diaz", ts.EmployeeName)
	assert.Equal(t, "acme-web-checkout", ts.Items[0].TaskID)

	pending, err := h.Store.GetTimesheet(ctx, "ts-carol-2")
	require.NoError(t, err)
	assert.Equal(t, billing.ApprovalPending, pending.ApprovalStatus)

	tasks, err := h.Store.ListTasks(ctx, []string{"acme-web"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "High", tasks[0].Priority)
}

func TestScenario_OverBudget(t *testing.T) {
	// GIVEN: The over-budget scenario
	// WHEN: Loading it
	// THEN: acme-migration consumed 22 of 20 hours and the draft is untouched

	h := loadScenario(t, "over-budget")
	ctx := context.Background()

	migration, err := h.Store.GetProject(ctx, "acme-migration")
	require.NoError(t, err)
	assert.True(t, migration.ConsumedHours.Equal(billing.Hours(22)), migration.ConsumedHours.String())
	assert.True(t, migration.IsOverBudget())

	audit, err := h.Store.GetProject(ctx, "globex-audit")
	require.NoError(t, err)
	assert.True(t, audit.ConsumedHours.Equal(billing.Hours(6)), audit.ConsumedHours.String())

	draft, err := h.Store.GetTimesheet(ctx, "ts-carol-2")
	require.NoError(t, err)
	assert.Equal(t, billing.TimesheetDraft, draft.Status)
}

func TestScenario_ReloadReplacesData(t *testing.T) {
	h := loadScenario(t, "over-budget")
	ctx := context.Background()

	sc, _, err := BuiltinScenario("hourly-budget")
	require.NoError(t, err)
	require.NoError(t, h.ApplyScenario(ctx, sc))

	p, err := h.Store.GetProject(ctx, "acme-migration")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, "hourly-budget", h.currentScenario)
}

func TestScenario_UnknownReferencesFail(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()

	err := h.ApplyScenario(ctx, Scenario{
		ID:       "broken",
		Projects: []ScenarioProject{{ID: "p1", Name: "P1", BillingType: "Fixed Cost", Manager: "nobody"}},
	})
	assert.ErrorContains(t, err, "unknown manager")
	assert.Empty(t, h.currentScenario)

	item := ScenarioItem{Activity: "Dev", Hours: 1, BillableHours: 1, Outcome: "maybe"}
	ts := ScenarioTimesheet{ID: "ts", Employee: "pm", Project: "p1", Submit: true, Items: []ScenarioItem{item}}
	err = h.ApplyScenario(ctx, Scenario{
		ID:         "broken",
		Users:      []ScenarioUser{{ID: "pm", FullName: "PM", Roles: []string{"Project Manager"}}},
		Projects:   []ScenarioProject{{ID: "p1", Name: "P1", BillingType: "Fixed Cost", Manager: "pm"}},
		Timesheets: []ScenarioTimesheet{ts},
	})
	assert.ErrorContains(t, err, "unknown outcome")
}
