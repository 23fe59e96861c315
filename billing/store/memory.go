// Package store provides in-memory billing.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	t  *tables
}

// tables holds the rows. Its methods assume the caller holds the lock.
type tables struct {
	projects   map[string]billing.Project
	timesheets map[string]billing.Timesheet
	items      map[string]string // line item ID -> timesheet ID
	tasks      map[string]billing.Task
	users      map[string]billing.User
	customers  map[string]billing.Customer
	runs       map[string]billing.ReconciliationRun
	statements map[string]billing.Statement
}

func newTables() *tables {
	return &tables{
		projects:   make(map[string]billing.Project),
		timesheets: make(map[string]billing.Timesheet),
		items:      make(map[string]string),
		tasks:      make(map[string]billing.Task),
		users:      make(map[string]billing.User),
		customers:  make(map[string]billing.Customer),
		runs:       make(map[string]billing.ReconciliationRun),
		statements: make(map[string]billing.Statement),
	}
}

func NewMemory() *Memory {
	return &Memory{t: newTables()}
}

// --- projects ---

func (t *tables) saveProject(p billing.Project) {
	t.projects[p.ID] = p
}

func (t *tables) getProject(id string) *billing.Project {
	p, ok := t.projects[id]
	if !ok {
		return nil
	}
	return &p
}

func (t *tables) listProjects(f billing.ProjectFilter) []billing.Project {
	var out []billing.Project
	for _, p := range t.projects {
		if f.Matches(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *tables) updateConsumedHours(id string, consumed decimal.Decimal) error {
	p, ok := t.projects[id]
	if !ok {
		return billing.ErrProjectNotFound
	}
	p.ConsumedHours = consumed
	t.projects[id] = p
	return nil
}

// --- timesheets ---

func (t *tables) saveTimesheet(ts billing.Timesheet) {
	if old, ok := t.timesheets[ts.ID]; ok {
		for _, item := range old.Items {
			delete(t.items, item.ID)
		}
	}
	ts.Items = append([]billing.LineItem(nil), ts.Items...)
	for _, item := range ts.Items {
		t.items[item.ID] = ts.ID
	}
	t.timesheets[ts.ID] = ts
}

func (t *tables) getTimesheet(id string) *billing.Timesheet {
	ts, ok := t.timesheets[id]
	if !ok {
		return nil
	}
	ts.Items = append([]billing.LineItem(nil), ts.Items...)
	return &ts
}

func (t *tables) saveLineItem(item billing.LineItem) error {
	tsID, ok := t.items[item.ID]
	if !ok {
		return billing.ErrLineItemNotFound
	}
	ts := t.timesheets[tsID]
	items := append([]billing.LineItem(nil), ts.Items...)
	for i := range items {
		if items[i].ID == item.ID {
			item.TimesheetID = tsID
			items[i] = item
		}
	}
	ts.Items = items
	t.timesheets[tsID] = ts
	return nil
}

func (t *tables) getLineItem(id string) *billing.LineItem {
	tsID, ok := t.items[id]
	if !ok {
		return nil
	}
	for _, item := range t.timesheets[tsID].Items {
		if item.ID == id {
			return &item
		}
	}
	return nil
}

func (t *tables) listEntries(f billing.EntryFilter) []billing.Entry {
	var out []billing.Entry
	for _, ts := range t.timesheets {
		for _, item := range ts.Items {
			e := billing.Entry{
				LineItem:        item,
				EmployeeID:      ts.EmployeeID,
				EmployeeName:    ts.EmployeeName,
				TimesheetStatus: ts.Status,
				TimesheetStart:  ts.StartDate,
				TimesheetEnd:    ts.EndDate,
			}
			if p, ok := t.projects[item.ProjectID]; ok {
				e.ProjectName = p.Name
				e.CustomerID = p.CustomerID
				e.BillingType = p.BillingType
				e.HourlyRate = p.HourlyRate
			}
			if task, ok := t.tasks[item.TaskID]; ok {
				e.TaskSubject = task.Subject
			}
			if f.Matches(e) {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.TimesheetStart.Equal(b.TimesheetStart) {
			return a.TimesheetStart.After(b.TimesheetStart)
		}
		if a.TimesheetID != b.TimesheetID {
			return a.TimesheetID < b.TimesheetID
		}
		return a.Position < b.Position
	})
	return out
}

// --- tasks ---

func (t *tables) getTask(id string) *billing.Task {
	task, ok := t.tasks[id]
	if !ok {
		return nil
	}
	return &task
}

func (t *tables) listTasks(projectIDs []string) []billing.Task {
	want := make(map[string]bool, len(projectIDs))
	for _, id := range projectIDs {
		want[id] = true
	}
	var out []billing.Task
	for _, task := range t.tasks {
		if want[task.ProjectID] {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// --- directory ---

func (t *tables) getUser(id string) *billing.User {
	u, ok := t.users[id]
	if !ok {
		return nil
	}
	u.Roles = append([]billing.Role(nil), u.Roles...)
	return &u
}

func (t *tables) getCustomer(id string) *billing.Customer {
	c, ok := t.customers[id]
	if !ok {
		return nil
	}
	return &c
}

func (t *tables) listCustomers(includeDisabled bool) []billing.Customer {
	var out []billing.Customer
	for _, c := range t.customers {
		if includeDisabled || !c.Disabled {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *tables) clone() *tables {
	c := newTables()
	for k, v := range t.projects {
		c.projects[k] = v
	}
	for k, v := range t.timesheets {
		v.Items = append([]billing.LineItem(nil), v.Items...)
		c.timesheets[k] = v
	}
	for k, v := range t.items {
		c.items[k] = v
	}
	for k, v := range t.tasks {
		c.tasks[k] = v
	}
	for k, v := range t.users {
		c.users[k] = v
	}
	for k, v := range t.customers {
		c.customers[k] = v
	}
	for k, v := range t.runs {
		c.runs[k] = v
	}
	for k, v := range t.statements {
		c.statements[k] = v
	}
	return c
}

// =============================================================================
// billing.Store
// =============================================================================

func (m *Memory) SaveProject(_ context.Context, p billing.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t.saveProject(p)
	return nil
}

func (m *Memory) GetProject(_ context.Context, id string) (*billing.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.getProject(id), nil
}

func (m *Memory) ListProjects(_ context.Context, f billing.ProjectFilter) ([]billing.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.listProjects(f), nil
}

func (m *Memory) UpdateConsumedHours(_ context.Context, id string, consumed decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.updateConsumedHours(id, consumed)
}

func (m *Memory) SaveTimesheet(_ context.Context, ts billing.Timesheet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t.saveTimesheet(ts)
	return nil
}

func (m *Memory) GetTimesheet(_ context.Context, id string) (*billing.Timesheet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.getTimesheet(id), nil
}

func (m *Memory) SaveLineItem(_ context.Context, item billing.LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.saveLineItem(item)
}

func (m *Memory) GetLineItem(_ context.Context, id string) (*billing.LineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.getLineItem(id), nil
}

func (m *Memory) ListEntries(_ context.Context, f billing.EntryFilter) ([]billing.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.listEntries(f), nil
}

func (m *Memory) SaveTask(_ context.Context, task billing.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t.tasks[task.ID] = task
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*billing.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.getTask(id), nil
}

func (m *Memory) ListTasks(_ context.Context, projectIDs []string) ([]billing.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.listTasks(projectIDs), nil
}

func (m *Memory) SaveUser(_ context.Context, u billing.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t.users[u.ID] = u
	return nil
}

func (m *Memory) GetUser(_ context.Context, id string) (*billing.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.getUser(id), nil
}

func (m *Memory) SaveCustomer(_ context.Context, c billing.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t.customers[c.ID] = c
	return nil
}

func (m *Memory) GetCustomer(_ context.Context, id string) (*billing.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.getCustomer(id), nil
}

func (m *Memory) ListCustomers(_ context.Context, includeDisabled bool) ([]billing.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.listCustomers(includeDisabled), nil
}

// =============================================================================
// RUNS & STATEMENTS
// =============================================================================

func (m *Memory) SaveReconciliationRun(_ context.Context, r billing.ReconciliationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t.runs[r.ID] = r
	return nil
}

func (m *Memory) GetReconciliationRuns(_ context.Context, status string) ([]billing.ReconciliationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.ReconciliationRun
	for _, r := range m.t.runs {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SaveStatement(_ context.Context, s billing.Statement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Lines = append([]billing.StatementLine(nil), s.Lines...)
	m.t.statements[s.ID] = s
	return nil
}

func (m *Memory) ListStatements(_ context.Context, customerID string) ([]billing.Statement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Statement
	for _, s := range m.t.statements {
		if customerID == "" || s.CustomerID == customerID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PeriodStart.Equal(out[j].PeriodStart) {
			return out[i].PeriodStart.After(out[j].PeriodStart)
		}
		return out[i].CustomerID < out[j].CustomerID
	})
	return out, nil
}

// Reset drops every record.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = newTables()
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// WithTx executes fn against a locked view of the store.
// Writes go straight to the tables; on error the pre-call snapshot is restored.
func (m *Memory) WithTx(_ context.Context, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.t.clone()
	if err := fn(&txView{t: m.t}); err != nil {
		m.t = snapshot
		return err
	}
	return nil
}

// txView runs against the tables without taking the lock; WithTx holds it.
type txView struct {
	t *tables
}

func (v *txView) SaveProject(_ context.Context, p billing.Project) error {
	v.t.saveProject(p)
	return nil
}

func (v *txView) GetProject(_ context.Context, id string) (*billing.Project, error) {
	return v.t.getProject(id), nil
}

func (v *txView) ListProjects(_ context.Context, f billing.ProjectFilter) ([]billing.Project, error) {
	return v.t.listProjects(f), nil
}

func (v *txView) UpdateConsumedHours(_ context.Context, id string, consumed decimal.Decimal) error {
	return v.t.updateConsumedHours(id, consumed)
}

func (v *txView) SaveTimesheet(_ context.Context, ts billing.Timesheet) error {
	v.t.saveTimesheet(ts)
	return nil
}

func (v *txView) GetTimesheet(_ context.Context, id string) (*billing.Timesheet, error) {
	return v.t.getTimesheet(id), nil
}

func (v *txView) SaveLineItem(_ context.Context, item billing.LineItem) error {
	return v.t.saveLineItem(item)
}

func (v *txView) GetLineItem(_ context.Context, id string) (*billing.LineItem, error) {
	return v.t.getLineItem(id), nil
}

func (v *txView) ListEntries(_ context.Context, f billing.EntryFilter) ([]billing.Entry, error) {
	return v.t.listEntries(f), nil
}

func (v *txView) SaveTask(_ context.Context, task billing.Task) error {
	v.t.tasks[task.ID] = task
	return nil
}

func (v *txView) GetTask(_ context.Context, id string) (*billing.Task, error) {
	return v.t.getTask(id), nil
}

func (v *txView) ListTasks(_ context.Context, projectIDs []string) ([]billing.Task, error) {
	return v.t.listTasks(projectIDs), nil
}

func (v *txView) SaveUser(_ context.Context, u billing.User) error {
	v.t.users[u.ID] = u
	return nil
}

func (v *txView) GetUser(_ context.Context, id string) (*billing.User, error) {
	return v.t.getUser(id), nil
}

func (v *txView) SaveCustomer(_ context.Context, c billing.Customer) error {
	v.t.customers[c.ID] = c
	return nil
}

func (v *txView) GetCustomer(_ context.Context, id string) (*billing.Customer, error) {
	return v.t.getCustomer(id), nil
}

func (v *txView) ListCustomers(_ context.Context, includeDisabled bool) ([]billing.Customer, error) {
	return v.t.listCustomers(includeDisabled), nil
}
