/*
Package sqlite provides a SQLite-backed implementation of the billing store.

PURPOSE:
  Implements billing.TxStore, billing.RunStore and billing.StatementStore
  using SQLite. The same SQL runs on PostgreSQL with minor dialect changes.

KEY TABLES:
  customers, users:    Directory (roles stored as a JSON array)
  projects:            Billing configuration plus the consumed-hours aggregate
  timesheets:          Header rows with lifecycle and aggregate approval status
  line_items:          Per-activity hours and explicit approval status
  tasks:               Project tasks
  reconciliation_runs: Scheduled job audit trail
  billing_statements:  Weekly customer statements

ENTRY QUERY:
  ListEntries joins line_items -> timesheets -> projects (-> tasks) and
  builds its WHERE clause from billing.EntryFilter. The approved-billable
  filter becomes:
    t.status = 'Submitted' AND li.approval_status = 'Approved'

INDEXES:
  - idx_line_items_project_status: Reconciler hot path
  - idx_line_items_timesheet:      Timesheet load / replace
  - idx_timesheets_status_start:   Portal and report month ranges
  - idx_projects_manager / idx_projects_customer: Ownership lookups

PRECISION:
  Hours and money are stored as TEXT decimals and parsed with
  shopspring/decimal. Timestamps are UTC RFC3339 strings, so lexical
  comparison in SQL matches chronological order.

CONCURRENCY:
  The pool is capped at one connection. That serialises writers (SQLite
  allows only one anyway) and keeps ":memory:" databases coherent.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/billing"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	queries
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements billing.Store against a querier.
type queries struct {
	q querier
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		disabled INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		full_name TEXT,
		email TEXT,
		roles_json TEXT NOT NULL DEFAULT '[]',
		customer_id TEXT
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		customer_id TEXT,
		status TEXT NOT NULL,
		billing_type TEXT NOT NULL,
		purchased_hours TEXT NOT NULL DEFAULT '0',
		consumed_hours TEXT NOT NULL DEFAULT '0',
		hourly_rate TEXT NOT NULL DEFAULT '0',
		manager_user_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_projects_manager
		ON projects(manager_user_id);
	CREATE INDEX IF NOT EXISTS idx_projects_customer
		ON projects(customer_id);

	CREATE TABLE IF NOT EXISTS timesheets (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		employee_name TEXT,
		project_id TEXT,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		status TEXT NOT NULL,
		approval_status TEXT NOT NULL,
		total_hours TEXT NOT NULL DEFAULT '0',
		total_billable_hours TEXT NOT NULL DEFAULT '0',
		total_non_billable_hours TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_timesheets_status_start
		ON timesheets(status, start_date);
	CREATE INDEX IF NOT EXISTS idx_timesheets_employee
		ON timesheets(employee_id);

	CREATE TABLE IF NOT EXISTS line_items (
		id TEXT PRIMARY KEY,
		timesheet_id TEXT NOT NULL REFERENCES timesheets(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		project_id TEXT NOT NULL,
		task_id TEXT,
		activity_type TEXT,
		description TEXT,
		from_time TEXT,
		hours TEXT NOT NULL DEFAULT '0',
		billable_hours TEXT NOT NULL DEFAULT '0',
		non_billable_hours TEXT NOT NULL DEFAULT '0',
		approval_status TEXT NOT NULL DEFAULT 'Pending',
		approved_by TEXT,
		approved_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_line_items_timesheet
		ON line_items(timesheet_id);
	CREATE INDEX IF NOT EXISTS idx_line_items_project_status
		ON line_items(project_id, approval_status);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		subject TEXT NOT NULL,
		status TEXT,
		priority TEXT,
		expected_start TEXT,
		expected_end TEXT,
		progress INTEGER NOT NULL DEFAULT 0,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_project
		ON tasks(project_id);

	-- Reconciliation Runs (scheduled sweeps and statement jobs)
	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		changed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		over_budget INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_status
		ON reconciliation_runs(status);

	CREATE TABLE IF NOT EXISTS billing_statements (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		lines_json TEXT NOT NULL,
		total_hours TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		generated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_statements_unique
		ON billing_statements(customer_id, period_start, period_end);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// SaveTimesheet replaces a timesheet and its items atomically.
func (s *Store) SaveTimesheet(ctx context.Context, ts billing.Timesheet) error {
	return s.WithTx(ctx, func(tx billing.Store) error {
		return tx.SaveTimesheet(ctx, ts)
	})
}

// =============================================================================
// PROJECTS
// =============================================================================

const projectColumns = `id, name, customer_id, status, billing_type, purchased_hours,
	consumed_hours, hourly_rate, manager_user_id, created_at, updated_at`

// SaveProject upserts a project. consumed_hours is left alone on update;
// only UpdateConsumedHours writes it.
func (x queries) SaveProject(ctx context.Context, p billing.Project) error {
	query := `
		INSERT INTO projects (` + projectColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			customer_id = excluded.customer_id,
			status = excluded.status,
			billing_type = excluded.billing_type,
			purchased_hours = excluded.purchased_hours,
			hourly_rate = excluded.hourly_rate,
			manager_user_id = excluded.manager_user_id,
			updated_at = excluded.updated_at
	`
	_, err := x.q.ExecContext(ctx, query,
		p.ID, p.Name, nullString(p.CustomerID), string(p.Status), string(p.BillingType),
		p.PurchasedHours.String(), p.ConsumedHours.String(), p.HourlyRate.String(),
		nullString(p.ManagerUserID), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID.
func (x queries) GetProject(ctx context.Context, id string) (*billing.Project, error) {
	row := x.q.QueryRowContext(ctx, "SELECT "+projectColumns+" FROM projects WHERE id = ?", id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProjects returns projects matching the filter, ordered by name.
func (x queries) ListProjects(ctx context.Context, f billing.ProjectFilter) ([]billing.Project, error) {
	var w where
	w.in("id", f.IDs)
	w.eq("customer_id", f.CustomerID)
	w.eq("manager_user_id", f.ManagerUserID)
	w.eq("billing_type", string(f.BillingType))
	w.eq("status", string(f.Status))
	if f.ExcludeStatus != "" {
		w.add("status != ?", string(f.ExcludeStatus))
	}

	rows, err := x.q.QueryContext(ctx,
		"SELECT "+projectColumns+" FROM projects"+w.sql()+" ORDER BY name, id", w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var projects []billing.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateConsumedHours writes the reconciled aggregate.
func (x queries) UpdateConsumedHours(ctx context.Context, id string, consumed decimal.Decimal) error {
	res, err := x.q.ExecContext(ctx,
		"UPDATE projects SET consumed_hours = ?, updated_at = ? WHERE id = ?",
		consumed.String(), formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update consumed hours: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", billing.ErrProjectNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (billing.Project, error) {
	var (
		p                         billing.Project
		customerID, managerID     sql.NullString
		status, billingType       string
		purchased, consumed, rate string
		createdAt, updatedAt      string
	)
	err := row.Scan(&p.ID, &p.Name, &customerID, &status, &billingType,
		&purchased, &consumed, &rate, &managerID, &createdAt, &updatedAt)
	if err != nil {
		return p, err
	}
	p.CustomerID = customerID.String
	p.ManagerUserID = managerID.String
	p.Status = billing.ProjectStatus(status)
	p.BillingType = billing.BillingType(billingType)
	p.PurchasedHours = parseDecimal(purchased)
	p.ConsumedHours = parseDecimal(consumed)
	p.HourlyRate = parseDecimal(rate)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

// =============================================================================
// TIMESHEETS & LINE ITEMS
// =============================================================================

// SaveTimesheet upserts the header and replaces every line item. Callers
// outside a transaction should go through Store.SaveTimesheet.
func (x queries) SaveTimesheet(ctx context.Context, ts billing.Timesheet) error {
	query := `
		INSERT INTO timesheets (id, employee_id, employee_name, project_id, start_date, end_date,
			status, approval_status, total_hours, total_billable_hours, total_non_billable_hours,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			employee_id = excluded.employee_id,
			employee_name = excluded.employee_name,
			project_id = excluded.project_id,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			status = excluded.status,
			approval_status = excluded.approval_status,
			total_hours = excluded.total_hours,
			total_billable_hours = excluded.total_billable_hours,
			total_non_billable_hours = excluded.total_non_billable_hours,
			updated_at = excluded.updated_at
	`
	_, err := x.q.ExecContext(ctx, query,
		ts.ID, ts.EmployeeID, nullString(ts.EmployeeName), nullString(ts.ProjectID),
		formatTime(ts.StartDate), formatTime(ts.EndDate),
		string(ts.Status), string(ts.ApprovalStatus),
		ts.TotalHours.String(), ts.TotalBillableHours.String(), ts.TotalNonBillableHours.String(),
		formatTime(ts.CreatedAt), formatTime(ts.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save timesheet: %w", err)
	}

	if _, err := x.q.ExecContext(ctx, "DELETE FROM line_items WHERE timesheet_id = ?", ts.ID); err != nil {
		return fmt.Errorf("failed to clear line items: %w", err)
	}
	for _, item := range ts.Items {
		item.TimesheetID = ts.ID
		if err := x.insertLineItem(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (x queries) insertLineItem(ctx context.Context, item billing.LineItem) error {
	query := `
		INSERT INTO line_items (id, timesheet_id, position, project_id, task_id, activity_type,
			description, from_time, hours, billable_hours, non_billable_hours,
			approval_status, approved_by, approved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := x.q.ExecContext(ctx, query,
		item.ID, item.TimesheetID, item.Position, item.ProjectID, nullString(item.TaskID),
		nullString(item.ActivityType), nullString(item.Description), formatTime(item.FromTime),
		item.Hours.String(), item.BillableHours.String(), item.NonBillableHours.String(),
		string(item.ApprovalStatus), nullString(item.ApprovedBy), formatTimePtr(item.ApprovedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert line item %s: %w", item.ID, err)
	}
	return nil
}

// GetTimesheet retrieves a timesheet with its items in position order.
func (x queries) GetTimesheet(ctx context.Context, id string) (*billing.Timesheet, error) {
	var (
		ts                           billing.Timesheet
		employeeName, projectID      sql.NullString
		start, end, status, approval string
		total, billable, nonBillable string
		createdAt, updatedAt         string
	)
	err := x.q.QueryRowContext(ctx, `
		SELECT id, employee_id, employee_name, project_id, start_date, end_date, status,
			approval_status, total_hours, total_billable_hours, total_non_billable_hours,
			created_at, updated_at
		FROM timesheets WHERE id = ?`, id,
	).Scan(&ts.ID, &ts.EmployeeID, &employeeName, &projectID, &start, &end, &status,
		&approval, &total, &billable, &nonBillable, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ts.EmployeeName = employeeName.String
	ts.ProjectID = projectID.String
	ts.StartDate = parseTime(start)
	ts.EndDate = parseTime(end)
	ts.Status = billing.TimesheetStatus(status)
	ts.ApprovalStatus = billing.ApprovalStatus(approval)
	ts.TotalHours = parseDecimal(total)
	ts.TotalBillableHours = parseDecimal(billable)
	ts.TotalNonBillableHours = parseDecimal(nonBillable)
	ts.CreatedAt = parseTime(createdAt)
	ts.UpdatedAt = parseTime(updatedAt)

	rows, err := x.q.QueryContext(ctx,
		"SELECT "+lineItemColumns+" FROM line_items li WHERE li.timesheet_id = ? ORDER BY li.position", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query line items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		item, err := scanLineItem(rows)
		if err != nil {
			return nil, err
		}
		ts.Items = append(ts.Items, item)
	}
	return &ts, rows.Err()
}

// SaveLineItem updates one existing line item in place.
func (x queries) SaveLineItem(ctx context.Context, item billing.LineItem) error {
	res, err := x.q.ExecContext(ctx, `
		UPDATE line_items SET
			project_id = ?, task_id = ?, activity_type = ?, description = ?, from_time = ?,
			hours = ?, billable_hours = ?, non_billable_hours = ?,
			approval_status = ?, approved_by = ?, approved_at = ?
		WHERE id = ?`,
		item.ProjectID, nullString(item.TaskID), nullString(item.ActivityType),
		nullString(item.Description), formatTime(item.FromTime),
		item.Hours.String(), item.BillableHours.String(), item.NonBillableHours.String(),
		string(item.ApprovalStatus), nullString(item.ApprovedBy), formatTimePtr(item.ApprovedAt),
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save line item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", billing.ErrLineItemNotFound, item.ID)
	}
	return nil
}

// GetLineItem retrieves a single line item.
func (x queries) GetLineItem(ctx context.Context, id string) (*billing.LineItem, error) {
	row := x.q.QueryRowContext(ctx, "SELECT "+lineItemColumns+" FROM line_items li WHERE li.id = ?", id)
	item, err := scanLineItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

const lineItemColumns = `li.id, li.timesheet_id, li.position, li.project_id, li.task_id,
	li.activity_type, li.description, li.from_time, li.hours, li.billable_hours,
	li.non_billable_hours, li.approval_status, li.approved_by, li.approved_at`

// lineItemFields returns scan targets for lineItemColumns and a finisher
// that copies the nullable columns into item.
func lineItemFields(item *billing.LineItem) ([]any, func()) {
	var (
		taskID, activity, description, fromTime sql.NullString
		hours, billable, nonBillable, status    string
		approvedBy, approvedAt                  sql.NullString
	)
	dest := []any{&item.ID, &item.TimesheetID, &item.Position, &item.ProjectID, &taskID,
		&activity, &description, &fromTime, &hours, &billable,
		&nonBillable, &status, &approvedBy, &approvedAt}
	return dest, func() {
		item.TaskID = taskID.String
		item.ActivityType = activity.String
		item.Description = description.String
		item.FromTime = parseTime(fromTime.String)
		item.Hours = parseDecimal(hours)
		item.BillableHours = parseDecimal(billable)
		item.NonBillableHours = parseDecimal(nonBillable)
		item.ApprovalStatus = billing.ApprovalStatus(status)
		item.ApprovedBy = approvedBy.String
		item.ApprovedAt = parseTimePtr(approvedAt)
	}
}

func scanLineItem(row scanner) (billing.LineItem, error) {
	var item billing.LineItem
	dest, finish := lineItemFields(&item)
	if err := row.Scan(dest...); err != nil {
		return item, err
	}
	finish()
	return item, nil
}

// ListEntries returns joined line items, newest timesheet first.
func (x queries) ListEntries(ctx context.Context, f billing.EntryFilter) ([]billing.Entry, error) {
	var w where
	w.in("li.project_id", f.ProjectIDs)
	w.eq("p.customer_id", f.CustomerID)
	w.eq("li.timesheet_id", f.TimesheetID)
	w.eq("t.employee_id", f.EmployeeID)
	w.eq("t.status", string(f.TimesheetStatus))
	w.eq("li.approval_status", string(f.ApprovalStatus))
	if f.ApprovedOnOrBefore != nil {
		w.add("li.approved_at IS NOT NULL AND li.approved_at <= ?", formatTime(*f.ApprovedOnOrBefore))
	}
	if f.StartFrom != nil {
		w.add("t.start_date >= ?", formatTime(*f.StartFrom))
	}
	if f.StartTo != nil {
		w.add("t.start_date <= ?", formatTime(*f.StartTo))
	}
	if f.WorkedFrom != nil {
		w.add("li.from_time >= ?", formatTime(*f.WorkedFrom))
	}
	if f.WorkedTo != nil {
		w.add("li.from_time <= ?", formatTime(*f.WorkedTo))
	}
	if f.EmployeeNameLike != "" {
		w.add(`LOWER(COALESCE(t.employee_name, '')) LIKE ? ESCAPE '\'`, likePattern(f.EmployeeNameLike))
	}
	if f.ActivityTypeLike != "" {
		w.add(`LOWER(COALESCE(li.activity_type, '')) LIKE ? ESCAPE '\'`, likePattern(f.ActivityTypeLike))
	}

	query := `
		SELECT ` + lineItemColumns + `,
			t.employee_id, t.employee_name, t.status, t.start_date, t.end_date,
			p.name, p.customer_id, p.billing_type, p.hourly_rate, tk.subject
		FROM line_items li
		JOIN timesheets t ON t.id = li.timesheet_id
		LEFT JOIN projects p ON p.id = li.project_id
		LEFT JOIN tasks tk ON tk.id = li.task_id` + w.sql() + `
		ORDER BY t.start_date DESC, t.id, li.position
	`
	rows, err := x.q.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []billing.Entry
	for rows.Next() {
		var (
			e                                     billing.Entry
			employeeName, projectName, customerID sql.NullString
			billingType, rate, taskSubject        sql.NullString
			tsStatus, start, end                  string
		)
		dest, finish := lineItemFields(&e.LineItem)
		dest = append(dest, &e.EmployeeID, &employeeName, &tsStatus, &start, &end,
			&projectName, &customerID, &billingType, &rate, &taskSubject)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		finish()
		e.EmployeeName = employeeName.String
		e.TimesheetStatus = billing.TimesheetStatus(tsStatus)
		e.TimesheetStart = parseTime(start)
		e.TimesheetEnd = parseTime(end)
		e.ProjectName = projectName.String
		e.CustomerID = customerID.String
		e.BillingType = billing.BillingType(billingType.String)
		e.HourlyRate = parseDecimal(rate.String)
		e.TaskSubject = taskSubject.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// TASKS
// =============================================================================

const taskColumns = `id, project_id, subject, status, priority, expected_start, expected_end,
	progress, created_by, created_at`

func (x queries) SaveTask(ctx context.Context, t billing.Task) error {
	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			subject = excluded.subject,
			status = excluded.status,
			priority = excluded.priority,
			expected_start = excluded.expected_start,
			expected_end = excluded.expected_end,
			progress = excluded.progress
	`
	_, err := x.q.ExecContext(ctx, query,
		t.ID, t.ProjectID, t.Subject, nullString(t.Status), nullString(t.Priority),
		formatTimePtr(t.ExpectedStart), formatTimePtr(t.ExpectedEnd),
		t.Progress, nullString(t.CreatedBy), formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func (x queries) GetTask(ctx context.Context, id string) (*billing.Task, error) {
	row := x.q.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks returns tasks of the given projects, newest first.
func (x queries) ListTasks(ctx context.Context, projectIDs []string) ([]billing.Task, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}
	var w where
	w.in("project_id", projectIDs)
	rows, err := x.q.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks"+w.sql()+" ORDER BY created_at DESC, id", w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []billing.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row scanner) (billing.Task, error) {
	var (
		t                         billing.Task
		status, priority, creator sql.NullString
		start, end                sql.NullString
		createdAt                 string
	)
	err := row.Scan(&t.ID, &t.ProjectID, &t.Subject, &status, &priority, &start, &end,
		&t.Progress, &creator, &createdAt)
	if err != nil {
		return t, err
	}
	t.Status = status.String
	t.Priority = priority.String
	t.ExpectedStart = parseTimePtr(start)
	t.ExpectedEnd = parseTimePtr(end)
	t.CreatedBy = creator.String
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

// =============================================================================
// DIRECTORY
// =============================================================================

func (x queries) SaveUser(ctx context.Context, u billing.User) error {
	rolesJSON, err := json.Marshal(u.Roles)
	if err != nil {
		return fmt.Errorf("failed to encode roles: %w", err)
	}
	_, err = x.q.ExecContext(ctx, `
		INSERT INTO users (id, full_name, email, roles_json, customer_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			full_name = excluded.full_name,
			email = excluded.email,
			roles_json = excluded.roles_json,
			customer_id = excluded.customer_id`,
		u.ID, nullString(u.FullName), nullString(u.Email), string(rolesJSON), nullString(u.CustomerID),
	)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (x queries) GetUser(ctx context.Context, id string) (*billing.User, error) {
	var (
		u                           billing.User
		fullName, email, customerID sql.NullString
		rolesJSON                   string
	)
	err := x.q.QueryRowContext(ctx,
		"SELECT id, full_name, email, roles_json, customer_id FROM users WHERE id = ?", id,
	).Scan(&u.ID, &fullName, &email, &rolesJSON, &customerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.FullName = fullName.String
	u.Email = email.String
	u.CustomerID = customerID.String
	if err := json.Unmarshal([]byte(rolesJSON), &u.Roles); err != nil {
		return nil, fmt.Errorf("failed to decode roles for %s: %w", id, err)
	}
	return &u, nil
}

func (x queries) SaveCustomer(ctx context.Context, c billing.Customer) error {
	_, err := x.q.ExecContext(ctx, `
		INSERT INTO customers (id, name, disabled) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, disabled = excluded.disabled`,
		c.ID, c.Name, c.Disabled,
	)
	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}

func (x queries) GetCustomer(ctx context.Context, id string) (*billing.Customer, error) {
	var c billing.Customer
	err := x.q.QueryRowContext(ctx,
		"SELECT id, name, disabled FROM customers WHERE id = ?", id,
	).Scan(&c.ID, &c.Name, &c.Disabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (x queries) ListCustomers(ctx context.Context, includeDisabled bool) ([]billing.Customer, error) {
	query := "SELECT id, name, disabled FROM customers"
	if !includeDisabled {
		query += " WHERE disabled = 0"
	}
	rows, err := x.q.QueryContext(ctx, query+" ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var customers []billing.Customer
	for rows.Next() {
		var c billing.Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.Disabled); err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

// =============================================================================
// RECONCILIATION RUNS STORE
// =============================================================================

// SaveReconciliationRun upserts a run record.
func (s *Store) SaveReconciliationRun(ctx context.Context, r billing.ReconciliationRun) error {
	query := `
		INSERT INTO reconciliation_runs (id, kind, status, processed, changed, failed,
			over_budget, error, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			processed = excluded.processed,
			changed = excluded.changed,
			failed = excluded.failed,
			over_budget = excluded.over_budget,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Kind, r.Status, r.Processed, r.Changed, r.Failed, r.OverBudget,
		nullString(r.Error), formatTimePtr(r.StartedAt), formatTimePtr(r.CompletedAt),
		formatTime(r.CreatedAt),
	)
	return err
}

// GetReconciliationRuns returns run records, newest first.
func (s *Store) GetReconciliationRuns(ctx context.Context, status string) ([]billing.ReconciliationRun, error) {
	query := `
		SELECT id, kind, status, processed, changed, failed, over_budget, error,
			started_at, completed_at, created_at
		FROM reconciliation_runs`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []billing.ReconciliationRun
	for rows.Next() {
		var r billing.ReconciliationRun
		var errText, startedAt, completedAt sql.NullString
		var createdAt string
		if err := rows.Scan(&r.ID, &r.Kind, &r.Status, &r.Processed, &r.Changed, &r.Failed,
			&r.OverBudget, &errText, &startedAt, &completedAt, &createdAt); err != nil {
			return nil, err
		}
		r.Error = errText.String
		r.StartedAt = parseTimePtr(startedAt)
		r.CompletedAt = parseTimePtr(completedAt)
		r.CreatedAt = parseTime(createdAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// BILLING STATEMENTS
// =============================================================================

// SaveStatement stores a statement, replacing any earlier one for the same
// customer and period.
func (s *Store) SaveStatement(ctx context.Context, st billing.Statement) error {
	linesJSON, err := json.Marshal(st.Lines)
	if err != nil {
		return fmt.Errorf("failed to encode statement lines: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO billing_statements (id, customer_id, period_start, period_end, lines_json,
			total_hours, total_amount, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(customer_id, period_start, period_end) DO UPDATE SET
			lines_json = excluded.lines_json,
			total_hours = excluded.total_hours,
			total_amount = excluded.total_amount,
			generated_at = excluded.generated_at`,
		st.ID, st.CustomerID, formatTime(st.PeriodStart), formatTime(st.PeriodEnd), string(linesJSON),
		st.TotalHours.String(), st.TotalAmount.String(), formatTime(st.GeneratedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save statement: %w", err)
	}
	return nil
}

// ListStatements returns statements newest period first. An empty
// customerID lists every customer.
func (s *Store) ListStatements(ctx context.Context, customerID string) ([]billing.Statement, error) {
	var w where
	w.eq("customer_id", customerID)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, period_start, period_end, lines_json, total_hours,
			total_amount, generated_at
		FROM billing_statements`+w.sql()+`
		ORDER BY period_start DESC, customer_id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statements []billing.Statement
	for rows.Next() {
		var (
			st                         billing.Statement
			start, end, linesJSON      string
			hours, amount, generatedAt string
		)
		if err := rows.Scan(&st.ID, &st.CustomerID, &start, &end, &linesJSON,
			&hours, &amount, &generatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(linesJSON), &st.Lines); err != nil {
			return nil, fmt.Errorf("failed to decode statement %s: %w", st.ID, err)
		}
		st.PeriodStart = parseTime(start)
		st.PeriodEnd = parseTime(end)
		st.TotalHours = parseDecimal(hours)
		st.TotalAmount = parseDecimal(amount)
		st.GeneratedAt = parseTime(generatedAt)
		statements = append(statements, st)
	}
	return statements, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"line_items", "timesheets", "tasks", "projects", "users", "customers",
		"reconciliation_runs", "billing_statements",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// where accumulates AND-ed conditions and their arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) eq(column, value string) {
	if value != "" {
		w.add(column+" = ?", value)
	}
}

func (w *where) in(column string, values []string) {
	if len(values) == 0 {
		return
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	w.add(column+" IN ("+marks+")", args...)
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func likePattern(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
	return "%" + s + "%"
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
