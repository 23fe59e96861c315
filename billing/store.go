/*
store.go - Persistence interfaces for the billing engine

PURPOSE:
  Defines the boundary between billing logic and the database. The
  workflow, reconciler and aggregator depend only on these interfaces.

KEY INTERFACES:
  ProjectStore:   Projects and their consumed-hours aggregate
  TimesheetStore: Timesheets, line items and joined report entries
  TaskStore:      Project tasks
  Directory:      Users, roles and customers
  TxStore:        Atomic multi-row writes (item + parent timesheet)

LOOKUP CONTRACT:
  Get* methods return (nil, nil) when the row does not exist. Callers
  translate that into the matching Err*NotFound sentinel.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - billing/store/memory.go: In-memory for tests and demos

SEE ALSO:
  - reconcile.go: ListEntries with the approved-billable filter
  - aggregate.go: ListEntries for portal and summary views
*/
package billing

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FILTERS
// =============================================================================

// ProjectFilter narrows ListProjects. Zero values match everything.
type ProjectFilter struct {
	IDs           []string
	CustomerID    string
	ManagerUserID string
	BillingType   BillingType
	Status        ProjectStatus
	ExcludeStatus ProjectStatus
}

// Matches applies the filter to a single project.
func (f ProjectFilter) Matches(p Project) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, p.ID) {
		return false
	}
	if f.CustomerID != "" && p.CustomerID != f.CustomerID {
		return false
	}
	if f.ManagerUserID != "" && p.ManagerUserID != f.ManagerUserID {
		return false
	}
	if f.BillingType != "" && p.BillingType != f.BillingType {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.ExcludeStatus != "" && p.Status == f.ExcludeStatus {
		return false
	}
	return true
}

// EntryFilter narrows ListEntries. Zero values match everything.
// Date bounds are inclusive.
type EntryFilter struct {
	ProjectIDs         []string
	CustomerID         string
	TimesheetID        string
	EmployeeID         string
	TimesheetStatus    TimesheetStatus
	ApprovalStatus     ApprovalStatus
	ApprovedOnOrBefore *time.Time
	StartFrom          *time.Time // timesheet start date
	StartTo            *time.Time
	WorkedFrom         *time.Time // line item from-time
	WorkedTo           *time.Time
	EmployeeNameLike   string // case-insensitive substring
	ActivityTypeLike   string
}

// Matches applies the filter to a single joined entry.
func (f EntryFilter) Matches(e Entry) bool {
	if len(f.ProjectIDs) > 0 && !containsString(f.ProjectIDs, e.ProjectID) {
		return false
	}
	if f.CustomerID != "" && e.CustomerID != f.CustomerID {
		return false
	}
	if f.TimesheetID != "" && e.TimesheetID != f.TimesheetID {
		return false
	}
	if f.EmployeeID != "" && e.EmployeeID != f.EmployeeID {
		return false
	}
	if f.TimesheetStatus != "" && e.TimesheetStatus != f.TimesheetStatus {
		return false
	}
	if f.ApprovalStatus != "" && e.ApprovalStatus != f.ApprovalStatus {
		return false
	}
	if f.ApprovedOnOrBefore != nil {
		if e.ApprovedAt == nil || e.ApprovedAt.After(*f.ApprovedOnOrBefore) {
			return false
		}
	}
	if f.StartFrom != nil && e.TimesheetStart.Before(*f.StartFrom) {
		return false
	}
	if f.StartTo != nil && e.TimesheetStart.After(*f.StartTo) {
		return false
	}
	if f.WorkedFrom != nil && e.FromTime.Before(*f.WorkedFrom) {
		return false
	}
	if f.WorkedTo != nil && e.FromTime.After(*f.WorkedTo) {
		return false
	}
	if f.EmployeeNameLike != "" && !containsFold(e.EmployeeName, f.EmployeeNameLike) {
		return false
	}
	if f.ActivityTypeLike != "" && !containsFold(e.ActivityType, f.ActivityTypeLike) {
		return false
	}
	return true
}

// ApprovedBillable is the filter every billing projection starts from:
// items of submitted timesheets whose explicit status is Approved.
func ApprovedBillable() EntryFilter {
	return EntryFilter{
		TimesheetStatus: TimesheetSubmitted,
		ApprovalStatus:  ApprovalApproved,
	}
}

// =============================================================================
// REPOSITORIES
// =============================================================================

type ProjectStore interface {
	SaveProject(ctx context.Context, p Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context, filter ProjectFilter) ([]Project, error)

	// UpdateConsumedHours is the only write path for Project.ConsumedHours.
	UpdateConsumedHours(ctx context.Context, projectID string, consumed decimal.Decimal) error
}

type TimesheetStore interface {
	// SaveTimesheet upserts the timesheet and replaces its line items.
	SaveTimesheet(ctx context.Context, ts Timesheet) error
	GetTimesheet(ctx context.Context, id string) (*Timesheet, error)

	// SaveLineItem updates a single existing line item.
	SaveLineItem(ctx context.Context, item LineItem) error
	GetLineItem(ctx context.Context, id string) (*LineItem, error)

	// ListEntries returns joined line items, newest timesheet first.
	ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error)
}

type TaskStore interface {
	SaveTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// ListTasks returns tasks of the given projects, newest first.
	ListTasks(ctx context.Context, projectIDs []string) ([]Task, error)
}

// Directory resolves identities. It stands in for a session/role system.
type Directory interface {
	SaveUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (*User, error)
	SaveCustomer(ctx context.Context, c Customer) error
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	ListCustomers(ctx context.Context, includeDisabled bool) ([]Customer, error)
}

// Store is the full persistence surface.
type Store interface {
	ProjectStore
	TimesheetStore
	TaskStore
	Directory
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
