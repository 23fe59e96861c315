/*
Package billing provides the project billing and timesheet approval engine.

PURPOSE:
  Tracks hours logged against customer projects, routes every line item
  through project-manager approval, and keeps each hourly project's
  consumed-hours aggregate in step with its approved, billable work.

KEY CONCEPTS IN THIS FILE (types.go):
  - Project:   A customer engagement billed either as Fixed Cost or Hourly Billing
  - Timesheet: An employee's batch of line items; only Submitted ones are billable
  - LineItem:  One activity entry, split into billable and non-billable hours
  - Entry:     A line item joined with its timesheet and project (report row)
  - User:      An actor with roles and an optional linked customer

COMPONENTS (leaves first):
  reconcile.go  Hour ledger reconciler (consumed hours from approved items)
  approval.go   Approval workflow (approve / reject / hour edits)
  aggregate.go  Read-only projections (summaries, portal, health)
  reports.go    Manager-facing report rows
  access.go     Access guard shared by everything above

PRECISION:
  All hour and money quantities are decimal.Decimal. Aggregates are rounded
  to two places; hour splits are compared with a 0.01 tolerance.

SEE ALSO:
  - store.go: Repository interfaces
  - store/sqlite/sqlite.go: SQLite implementation
*/
package billing

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENUMERATIONS
// =============================================================================

// BillingType selects how a project is invoiced.
type BillingType string

const (
	BillingFixedCost BillingType = "Fixed Cost"
	BillingHourly    BillingType = "Hourly Billing"
)

func (b BillingType) Valid() bool {
	return b == BillingFixedCost || b == BillingHourly
}

type ProjectStatus string

const (
	ProjectOpen      ProjectStatus = "Open"
	ProjectCompleted ProjectStatus = "Completed"
	ProjectCancelled ProjectStatus = "Cancelled"
)

func (s ProjectStatus) Valid() bool {
	return s == ProjectOpen || s == ProjectCompleted || s == ProjectCancelled
}

// TimesheetStatus is the document lifecycle of a timesheet.
type TimesheetStatus string

const (
	TimesheetDraft     TimesheetStatus = "Draft"
	TimesheetSubmitted TimesheetStatus = "Submitted"
	TimesheetCancelled TimesheetStatus = "Cancelled"
)

// ApprovalStatus is tracked per line item and, as an aggregate, per timesheet.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "Pending"
	ApprovalApproved ApprovalStatus = "Approved"
	ApprovalRejected ApprovalStatus = "Rejected"
)

func (s ApprovalStatus) Valid() bool {
	return s == ApprovalPending || s == ApprovalApproved || s == ApprovalRejected
}

// Role is a named capability held by a user.
type Role string

const (
	RoleProjectManager Role = "Project Manager"
	RoleCustomer       Role = "Customer"
	RoleSystemManager  Role = "System Manager"
)

// =============================================================================
// PROJECT
// =============================================================================

// Project is a billable customer engagement.
// ConsumedHours is derived: only the Reconciler writes it.
type Project struct {
	ID             string
	Name           string
	CustomerID     string
	Status         ProjectStatus
	BillingType    BillingType
	PurchasedHours decimal.Decimal
	ConsumedHours  decimal.Decimal
	HourlyRate     decimal.Decimal
	ManagerUserID  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RemainingHours is purchased minus consumed; negative when over budget.
func (p Project) RemainingHours() decimal.Decimal {
	return p.PurchasedHours.Sub(p.ConsumedHours)
}

// ConsumptionPercentage is consumed/purchased*100, or zero when nothing was purchased.
func (p Project) ConsumptionPercentage() decimal.Decimal {
	if !p.PurchasedHours.IsPositive() {
		return decimal.Zero
	}
	return p.ConsumedHours.Div(p.PurchasedHours).Mul(decimal.NewFromInt(100)).Round(2)
}

// BillableAmount is consumed hours at the project's hourly rate.
func (p Project) BillableAmount() decimal.Decimal {
	return p.ConsumedHours.Mul(p.HourlyRate).Round(2)
}

func (p Project) IsHourly() bool { return p.BillingType == BillingHourly }

// IsOverBudget reports whether an hourly project consumed more than it purchased.
func (p Project) IsOverBudget() bool {
	return p.IsHourly() && p.ConsumedHours.GreaterThan(p.PurchasedHours)
}

// =============================================================================
// TIMESHEET & LINE ITEMS
// =============================================================================

// Timesheet groups an employee's line items for one period.
// Status is the document lifecycle; ApprovalStatus summarises its items.
type Timesheet struct {
	ID                    string
	EmployeeID            string
	EmployeeName          string
	ProjectID             string
	StartDate             time.Time
	EndDate               time.Time
	Status                TimesheetStatus
	ApprovalStatus        ApprovalStatus
	TotalHours            decimal.Decimal
	TotalBillableHours    decimal.Decimal
	TotalNonBillableHours decimal.Decimal
	Items                 []LineItem
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ProjectIDs returns the distinct projects referenced by the timesheet's items.
func (t Timesheet) ProjectIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, item := range t.Items {
		if item.ProjectID != "" && !seen[item.ProjectID] {
			seen[item.ProjectID] = true
			ids = append(ids, item.ProjectID)
		}
	}
	return ids
}

// LineItem is one activity logged within a timesheet.
type LineItem struct {
	ID               string
	TimesheetID      string
	Position         int
	ProjectID        string
	TaskID           string
	ActivityType     string
	Description      string
	FromTime         time.Time
	Hours            decimal.Decimal
	BillableHours    decimal.Decimal
	NonBillableHours decimal.Decimal
	ApprovalStatus   ApprovalStatus
	ApprovedBy       string
	ApprovedAt       *time.Time
}

// ResetApproval clears approval fields back to Pending.
func (li *LineItem) ResetApproval() {
	li.ApprovalStatus = ApprovalPending
	li.ApprovedBy = ""
	li.ApprovedAt = nil
}

// Entry is a line item joined with its timesheet and project.
type Entry struct {
	LineItem
	EmployeeID      string
	EmployeeName    string
	TimesheetStatus TimesheetStatus
	TimesheetStart  time.Time
	TimesheetEnd    time.Time
	ProjectName     string
	CustomerID      string
	BillingType     BillingType
	HourlyRate      decimal.Decimal
	TaskSubject     string
}

// =============================================================================
// TASKS, USERS, CUSTOMERS
// =============================================================================

type Task struct {
	ID            string
	ProjectID     string
	Subject       string
	Status        string
	Priority      string
	ExpectedStart *time.Time
	ExpectedEnd   *time.Time
	Progress      int
	CreatedBy     string
	CreatedAt     time.Time
}

// User is an authenticated actor.
type User struct {
	ID         string
	FullName   string
	Email      string
	Roles      []Role
	CustomerID string
}

func (u User) HasRole(role Role) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// DisplayName falls back to the ID when no full name is recorded.
func (u User) DisplayName() string {
	if strings.TrimSpace(u.FullName) != "" {
		return u.FullName
	}
	return u.ID
}

type Customer struct {
	ID       string
	Name     string
	Disabled bool
}
