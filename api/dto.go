/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

NUMBERS:
  Hours and money are decimal.Decimal in the domain and float64 on the
  wire, rounded to two places by the domain before conversion.

VALIDATION:
  Validation is done in the billing package, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - billing/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// PROJECTS & TASKS
// =============================================================================

type ProjectDTO struct {
	ID                    string  `json:"id"`
	Name                  string  `json:"name"`
	CustomerID            string  `json:"customer_id,omitempty"`
	Status                string  `json:"status"`
	BillingType           string  `json:"billing_type"`
	ManagerUserID         string  `json:"manager_user_id"`
	PurchasedHours        float64 `json:"purchased_hours"`
	ConsumedHours         float64 `json:"consumed_hours"`
	RemainingHours        float64 `json:"remaining_hours"`
	ConsumptionPercentage float64 `json:"consumption_percentage"`
	HourlyRate            float64 `json:"hourly_rate"`
	BillableAmount        float64 `json:"billable_amount"`
	OverBudget            bool    `json:"over_budget"`
}

// SaveProjectRequest creates a project (no id) or updates one.
// Consumed hours are derived and cannot be set.
type SaveProjectRequest struct {
	ID             string  `json:"id,omitempty"`
	Name           string  `json:"name"`
	CustomerID     string  `json:"customer_id,omitempty"`
	Status         string  `json:"status,omitempty"`
	BillingType    string  `json:"billing_type"`
	ManagerUserID  string  `json:"manager_user_id"`
	PurchasedHours float64 `json:"purchased_hours"`
	HourlyRate     float64 `json:"hourly_rate"`
}

type SaveProjectResponse struct {
	Project ProjectDTO  `json:"project"`
	Warning *WarningDTO `json:"warning,omitempty"`
}

type EntryStatsDTO struct {
	TotalEntries     int     `json:"total_entries"`
	PendingEntries   int     `json:"pending_entries"`
	ApprovedEntries  int     `json:"approved_entries"`
	RejectedEntries  int     `json:"rejected_entries"`
	TotalHours       float64 `json:"total_hours"`
	BillableHours    float64 `json:"billable_hours"`
	NonBillableHours float64 `json:"non_billable_hours"`
}

type ProjectSummaryDTO struct {
	ProjectDTO
	ApprovedBillableHours  float64        `json:"approved_billable_hours"`
	ApprovedBillableAmount float64        `json:"approved_billable_amount"`
	Stats                  *EntryStatsDTO `json:"entry_stats,omitempty"`
}

type ProjectBillingRowDTO struct {
	ProjectSummaryDTO
	ManagerName      string `json:"manager_name"`
	PendingApprovals int    `json:"pending_approvals"`
}

type TaskDTO struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	Subject       string     `json:"subject"`
	Status        string     `json:"status"`
	Priority      string     `json:"priority"`
	ExpectedStart *time.Time `json:"expected_start,omitempty"`
	ExpectedEnd   *time.Time `json:"expected_end,omitempty"`
	Progress      int        `json:"progress"`
	CreatedBy     string     `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
}

type CreateTaskRequest struct {
	Subject       string     `json:"subject"`
	Status        string     `json:"status,omitempty"`
	Priority      string     `json:"priority,omitempty"`
	ExpectedStart *time.Time `json:"expected_start,omitempty"`
	ExpectedEnd   *time.Time `json:"expected_end,omitempty"`
	Progress      int        `json:"progress"`
}

// =============================================================================
// TIMESHEETS & ENTRIES
// =============================================================================

type LineItemRequest struct {
	ID            string    `json:"id,omitempty"`
	ProjectID     string    `json:"project_id,omitempty"`
	TaskID        string    `json:"task_id,omitempty"`
	ActivityType  string    `json:"activity_type"`
	Description   string    `json:"description"`
	FromTime      time.Time `json:"from_time"`
	Hours         float64   `json:"hours"`
	BillableHours float64   `json:"billable_hours"`
}

type SaveTimesheetRequest struct {
	ID           string            `json:"id,omitempty"`
	EmployeeID   string            `json:"employee_id,omitempty"`
	EmployeeName string            `json:"employee_name,omitempty"`
	ProjectID    string            `json:"project_id,omitempty"`
	StartDate    *time.Time        `json:"start_date,omitempty"`
	EndDate      *time.Time        `json:"end_date,omitempty"`
	Items        []LineItemRequest `json:"time_logs"`
}

type LineItemDTO struct {
	ID               string     `json:"id"`
	TimesheetID      string     `json:"timesheet_id"`
	ProjectID        string     `json:"project_id"`
	TaskID           string     `json:"task_id,omitempty"`
	ActivityType     string     `json:"activity_type"`
	Description      string     `json:"description"`
	FromTime         time.Time  `json:"from_time"`
	Hours            float64    `json:"hours"`
	BillableHours    float64    `json:"billable_hours"`
	NonBillableHours float64    `json:"non_billable_hours"`
	ApprovalStatus   string     `json:"approval_status"`
	ApprovedBy       string     `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time `json:"approved_on,omitempty"`
}

type TimesheetDTO struct {
	ID                    string        `json:"id"`
	EmployeeID            string        `json:"employee_id"`
	EmployeeName          string        `json:"employee_name"`
	ProjectID             string        `json:"project_id"`
	StartDate             time.Time     `json:"start_date"`
	EndDate               time.Time     `json:"end_date"`
	Status                string        `json:"status"`
	ApprovalStatus        string        `json:"approval_status"`
	TotalHours            float64       `json:"total_hours"`
	TotalBillableHours    float64       `json:"total_billable_hours"`
	TotalNonBillableHours float64       `json:"total_non_billable_hours"`
	Items                 []LineItemDTO `json:"time_logs"`
}

type TimesheetTransitionResponse struct {
	Timesheet TimesheetDTO `json:"timesheet"`
	Warnings  []WarningDTO `json:"warnings"`
}

type TimesheetApprovalDTO struct {
	TimesheetID    string        `json:"timesheet_id"`
	Status         string        `json:"status"`
	ApprovalStatus string        `json:"approval_status"`
	TotalEntries   int           `json:"total_entries"`
	Pending        int           `json:"pending"`
	Approved       int           `json:"approved"`
	Rejected       int           `json:"rejected"`
	Entries        []LineItemDTO `json:"entries"`
}

// EntryDTO is a line item joined with its timesheet and project.
type EntryDTO struct {
	LineItemDTO
	EmployeeID      string    `json:"employee_id"`
	EmployeeName    string    `json:"employee_name"`
	TimesheetStatus string    `json:"timesheet_status"`
	TimesheetStart  time.Time `json:"timesheet_start"`
	ProjectName     string    `json:"project_name"`
	TaskSubject     string    `json:"task_subject,omitempty"`
}

type ApprovalReportRowDTO struct {
	EntryDTO
	CanEdit    bool `json:"can_edit"`
	IsApproved bool `json:"is_approved"`
	IsPending  bool `json:"is_pending"`
	IsRejected bool `json:"is_rejected"`
}

// =============================================================================
// WORKFLOW REQUESTS
// =============================================================================

type EntryIDsRequest struct {
	EntryIDs []string `json:"entry_ids"`
}

type ProjectEntriesRequest struct {
	EntryIDs []string `json:"entry_ids"`
	Action   string   `json:"action"`
}

type HourEditRequest struct {
	ID               string  `json:"id"`
	BillableHours    float64 `json:"billable_hours"`
	NonBillableHours float64 `json:"non_billable_hours"`
}

type SaveHoursRequest struct {
	Changes []HourEditRequest `json:"changes"`
}

type WarningDTO struct {
	ProjectID      string  `json:"project_id"`
	ProjectName    string  `json:"project_name"`
	PurchasedHours float64 `json:"purchased_hours"`
	ConsumedHours  float64 `json:"consumed_hours"`
	OverrunHours   float64 `json:"overrun_hours"`
	Message        string  `json:"message"`
}

// BatchResponse reports partial success: failed entries never fail the call.
type BatchResponse struct {
	Success       bool         `json:"success"`
	Count         int          `json:"count"`
	ApprovedCount *int         `json:"approved_count,omitempty"`
	RejectedCount *int         `json:"rejected_count,omitempty"`
	SavedCount    *int         `json:"saved_count,omitempty"`
	FailedEntries []string     `json:"failed_entries"`
	Warnings      []WarningDTO `json:"warnings"`
}

type EditHoursResponse struct {
	Entry    LineItemDTO  `json:"entry"`
	Warnings []WarningDTO `json:"warnings"`
}

// =============================================================================
// PORTAL
// =============================================================================

type BreakdownEntryDTO struct {
	ID            string     `json:"id"`
	ActivityType  string     `json:"activity_type"`
	Description   string     `json:"description"`
	EmployeeName  string     `json:"employee_name"`
	BillableHours float64    `json:"billable_hours"`
	ApprovedBy    string     `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time `json:"approved_on,omitempty"`
	Date          time.Time  `json:"date"`
}

type ProjectBreakdownDTO struct {
	ProjectID          string                         `json:"project_id"`
	ProjectName        string                         `json:"project_name"`
	BillingType        string                         `json:"billing_type"`
	HourlyRate         float64                        `json:"hourly_rate"`
	TotalBillableHours float64                        `json:"total_billable_hours"`
	Tasks              map[string][]BreakdownEntryDTO `json:"tasks"`
}

type MonthBreakdownDTO struct {
	Label    string                         `json:"month_name"`
	Projects map[string]ProjectBreakdownDTO `json:"projects"`
}

type DashboardTotalsDTO struct {
	PurchasedHours float64 `json:"total_purchased_hours"`
	ConsumedHours  float64 `json:"total_consumed_hours"`
	ApprovedHours  float64 `json:"total_approved_hours"`
	RemainingHours float64 `json:"total_remaining_hours"`
}

type DashboardDTO struct {
	Projects     []ProjectDTO                 `json:"projects"`
	CurrentMonth map[string]MonthBreakdownDTO `json:"current_month_data"`
	Totals       DashboardTotalsDTO           `json:"summary"`
}

type MonthOptionDTO struct {
	Year  int    `json:"year"`
	Month int    `json:"month"`
	Label string `json:"label"`
	Value string `json:"value"`
}

type ProjectOptionDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type FiltersDTO struct {
	Months        []MonthOptionDTO   `json:"months"`
	Employees     []string           `json:"employees"`
	ActivityTypes []string           `json:"activity_types"`
	Projects      []ProjectOptionDTO `json:"projects"`
}

// =============================================================================
// ADMIN
// =============================================================================

type HealthDTO struct {
	PendingApprovals    int       `json:"pending_approvals"`
	OverBudgetProjects  int       `json:"over_budget_projects"`
	TotalBillableAmount float64   `json:"total_billable_amount"`
	Timestamp           time.Time `json:"timestamp"`
}

type SweepResponse struct {
	Run       billing.ReconciliationRun `json:"run"`
	Processed int                       `json:"processed"`
	Changed   int                       `json:"changed"`
	Failures  []billing.SweepFailure    `json:"failures"`
	Warnings  []WarningDTO              `json:"warnings"`
}

type StatementLineDTO struct {
	ProjectID   string  `json:"project_id"`
	ProjectName string  `json:"project_name"`
	BillingType string  `json:"billing_type"`
	Entries     int     `json:"entries"`
	Hours       float64 `json:"hours"`
	HourlyRate  float64 `json:"hourly_rate"`
	Amount      float64 `json:"amount"`
}

type StatementDTO struct {
	ID          string             `json:"id"`
	CustomerID  string             `json:"customer_id"`
	PeriodStart time.Time          `json:"period_start"`
	PeriodEnd   time.Time          `json:"period_end"`
	Lines       []StatementLineDTO `json:"lines"`
	TotalHours  float64            `json:"total_hours"`
	TotalAmount float64            `json:"total_amount"`
	GeneratedAt time.Time          `json:"generated_at"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func num(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}

func toProjectDTO(p billing.Project) ProjectDTO {
	return ProjectDTO{
		ID:                    p.ID,
		Name:                  p.Name,
		CustomerID:            p.CustomerID,
		Status:                string(p.Status),
		BillingType:           string(p.BillingType),
		ManagerUserID:         p.ManagerUserID,
		PurchasedHours:        num(p.PurchasedHours),
		ConsumedHours:         num(p.ConsumedHours),
		RemainingHours:        num(p.RemainingHours()),
		ConsumptionPercentage: num(p.ConsumptionPercentage()),
		HourlyRate:            num(p.HourlyRate),
		BillableAmount:        num(p.BillableAmount()),
		OverBudget:            p.IsOverBudget(),
	}
}

func toProjectDTOs(projects []billing.Project) []ProjectDTO {
	out := make([]ProjectDTO, len(projects))
	for i, p := range projects {
		out[i] = toProjectDTO(p)
	}
	return out
}

func toSummaryDTO(s billing.ProjectSummary) ProjectSummaryDTO {
	dto := ProjectSummaryDTO{
		ProjectDTO: ProjectDTO{
			ID:                    s.ProjectID,
			Name:                  s.ProjectName,
			CustomerID:            s.CustomerID,
			Status:                string(s.Status),
			BillingType:           string(s.BillingType),
			ManagerUserID:         s.ManagerUserID,
			PurchasedHours:        num(s.PurchasedHours),
			ConsumedHours:         num(s.ConsumedHours),
			RemainingHours:        num(s.RemainingHours),
			ConsumptionPercentage: num(s.ConsumptionPercentage),
			HourlyRate:            num(s.HourlyRate),
			BillableAmount:        num(s.BillableAmount),
			OverBudget:            s.OverBudget,
		},
		ApprovedBillableHours:  num(s.ApprovedBillableHours),
		ApprovedBillableAmount: num(s.ApprovedBillableAmount),
	}
	if s.Stats != nil {
		dto.Stats = &EntryStatsDTO{
			TotalEntries:     s.Stats.TotalEntries,
			PendingEntries:   s.Stats.PendingEntries,
			ApprovedEntries:  s.Stats.ApprovedEntries,
			RejectedEntries:  s.Stats.RejectedEntries,
			TotalHours:       num(s.Stats.TotalHours),
			BillableHours:    num(s.Stats.BillableHours),
			NonBillableHours: num(s.Stats.NonBillableHours),
		}
	}
	return dto
}

func toTaskDTO(t billing.Task) TaskDTO {
	return TaskDTO{
		ID:            t.ID,
		ProjectID:     t.ProjectID,
		Subject:       t.Subject,
		Status:        t.Status,
		Priority:      t.Priority,
		ExpectedStart: t.ExpectedStart,
		ExpectedEnd:   t.ExpectedEnd,
		Progress:      t.Progress,
		CreatedBy:     t.CreatedBy,
		CreatedAt:     t.CreatedAt,
	}
}

func toLineItemDTO(li billing.LineItem) LineItemDTO {
	return LineItemDTO{
		ID:               li.ID,
		TimesheetID:      li.TimesheetID,
		ProjectID:        li.ProjectID,
		TaskID:           li.TaskID,
		ActivityType:     li.ActivityType,
		Description:      li.Description,
		FromTime:         li.FromTime,
		Hours:            num(li.Hours),
		BillableHours:    num(li.BillableHours),
		NonBillableHours: num(li.NonBillableHours),
		ApprovalStatus:   string(li.ApprovalStatus),
		ApprovedBy:       li.ApprovedBy,
		ApprovedAt:       li.ApprovedAt,
	}
}

func toLineItemDTOs(items []billing.LineItem) []LineItemDTO {
	out := make([]LineItemDTO, len(items))
	for i, li := range items {
		out[i] = toLineItemDTO(li)
	}
	return out
}

func toTimesheetDTO(ts billing.Timesheet) TimesheetDTO {
	return TimesheetDTO{
		ID:                    ts.ID,
		EmployeeID:            ts.EmployeeID,
		EmployeeName:          ts.EmployeeName,
		ProjectID:             ts.ProjectID,
		StartDate:             ts.StartDate,
		EndDate:               ts.EndDate,
		Status:                string(ts.Status),
		ApprovalStatus:        string(ts.ApprovalStatus),
		TotalHours:            num(ts.TotalHours),
		TotalBillableHours:    num(ts.TotalBillableHours),
		TotalNonBillableHours: num(ts.TotalNonBillableHours),
		Items:                 toLineItemDTOs(ts.Items),
	}
}

func toEntryDTO(e billing.Entry) EntryDTO {
	return EntryDTO{
		LineItemDTO:     toLineItemDTO(e.LineItem),
		EmployeeID:      e.EmployeeID,
		EmployeeName:    e.EmployeeName,
		TimesheetStatus: string(e.TimesheetStatus),
		TimesheetStart:  e.TimesheetStart,
		ProjectName:     e.ProjectName,
		TaskSubject:     e.TaskSubject,
	}
}

func toEntryDTOs(entries []billing.Entry) []EntryDTO {
	out := make([]EntryDTO, len(entries))
	for i, e := range entries {
		out[i] = toEntryDTO(e)
	}
	return out
}

func toWarningDTOs(warnings []billing.OverBudgetWarning) []WarningDTO {
	out := make([]WarningDTO, len(warnings))
	for i, w := range warnings {
		out[i] = toWarningDTO(w)
	}
	return out
}

func toWarningDTO(w billing.OverBudgetWarning) WarningDTO {
	return WarningDTO{
		ProjectID:      w.ProjectID,
		ProjectName:    w.ProjectName,
		PurchasedHours: num(w.Purchased),
		ConsumedHours:  num(w.Consumed),
		OverrunHours:   num(w.Overrun()),
		Message:        w.Message(),
	}
}

// toBatchResponse also sets the count key named after the action.
func toBatchResponse(action billing.Action, res billing.BatchResult) BatchResponse {
	failures := res.Failures
	if failures == nil {
		failures = []string{}
	}
	out := BatchResponse{
		Success:       true,
		Count:         res.Count,
		FailedEntries: failures,
		Warnings:      toWarningDTOs(res.Warnings),
	}
	count := res.Count
	switch action {
	case billing.ActionApprove:
		out.ApprovedCount = &count
	case billing.ActionReject:
		out.RejectedCount = &count
	default:
		out.SavedCount = &count
	}
	return out
}

func toBreakdownDTO(b billing.Breakdown) map[string]MonthBreakdownDTO {
	out := make(map[string]MonthBreakdownDTO, len(b))
	for key, month := range b {
		m := MonthBreakdownDTO{Label: month.Label, Projects: map[string]ProjectBreakdownDTO{}}
		for name, p := range month.Projects {
			pd := ProjectBreakdownDTO{
				ProjectID:          p.ProjectID,
				ProjectName:        p.ProjectName,
				BillingType:        string(p.BillingType),
				HourlyRate:         num(p.HourlyRate),
				TotalBillableHours: num(p.TotalBillableHours),
				Tasks:              map[string][]BreakdownEntryDTO{},
			}
			for task, entries := range p.Tasks {
				rows := make([]BreakdownEntryDTO, len(entries))
				for i, e := range entries {
					rows[i] = BreakdownEntryDTO{
						ID:            e.LineItemID,
						ActivityType:  e.ActivityType,
						Description:   e.Description,
						EmployeeName:  e.EmployeeName,
						BillableHours: num(e.BillableHours),
						ApprovedBy:    e.ApprovedBy,
						ApprovedAt:    e.ApprovedAt,
						Date:          e.Date,
					}
				}
				pd.Tasks[task] = rows
			}
			m.Projects[name] = pd
		}
		out[key] = m
	}
	return out
}

func toStatementDTO(s billing.Statement) StatementDTO {
	lines := make([]StatementLineDTO, len(s.Lines))
	for i, l := range s.Lines {
		lines[i] = StatementLineDTO{
			ProjectID:   l.ProjectID,
			ProjectName: l.ProjectName,
			BillingType: string(l.BillingType),
			Entries:     l.Entries,
			Hours:       num(l.Hours),
			HourlyRate:  num(l.HourlyRate),
			Amount:      num(l.Amount),
		}
	}
	return StatementDTO{
		ID:          s.ID,
		CustomerID:  s.CustomerID,
		PeriodStart: s.PeriodStart,
		PeriodEnd:   s.PeriodEnd,
		Lines:       lines,
		TotalHours:  num(s.TotalHours),
		TotalAmount: num(s.TotalAmount),
		GeneratedAt: s.GeneratedAt,
	}
}
