/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logger:     zap request log (method, route, status, duration)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus request counter by route pattern
  6. CORS:       Cross-origin requests for the portal frontend
  7. Identify:   X-User-ID resolution (all /api routes except /api/health)

ROUTE GROUPS:
  /api/portal/*     Customer portal
  /api/projects/*   Project management and approval
  /api/manager/*    Manager views
  /api/timesheets/* Timesheet lifecycle
  /api/entries/*    Line item approval and hour edits
  /api/reports/*    Reports
  /api/admin/*      System manager operations
  /metrics          Prometheus exposition

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/billing/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(h.Metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", UserHeader},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", h.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(h.Identify)

			// Customer portal
			r.Route("/portal", func(r chi.Router) {
				r.Get("/projects", h.ListPortalProjects)
				r.Get("/projects/{id}/summary", h.GetPortalSummary)
				r.Get("/billing", h.GetPortalBilling)
				r.Get("/dashboard", h.GetPortalDashboard)
				r.Get("/filters", h.GetPortalFilters)
			})

			// Project routes
			r.Route("/projects", func(r chi.Router) {
				r.Post("/", h.SaveProject)
				r.Get("/{id}", h.GetProjectSummary)
				r.Get("/{id}/approval-summary", h.GetProjectApprovalSummary)
				r.Get("/{id}/tasks", h.ListProjectTasks)
				r.Post("/{id}/tasks", h.CreateProjectTask)
				r.Post("/{id}/timesheet-entries", h.UpdateProjectEntries)
			})

			r.Route("/manager", func(r chi.Router) {
				r.Get("/projects", h.ListManagedProjects)
				r.Get("/timesheet-entries", h.ListManagerEntries)
			})

			// Timesheet lifecycle
			r.Route("/timesheets", func(r chi.Router) {
				r.Post("/", h.SaveTimesheet)
				r.Get("/{id}/approval-status", h.GetTimesheetApprovalStatus)
				r.Post("/{id}/submit", h.SubmitTimesheet)
				r.Post("/{id}/cancel", h.CancelTimesheet)
			})

			// Line item approval
			r.Route("/entries", func(r chi.Router) {
				r.Post("/approve", h.ApproveEntries)
				r.Post("/reject", h.RejectEntries)
				r.Post("/hours", h.SaveHourChanges)
				r.Put("/{id}/hours", h.EditEntryHours)
			})

			r.Route("/reports", func(r chi.Router) {
				r.Get("/manager-approval", h.ManagerApprovalReport)
				r.Get("/timesheet-approval", h.TimesheetApprovalReport)
				r.Get("/project-billing", h.ProjectBillingReport)
			})

			// Admin routes
			r.Route("/admin", func(r chi.Router) {
				r.Get("/health", h.AdminHealth)
				r.Post("/reconcile", h.TriggerReconcile)
				r.Get("/reconciliation-runs", h.ListReconciliationRuns)
				r.Get("/billing-statements", h.ListStatements)
				r.Get("/scenarios", h.ListScenarios)
				r.Post("/scenarios/load", h.LoadScenario)
			})
		})
	})

	return r
}

// requestLogger logs one line per request once the response is written.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
