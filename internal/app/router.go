package app

import (
	"database/sql"
	"net/http"
	"time"

	"classtest/internal/app/observability"
	"classtest/internal/auth"
	"classtest/internal/grading"
	"classtest/internal/report"
	"classtest/internal/session"
	"classtest/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the full API surface. db may be nil when the memory
// store driver is selected; it is only used for pool metrics.
func NewRouter(cfg Config, st store.RecordStore, db *sql.DB) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	collector := observability.NewCollector(db)
	r.Use(collector.Middleware)

	verifier := auth.NewVerifier(cfg.JWTSecret)

	controller := session.NewController(st, session.ControllerConfig{
		AutoSaveInterval: cfg.AutoSaveInterval(),
		TickInterval:     cfg.TimerTick(),
	})
	sessionHandler := session.NewHandler(controller)

	reconciler := grading.NewReconciler(st)
	gradingHandler := grading.NewHandler(reconciler)

	reportSvc := report.NewService(st)
	reportHandler := report.NewHandler(reportSvc)

	limiter := NewIPRateLimiter(cfg.SessionRateLimitPerMin, time.Minute)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	r.Route("/api/v1", func(api chi.Router) {
		api.Group(func(secure chi.Router) {
			secure.Use(verifier.RequireAuth)

			secure.Group(func(limited chi.Router) {
				limited.Use(RateLimitMiddleware(limiter))
				limited.Post("/sessions/start", sessionHandler.Start)
				limited.Post("/sessions/{id}/submit", sessionHandler.Submit)
			})
			secure.Get("/sessions/{id}", sessionHandler.Get)
			secure.Put("/sessions/{id}/answers/{questionID}", sessionHandler.SaveAnswer)
			secure.Post("/sessions/{id}/close", sessionHandler.Close)

			secure.Group(func(teacher chi.Router) {
				teacher.Use(auth.RequireRoles(auth.RoleTeacher))
				teacher.Get("/grading/tests/{testID}/submissions", gradingHandler.ListForTest)
				teacher.Put("/grading/submissions/{id}/questions/{questionID}", gradingHandler.GradeQuestion)
				teacher.Get("/reports/tests/{testID}/summary", reportHandler.Summary)
				teacher.Get("/reports/tests/{testID}/gradebook.xlsx", reportHandler.GradeBook)
				teacher.Get("/admin/metrics", collector.MetricsHandler)
			})
		})
	})

	return r
}
