package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-booking/internal/booking"
)

type RouterConfig struct {
	Service  *booking.Service
	Store    Pinger
	StoreTag string
	Redis    Pinger
	Logger   zerolog.Logger
	Metrics  HTTPObserver
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	Env            string
	Version        string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger, cfg.Metrics))
	r.Use(middleware.Recoverer)

	// Health endpoints
	health := NewHealthHandler(cfg.Store, cfg.StoreTag, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	svc := cfg.Service
	r.Group(func(r chi.Router) {
		r.Use(ActorMiddleware)

		r.Route("/providers/{id}", func(r chi.Router) {
			r.Get("/slots", listSlotsHandler(svc))

			r.Get("/availability", listRulesHandler(svc))
			r.Post("/availability", addRuleHandler(svc))
			r.Put("/availability/{ruleID}", updateRuleHandler(svc))
			r.Delete("/availability/{ruleID}", deleteRuleHandler(svc))

			r.Get("/blackouts", listBlackoutsHandler(svc))
			r.Post("/blackouts", addBlackoutHandler(svc))
			r.Delete("/blackouts/{blackoutID}", deleteBlackoutHandler(svc))
		})

		// Appointment endpoints
		r.Post("/appointments", createAppointmentHandler(svc))
		r.Get("/appointments", listAppointmentsHandler(svc))
		r.Get("/appointments/{id}", getAppointmentHandler(svc))
		r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(svc))
		r.Post("/appointments/{id}/reschedule", rescheduleAppointmentHandler(svc))
		r.Post("/appointments/{id}/realize", realizeAppointmentHandler(svc))
		r.Post("/appointments/{id}/no-show", noShowAppointmentHandler(svc))

		r.Post("/admin/patients/{id}/unblock", unblockPatientHandler(svc))
	})

	return r
}
