package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/mindengage-attempts/internal/attempt"
	auth "github.com/mind-engage/mindengage-attempts/internal/auth/middleware"
	"github.com/mind-engage/mindengage-attempts/internal/exam"
	"github.com/mind-engage/mindengage-attempts/internal/rbac"
)

type Deps struct {
	Manager *attempt.Manager
	Store   exam.Store
	Events  EventSource
	Auth    *auth.AuthService
	Login   *auth.LocalLogin // nil disables POST /auth/login
	Ready   func(ctx context.Context) error
}

// Mount registers the attempt API on r.
func Mount(r chi.Router, d Deps) {
	if d.Login != nil {
		r.Post("/auth/login", auth.LoginHandler(d.Auth, *d.Login))
	}

	// Protected API (JWT → role in context → RBAC)
	r.Group(func(pr chi.Router) {
		pr.Use(auth.JWTMiddleware(d.Auth))

		pr.With(rbac.Require("exam:create")).
			Post("/assessments", CreateAssessmentHandler(d.Store))
		pr.With(rbac.Require("exam:view")).
			Get("/assessments/{assessmentID}/questions", QuestionsHandler(d.Manager, d.Store))

		// Learner flow
		pr.With(rbac.Require("attempt:create")).
			Post("/assessments/{assessmentID}/attempts", StartAttemptHandler(d.Manager))
		pr.With(rbac.Require("attempt:create")).
			Post("/assessments/{assessmentID}/session", OpenSessionHandler(d.Manager))
		pr.With(rbac.RequireAny("attempt:view-own", "attempt:view-all")).
			Get("/assessments/{assessmentID}/attempts", HistoryHandler(d.Manager))
		pr.With(rbac.Require("attempt:save")).
			Put("/attempts/{attemptID}/answers/{questionID}", SaveAnswerHandler(d.Manager, d.Store))
		pr.With(rbac.Require("attempt:submit")).
			Post("/attempts/{attemptID}/submit", SubmitAttemptHandler(d.Manager, d.Store))
		pr.With(rbac.RequireAny("attempt:view-own", "attempt:view-all")).
			Get("/attempts/{attemptID}", GetAttemptHandler(d.Manager, d.Store))
		pr.With(rbac.RequireAny("attempt:view-own", "attempt:view-all")).
			Get("/attempts/{attemptID}/review", ReviewHandler(d.Manager, d.Store))

		// Staff
		pr.With(rbac.Require("attempt:view-all")).
			Get("/attempts", ListAttemptsHandler(d.Store))
		pr.With(rbac.Require("attempt:grade")).
			Post("/attempts/{attemptID}/grades", GradesHandler(d.Manager, d.Store))
		if d.Events != nil {
			pr.With(rbac.Require("events:view")).
				Get("/events", EventsHandler(d.Events))
		}
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
}
