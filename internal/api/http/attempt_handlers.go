package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/mindengage-attempts/internal/attempt"
	auth "github.com/mind-engage/mindengage-attempts/internal/auth/middleware"
	"github.com/mind-engage/mindengage-attempts/internal/exam"
	"github.com/mind-engage/mindengage-attempts/internal/rbac"
)

// loadOwned fetches the attempt in the URL and enforces that the caller owns
// it unless their role may see every attempt.
func loadOwned(w http.ResponseWriter, r *http.Request, store exam.Store) (exam.Attempt, bool) {
	a, err := store.GetAttempt(r.Context(), chi.URLParam(r, "attemptID"))
	if err != nil {
		respondErr(w, err)
		return exam.Attempt{}, false
	}
	sub := auth.SubjectFromContext(r.Context())
	if a.LearnerID != sub && !rbac.Can(rbac.RoleFromContext(r.Context()), "attempt:view-all") {
		respondError(w, http.StatusForbidden, "forbidden")
		return exam.Attempt{}, false
	}
	return a, true
}

func remainingSeconds(m *attempt.Manager, r *http.Request, attemptID string) (*int64, error) {
	d, timed, err := m.RemainingTime(r.Context(), attemptID)
	if err != nil || !timed {
		return nil, err
	}
	secs := int64(d.Seconds())
	return &secs, nil
}

// POST /assessments/{assessmentID}/attempts
func StartAttemptHandler(m *attempt.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assessmentID := chi.URLParam(r, "assessmentID")
		learner := auth.SubjectFromContext(r.Context())
		a, err := m.Start(r.Context(), assessmentID, learner)
		if errors.Is(err, exam.ErrAttemptInProgress) {
			body := map[string]string{"error": err.Error()}
			if open, _, rerr := m.Resume(r.Context(), assessmentID, learner); rerr == nil {
				body["resume_attempt_id"] = open.ID
			}
			respondJSON(w, http.StatusConflict, body)
			return
		}
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, a)
	}
}

// POST /assessments/{assessmentID}/session
// Resumes the caller's open attempt or starts one, and returns what the
// attempt screen needs.
func OpenSessionHandler(m *attempt.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := m.Open(r.Context(), chi.URLParam(r, "assessmentID"), auth.SubjectFromContext(r.Context()))
		if err != nil {
			respondErr(w, err)
			return
		}
		var secs *int64
		if d, timed := s.Remaining(); timed {
			v := int64(d.Seconds())
			secs = &v
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"attempt":           s.Attempt(),
			"assessment":        s.Assessment(),
			"questions":         s.Questions(),
			"saved":             s.Saved(),
			"remaining_seconds": secs,
		})
	}
}

// GET /assessments/{assessmentID}/attempts[?learner_id=...]
func HistoryHandler(m *attempt.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		learner := auth.SubjectFromContext(r.Context())
		if q := strings.TrimSpace(r.URL.Query().Get("learner_id")); q != "" && q != learner {
			if !rbac.Can(rbac.RoleFromContext(r.Context()), "attempt:view-all") {
				respondError(w, http.StatusForbidden, "forbidden")
				return
			}
			learner = q
		}
		h, err := m.History(r.Context(), chi.URLParam(r, "assessmentID"), learner)
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, h)
	}
}

// GET /attempts?assessment_id=...&learner_id=...&status=...&limit=50&offset=0
func ListAttemptsHandler(store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		status := exam.Status(strings.TrimSpace(q.Get("status")))
		switch status {
		case "", exam.StatusInProgress, exam.StatusFinished, exam.StatusCancelled:
		default:
			respondError(w, http.StatusBadRequest, "unknown status")
			return
		}
		list, err := store.ListAttempts(r.Context(), exam.AttemptListOpts{
			AssessmentID: strings.TrimSpace(q.Get("assessment_id")),
			LearnerID:    strings.TrimSpace(q.Get("learner_id")),
			Status:       status,
			Limit:        parseIntDefault(q.Get("limit"), 50),
			Offset:       parseIntDefault(q.Get("offset"), 0),
		})
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, list)
	}
}

// GET /attempts/{attemptID}
func GetAttemptHandler(m *attempt.Manager, store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := loadOwned(w, r, store)
		if !ok {
			return
		}
		secs, err := remainingSeconds(m, r, a.ID)
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"attempt": a, "remaining_seconds": secs})
	}
}

type saveAnswerRequest struct {
	Value json.RawMessage `json:"value" validate:"required"`
}

// PUT /attempts/{attemptID}/answers/{questionID}  { "value": ... }
// The write is debounced when the attempt has an open session.
func SaveAnswerHandler(m *attempt.Manager, store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := loadOwned(w, r, store)
		if !ok {
			return
		}
		var req saveAnswerRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := m.SaveAnswer(r.Context(), a.ID, chi.URLParam(r, "questionID"), req.Value); err != nil {
			respondErr(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// POST /attempts/{attemptID}/submit
func SubmitAttemptHandler(m *attempt.Manager, store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := loadOwned(w, r, store)
		if !ok {
			return
		}
		res, err := m.Submit(r.Context(), a.ID, attempt.ReasonManual)
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, res)
	}
}

// GET /attempts/{attemptID}/review
func ReviewHandler(m *attempt.Manager, store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := loadOwned(w, r, store)
		if !ok {
			return
		}
		rv, err := m.Review(r.Context(), a.ID)
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, rv)
	}
}
