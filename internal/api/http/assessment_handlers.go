package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/mindengage-attempts/internal/attempt"
	"github.com/mind-engage/mindengage-attempts/internal/exam"
	"github.com/mind-engage/mindengage-attempts/internal/options"
)

type assessmentRequest struct {
	Assessment exam.Assessment `json:"assessment"`
	Questions  []exam.Question `json:"questions" validate:"dive"`
}

// POST /assessments  { "assessment": {...}, "questions": [...] }
// Replaces the assessment and its question set.
func CreateAssessmentHandler(store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req assessmentRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		seen := make(map[string]bool, len(req.Questions))
		warnings := []string{}
		for i := range req.Questions {
			q := &req.Questions[i]
			if seen[q.ID] {
				respondError(w, http.StatusBadRequest, "duplicate question id "+q.ID)
				return
			}
			seen[q.ID] = true
			q.AssessmentID = req.Assessment.ID
			if q.Position == 0 {
				q.Position = i + 1
			}
			if (q.Type == exam.SingleChoice || q.Type == exam.MultiChoice) && options.Inspect(q.Options).Warning {
				warnings = append(warnings, q.ID)
			}
		}
		if err := store.PutAssessment(r.Context(), req.Assessment, req.Questions); err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, map[string]any{
			"assessment":       req.Assessment,
			"questions":        len(req.Questions),
			"options_warnings": warnings,
		})
	}
}

// GET /assessments/{assessmentID}/questions
func QuestionsHandler(m *attempt.Manager, store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "assessmentID")
		as, err := store.GetAssessment(r.Context(), id)
		if err != nil {
			respondErr(w, err)
			return
		}
		qs, err := m.Questions(r.Context(), id)
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"assessment": as, "questions": qs})
	}
}
