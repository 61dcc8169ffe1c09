package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/mindengage-attempts/internal/attempt"
	"github.com/mind-engage/mindengage-attempts/internal/exam"
	"github.com/mind-engage/mindengage-attempts/internal/grading"
	syncx "github.com/mind-engage/mindengage-attempts/internal/sync"
)

type gradeItem struct {
	QuestionID string  `json:"question_id" validate:"required"`
	IsCorrect  bool    `json:"is_correct"`
	Points     float64 `json:"points" validate:"gte=0"`
	Feedback   string  `json:"feedback,omitempty"`

	// Optional: points come from the rubric instead of Points.
	Rubric   *grading.Rubric    `json:"rubric,omitempty"`
	Criteria map[string]float64 `json:"criteria,omitempty"`
}

type gradesRequest struct {
	Grades []gradeItem `json:"grades" validate:"required,min=1,dive"`
}

// POST /attempts/{attemptID}/grades  { "grades": [ {question_id, is_correct, points, feedback} ] }
// Applies manual grades to a finished attempt and returns it with the new score.
func GradesHandler(m *attempt.Manager, store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "attemptID")
		var req gradesRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		a, err := store.GetAttempt(r.Context(), id)
		if err != nil {
			respondErr(w, err)
			return
		}
		maxPoints, err := pointsByQuestion(r.Context(), store, a.AssessmentID)
		if err != nil {
			respondErr(w, err)
			return
		}
		// check every grade before writing any
		grades := make([]exam.ManualGrade, len(req.Grades))
		for i, g := range req.Grades {
			limit, ok := maxPoints[g.QuestionID]
			if !ok {
				respondError(w, http.StatusBadRequest, "unknown question "+g.QuestionID)
				return
			}
			mg := exam.ManualGrade{IsCorrect: g.IsCorrect, Points: g.Points, Feedback: g.Feedback}
			if g.Rubric != nil {
				pts, notes := grading.ScoreRubric(*g.Rubric, g.Criteria, limit)
				mg.Points = pts
				if mg.Feedback == "" {
					mg.Feedback = notes
				} else {
					mg.Feedback += " (" + notes + ")"
				}
			}
			if mg.Points > limit {
				respondError(w, http.StatusBadRequest, fmt.Sprintf("question %s: points %v above %v", g.QuestionID, mg.Points, limit))
				return
			}
			grades[i] = mg
		}
		if a.Status != exam.StatusFinished {
			respondErr(w, fmt.Errorf("attempt %s: %w", id, exam.ErrNotFinished))
			return
		}
		for i, g := range req.Grades {
			if a, err = m.ApplyManualGrade(r.Context(), id, g.QuestionID, grades[i]); err != nil {
				respondErr(w, err)
				return
			}
		}
		respondJSON(w, http.StatusOK, a)
	}
}

func pointsByQuestion(ctx context.Context, store exam.Store, assessmentID string) (map[string]float64, error) {
	qs, err := store.ListQuestions(ctx, assessmentID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(qs))
	for _, q := range qs {
		out[q.ID] = q.Points
	}
	return out, nil
}

// EventSource reads the engine's event log.
type EventSource interface {
	Since(ctx context.Context, after int64, limit int) ([]syncx.Event, error)
}

// GET /events?after=0&limit=100
func EventsHandler(src EventSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		after, err := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
		if err != nil {
			after = 0
		}
		evs, err := src.Since(r.Context(), after, parseIntDefault(r.URL.Query().Get("limit"), 100))
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, evs)
	}
}
