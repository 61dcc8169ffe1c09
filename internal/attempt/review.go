package attempt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mind-engage/mindengage-attempts/internal/exam"
	"github.com/mind-engage/mindengage-attempts/internal/options"
	syncx "github.com/mind-engage/mindengage-attempts/internal/sync"
)

// Questions returns the learner-facing view of an assessment in display order.
func (m *Manager) Questions(ctx context.Context, assessmentID string) ([]QuestionView, error) {
	qs, err := m.store.ListQuestions(ctx, assessmentID)
	if err != nil {
		return nil, err
	}
	out := make([]QuestionView, 0, len(qs))
	for _, q := range qs {
		out = append(out, questionView(q))
	}
	return out, nil
}

// RemainingTime reports the time left on an attempt and whether its
// assessment is timed. Finished or cancelled attempts have none left.
func (m *Manager) RemainingTime(ctx context.Context, attemptID string) (time.Duration, bool, error) {
	a, err := m.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return 0, false, err
	}
	as, err := m.store.GetAssessment(ctx, a.AssessmentID)
	if err != nil {
		return 0, false, err
	}
	if !as.Timed() {
		return 0, false, nil
	}
	if a.Status != exam.StatusInProgress {
		return 0, true, nil
	}
	return Remaining(a.StartedAt, m.now(), *as.DurationMinutes), true, nil
}

// ReviewItem is one question of a finished attempt. Options come from the
// same normalizer used while the attempt ran.
type ReviewItem struct {
	QuestionID  string            `json:"question_id"`
	Prompt      string            `json:"prompt"`
	Type        exam.QuestionType `json:"type"`
	Options     []options.Option  `json:"options"`
	Warning     bool              `json:"warning,omitempty"`
	Raw         string            `json:"raw,omitempty"`
	Value       json.RawMessage   `json:"value"`
	IsCorrect   *bool             `json:"is_correct"`
	Points      float64           `json:"points"`
	MaxPoints   float64           `json:"max_points"`
	Feedback    string            `json:"feedback,omitempty"`
	AnswerKey   []string          `json:"answer_key,omitempty"`
	Explanation string            `json:"explanation,omitempty"`
}

type Review struct {
	Attempt       exam.Attempt `json:"attempt"`
	Passed        bool         `json:"passed"`
	PendingManual int          `json:"pending_manual"`
	Items         []ReviewItem `json:"items"`
}

// Review exposes a finished attempt with its stored correctness. Correct
// answers and explanations are included only when the assessment reveals them.
func (m *Manager) Review(ctx context.Context, attemptID string) (Review, error) {
	a, err := m.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return Review{}, err
	}
	if a.Status != exam.StatusFinished {
		return Review{}, fmt.Errorf("attempt %s: %w", attemptID, exam.ErrNotFinished)
	}
	as, err := m.store.GetAssessment(ctx, a.AssessmentID)
	if err != nil {
		return Review{}, err
	}
	qs, err := m.store.ListQuestions(ctx, a.AssessmentID)
	if err != nil {
		return Review{}, err
	}
	answers, err := m.store.ListAnswers(ctx, attemptID)
	if err != nil {
		return Review{}, err
	}
	byQuestion := make(map[string]exam.Answer, len(answers))
	for _, ans := range answers {
		byQuestion[ans.QuestionID] = ans
	}

	r := Review{Attempt: a, Passed: a.Score != nil && *a.Score >= as.PassingScore, Items: make([]ReviewItem, 0, len(qs))}
	for _, q := range qs {
		ins := options.Inspect(q.Options)
		it := ReviewItem{
			QuestionID: q.ID,
			Prompt:     q.Prompt,
			Type:       q.Type,
			Options:    ins.Options,
			MaxPoints:  q.Points,
			Value:      json.RawMessage("null"),
		}
		if ins.Warning && needsOptions(q.Type) {
			it.Warning, it.Raw = true, ins.Raw
		}
		if ans, ok := byQuestion[q.ID]; ok {
			it.Value, it.IsCorrect, it.Points, it.Feedback = ans.Value, ans.IsCorrect, ans.Points, ans.Feedback
		}
		if q.Type == exam.Essay && it.IsCorrect == nil {
			r.PendingManual++
		}
		if as.RevealAnswers {
			it.AnswerKey, it.Explanation = q.AnswerKey, q.Explanation
		} else {
			hidden := make([]options.Option, 0, len(it.Options))
			for _, o := range it.Options {
				hidden = append(hidden, options.Option{Key: o.Key, Text: o.Text})
			}
			it.Options = hidden
		}
		r.Items = append(r.Items, it)
	}
	return r, nil
}

// ApplyManualGrade records a grader's decision on one answer of a finished
// attempt and recomputes the attempt score from the stored points. Other
// answers, manual grades included, are not re-scored.
func (m *Manager) ApplyManualGrade(ctx context.Context, attemptID, questionID string, g exam.ManualGrade) (exam.Attempt, error) {
	a, err := m.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return exam.Attempt{}, err
	}
	qs, err := m.store.ListQuestions(ctx, a.AssessmentID)
	if err != nil {
		return exam.Attempt{}, err
	}
	var target *exam.Question
	for i := range qs {
		if qs[i].ID == questionID {
			target = &qs[i]
		}
	}
	if target == nil {
		return exam.Attempt{}, fmt.Errorf("question %s: %w", questionID, exam.ErrUnknownQuestion)
	}
	if g.Points < 0 || g.Points > target.Points {
		return exam.Attempt{}, fmt.Errorf("%w: points %v outside 0..%v", ErrInvalidGrade, g.Points, target.Points)
	}
	if err := m.store.ApplyManualGrade(ctx, attemptID, questionID, g, m.now()); err != nil {
		return exam.Attempt{}, err
	}

	answers, err := m.store.ListAnswers(ctx, attemptID)
	if err != nil {
		return exam.Attempt{}, err
	}
	awarded := make(map[string]float64, len(answers))
	for _, ans := range answers {
		awarded[ans.QuestionID] = ans.Points
	}
	score := m.engine.Aggregate(bankOf(qs), awarded)
	if err := m.store.UpdateScore(ctx, attemptID, score); err != nil {
		return exam.Attempt{}, err
	}
	m.emit(ctx, syncx.TypeAnswerGraded, attemptID, map[string]any{
		"question_id": questionID,
		"is_correct":  g.IsCorrect,
		"points":      g.Points,
		"manual":      true,
		"score":       score,
	})
	return m.store.GetAttempt(ctx, attemptID)
}
