package exam

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in maps behind one mutex, which makes every
// method trivially atomic. Used for tests and offline demos.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string]Assessment
	questions   map[string][]Question
	attempts    map[string]Attempt
	answers     map[string]map[string]Answer // attemptID -> questionID -> answer
}

func NewInMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: map[string]Assessment{},
		questions:   map[string][]Question{},
		attempts:    map[string]Attempt{},
		answers:     map[string]map[string]Answer{},
	}
}

func (m *MemoryStore) PutAssessment(_ context.Context, a Assessment, questions []Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, at := range m.attempts {
		if at.AssessmentID == a.ID && at.Status == StatusInProgress {
			return fmt.Errorf("assessment %s is being taken: %w", a.ID, ErrAttemptInProgress)
		}
	}
	qs := make([]Question, len(questions))
	for i, q := range questions {
		q.AssessmentID = a.ID
		q.AnswerKey = append([]string(nil), q.AnswerKey...)
		qs[i] = q
	}
	sortQuestions(qs)
	m.assessments[a.ID] = a
	m.questions[a.ID] = qs
	return nil
}

func (m *MemoryStore) GetAssessment(_ context.Context, id string) (Assessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assessments[id]
	if !ok {
		return Assessment{}, fmt.Errorf("assessment %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (m *MemoryStore) ListQuestions(_ context.Context, assessmentID string) ([]Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.assessments[assessmentID]; !ok {
		return nil, fmt.Errorf("assessment %s: %w", assessmentID, ErrNotFound)
	}
	src := m.questions[assessmentID]
	out := make([]Question, len(src))
	for i, q := range src {
		q.AnswerKey = append([]string(nil), q.AnswerKey...)
		out[i] = q
	}
	return out, nil
}

func (m *MemoryStore) StartAttempt(_ context.Context, assessmentID, learnerID string, maxAttempts int, startedAt time.Time) (Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assessments[assessmentID]; !ok {
		return Attempt{}, fmt.Errorf("assessment %s: %w", assessmentID, ErrNotFound)
	}
	prior := 0
	for _, a := range m.attempts {
		if a.AssessmentID != assessmentID || a.LearnerID != learnerID {
			continue
		}
		if a.Status == StatusInProgress {
			return Attempt{}, ErrAttemptInProgress
		}
		prior++
	}
	if maxAttempts != UnlimitedAttempts && prior >= maxAttempts {
		return Attempt{}, ErrNoAttemptsLeft
	}
	a := Attempt{
		ID:           uuid.NewString(),
		AssessmentID: assessmentID,
		LearnerID:    learnerID,
		Number:       prior + 1,
		Status:       StatusInProgress,
		StartedAt:    startedAt.UTC(),
	}
	m.attempts[a.ID] = a
	m.answers[a.ID] = map[string]Answer{}
	return a.clone(), nil
}

func (m *MemoryStore) GetAttempt(_ context.Context, id string) (Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attempts[id]
	if !ok {
		return Attempt{}, fmt.Errorf("attempt %s: %w", id, ErrNotFound)
	}
	return a.clone(), nil
}

func (m *MemoryStore) GetActiveAttempt(_ context.Context, assessmentID, learnerID string) (Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.attempts {
		if a.AssessmentID == assessmentID && a.LearnerID == learnerID && a.Status == StatusInProgress {
			return a.clone(), nil
		}
	}
	return Attempt{}, fmt.Errorf("active attempt: %w", ErrNotFound)
}

func (m *MemoryStore) ListAttempts(_ context.Context, opts AttemptListOpts) ([]Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Attempt, 0)
	for _, a := range m.attempts {
		if opts.AssessmentID != "" && a.AssessmentID != opts.AssessmentID {
			continue
		}
		if opts.LearnerID != "" && a.LearnerID != opts.LearnerID {
			continue
		}
		if opts.Status != "" && a.Status != opts.Status {
			continue
		}
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].Number < out[j].Number
	})
	return paginate(out, opts.Limit, opts.Offset), nil
}

func (m *MemoryStore) ListTimedInProgress(_ context.Context) ([]TimedAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TimedAttempt
	for _, a := range m.attempts {
		if a.Status != StatusInProgress {
			continue
		}
		as := m.assessments[a.AssessmentID]
		if !as.Timed() {
			continue
		}
		out = append(out, TimedAttempt{Attempt: a.clone(), DurationMinutes: *as.DurationMinutes})
	}
	return out, nil
}

func (m *MemoryStore) SaveAnswer(_ context.Context, attemptID, questionID string, value json.RawMessage, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptID]
	if !ok {
		return fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
	}
	if a.Status != StatusInProgress {
		return ErrAttemptClosed
	}
	if !m.hasQuestion(a.AssessmentID, questionID) {
		return fmt.Errorf("question %s: %w", questionID, ErrUnknownQuestion)
	}
	ans := m.answers[attemptID][questionID]
	ans.AttemptID, ans.QuestionID = attemptID, questionID
	ans.Value = append(json.RawMessage(nil), value...)
	ans.UpdatedAt = at.UTC()
	m.answers[attemptID][questionID] = ans
	return nil
}

func (m *MemoryStore) ListAnswers(_ context.Context, attemptID string) ([]Answer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.attempts[attemptID]; !ok {
		return nil, fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
	}
	out := make([]Answer, 0, len(m.answers[attemptID]))
	for _, ans := range m.answers[attemptID] {
		out = append(out, ans.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out, nil
}

func (m *MemoryStore) FinalizeAttempt(_ context.Context, f Finalization) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[f.AttemptID]
	if !ok {
		return false, fmt.Errorf("attempt %s: %w", f.AttemptID, ErrNotFound)
	}
	if a.Status != StatusInProgress {
		return false, nil
	}
	score := f.Score
	finished := f.FinishedAt.UTC()
	a.Status, a.Score, a.FinishedAt = StatusFinished, &score, &finished
	m.attempts[a.ID] = a

	for _, g := range f.Graded {
		ans, ok := m.answers[a.ID][g.QuestionID]
		if !ok {
			continue
		}
		ans.IsCorrect, ans.Points = cloneBool(g.IsCorrect), g.Points
		if g.Feedback != "" {
			ans.Feedback = g.Feedback
		}
		m.answers[a.ID][g.QuestionID] = ans
	}
	return true, nil
}

func (m *MemoryStore) ApplyManualGrade(_ context.Context, attemptID, questionID string, g ManualGrade, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptID]
	if !ok {
		return fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
	}
	if a.Status != StatusFinished {
		return ErrNotFinished
	}
	if !m.hasQuestion(a.AssessmentID, questionID) {
		return fmt.Errorf("question %s: %w", questionID, ErrUnknownQuestion)
	}
	ans, ok := m.answers[attemptID][questionID]
	if !ok {
		ans = Answer{AttemptID: attemptID, QuestionID: questionID, Value: json.RawMessage("null")}
	}
	correct := g.IsCorrect
	ans.IsCorrect, ans.Points, ans.Feedback, ans.UpdatedAt = &correct, g.Points, g.Feedback, at.UTC()
	m.answers[attemptID][questionID] = ans
	return nil
}

func (m *MemoryStore) UpdateScore(_ context.Context, attemptID string, score int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptID]
	if !ok {
		return fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
	}
	if a.Status != StatusFinished {
		return ErrNotFinished
	}
	a.Score = &score
	m.attempts[attemptID] = a
	return nil
}

func (m *MemoryStore) hasQuestion(assessmentID, questionID string) bool {
	for _, q := range m.questions[assessmentID] {
		if q.ID == questionID {
			return true
		}
	}
	return false
}

func sortQuestions(qs []Question) {
	sort.SliceStable(qs, func(i, j int) bool {
		if qs[i].Position != qs[j].Position {
			return qs[i].Position < qs[j].Position
		}
		return qs[i].ID < qs[j].ID
	})
}

func paginate(in []Attempt, limit, offset int) []Attempt {
	if offset > 0 {
		if offset >= len(in) {
			return []Attempt{}
		}
		in = in[offset:]
	}
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

func (a Attempt) clone() Attempt {
	if a.Score != nil {
		s := *a.Score
		a.Score = &s
	}
	if a.FinishedAt != nil {
		t := *a.FinishedAt
		a.FinishedAt = &t
	}
	return a
}

func (ans Answer) clone() Answer {
	ans.Value = append(json.RawMessage(nil), ans.Value...)
	ans.IsCorrect = cloneBool(ans.IsCorrect)
	return ans
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}
