// Package attempt owns the lifecycle of a learner's attempt at an
// assessment: eligibility, start and resume, the per-attempt session with
// its countdown and autosave buffer, and idempotent submission.
package attempt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mind-engage/mindengage-attempts/internal/exam"
	"github.com/mind-engage/mindengage-attempts/internal/grading"
	"github.com/mind-engage/mindengage-attempts/internal/options"
	syncx "github.com/mind-engage/mindengage-attempts/internal/sync"
)

// ErrSubmitFailed marks a retriable submission failure. The attempt is left
// in_progress when it is returned.
var ErrSubmitFailed = errors.New("submission failed")

// ErrInvalidGrade rejects manual grades outside the question's point range.
var ErrInvalidGrade = errors.New("invalid grade")

type Reason string

const (
	ReasonManual  Reason = "manual"
	ReasonTimeout Reason = "timeout"
)

// DefaultTickInterval is how often a session countdown recomputes remaining time.
const DefaultTickInterval = time.Second

// submitTimeout bounds one shared submission, independent of its callers.
const submitTimeout = 30 * time.Second

type Manager struct {
	store  exam.Store
	engine *grading.Engine
	events syncx.Sink
	now    func() time.Time

	autosaveDelay time.Duration
	tickInterval  time.Duration

	submits singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session // attempt id -> open session
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }
func WithAutosaveDelay(d time.Duration) Option { return func(m *Manager) { m.autosaveDelay = d } }
func WithTickInterval(d time.Duration) Option { return func(m *Manager) { m.tickInterval = d } }
func WithEvents(sink syncx.Sink) Option { return func(m *Manager) { m.events = sink } }
func WithEngine(e *grading.Engine) Option { return func(m *Manager) { m.engine = e } }

func NewManager(store exam.Store, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		engine:        grading.NewEngine(),
		now:           time.Now,
		autosaveDelay: DefaultAutosaveDelay,
		tickInterval:  DefaultTickInterval,
		sessions:      map[string]*Session{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start creates the next attempt. It fails with exam.ErrAttemptInProgress
// when one is open and exam.ErrNoAttemptsLeft when the cap is reached.
func (m *Manager) Start(ctx context.Context, assessmentID, learnerID string) (exam.Attempt, error) {
	as, err := m.store.GetAssessment(ctx, assessmentID)
	if err != nil {
		return exam.Attempt{}, err
	}
	a, err := m.store.StartAttempt(ctx, assessmentID, learnerID, as.MaxAttempts, m.now())
	if err != nil {
		return exam.Attempt{}, err
	}
	log.Printf("[attempt] started %s (%s #%d for %s)", a.ID, assessmentID, a.Number, learnerID)
	m.emit(ctx, syncx.TypeAttemptStarted, a.ID, map[string]any{
		"assessment_id": assessmentID,
		"learner_id":    learnerID,
		"number":        a.Number,
	})
	return a, nil
}

// Resume returns the open attempt and its saved answers, exam.ErrNotFound if none.
func (m *Manager) Resume(ctx context.Context, assessmentID, learnerID string) (exam.Attempt, []exam.Answer, error) {
	a, err := m.store.GetActiveAttempt(ctx, assessmentID, learnerID)
	if err != nil {
		return exam.Attempt{}, nil, err
	}
	answers, err := m.store.ListAnswers(ctx, a.ID)
	if err != nil {
		return exam.Attempt{}, nil, err
	}
	return a, answers, nil
}

// Open resumes the learner's open attempt or starts a new one and returns
// its session. An open attempt whose clock already ran out is submitted
// first. Calling Open again for the same attempt returns the same session.
func (m *Manager) Open(ctx context.Context, assessmentID, learnerID string) (*Session, error) {
	as, err := m.store.GetAssessment(ctx, assessmentID)
	if err != nil {
		return nil, err
	}
	a, err := m.store.GetActiveAttempt(ctx, assessmentID, learnerID)
	switch {
	case err == nil && as.Timed() && Remaining(a.StartedAt, m.now(), *as.DurationMinutes) == 0:
		if _, err := m.Submit(ctx, a.ID, ReasonTimeout); err != nil {
			return nil, err
		}
		fallthrough
	case errors.Is(err, exam.ErrNotFound):
		a, err = m.Start(ctx, assessmentID, learnerID)
		if errors.Is(err, exam.ErrAttemptInProgress) {
			a, err = m.store.GetActiveAttempt(ctx, assessmentID, learnerID)
		}
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}
	return m.attach(ctx, a, as)
}

func (m *Manager) attach(ctx context.Context, a exam.Attempt, as exam.Assessment) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[a.ID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	qs, err := m.store.ListQuestions(ctx, as.ID)
	if err != nil {
		return nil, err
	}
	saved, err := m.store.ListAnswers(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	s := newSession(m, a, as, qs, saved)

	m.mu.Lock()
	if existing, ok := m.sessions[a.ID]; ok {
		m.mu.Unlock()
		s.shutdown(ctx)
		return existing, nil
	}
	m.sessions[a.ID] = s
	m.mu.Unlock()
	s.run()
	return s, nil
}

// Session returns the open session of an attempt in this process.
func (m *Manager) Session(attemptID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[attemptID]
	return s, ok
}

func (m *Manager) detach(s *Session) {
	m.mu.Lock()
	if m.sessions[s.attempt.ID] == s {
		delete(m.sessions, s.attempt.ID)
	}
	m.mu.Unlock()
}

// Result is what a submission returns. Outcome is nil when the attempt was
// already finished and its stored result is returned.
type Result struct {
	Attempt         exam.Attempt     `json:"attempt"`
	Passed          bool             `json:"passed"`
	AlreadyFinished bool             `json:"already_finished"`
	Outcome         *grading.Outcome `json:"outcome,omitempty"`
}

// Submit finalizes an attempt. Repeated or concurrent calls score once and
// later callers get the stored result. Failures wrap ErrSubmitFailed and
// leave the attempt in_progress. The shared submission does not inherit the
// first caller's cancellation, so a dropped request cannot fail the
// timer-driven submit coalesced with it.
func (m *Manager) Submit(ctx context.Context, attemptID string, reason Reason) (Result, error) {
	v, err, _ := m.submits.Do(attemptID, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), submitTimeout)
		defer cancel()
		return m.submit(sctx, attemptID, reason)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (m *Manager) submit(ctx context.Context, attemptID string, reason Reason) (Result, error) {
	a, err := m.store.GetAttempt(ctx, attemptID)
	if err != nil {
		if errors.Is(err, exam.ErrNotFound) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: load attempt: %v", ErrSubmitFailed, err)
	}
	as, err := m.store.GetAssessment(ctx, a.AssessmentID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: load assessment: %v", ErrSubmitFailed, err)
	}
	switch a.Status {
	case exam.StatusFinished:
		m.teardown(ctx, attemptID)
		return storedResult(a, as), nil
	case exam.StatusCancelled:
		return Result{}, fmt.Errorf("attempt %s is cancelled: %w", attemptID, exam.ErrAttemptClosed)
	}

	if s, ok := m.Session(attemptID); ok {
		// edits arriving from here on would miss the score
		s.autosave.Hold()
		defer s.autosave.Release()
		if err := s.autosave.Flush(ctx); err != nil {
			if r, done := m.finishedElsewhere(ctx, attemptID, as); done {
				return r, nil
			}
			return Result{}, fmt.Errorf("%w: %v", ErrSubmitFailed, err)
		}
	}

	qs, err := m.store.ListQuestions(ctx, a.AssessmentID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: load questions: %v", ErrSubmitFailed, err)
	}
	answers, err := m.store.ListAnswers(ctx, attemptID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: load answers: %v", ErrSubmitFailed, err)
	}

	out := m.engine.Score(bankOf(qs), priorsOf(answers))
	finishedAt := m.now().UTC()
	f := exam.Finalization{
		AttemptID:  attemptID,
		Score:      out.Score,
		FinishedAt: finishedAt,
		Graded:     gradedAnswers(out, answers),
	}
	applied, err := m.store.FinalizeAttempt(ctx, f)
	if err != nil {
		return Result{}, fmt.Errorf("%w: finalize: %v", ErrSubmitFailed, err)
	}
	if !applied {
		if r, done := m.finishedElsewhere(ctx, attemptID, as); done {
			return r, nil
		}
		return Result{}, fmt.Errorf("attempt %s: %w", attemptID, exam.ErrAttemptClosed)
	}
	m.teardown(ctx, attemptID)

	score := out.Score
	a.Status, a.Score, a.FinishedAt = exam.StatusFinished, &score, &finishedAt
	log.Printf("[attempt] finished %s score=%d reason=%s", attemptID, score, reason)
	for _, g := range f.Graded {
		m.emit(ctx, syncx.TypeAnswerGraded, attemptID, map[string]any{
			"question_id": g.QuestionID,
			"is_correct":  g.IsCorrect,
			"points":      g.Points,
		})
	}
	m.emit(ctx, syncx.TypeAttemptFinished, attemptID, map[string]any{
		"assessment_id": a.AssessmentID,
		"learner_id":    a.LearnerID,
		"score":         score,
		"reason":        reason,
	})
	return Result{Attempt: a, Passed: score >= as.PassingScore, Outcome: &out}, nil
}

// finishedElsewhere returns the stored result when another submitter won.
func (m *Manager) finishedElsewhere(ctx context.Context, attemptID string, as exam.Assessment) (Result, bool) {
	a, err := m.store.GetAttempt(ctx, attemptID)
	if err != nil || a.Status != exam.StatusFinished {
		return Result{}, false
	}
	m.teardown(ctx, attemptID)
	return storedResult(a, as), true
}

func (m *Manager) teardown(ctx context.Context, attemptID string) {
	m.mu.Lock()
	s, ok := m.sessions[attemptID]
	delete(m.sessions, attemptID)
	m.mu.Unlock()
	if ok {
		s.shutdown(ctx)
	}
}

// SaveAnswer routes an edit through the attempt's session when one is open
// in this process, otherwise it writes straight to the store.
func (m *Manager) SaveAnswer(ctx context.Context, attemptID, questionID string, value json.RawMessage) error {
	if s, ok := m.Session(attemptID); ok {
		return s.SaveAnswer(questionID, value)
	}
	a, err := m.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if a.Status != exam.StatusInProgress {
		return exam.ErrAttemptClosed
	}
	as, err := m.store.GetAssessment(ctx, a.AssessmentID)
	if err != nil {
		return err
	}
	if as.Timed() && Remaining(a.StartedAt, m.now(), *as.DurationMinutes) == 0 {
		return exam.ErrAttemptClosed
	}
	return m.store.SaveAnswer(ctx, attemptID, questionID, value, m.now())
}

// History summarizes a learner's attempts at an assessment.
type History struct {
	Attempts  []exam.Attempt `json:"attempts"`
	Active    *exam.Attempt  `json:"active,omitempty"`
	Best      *exam.Attempt  `json:"best,omitempty"`
	Passed    bool           `json:"passed"`
	Remaining int            `json:"remaining"` // -1 when unlimited
	CanStart  bool           `json:"can_start"`
}

func (m *Manager) History(ctx context.Context, assessmentID, learnerID string) (History, error) {
	as, err := m.store.GetAssessment(ctx, assessmentID)
	if err != nil {
		return History{}, err
	}
	attempts, err := m.store.ListAttempts(ctx, exam.AttemptListOpts{AssessmentID: assessmentID, LearnerID: learnerID})
	if err != nil {
		return History{}, err
	}
	h := History{Attempts: attempts, Remaining: exam.UnlimitedAttempts}
	for i := range attempts {
		a := &attempts[i]
		switch a.Status {
		case exam.StatusInProgress:
			h.Active = a
		case exam.StatusFinished:
			if a.Score == nil {
				continue
			}
			if h.Best == nil || *a.Score > *h.Best.Score || (*a.Score == *h.Best.Score && a.Number < h.Best.Number) {
				h.Best = a
			}
		}
	}
	if h.Best != nil {
		h.Passed = *h.Best.Score >= as.PassingScore
	}
	if as.MaxAttempts != exam.UnlimitedAttempts {
		h.Remaining = as.MaxAttempts - len(attempts)
		if h.Remaining < 0 {
			h.Remaining = 0
		}
	}
	h.CanStart = h.Active == nil && (h.Remaining == exam.UnlimitedAttempts || h.Remaining > 0)
	return h, nil
}

// Shutdown closes every open session, flushing pending edits. Attempts stay in_progress.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.sessions = map[string]*Session{}
	m.mu.Unlock()
	for _, s := range open {
		s.shutdown(ctx)
	}
}

func (m *Manager) emit(ctx context.Context, typ, key string, data any) {
	if m.events == nil {
		return
	}
	e, err := syncx.NewEvent(typ, key, data)
	if err == nil {
		err = m.events.Append(ctx, e)
	}
	if err != nil {
		log.Printf("[attempt] event %s for %s: %v", typ, key, err)
	}
}

func storedResult(a exam.Attempt, as exam.Assessment) Result {
	return Result{
		Attempt:         a,
		Passed:          a.Score != nil && *a.Score >= as.PassingScore,
		AlreadyFinished: true,
	}
}

func bankOf(qs []exam.Question) []grading.Q {
	bank := make([]grading.Q, 0, len(qs))
	for _, q := range qs {
		bank = append(bank, grading.Q{
			ID:        q.ID,
			Type:      string(q.Type),
			Points:    q.Points,
			AnswerKey: q.AnswerKey,
			Options:   options.Normalize(q.Options),
		})
	}
	return bank
}

func priorsOf(answers []exam.Answer) map[string]grading.Prior {
	out := make(map[string]grading.Prior, len(answers))
	for _, a := range answers {
		out[a.QuestionID] = grading.Prior{Value: a.Value, IsCorrect: a.IsCorrect, Points: a.Points, Feedback: a.Feedback}
	}
	return out
}

// gradedAnswers picks the stored answers whose correctness the engine set.
// Manual items are left alone.
func gradedAnswers(out grading.Outcome, answers []exam.Answer) []exam.Answer {
	stored := make(map[string]bool, len(answers))
	for _, a := range answers {
		stored[a.QuestionID] = true
	}
	var graded []exam.Answer
	for _, it := range out.Items {
		if it.Manual || !stored[it.QuestionID] {
			continue
		}
		graded = append(graded, exam.Answer{
			QuestionID: it.QuestionID,
			IsCorrect:  it.IsCorrect,
			Points:     it.Points,
			Feedback:   it.Feedback,
		})
	}
	return graded
}
