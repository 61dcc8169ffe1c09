package attempt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mind-engage/mindengage-attempts/internal/exam"
	syncx "github.com/mind-engage/mindengage-attempts/internal/sync"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeStore wraps the memory store to count finalizations and inject failures.
type fakeStore struct {
	exam.Store

	mu           sync.Mutex
	finalized    int
	failFinalize error
	failSave     error
	cancelled    []exam.Attempt

	// saveGate, when set, blocks SaveAnswer until it is closed; saveStarted
	// receives once per blocked call.
	saveGate    chan struct{}
	saveStarted chan struct{}
	// ctxAware makes FinalizeAttempt fail on a done context like a real driver.
	ctxAware bool
}

func newFakeStore() *fakeStore { return &fakeStore{Store: exam.NewInMemoryStore()} }

func (s *fakeStore) FinalizeAttempt(ctx context.Context, f exam.Finalization) (bool, error) {
	s.mu.Lock()
	fail, ctxAware := s.failFinalize, s.ctxAware
	s.mu.Unlock()
	if fail != nil {
		return false, fail
	}
	if ctxAware && ctx.Err() != nil {
		return false, ctx.Err()
	}
	ok, err := s.Store.FinalizeAttempt(ctx, f)
	if ok {
		s.mu.Lock()
		s.finalized++
		s.mu.Unlock()
	}
	return ok, err
}

func (s *fakeStore) SaveAnswer(ctx context.Context, attemptID, questionID string, value json.RawMessage, at time.Time) error {
	s.mu.Lock()
	fail, gate, started := s.failSave, s.saveGate, s.saveStarted
	s.mu.Unlock()
	if fail != nil {
		return fail
	}
	if gate != nil {
		select {
		case started <- struct{}{}:
		default:
		}
		<-gate
	}
	return s.Store.SaveAnswer(ctx, attemptID, questionID, value, at)
}

// Cancelled attempts have no transition in the engine; they are injected here.
func (s *fakeStore) GetAttempt(ctx context.Context, id string) (exam.Attempt, error) {
	for _, a := range s.cancelled {
		if a.ID == id {
			return a, nil
		}
	}
	return s.Store.GetAttempt(ctx, id)
}

func (s *fakeStore) ListAttempts(ctx context.Context, opts exam.AttemptListOpts) ([]exam.Attempt, error) {
	out, err := s.Store.ListAttempts(ctx, opts)
	if err != nil {
		return nil, err
	}
	for _, a := range s.cancelled {
		if a.AssessmentID == opts.AssessmentID && a.LearnerID == opts.LearnerID {
			out = append([]exam.Attempt{a}, out...)
		}
	}
	return out, nil
}

func (s *fakeStore) set(fn func(s *fakeStore)) {
	s.mu.Lock()
	fn(s)
	s.mu.Unlock()
}

func (s *fakeStore) finalizations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

var errStoreDown = errors.New("store unreachable")

// seedQuiz stores four single-choice questions worth 25 points with keys A..D.
func seedQuiz(t *testing.T, s exam.Store, id string, maxAttempts int, minutes *int) {
	t.Helper()
	a := exam.Assessment{ID: id, Title: "Quiz", Kind: exam.KindQuiz, DurationMinutes: minutes, PassingScore: 70, MaxAttempts: maxAttempts}
	opts := json.RawMessage(`{"A":"alpha","B":"beta","C":"gamma","D":"delta"}`)
	qs := []exam.Question{
		{ID: "q1", Type: exam.SingleChoice, Options: opts, AnswerKey: []string{"A"}, Points: 25, Position: 1},
		{ID: "q2", Type: exam.SingleChoice, Options: opts, AnswerKey: []string{"B"}, Points: 25, Position: 2},
		{ID: "q3", Type: exam.SingleChoice, Options: opts, AnswerKey: []string{"C"}, Points: 25, Position: 3},
		{ID: "q4", Type: exam.SingleChoice, Options: opts, AnswerKey: []string{"D"}, Points: 25, Position: 4},
	}
	if err := s.PutAssessment(context.Background(), a, qs); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func intp(v int) *int { return &v }

func newTestManager(store exam.Store, clock *fakeClock, opts ...Option) (*Manager, *syncx.MemoryLog) {
	events := syncx.NewMemoryLog()
	base := []Option{
		WithClock(clock.Now),
		WithEvents(events),
		WithAutosaveDelay(time.Hour),
		WithTickInterval(time.Hour),
	}
	return NewManager(store, append(base, opts...)...), events
}

func countEvents(t *testing.T, log *syncx.MemoryLog, typ string) int {
	t.Helper()
	all, err := log.Since(context.Background(), 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, e := range all {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func save(t *testing.T, m *Manager, attemptID string, answers map[string]string) {
	t.Helper()
	for q, v := range answers {
		b, _ := json.Marshal(v)
		if err := m.SaveAnswer(context.Background(), attemptID, q, b); err != nil {
			t.Fatalf("save %s: %v", q, err)
		}
	}
}
