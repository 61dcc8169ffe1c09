package attempt

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/mind-engage/mindengage-attempts/internal/exam"
	"github.com/mind-engage/mindengage-attempts/internal/options"
)

// Session is one open attempt in this process. It owns the attempt's
// countdown (timed assessments only) and autosave buffer and is torn down
// when the attempt is submitted or the learner navigates away.
type Session struct {
	m          *Manager
	attempt    exam.Attempt
	assessment exam.Assessment
	questions  []QuestionView
	known      map[string]struct{}
	saved      []exam.Answer

	autosave  *Autosave
	countdown *Countdown

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(m *Manager, a exam.Attempt, as exam.Assessment, qs []exam.Question, saved []exam.Answer) *Session {
	s := &Session{
		m:          m,
		attempt:    a,
		assessment: as,
		known:      make(map[string]struct{}, len(qs)),
		saved:      saved,
		done:       make(chan struct{}),
	}
	for _, q := range qs {
		s.known[q.ID] = struct{}{}
		s.questions = append(s.questions, questionView(q))
	}
	if as.ShuffleQuestions {
		shuffleFor(a.ID, s.questions)
	}
	s.autosave = NewAutosave(m.autosaveDelay, func(ctx context.Context, questionID string, value json.RawMessage) error {
		return m.store.SaveAnswer(ctx, a.ID, questionID, value, m.now())
	})
	if as.Timed() {
		s.countdown = NewCountdown(a.StartedAt, *as.DurationMinutes, m.now, s.expire)
	}
	return s
}

func (s *Session) run() {
	if s.countdown != nil {
		go s.countdown.Run(context.Background(), s.m.tickInterval)
	}
}

// expire submits the attempt when its clock reaches zero.
func (s *Session) expire() {
	if _, err := s.m.Submit(context.Background(), s.attempt.ID, ReasonTimeout); err != nil {
		log.Printf("[attempt] auto-submit %s: %v", s.attempt.ID, err)
	}
}

func (s *Session) Attempt() exam.Attempt { return s.attempt }
func (s *Session) Assessment() exam.Assessment { return s.assessment }

// Questions is the question list in the order this attempt shows it.
func (s *Session) Questions() []QuestionView { return s.questions }

// Saved is the answers stored when the session was opened.
func (s *Session) Saved() []exam.Answer { return s.saved }

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Remaining reports the time left and whether the attempt is timed.
func (s *Session) Remaining() (time.Duration, bool) {
	if s.countdown == nil {
		return 0, false
	}
	return s.countdown.Remaining(), true
}

// SaveAnswer buffers an edit. It is written after the debounce window, on
// the next Flush, or when the session closes.
func (s *Session) SaveAnswer(questionID string, value json.RawMessage) error {
	if _, ok := s.known[questionID]; !ok {
		return fmt.Errorf("question %s: %w", questionID, exam.ErrUnknownQuestion)
	}
	if s.countdown != nil && s.countdown.Remaining() == 0 {
		return exam.ErrAttemptClosed
	}
	if !s.autosave.Edit(questionID, value) {
		return exam.ErrAttemptClosed
	}
	return nil
}

// Flush writes pending edits now.
func (s *Session) Flush(ctx context.Context) error { return s.autosave.Flush(ctx) }

func (s *Session) Submit(ctx context.Context) (Result, error) {
	return s.m.Submit(ctx, s.attempt.ID, ReasonManual)
}

// Close ends the session without ending the attempt; pending edits are
// flushed best-effort and the attempt stays in_progress for later resumption.
func (s *Session) Close(ctx context.Context) {
	s.m.detach(s)
	s.shutdown(ctx)
}

func (s *Session) shutdown(ctx context.Context) {
	s.closeOnce.Do(func() {
		if s.countdown != nil {
			s.countdown.Stop()
		}
		s.autosave.Close(ctx)
		close(s.done)
	})
}

// QuestionView is a question as a learner sees it: correct flags and
// answer keys are withheld.
type QuestionView struct {
	ID       string            `json:"id"`
	Prompt   string            `json:"prompt"`
	Type     exam.QuestionType `json:"type"`
	Points   float64           `json:"points"`
	Position int               `json:"position"`
	Options  []options.Option  `json:"options"`
	Warning  bool              `json:"warning,omitempty"` // fewer than two readable options
	Raw      string            `json:"raw,omitempty"`     // stored payload, only with Warning
}

func questionView(q exam.Question) QuestionView {
	ins := options.Inspect(q.Options)
	v := QuestionView{
		ID:       q.ID,
		Prompt:   q.Prompt,
		Type:     q.Type,
		Points:   q.Points,
		Position: q.Position,
		Options:  make([]options.Option, 0, len(ins.Options)),
	}
	for _, o := range ins.Options {
		v.Options = append(v.Options, options.Option{Key: o.Key, Text: o.Text})
	}
	if ins.Warning && needsOptions(q.Type) {
		v.Warning, v.Raw = true, ins.Raw
	}
	return v
}

func needsOptions(t exam.QuestionType) bool {
	return t == exam.SingleChoice || t == exam.MultiChoice
}

// shuffleFor permutes qs with a seed derived from the attempt id so a
// resumed attempt keeps its order.
func shuffleFor(attemptID string, qs []QuestionView) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(attemptID))
	r := rand.New(rand.NewSource(int64(h.Sum64())))
	r.Shuffle(len(qs), func(i, j int) { qs[i], qs[j] = qs[j], qs[i] })
}
