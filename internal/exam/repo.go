package exam

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAttemptInProgress = errors.New("an attempt is already in progress")
	ErrNoAttemptsLeft    = errors.New("no attempts left")
	ErrAttemptClosed     = errors.New("attempt is not in progress")
	ErrNotFinished       = errors.New("attempt is not finished")
	ErrUnknownQuestion   = errors.New("question does not belong to assessment")
)

type AttemptListOpts struct {
	AssessmentID string
	LearnerID    string
	Status       Status
	Limit        int
	Offset       int
}

// Store is the relational contract of the attempt engine. Implementations
// must make StartAttempt and FinalizeAttempt atomic with respect to the
// attempt status they check.
type Store interface {
	// PutAssessment creates or replaces an assessment and its questions. It
	// fails with ErrAttemptInProgress while any attempt at it is open.
	PutAssessment(ctx context.Context, a Assessment, questions []Question) error
	GetAssessment(ctx context.Context, id string) (Assessment, error)
	ListQuestions(ctx context.Context, assessmentID string) ([]Question, error) // by Position

	// StartAttempt creates attempt number count+1 unless one is in progress
	// (ErrAttemptInProgress) or maxAttempts is reached (ErrNoAttemptsLeft).
	StartAttempt(ctx context.Context, assessmentID, learnerID string, maxAttempts int, startedAt time.Time) (Attempt, error)
	GetAttempt(ctx context.Context, id string) (Attempt, error)
	GetActiveAttempt(ctx context.Context, assessmentID, learnerID string) (Attempt, error)
	ListAttempts(ctx context.Context, opts AttemptListOpts) ([]Attempt, error) // by StartedAt, then Number
	ListTimedInProgress(ctx context.Context) ([]TimedAttempt, error)

	// SaveAnswer overwrites the learner's value; ErrAttemptClosed once the attempt left in_progress.
	SaveAnswer(ctx context.Context, attemptID, questionID string, value json.RawMessage, at time.Time) error
	ListAnswers(ctx context.Context, attemptID string) ([]Answer, error)

	// FinalizeAttempt applies f only if the attempt is still in_progress and
	// reports whether it did. Nothing is written when it returns an error.
	FinalizeAttempt(ctx context.Context, f Finalization) (bool, error)
	// ApplyManualGrade records a grade on a finished attempt (ErrNotFinished otherwise).
	ApplyManualGrade(ctx context.Context, attemptID, questionID string, g ManualGrade, at time.Time) error
	UpdateScore(ctx context.Context, attemptID string, score int) error
}
