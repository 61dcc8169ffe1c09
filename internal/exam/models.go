package exam

import (
	"encoding/json"
	"time"
)

type Kind string

const (
	KindQuiz       Kind = "quiz"
	KindExam       Kind = "exam"
	KindAssignment Kind = "assignment"
)

type QuestionType string

const (
	SingleChoice QuestionType = "single_choice"
	MultiChoice  QuestionType = "multi_choice"
	TrueFalse    QuestionType = "true_false"
	ShortText    QuestionType = "short_text"
	Essay        QuestionType = "essay"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool { return s == StatusFinished || s == StatusCancelled }

// UnlimitedAttempts is the MaxAttempts value that disables the attempt cap.
const UnlimitedAttempts = -1

type Assessment struct {
	ID               string `json:"id" validate:"required"`
	CourseID         string `json:"course_id,omitempty"`
	Title            string `json:"title"`
	Kind             Kind   `json:"kind" validate:"required,oneof=quiz exam assignment"`
	DurationMinutes  *int   `json:"duration_minutes,omitempty" validate:"omitempty,gt=0"` // nil = untimed
	PassingScore     int    `json:"passing_score" validate:"gte=0,lte=100"`
	MaxAttempts      int    `json:"max_attempts" validate:"gte=-1"`
	ShuffleQuestions bool   `json:"shuffle_questions"`
	RevealAnswers    bool   `json:"reveal_answers"`
}

// Timed reports whether attempts at a run against a clock.
func (a Assessment) Timed() bool { return a.DurationMinutes != nil && *a.DurationMinutes > 0 }

type Question struct {
	ID           string          `json:"id" validate:"required"`
	AssessmentID string          `json:"assessment_id"`
	Prompt       string          `json:"prompt"`
	Type         QuestionType    `json:"type" validate:"required,oneof=single_choice multi_choice true_false short_text essay"`
	Options      json.RawMessage `json:"options,omitempty"`    // stored as-is, see internal/options
	AnswerKey    []string        `json:"answer_key,omitempty"` // key, key set, exact string or "true"/"false"
	Points       float64         `json:"points" validate:"gte=0"`
	Explanation  string          `json:"explanation,omitempty"`
	Position     int             `json:"position"`
}

type Attempt struct {
	ID           string     `json:"id"`
	AssessmentID string     `json:"assessment_id"`
	LearnerID    string     `json:"learner_id"`
	Number       int        `json:"number"`
	Status       Status     `json:"status"`
	Score        *int       `json:"score"` // percentage, nil until finished
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

type Answer struct {
	AttemptID  string          `json:"attempt_id"`
	QuestionID string          `json:"question_id"`
	Value      json.RawMessage `json:"value"`
	IsCorrect  *bool           `json:"is_correct"` // nil while ungraded
	Points     float64         `json:"points"`
	Feedback   string          `json:"feedback,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ManualGrade is supplied by an external grading action, typically for essays.
type ManualGrade struct {
	IsCorrect bool    `json:"is_correct"`
	Points    float64 `json:"points" validate:"gte=0"`
	Feedback  string  `json:"feedback,omitempty"`
}

// Finalization is the atomic write that turns an in_progress attempt into a finished one.
type Finalization struct {
	AttemptID  string
	Score      int
	FinishedAt time.Time
	Graded     []Answer // answers whose correctness/points the scorer set
}

// TimedAttempt pairs an open attempt with the duration of its assessment.
type TimedAttempt struct {
	Attempt         Attempt
	DurationMinutes int
}
