package grading

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mind-engage/mindengage-attempts/internal/options"
)

// Question types understood by the engine. Values match exam.QuestionType.
const (
	TypeSingleChoice = "single_choice"
	TypeMultiChoice  = "multi_choice"
	TypeTrueFalse    = "true_false"
	TypeShortText    = "short_text"
	TypeEssay        = "essay"
)

// Q is a minimal view of a question needed for grading.
type Q struct {
	ID        string
	Type      string
	Points    float64
	AnswerKey []string
	Options   []options.Option // normalized; consulted when AnswerKey is empty
}

// Prior is the stored state of one answer before scoring.
type Prior struct {
	Value     json.RawMessage
	IsCorrect *bool
	Points    float64
	Feedback  string
}

// Item is the graded state of one question.
type Item struct {
	QuestionID string  `json:"question_id"`
	Answered   bool    `json:"answered"`
	IsCorrect  *bool   `json:"is_correct"`
	Points     float64 `json:"points"`
	MaxPoints  float64 `json:"max_points"`
	Feedback   string  `json:"feedback,omitempty"`
	Manual     bool    `json:"manual"` // essay: correctness belongs to a human grader
}

type Outcome struct {
	Items         []Item  `json:"items"` // bank order
	Earned        float64 `json:"earned"`
	Possible      float64 `json:"possible"`
	Score         int     `json:"score"` // 0..100
	PendingManual int     `json:"pending_manual"`
}

// Result is the outcome of grading a single response.
type Result struct {
	Correct  bool
	Feedback string
}

var errMalformed = errors.New("malformed response")

// Strategy grades a single decoded response. An error means the response
// could not be read and is scored as incorrect.
type Strategy interface {
	Grade(q Q, response any) (Result, error)
}

type Option func(*config)

type config struct {
	NormalizeShortText bool
}

// WithShortTextNormalization makes short_text comparison ignore case,
// punctuation and repeated whitespace. Off by default.
func WithShortTextNormalization(b bool) Option {
	return func(c *config) { c.NormalizeShortText = b }
}

// Engine routes by question type to the matching Strategy. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	strategies map[string]Strategy
}

func NewEngine(opts ...Option) *Engine {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	return &Engine{
		strategies: map[string]Strategy{
			TypeSingleChoice: singleChoiceStrategy{},
			TypeMultiChoice:  multiChoiceStrategy{},
			TypeTrueFalse:    trueFalseStrategy{},
			TypeShortText:    shortTextStrategy{normalize: cfg.NormalizeShortText},
		},
	}
}

// Score grades every question of bank against answers (keyed by question
// id). Unanswered questions earn 0. Essays are never auto-scored; an essay
// whose Prior already carries a correctness flag is returned unchanged.
func (e *Engine) Score(bank []Q, answers map[string]Prior) Outcome {
	out := Outcome{Items: make([]Item, 0, len(bank))}
	awarded := make(map[string]float64, len(bank))
	for _, q := range bank {
		it := e.gradeOne(q, answers[q.ID])
		if it.Manual && it.IsCorrect == nil {
			out.PendingManual++
		}
		awarded[q.ID] = it.Points
		out.Items = append(out.Items, it)
	}
	earned, possible := totals(bank, awarded)
	out.Earned, _ = earned.Float64()
	out.Possible, _ = possible.Float64()
	out.Score = percent(earned, possible)
	return out
}

// Aggregate recomputes the percentage from already awarded points, used
// when a manual grade changes one answer of a finished attempt.
func (e *Engine) Aggregate(bank []Q, awarded map[string]float64) int {
	earned, possible := totals(bank, awarded)
	return percent(earned, possible)
}

func (e *Engine) gradeOne(q Q, p Prior) Item {
	it := Item{QuestionID: q.ID, MaxPoints: q.Points}
	resp, answered := decodeResponse(p.Value)
	it.Answered = answered

	if q.Type == TypeEssay {
		it.Manual = true
		if p.IsCorrect != nil {
			c := *p.IsCorrect
			it.IsCorrect, it.Points, it.Feedback = &c, p.Points, p.Feedback
		}
		return it
	}

	s, ok := e.strategies[q.Type]
	if !ok {
		it.Manual = true
		it.Feedback = "no strategy available"
		return it
	}
	correct := false
	if answered {
		if res, err := s.Grade(q, resp); err == nil {
			correct = res.Correct
			it.Feedback = res.Feedback
		}
	}
	it.IsCorrect = &correct
	if correct {
		it.Points = q.Points
	}
	return it
}

func totals(bank []Q, awarded map[string]float64) (earned, possible decimal.Decimal) {
	earned, possible = decimal.Zero, decimal.Zero
	for _, q := range bank {
		possible = possible.Add(decimal.NewFromFloat(q.Points))
		earned = earned.Add(decimal.NewFromFloat(awarded[q.ID]))
	}
	return earned, possible
}

// percent rounds half away from zero.
func percent(earned, possible decimal.Decimal) int {
	if !possible.IsPositive() {
		return 0
	}
	return int(earned.Mul(decimal.NewFromInt(100)).Div(possible).Round(0).IntPart())
}

// --- Strategies ---

type singleChoiceStrategy struct{}

func (singleChoiceStrategy) Grade(q Q, response any) (Result, error) {
	key := keysOf(q)
	if len(key) == 0 {
		return Result{}, nil
	}
	resp, ok := toKey(response)
	if !ok {
		if list, isList := toStringSlice(response); isList && len(list) == 1 {
			resp, ok = list[0], true
		}
	}
	if !ok {
		return Result{}, errMalformed
	}
	return Result{Correct: resp == key[0]}, nil
}

type multiChoiceStrategy struct{}

func (multiChoiceStrategy) Grade(q Q, response any) (Result, error) {
	key := keysOf(q)
	if len(key) == 0 {
		return Result{}, nil
	}
	resp, ok := toStringSlice(response)
	if !ok {
		return Result{}, errMalformed
	}
	return Result{Correct: setEqual(toSet(key), toSet(resp))}, nil
}

type trueFalseStrategy struct{}

func (trueFalseStrategy) Grade(q Q, response any) (Result, error) {
	key := keysOf(q)
	if len(key) == 0 {
		return Result{}, nil
	}
	want, ok := canonicalBool(key[0])
	if !ok {
		return Result{}, nil
	}
	got, ok := canonicalBool(response)
	if !ok {
		return Result{}, errMalformed
	}
	return Result{Correct: got == want}, nil
}

type shortTextStrategy struct{ normalize bool }

func (s shortTextStrategy) Grade(q Q, response any) (Result, error) {
	resp, ok := response.(string)
	if !ok {
		return Result{}, errMalformed
	}
	for _, k := range q.AnswerKey {
		if resp == k || (s.normalize && normalize(resp) == normalize(k)) {
			return Result{Correct: true}, nil
		}
	}
	return Result{}, nil
}

// helpers

// keysOf returns the answer key, or the keys the normalized options flag correct.
func keysOf(q Q) []string {
	if len(q.AnswerKey) > 0 {
		return q.AnswerKey
	}
	return options.CorrectKeys(q.Options)
}

func decodeResponse(raw json.RawMessage) (any, bool) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	switch t := v.(type) {
	case nil:
		return nil, false
	case string:
		return t, t != ""
	case []any:
		return t, len(t) > 0
	}
	return v, true
}

// toKey accepts option keys submitted as strings or as bare indexes.
func toKey(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	}
	return "", false
}

func toStringSlice(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			k, ok := toKey(e)
			if !ok {
				return nil, false
			}
			out = append(out, k)
		}
		return out, true
	default:
		return nil, false
	}
}

func canonicalBool(v any) (string, bool) {
	switch t := v.(type) {
	case bool:
		return strconv.FormatBool(t), true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true":
			return "true", true
		case "false":
			return "false", true
		}
	}
	return "", false
}

func toSet(arr []string) map[string]struct{} {
	m := make(map[string]struct{}, len(arr))
	for _, s := range arr {
		m[s] = struct{}{}
	}
	return m
}

func setEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
