package grading

import (
	"fmt"
	"strings"
)

// Rubric splits an essay's points into criteria a grader scores separately.
type Rubric struct {
	Criteria []Criterion `json:"criteria" validate:"required,min=1,dive"`
}

type Criterion struct {
	Key       string  `json:"key" validate:"required"`
	Desc      string  `json:"desc,omitempty"`
	MaxPoints float64 `json:"max_points" validate:"gt=0"`
}

// ScoreRubric totals the awarded criterion points, clamping each criterion to
// its own range and the total to maxPoints, and renders a feedback line.
func ScoreRubric(r Rubric, awarded map[string]float64, maxPoints float64) (float64, string) {
	total := 0.0
	notes := make([]string, 0, len(r.Criteria))
	for _, c := range r.Criteria {
		v := awarded[c.Key]
		if v < 0 {
			v = 0
		}
		if v > c.MaxPoints {
			v = c.MaxPoints
		}
		total += v
		notes = append(notes, fmt.Sprintf("%s:%.2f", c.Key, v))
	}
	if total > maxPoints {
		total = maxPoints
	}
	return total, strings.Join(notes, ", ")
}
