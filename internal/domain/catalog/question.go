// Package catalog declares the assessment questions, validates submitted
// entries against them and selects each day's rotating check-in questions.
package catalog

import (
	"fmt"
	"math"

	"github.com/okian/mindtriage/internal/domain/model"
)

// Kind is the answer shape a question accepts.
type Kind string

// Question kinds.
const (
	KindScale   Kind = "scale"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindChoice  Kind = "choice"
	KindText    Kind = "text"
)

// Direction tells which end of a question's range is the severe one.
type Direction string

// Severity directions. For booleans HigherIsWorse means "yes" is worse.
// For choices options are listed best first, so HigherIsWorse applies.
const (
	HigherIsWorse Direction = "higher_is_worse"
	LowerIsWorse  Direction = "lower_is_worse"
	NoDirection   Direction = "none"
)

// Role describes how a question participates in its assessment.
type Role string

// Question roles.
const (
	RoleCore     Role = "core"
	RoleRotating Role = "rotating"
	RoleOptional Role = "optional"
)

// Question is one question definition.
type Question struct {
	Key       string     `json:"key"`
	Prompt    string     `json:"prompt"`
	Label     string     `json:"label"`
	Kind      Kind       `json:"kind"`
	Min       float64    `json:"min,omitempty"`
	Max       float64    `json:"max,omitempty"`
	Options   []string   `json:"options,omitempty"`
	Direction Direction  `json:"direction"`
	Role      Role       `json:"role"`
	Required  bool       `json:"required"`
	Expected  string     `json:"expected,omitempty"`
	Anchors   [2]float64 `json:"-"`
}

// Numeric maps an answer onto the question's numeric axis: the value itself
// for scales and numbers, 1 or 0 for booleans and the option index for
// choices. Text questions have no numeric axis.
func (q Question) Numeric(a model.Answer) (float64, error) {
	switch q.Kind {
	case KindScale, KindNumber:
		if v, ok := a.Float(); ok {
			return v, nil
		}
	case KindBoolean:
		if b, ok := a.BoolValue(); ok {
			if b {
				return 1, nil
			}
			return 0, nil
		}
	case KindChoice:
		if s, ok := a.TextValue(); ok {
			if idx := q.optionIndex(s); idx >= 0 {
				return float64(idx), nil
			}
			return 0, fmt.Errorf("%q is not an option of %s", s, q.Key)
		}
	case KindText:
		return 0, fmt.Errorf("%s has no numeric axis", q.Key)
	}
	return 0, fmt.Errorf("%s expects a %s answer, got %s", q.Key, q.Kind, a.Kind())
}

// Severity returns where the answer sits between the best (0) and worst (1)
// end of the question. Questions without a direction report false.
func (q Question) Severity(a model.Answer) (float64, bool) {
	if q.Direction == NoDirection || q.Kind == KindText {
		return 0, false
	}
	v, err := q.Numeric(a)
	if err != nil {
		return 0, false
	}
	lo, hi := q.axis()
	if hi <= lo {
		return 0, false
	}
	f := (math.Max(lo, math.Min(hi, v)) - lo) / (hi - lo)
	if q.Direction == LowerIsWorse {
		f = 1 - f
	}
	return f, true
}

// AtOrBeyond reports whether the answer reaches threshold in the question's
// worse direction.
func (q Question) AtOrBeyond(a model.Answer, threshold float64) (bool, error) {
	v, err := q.Numeric(a)
	if err != nil {
		return false, err
	}
	if q.Direction == LowerIsWorse {
		return v <= threshold, nil
	}
	return v >= threshold, nil
}

// axis returns the span over which severity moves.
func (q Question) axis() (float64, float64) {
	switch q.Kind {
	case KindBoolean:
		return 0, 1
	case KindChoice:
		return 0, float64(len(q.Options) - 1)
	}
	if q.Anchors != [2]float64{} {
		return q.Anchors[0], q.Anchors[1]
	}
	return q.Min, q.Max
}

func (q Question) optionIndex(s string) int {
	norm := model.NormalizeText(s)
	for i, opt := range q.Options {
		if opt == norm {
			return i
		}
	}
	return -1
}
