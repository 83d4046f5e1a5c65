package router

import (
	"fmt"

	"github.com/kbukum/flowgraph/validation"
)

// Kind identifies the predicate family of a Condition.
type Kind string

const (
	// KindThreshold compares a produced value with a minimum, e.g. quality_score >= 80.
	KindThreshold Kind = "threshold"
	// KindResourceLimit compares an estimated cost with a limit, e.g. cost > 100.
	KindResourceLimit Kind = "resource_limit"
	// KindRate compares a ratio of two produced values, e.g. failed/total > 0.1.
	KindRate Kind = "rate"
)

// Operator is a numeric comparison.
type Operator string

const (
	OpGTE Operator = "gte"
	OpGT  Operator = "gt"
	OpLTE Operator = "lte"
	OpLT  Operator = "lt"
	OpEQ  Operator = "eq"
)

// Kinds lists every supported condition kind.
var Kinds = []string{string(KindThreshold), string(KindResourceLimit), string(KindRate)}

// Operators lists every supported operator.
var Operators = []string{string(OpGTE), string(OpGT), string(OpLTE), string(OpLT), string(OpEQ)}

// Condition is a runtime predicate over upstream results.
type Condition struct {
	Kind Kind `yaml:"kind" json:"kind"`
	// Field names the compared value for threshold and resource_limit,
	// either "task.key" or a bare "key" searched across upstream results.
	Field string `yaml:"field,omitempty" json:"field,omitempty"`
	// Operator defaults to gte for threshold and gt for the other kinds.
	Operator Operator `yaml:"operator,omitempty" json:"operator,omitempty"`
	Value    float64  `yaml:"value" json:"value"`
	// Numerator and Denominator name the ratio operands of a rate condition.
	Numerator   string `yaml:"numerator,omitempty" json:"numerator,omitempty"`
	Denominator string `yaml:"denominator,omitempty" json:"denominator,omitempty"`
}

// Threshold builds a threshold condition field >= value.
func Threshold(field string, value float64) *Condition {
	return &Condition{Kind: KindThreshold, Field: field, Operator: OpGTE, Value: value}
}

// ResourceLimit builds a resource_limit condition field > limit.
func ResourceLimit(field string, limit float64) *Condition {
	return &Condition{Kind: KindResourceLimit, Field: field, Operator: OpGT, Value: limit}
}

// Rate builds a rate condition numerator/denominator > limit.
func Rate(numerator, denominator string, limit float64) *Condition {
	return &Condition{Kind: KindRate, Numerator: numerator, Denominator: denominator, Operator: OpGT, Value: limit}
}

// EffectiveOperator returns the operator, falling back to the kind default.
func (c *Condition) EffectiveOperator() Operator {
	if c.Operator != "" {
		return c.Operator
	}
	if c.Kind == KindThreshold {
		return OpGTE
	}
	return OpGT
}

// Validate checks that the condition is well formed.
func (c *Condition) Validate() error {
	v := validation.New()
	v.Required("kind", string(c.Kind)).
		OneOf("kind", string(c.Kind), Kinds).
		OneOf("operator", string(c.Operator), Operators)
	switch c.Kind {
	case KindThreshold, KindResourceLimit:
		v.Required("field", c.Field)
	case KindRate:
		v.Required("numerator", c.Numerator).Required("denominator", c.Denominator)
	}
	return v.Err()
}

func (c *Condition) String() string {
	if c == nil {
		return "else"
	}
	if c.Kind == KindRate {
		return fmt.Sprintf("%s/%s %s %g", c.Numerator, c.Denominator, c.EffectiveOperator(), c.Value)
	}
	return fmt.Sprintf("%s %s %g", c.Field, c.EffectiveOperator(), c.Value)
}

func compare(op Operator, lhs, rhs float64) bool {
	switch op {
	case OpGTE:
		return lhs >= rhs
	case OpGT:
		return lhs > rhs
	case OpLTE:
		return lhs <= rhs
	case OpLT:
		return lhs < rhs
	case OpEQ:
		return lhs == rhs
	default:
		return false
	}
}
