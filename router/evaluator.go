package router

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kbukum/flowgraph/errors"
)

// Upstream is the output of one succeeded upstream task.
type Upstream struct {
	TaskID string
	Output map[string]any
}

// Evaluator evaluates conditions of one kind.
type Evaluator interface {
	Evaluate(c *Condition, upstream []Upstream) (bool, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(c *Condition, upstream []Upstream) (bool, error)

// Evaluate implements Evaluator.
func (f EvaluatorFunc) Evaluate(c *Condition, upstream []Upstream) (bool, error) {
	return f(c, upstream)
}

var evaluators = map[Kind]Evaluator{
	KindThreshold:     EvaluatorFunc(evaluateComparison),
	KindResourceLimit: EvaluatorFunc(evaluateComparison),
	KindRate:          EvaluatorFunc(evaluateRate),
}

// Evaluate dispatches c to the evaluator for its kind. A nil condition is
// always true. A referenced field that no upstream task produced makes the
// condition false.
func Evaluate(c *Condition, upstream []Upstream) (bool, error) {
	if c == nil {
		return true, nil
	}
	ev, ok := evaluators[c.Kind]
	if !ok {
		return false, errors.InvalidInput("kind", fmt.Sprintf("unknown condition kind %q", c.Kind))
	}
	return ev.Evaluate(c, upstream)
}

func evaluateComparison(c *Condition, upstream []Upstream) (bool, error) {
	v, found, err := lookupNumber(c.Field, upstream)
	if err != nil || !found {
		return false, err
	}
	return compare(c.EffectiveOperator(), v, c.Value), nil
}

func evaluateRate(c *Condition, upstream []Upstream) (bool, error) {
	num, found, err := lookupNumber(c.Numerator, upstream)
	if err != nil || !found {
		return false, err
	}
	den, found, err := lookupNumber(c.Denominator, upstream)
	if err != nil || !found {
		return false, err
	}
	if den == 0 {
		return false, nil
	}
	return compare(c.EffectiveOperator(), num/den, c.Value), nil
}

// lookupNumber resolves "task.key" against that task's output, or a bare key
// against every upstream output in order. Keys may themselves contain dots.
func lookupNumber(ref string, upstream []Upstream) (float64, bool, error) {
	if taskID, key, ok := strings.Cut(ref, "."); ok {
		for _, u := range upstream {
			if u.TaskID != taskID {
				continue
			}
			if raw, present := u.Output[key]; present {
				return toNumber(ref, raw)
			}
		}
	}
	for _, u := range upstream {
		if raw, present := u.Output[ref]; present {
			return toNumber(ref, raw)
		}
	}
	return 0, false, nil
}

func toNumber(ref string, raw any) (float64, bool, error) {
	switch v := raw.(type) {
	case float64:
		return v, true, nil
	case float32:
		return float64(v), true, nil
	case int:
		return float64(v), true, nil
	case int8:
		return float64(v), true, nil
	case int16:
		return float64(v), true, nil
	case int32:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	case uint:
		return float64(v), true, nil
	case uint8:
		return float64(v), true, nil
	case uint16:
		return float64(v), true, nil
	case uint32:
		return float64(v), true, nil
	case uint64:
		return float64(v), true, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false, errors.InvalidInput(ref, fmt.Sprintf("value %q is not numeric", v))
		}
		return f, true, nil
	default:
		return 0, false, errors.InvalidInput(ref, fmt.Sprintf("value of type %T is not numeric", raw))
	}
}
