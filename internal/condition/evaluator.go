// Package condition evaluates saga step conditions against the saga
// context document.
package condition

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/tidwall/gjson"
)

// Condition compares the value at Field, a gjson path into the context
// document such as "variables.amount" or "steps.validate.balance".
type Condition struct {
	Field    string   `yaml:"field" json:"field"`
	Operator Operator `yaml:"operator" json:"operator"`
	Value    any      `yaml:"value" json:"value,omitempty"`
}

// Evaluate returns true when every condition holds for doc. A field that
// is absent makes its condition false, except for "exists" and "!=".
func Evaluate(conds []Condition, doc []byte) (bool, error) {
	if len(conds) > 0 && !gjson.ValidBytes(doc) {
		return false, errors.New("condition: context is not valid JSON")
	}
	for _, c := range conds {
		ok, err := c.Eval(doc)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Eval evaluates a single condition.
func (c Condition) Eval(doc []byte) (bool, error) {
	res := gjson.GetBytes(doc, c.Field)
	if c.Operator == OpExists {
		want := true
		if b, ok := c.Value.(bool); ok {
			want = b
		}
		return res.Exists() == want, nil
	}
	if !res.Exists() {
		return c.Operator == OpNeq && c.Value != nil, nil
	}
	ok, err := compare(c.Operator, res.Value(), normalize(c.Value))
	if err != nil {
		return false, fmt.Errorf("condition %s %s: %w", c.Field, c.Operator, err)
	}
	return ok, nil
}

// Validate checks a condition list at load time.
func Validate(conds []Condition) error {
	var errs []error
	for i, c := range conds {
		if c.Field == "" {
			errs = append(errs, fmt.Errorf("condition[%d]: field is required", i))
		}
		if !c.Operator.Valid() {
			errs = append(errs, fmt.Errorf("condition[%d]: unknown operator %q", i, c.Operator))
			continue
		}
		switch c.Operator {
		case OpIn, OpNotIn:
			if _, ok := normalize(c.Value).([]any); !ok {
				errs = append(errs, fmt.Errorf("condition[%d]: %s needs a list value", i, c.Operator))
			}
		case OpMatches:
			s, ok := c.Value.(string)
			if !ok {
				errs = append(errs, fmt.Errorf("condition[%d]: matches needs a string pattern", i))
			} else if _, err := regexp.Compile(s); err != nil {
				errs = append(errs, fmt.Errorf("condition[%d]: %w", i, err))
			}
		}
	}
	return errors.Join(errs...)
}

// normalize turns typed slices from Go callers into []any.
func normalize(v any) any {
	switch l := v.(type) {
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out
	case []float64:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out
	}
	return v
}
