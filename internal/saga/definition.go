package saga

import (
	"errors"
	"fmt"
	"sort"

	"github.com/gyaneshwarpardhi/orchestrator/internal/action"
	"github.com/gyaneshwarpardhi/orchestrator/internal/condition"
)

// Definitions is an immutable, validated set of saga definitions keyed by id.
type Definitions struct {
	byID map[string]*Definition
}

// NewDefinitions validates defs and indexes them. When actions or
// compensations are non-nil, every referenced handler type must be
// registered there and its params must pass the handler's Validator.
// All problems are reported together.
func NewDefinitions(defs []Definition, actions, compensations *action.Registry) (*Definitions, error) {
	out := &Definitions{byID: make(map[string]*Definition, len(defs))}
	var errs []error
	for i := range defs {
		d := defs[i]
		if d.ID == "" {
			errs = append(errs, fmt.Errorf("sagas[%d]: id is required", i))
			continue
		}
		if _, dup := out.byID[d.ID]; dup {
			errs = append(errs, fmt.Errorf("saga %s: duplicate id", d.ID))
			continue
		}
		if err := validateDefinition(&d, actions, compensations); err != nil {
			errs = append(errs, fmt.Errorf("saga %s: %w", d.ID, err))
			continue
		}
		out.byID[d.ID] = &d
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

func validateDefinition(d *Definition, actions, compensations *action.Registry) error {
	if len(d.Steps) == 0 {
		return errors.New("at least one step is required")
	}
	var errs []error
	seen := make(map[string]struct{}, len(d.Steps))
	for i, s := range d.Steps {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("steps[%d]: id is required", i))
			continue
		}
		if _, dup := seen[s.ID]; dup {
			errs = append(errs, fmt.Errorf("step %s: duplicate id", s.ID))
		}
		seen[s.ID] = struct{}{}
		if s.TimeoutMs < 0 {
			errs = append(errs, fmt.Errorf("step %s: timeout_ms must not be negative", s.ID))
		}
		if err := validateAction(s.Action, actions); err != nil {
			errs = append(errs, fmt.Errorf("step %s: action: %w", s.ID, err))
		}
		if s.Compensation != nil {
			if err := validateAction(*s.Compensation, compensations); err != nil {
				errs = append(errs, fmt.Errorf("step %s: compensation: %w", s.ID, err))
			}
		}
		if err := condition.Validate(s.Conditions); err != nil {
			errs = append(errs, fmt.Errorf("step %s: %w", s.ID, err))
		}
	}
	return errors.Join(errs...)
}

func validateAction(a Action, reg *action.Registry) error {
	if a.Type == "" {
		return errors.New("type is required")
	}
	if reg == nil {
		return nil
	}
	return reg.Validate(a.Type, a.Params)
}

// Get returns the definition with id.
func (d *Definitions) Get(id string) (*Definition, bool) {
	if d == nil {
		return nil, false
	}
	def, ok := d.byID[id]
	return def, ok
}

// IDs returns the definition ids, sorted.
func (d *Definitions) IDs() []string {
	if d == nil {
		return nil
	}
	out := make([]string, 0, len(d.byID))
	for id := range d.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (d *Definitions) Len() int {
	if d == nil {
		return 0
	}
	return len(d.byID)
}
