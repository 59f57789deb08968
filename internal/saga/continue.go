package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/gyaneshwarpardhi/orchestrator/internal/retry"
)

// ContinueSaga applies an external event to a saga, reloading it from the
// store when it is not in memory, and keeps driving it while it is still
// in progress.
func (m *Manager) ContinueSaga(ctx context.Context, sagaID string, ev Event) (*Instance, error) {
	r, err := m.acquire(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	defer m.release(r)

	in, def := r.inst, r.def
	if in.Status == StatusCompensating && ev.Type != EventCompensationRequired && ev.Type != EventSagaFailed {
		return nil, fmt.Errorf("saga: %s is compensating, cannot apply %s", sagaID, ev.Type)
	}
	m.log(in).Info().Str("event", string(ev.Type)).Str("step_id", ev.StepID).Msg("saga: continuing")

	switch ev.Type {
	case EventStepCompleted:
		idx, step := def.step(ev.StepID)
		if step == nil {
			return nil, fmt.Errorf("saga: definition %s has no step %q", def.ID, ev.StepID)
		}
		if idx != in.CurrentStep {
			return nil, fmt.Errorf("saga: step %q is not the current step of %s", ev.StepID, sagaID)
		}
		in.Status = StatusInProgress
		in.Context.StepResults[step.ID] = StepResult{
			StepID:      step.ID,
			Status:      StepCompleted,
			Output:      ev.Data,
			Attempts:    1,
			CompletedAt: m.now().UTC(),
		}
		in.CurrentStep = idx + 1
		m.save(ctx, r)

	case EventStepFailed:
		stepID := ev.StepID
		if stepID == "" && in.CurrentStep < len(def.Steps) {
			stepID = def.Steps[in.CurrentStep].ID
		}
		m.stepFailed(ctx, r, stepID, eventError(ev, "STEP_FAILED", "step failed"))

	case EventCompensationRequired:
		if in.Error == nil {
			e := eventError(ev, "COMPENSATION_REQUIRED", "compensation required")
			in.Error = &Error{StepID: ev.StepID, Code: retry.Code(e), Message: e.Error()}
		}
		m.compensate(ctx, r)

	case EventSagaCompleted:
		m.finish(ctx, r, StatusCompleted)

	case EventSagaFailed:
		e := eventError(ev, "SAGA_FAILED", "saga failed")
		in.Error = &Error{StepID: ev.StepID, Code: retry.Code(e), Message: e.Error()}
		m.finish(ctx, r, StatusFailed)

	default:
		return nil, fmt.Errorf("saga: unknown event type %q", ev.Type)
	}

	if in.Status == StatusInProgress || in.Status == StatusStarted {
		m.drive(ctx, r)
	}
	return in.clone(), nil
}

func eventError(ev Event, code, fallback string) error {
	if ev.Error == "" {
		return retry.Terminal(code, "%s", fallback)
	}
	if c := retry.Code(errors.New(ev.Error)); c != retry.UnknownCode {
		return errors.New(ev.Error)
	}
	return retry.Terminal(code, "%s", ev.Error)
}
