package saga

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/gyaneshwarpardhi/orchestrator/internal/action"
	"github.com/gyaneshwarpardhi/orchestrator/internal/condition"
	"github.com/gyaneshwarpardhi/orchestrator/internal/retry"
)

// StepTimeoutCode marks an attempt cut short by the step's timeoutMs.
const StepTimeoutCode = "STEP_TIMEOUT"

// drive runs the remaining steps in order. It stops at the first failing
// step and compensates. When ctx ends mid-run the saga is left as it is
// for recovery.
func (m *Manager) drive(ctx context.Context, r *run) {
	in, def := r.inst, r.def
	if in.Status == StatusStarted {
		in.Status = StatusInProgress
		m.save(ctx, r)
	}

	for in.CurrentStep < len(def.Steps) {
		if ctx.Err() != nil {
			m.log(in).Warn().Err(ctx.Err()).Int("current_step", in.CurrentStep).Msg("saga: interrupted")
			return
		}
		step := &def.Steps[in.CurrentStep]
		if _, done := in.Context.StepResults[step.ID]; done {
			in.CurrentStep++
			continue
		}

		doc, err := contextDoc(in)
		if err != nil {
			m.stepFailed(ctx, r, step.ID, retry.Terminal("CONTEXT_ERROR", "%v", err))
			return
		}
		ok, err := condition.Evaluate(step.Conditions, doc)
		if err != nil {
			m.stepFailed(ctx, r, step.ID, retry.Terminal("CONDITION_ERROR", "%v", err))
			return
		}
		if !ok {
			in.Context.StepResults[step.ID] = StepResult{
				StepID:      step.ID,
				Status:      StepSkipped,
				CompletedAt: m.now().UTC(),
			}
			in.CurrentStep++
			m.save(ctx, r)
			m.log(in).Debug().Str("step_id", step.ID).Msg("saga: step skipped by conditions")
			continue
		}

		out, attempts, err := m.execute(ctx, r, step.ID, step.Action, m.actions, step.TimeoutMs, doc)
		if err != nil {
			if ctx.Err() != nil {
				m.log(in).Warn().Err(err).Str("step_id", step.ID).Msg("saga: interrupted during step")
				return
			}
			m.stepFailed(ctx, r, step.ID, err)
			return
		}
		in.Context.StepResults[step.ID] = StepResult{
			StepID:      step.ID,
			Status:      StepCompleted,
			Output:      out,
			Attempts:    attempts,
			CompletedAt: m.now().UTC(),
		}
		in.CurrentStep++
		m.save(ctx, r)
		m.log(in).Debug().Str("step_id", step.ID).Int("attempts", attempts).Msg("saga: step completed")
	}
	m.finish(ctx, r, StatusCompleted)
}

func (m *Manager) stepFailed(ctx context.Context, r *run, stepID string, cause error) {
	r.inst.Error = &Error{StepID: stepID, Code: retry.Code(cause), Message: cause.Error()}
	m.log(r.inst).Warn().Err(cause).Str("step_id", stepID).Str("error_code", r.inst.Error.Code).
		Msg("saga: step failed, compensating")
	m.compensate(ctx, r)
}

// execute runs one action, retrying retryable failures under the
// definition's retry policy. It returns the number of attempts made.
func (m *Manager) execute(ctx context.Context, r *run, stepID string, a Action, reg *action.Registry, timeoutMs int64, doc []byte) (map[string]any, int, error) {
	h, err := reg.Get(a.Type)
	if err != nil {
		return nil, 0, retry.Terminal("NO_HANDLER", "%v", err)
	}
	params, err := resolveParams(a.Params, doc)
	if err != nil {
		return nil, 0, retry.Terminal("UNRESOLVED_REFERENCE", "%v", err)
	}
	req := &action.Request{
		SagaID:        r.inst.ID,
		StepID:        stepID,
		CorrelationID: r.inst.CorrelationID,
		Params:        params,
		Variables:     r.inst.Context.Variables,
		StepResults:   stepOutputs(r.inst),
	}

	policy := r.def.RetryPolicy
	for attempt := 1; ; attempt++ {
		out, err := invoke(ctx, h, req, timeoutMs)
		if err == nil {
			return out, attempt, nil
		}
		if attempt > policy.MaxRetries || !policy.IsRetryable(err) || ctx.Err() != nil {
			return nil, attempt, err
		}
		delay := policy.Delay(attempt - 1)
		m.log(r.inst).Warn().Err(err).
			Str("step_id", stepID).
			Str("action_type", a.Type).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("saga: action failed, retrying")
		if !retry.Wait(ctx, delay) {
			return nil, attempt, err
		}
	}
}

// invoke runs one attempt of h. A failure caused by the step's own timeoutMs
// deadline is reported as a retryable STEP_TIMEOUT unless the handler already
// classified it.
func invoke(ctx context.Context, h action.Handler, req *action.Request, timeoutMs int64) (out map[string]any, err error) {
	stepCtx := ctx
	if timeoutMs > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = retry.Terminal("HANDLER_PANIC", "%v\n%s", rec, debug.Stack())
		}
	}()
	out, err = h.Execute(stepCtx, req)
	var re *retry.Error
	if err != nil && timeoutMs > 0 && ctx.Err() == nil &&
		errors.Is(stepCtx.Err(), context.DeadlineExceeded) && !errors.As(err, &re) {
		err = &retry.Error{
			Code:      StepTimeoutCode,
			Message:   fmt.Sprintf("exceeded %dms: %v", timeoutMs, err),
			Retryable: true,
			Err:       err,
		}
	}
	return out, err
}

func stepOutputs(in *Instance) map[string]any {
	out := make(map[string]any, len(in.Context.StepResults))
	for id, r := range in.Context.StepResults {
		if r.Status == StepCompleted {
			out[id] = r.Output
		}
	}
	return out
}
