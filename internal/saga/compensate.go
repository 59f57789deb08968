package saga

import (
	"context"
	"fmt"
)

// CompensateSaga rolls back the completed steps of a saga that is not
// currently being driven. Steps whose compensation already succeeded in an
// earlier pass are not compensated again.
func (m *Manager) CompensateSaga(ctx context.Context, sagaID string) (*CompensationResult, error) {
	r, err := m.acquire(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	defer m.release(r)
	if r.inst.Error == nil {
		r.inst.Error = &Error{Code: "COMPENSATION_REQUESTED", Message: "compensation requested"}
	}
	return m.compensate(ctx, r), nil
}

// compensate runs the compensation plan: completed steps in reverse order,
// each mapped to its compensation action. The saga ends COMPENSATED only
// when every compensation succeeded, FAILED otherwise.
func (m *Manager) compensate(ctx context.Context, r *run) *CompensationResult {
	in, def := r.inst, r.def
	in.Status = StatusCompensating
	m.save(ctx, r)

	res := &CompensationResult{SagaID: in.ID, Compensated: []string{}, Skipped: []string{}}
	doc, docErr := contextDoc(in)

	completed := in.CompletedSteps(def)
	for i := len(completed) - 1; i >= 0; i-- {
		id := completed[i]
		_, step := def.step(id)
		if step.Compensation == nil {
			res.Skipped = append(res.Skipped, id)
			continue
		}
		if rec, ok := in.Context.CompensationData[id]; ok && rec.Compensated {
			res.Compensated = append(res.Compensated, id)
			continue
		}

		var (
			attempts int
			err      error
		)
		if docErr != nil {
			err = fmt.Errorf("CONTEXT_ERROR: %w", docErr)
		} else {
			_, attempts, err = m.execute(ctx, r, id, *step.Compensation, m.compensations, step.TimeoutMs, doc)
		}
		if err != nil && ctx.Err() != nil {
			m.log(in).Warn().Err(err).Str("step_id", id).Msg("saga: interrupted during compensation")
			return partial(res)
		}

		rec := CompensationRecord{Attempts: attempts, At: m.now().UTC()}
		if err != nil {
			rec.Error = err.Error()
			res.Errors = append(res.Errors, StepError{StepID: id, Message: err.Error()})
			m.metrics.CompensationFailed(in.DefinitionID)
			m.log(in).Error().Err(err).
				Str("step_id", id).
				Str("compensation_type", step.Compensation.Type).
				Msg("saga: compensation failed")
		} else {
			rec.Compensated = true
			res.Compensated = append(res.Compensated, id)
			m.log(in).Info().Str("step_id", id).Str("compensation_type", step.Compensation.Type).
				Msg("saga: step compensated")
		}
		in.Context.CompensationData[id] = rec
		m.save(ctx, r)
	}

	res.Status = compensationStatus(res)
	in.Compensation = res
	if res.Status == CompensationSuccess {
		m.finish(ctx, r, StatusCompensated)
	} else {
		m.finish(ctx, r, StatusFailed)
	}
	return res
}

func compensationStatus(res *CompensationResult) CompensationStatus {
	switch {
	case len(res.Errors) == 0:
		return CompensationSuccess
	case len(res.Compensated) > 0:
		return CompensationPartial
	default:
		return CompensationFailed
	}
}

// partial reports an interrupted pass; the saga stays COMPENSATING.
func partial(res *CompensationResult) *CompensationResult {
	res.Status = CompensationPartial
	if len(res.Compensated) == 0 {
		res.Status = CompensationFailed
	}
	return res
}
