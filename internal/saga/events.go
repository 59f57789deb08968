package saga

import (
	"context"
	"errors"

	"github.com/gyaneshwarpardhi/orchestrator/internal/event"
	"github.com/gyaneshwarpardhi/orchestrator/internal/retry"
)

// EventContinue is the bus event type external participants publish to
// report on a saga that is waiting for them.
const EventContinue = "saga.continue"

// ContinueRequest is the payload of an EventContinue event.
type ContinueRequest struct {
	SagaID string `json:"sagaId"`
	Event
}

// HandleContinue is a bus handler that feeds EventContinue events into
// ContinueSaga. A busy saga is reported as retryable so the bus redelivers
// later; every other rejection is terminal and dead-letters the event.
func (m *Manager) HandleContinue(ctx context.Context, e *event.Event) error {
	req, err := event.DataAs[ContinueRequest](e)
	if err != nil {
		return retry.Terminal("INVALID_PAYLOAD", "%v", err)
	}
	if req.SagaID == "" {
		return retry.Terminal("INVALID_PAYLOAD", "sagaId is required")
	}
	_, err = m.ContinueSaga(ctx, req.SagaID, req.Event)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrBusy):
		return &retry.Error{Code: retry.TemporaryUnavailable, Message: err.Error(), Retryable: true, Err: err}
	case errors.Is(err, ErrClosed):
		return &retry.Error{Code: retry.ServiceUnavailable, Message: err.Error(), Retryable: true, Err: err}
	default:
		return &retry.Error{Code: "SAGA_REJECTED", Message: err.Error(), Err: err}
	}
}
