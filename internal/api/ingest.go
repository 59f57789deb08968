package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/orchestrator/internal/bus"
	"github.com/gyaneshwarpardhi/orchestrator/internal/event"
	"github.com/gyaneshwarpardhi/orchestrator/internal/queue"
	"github.com/gyaneshwarpardhi/orchestrator/internal/saga"
)

const (
	maxBatchSize = 100
	maxBodyBytes = 1 << 20

	// ingestSource stamps events that arrive without metadata.
	ingestSource = "api"
)

// POST /v1/events, synchronous single-event publish.
func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var ev event.Event
	if !decodeJSON(w, r, &ev) {
		return
	}
	if ev.Type == "" {
		writeError(w, http.StatusBadRequest, "event type is required")
		return
	}
	normalize(&ev, time.Now())

	res, err := h.deps.Bus.Publish(r.Context(), &ev)
	switch {
	case errors.Is(err, event.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, bus.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		h.internalError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// POST /v1/events/batch, up to 100 events published independently.
func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var events []*event.Event
	if !decodeJSON(w, r, &events) {
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one event")
		return
	}
	if len(events) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(events), maxBatchSize))
		return
	}

	now := time.Now()
	for i, ev := range events {
		if ev == nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("event %d is null", i))
			return
		}
		normalize(ev, now)
	}
	writeJSON(w, http.StatusOK, h.deps.Bus.PublishBatch(r.Context(), events))
}

// normalize fills the fields a caller may leave to the server. Type is
// never defaulted.
func normalize(ev *event.Event, now time.Time) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now.UTC()
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = ev.ID
	}
	if ev.Metadata == nil {
		ev.Metadata = &event.Metadata{Source: ingestSource}
	}
	if ev.Metadata.Priority == "" {
		ev.Metadata.Priority = event.PriorityNormal
	}
}

// POST /v1/operations
func (h *Handler) enqueueOperation(w http.ResponseWriter, r *http.Request) {
	var op queue.Operation
	if !decodeJSON(w, r, &op) {
		return
	}
	id, err := h.deps.Queue.Enqueue(r.Context(), &op)
	switch {
	case errors.Is(err, queue.ErrInvalidOperation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		h.internalError(w, r, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"operationId": id, "status": string(queue.StatusQueued)})
	}
}

// DELETE /v1/operations/{id}
func (h *Handler) cancelOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := h.deps.Queue.CancelOperation(r.Context(), id)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "operation "+id+" is not waiting in a queue")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operationId": id, "cancelled": true})
}

type startSagaRequest struct {
	DefinitionID  string         `json:"definitionId"`
	Variables     map[string]any `json:"variables"`
	CorrelationID string         `json:"correlationId"`
}

// POST /v1/sagas runs a saga until it completes, compensates or waits.
func (h *Handler) startSaga(w http.ResponseWriter, r *http.Request) {
	var req startSagaRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DefinitionID == "" {
		writeError(w, http.StatusBadRequest, "definitionId is required")
		return
	}
	inst, err := h.deps.Sagas.StartSaga(r.Context(), req.DefinitionID, req.Variables, req.CorrelationID)
	if err != nil {
		h.sagaError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// POST /v1/sagas/{id}/continue
func (h *Handler) continueSaga(w http.ResponseWriter, r *http.Request) {
	var ev saga.Event
	if !decodeJSON(w, r, &ev) {
		return
	}
	if ev.Type == "" {
		writeError(w, http.StatusBadRequest, "event type is required")
		return
	}
	inst, err := h.deps.Sagas.ContinueSaga(r.Context(), chi.URLParam(r, "id"), ev)
	if err != nil {
		h.sagaError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *Handler) sagaError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, saga.ErrUnknownDefinition):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, saga.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, saga.ErrBusy), errors.Is(err, saga.ErrTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, saga.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.internalError(w, r, err)
	}
}

// POST /v1/dlq/reprocess?eventType=
func (h *Handler) reprocessDLQ(w http.ResponseWriter, r *http.Request) {
	f := bus.DLQFilter{EventType: r.URL.Query().Get("eventType")}
	res, err := h.deps.Bus.ReprocessDLQEvents(r.Context(), f)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /v1/config/reload re-reads the config file. Saga definitions are
// swapped by the loader's change callbacks.
func (h *Handler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if h.deps.Config == nil {
		writeError(w, http.StatusServiceUnavailable, "config reload unavailable")
		return
	}
	cfg, err := h.deps.Config.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	ids := make([]string, 0, len(cfg.Sagas))
	for _, d := range cfg.Sagas {
		ids = append(ids, d.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded": true,
		"sagas":    ids,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return false
	}
	return true
}
