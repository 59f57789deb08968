// Package api is the HTTP surface: event ingestion, operation and saga
// submission, DLQ reprocessing, config reload, probes, metrics, status
// lookups and a live websocket mirror of the notify channel.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/gyaneshwarpardhi/orchestrator/internal/bus"
	"github.com/gyaneshwarpardhi/orchestrator/internal/config"
	"github.com/gyaneshwarpardhi/orchestrator/internal/event"
	"github.com/gyaneshwarpardhi/orchestrator/internal/logger"
	"github.com/gyaneshwarpardhi/orchestrator/internal/metrics"
	"github.com/gyaneshwarpardhi/orchestrator/internal/notify"
	"github.com/gyaneshwarpardhi/orchestrator/internal/queue"
	"github.com/gyaneshwarpardhi/orchestrator/internal/saga"
)

// Readiness fails once the live delivery queue is this full.
const overloadedAt = 0.8

const maxDLQLimit = 500

// Bus is the part of the event bus the API uses. *bus.Bus satisfies it.
type Bus interface {
	Publish(ctx context.Context, e *event.Event) (*bus.PublishResult, error)
	PublishBatch(ctx context.Context, events []*event.Event) *bus.BatchPublishResult
	GetDLQMessages(ctx context.Context, f bus.DLQFilter) ([]bus.DLQMessage, error)
	DLQStats(ctx context.Context) (map[string]int, error)
	ReprocessDLQEvents(ctx context.Context, f bus.DLQFilter) (*bus.ReprocessResult, error)
	DeliveryUtilization() float64
}

type Operations interface {
	Enqueue(ctx context.Context, op *queue.Operation) (string, error)
	CancelOperation(ctx context.Context, id string) (bool, error)
	GetOperationStatus(ctx context.Context, id string) (*queue.Operation, error)
	Stats() queue.Stats
}

type Sagas interface {
	StartSaga(ctx context.Context, definitionID string, variables map[string]any, correlationID string) (*saga.Instance, error)
	ContinueSaga(ctx context.Context, sagaID string, ev saga.Event) (*saga.Instance, error)
	GetActiveSagas() []saga.ActiveSaga
	GetSagaMetrics() saga.Metrics
	GetSaga(ctx context.Context, id string) (*saga.Instance, error)
}

// Reloader re-reads configuration on demand. *config.Loader satisfies it.
type Reloader interface {
	Reload() (*config.File, error)
}

type Dependencies struct {
	Bus    Bus
	Queue  Operations
	Sagas  Sagas
	Notify notify.Channel
	// Config is optional; without it /v1/config/reload answers 503.
	Config  Reloader
	Metrics *metrics.Recorder
	Logger  zerolog.Logger
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	deps   Dependencies
	logger zerolog.Logger
}

// New creates an HTTP handler and registers all routes.
func New(deps Dependencies) http.Handler {
	h := &Handler{deps: deps, logger: logger.OrNop(deps.Logger).With().Str("component", "api").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	r.Handle("/metrics", deps.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/live", h.live)
		r.Post("/events", h.ingestEvent)
		r.Post("/events/batch", h.ingestBatch)
		r.Post("/operations", h.enqueueOperation)
		r.Get("/operations/{id}", h.getOperation)
		r.Delete("/operations/{id}", h.cancelOperation)
		r.Post("/sagas", h.startSaga)
		r.Get("/sagas/active", h.activeSagas)
		r.Get("/sagas/metrics", h.sagaMetrics)
		r.Get("/sagas/{id}", h.getSaga)
		r.Post("/sagas/{id}/continue", h.continueSaga)
		r.Get("/dlq", h.listDLQ)
		r.Post("/dlq/reprocess", h.reprocessDLQ)
		r.Post("/config/reload", h.reloadConfig)
	})

	return r
}

// GET /healthz, always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz, 503 when the live delivery queue is over 80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.deps.Bus.DeliveryUtilization()
	body := map[string]any{
		"status":               "ready",
		"delivery_utilization": util,
		"queue":                h.deps.Queue.Stats(),
	}
	if util > overloadedAt {
		body["status"] = "overloaded"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// GET /v1/operations/{id}
func (h *Handler) getOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	op, err := h.deps.Queue.GetOperationStatus(r.Context(), id)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if op == nil {
		writeError(w, http.StatusNotFound, "operation "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// GET /v1/sagas/active
func (h *Handler) activeSagas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sagas": h.deps.Sagas.GetActiveSagas()})
}

// GET /v1/sagas/metrics
func (h *Handler) sagaMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Sagas.GetSagaMetrics())
}

// GET /v1/sagas/{id}
func (h *Handler) getSaga(w http.ResponseWriter, r *http.Request) {
	inst, err := h.deps.Sagas.GetSaga(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, saga.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// GET /v1/dlq?eventType=&limit=
func (h *Handler) listDLQ(w http.ResponseWriter, r *http.Request) {
	f := bus.DLQFilter{EventType: r.URL.Query().Get("eventType"), Limit: 100}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxDLQLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		f.Limit = n
	}
	msgs, err := h.deps.Bus.GetDLQMessages(r.Context(), f)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	stats, err := h.deps.Bus.DLQStats(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "byEventType": stats})
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error().Err(err).
		Str("path", r.URL.Path).
		Str("request_id", middleware.GetReqID(r.Context())).
		Msg("api: request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}
