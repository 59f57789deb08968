// Package queue is the priority operation queue: typed operations ordered by
// priority then scheduledAt, dispatched to per-type processors by a single
// loop, with exponential-backoff retries, a DLQ for critical work and
// recovery of interrupted operations on startup.
package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gyaneshwarpardhi/orchestrator/internal/bus"
	"github.com/gyaneshwarpardhi/orchestrator/internal/event"
	"github.com/gyaneshwarpardhi/orchestrator/internal/logger"
	"github.com/gyaneshwarpardhi/orchestrator/internal/metrics"
	"github.com/gyaneshwarpardhi/orchestrator/internal/notify"
	"github.com/gyaneshwarpardhi/orchestrator/internal/retry"
	"github.com/gyaneshwarpardhi/orchestrator/internal/store"
)

const (
	Collection = "operations"

	EventCompleted = "operation.completed"
	EventFailed    = "operation.failed"

	// TimeoutMetadataKey, when set in operation metadata, bounds a single
	// processor call in milliseconds.
	TimeoutMetadataKey = "timeoutMs"
)

type Config struct {
	PollInterval       time.Duration
	DefaultMaxAttempts int
	DefaultRetry       retry.Policy
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	c.DefaultRetry = c.DefaultRetry.WithDefaults(retry.DefaultOperationPolicy())
	return c
}

// Publisher emits lifecycle events. *bus.Bus satisfies it.
type Publisher interface {
	Emit(ctx context.Context, typ string, data any, correlationID string, priority event.Priority) (*bus.PublishResult, error)
}

type Dependencies struct {
	Store      store.Store
	Notify     notify.Channel
	Processors *Registry
	// Publisher is optional; without it no lifecycle events are emitted.
	Publisher Publisher
	Logger    zerolog.Logger
	Metrics   *metrics.Recorder
	Now       func() time.Time
}

// Queue owns the priority buckets, the retry schedule and the index of
// operations that are not yet terminal.
type Queue struct {
	cfg        Config
	store      store.Store
	notify     notify.Channel
	processors *Registry
	publisher  Publisher
	logger     zerolog.Logger
	metrics    *metrics.Recorder
	now        func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	done    chan struct{}
	started bool

	mu       sync.Mutex
	buckets  map[Priority]*bucket
	items    map[string]*item
	active   map[string]*Operation
	retries  retrySchedule
	seq      uint64
	inFlight int
	closed   bool
	totals   Stats
}

func New(cfg Config, deps Dependencies) (*Queue, error) {
	if deps.Store == nil {
		return nil, errors.New("queue: store is required")
	}
	if deps.Notify == nil {
		return nil, errors.New("queue: notify channel is required")
	}
	if deps.Processors == nil {
		deps.Processors = NewRegistry()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:        cfg.withDefaults(),
		store:      deps.Store,
		notify:     deps.Notify,
		processors: deps.Processors,
		publisher:  deps.Publisher,
		logger:     logger.OrNop(deps.Logger).With().Str("component", "queue").Logger(),
		metrics:    deps.Metrics,
		now:        deps.Now,
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		buckets:    make(map[Priority]*bucket, len(Priorities)),
		items:      make(map[string]*item),
		active:     make(map[string]*Operation),
	}
	for _, p := range Priorities {
		q.buckets[p] = &bucket{}
	}
	return q, nil
}

// Start launches the dispatch loop.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	go q.run()
}

// Shutdown stops the loop and cancels the context of an in-flight processor
// call, then waits for the loop to exit or ctx to expire.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	started := q.started
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	if !started {
		return nil
	}
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: shutdown: %w", ctx.Err())
	}
}

// Enqueue validates op, assigns an id and QUEUED status, persists it and
// inserts it into its priority bucket. The caller's value is not modified.
func (q *Queue) Enqueue(ctx context.Context, in *Operation) (string, error) {
	if in == nil || in.Type == "" {
		return "", fmt.Errorf("%w: type is required", ErrInvalidOperation)
	}
	if in.Priority == "" {
		in = in.clone()
		in.Priority = PriorityNormal
	}
	if !in.Priority.Valid() {
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidOperation, in.Priority)
	}
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		return "", fmt.Errorf("%w: payload is not valid JSON", ErrInvalidOperation)
	}

	now := q.now().UTC()
	op := in.clone()
	op.ID = uuid.NewString()
	op.Status = StatusQueued
	op.CreatedAt = now
	if op.ScheduledAt.IsZero() {
		op.ScheduledAt = now
	}
	op.AttemptCount = 0
	op.Errors = []OperationError{}
	op.LastAttemptAt, op.NextRetryAt, op.CompletedAt, op.Result = nil, nil, nil, nil
	if op.MaxAttempts <= 0 {
		op.MaxAttempts = q.cfg.DefaultMaxAttempts
	}
	op.RetryPolicy = op.RetryPolicy.WithDefaults(q.cfg.DefaultRetry)
	if op.CorrelationID == "" {
		op.CorrelationID = op.ID
	}

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	if err := q.store.Put(ctx, Collection, op.ID, op); err != nil {
		return "", fmt.Errorf("queue: persist operation: %w", err)
	}
	q.mirror(ctx, op, "", "queued")

	q.mu.Lock()
	q.pushLocked(op)
	q.totals.Enqueued++
	q.mu.Unlock()

	q.metrics.OperationEnqueued(string(op.Type), string(op.Priority))
	q.recordDepth()
	q.signal()

	q.logger.Debug().
		Str("operation_id", op.ID).
		Str("operation_type", string(op.Type)).
		Str("priority", string(op.Priority)).
		Str("correlation_id", op.CorrelationID).
		Time("scheduled_at", op.ScheduledAt).
		Msg("queue: operation enqueued")
	return op.ID, nil
}

// GetOperationStatus returns the live operation when it is not yet terminal,
// else the persisted record. It returns nil, nil when the id is unknown.
func (q *Queue) GetOperationStatus(ctx context.Context, id string) (*Operation, error) {
	q.mu.Lock()
	if op, ok := q.active[id]; ok {
		c := op.clone()
		q.mu.Unlock()
		return c, nil
	}
	q.mu.Unlock()

	op, err := store.GetAs[Operation](ctx, q.store, Collection, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load operation %s: %w", id, err)
	}
	return op, nil
}

// ListByStatus returns persisted operations in status, oldest first.
func (q *Queue) ListByStatus(ctx context.Context, status Status, limit int) ([]Operation, error) {
	query := store.Where("status", store.OpEq, status)
	query.OrderBy = &store.Order{Field: "createdAt"}
	query.Limit = limit
	ops, err := store.QueryAs[Operation](ctx, q.store, Collection, query)
	if err != nil {
		return nil, fmt.Errorf("queue: list %s operations: %w", status, err)
	}
	return ops, nil
}

// CancelOperation cancels an operation that is still waiting in a bucket.
// It returns false for unknown ids and for operations already dispatched.
func (q *Queue) CancelOperation(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	it, ok := q.items[id]
	if !ok || it.op.Status != StatusQueued || it.index < 0 {
		q.mu.Unlock()
		return false, nil
	}
	heap.Remove(q.buckets[it.op.Priority], it.index)
	delete(q.items, id)
	delete(q.active, id)
	op := it.op
	op.Status = StatusCancelled
	now := q.now().UTC()
	op.CompletedAt = &now
	snap := op.clone()
	q.totals.Cancelled++
	q.mu.Unlock()

	q.recordDepth()
	q.metrics.OperationFinished(string(snap.Type), string(StatusCancelled))
	if err := q.store.Put(ctx, Collection, snap.ID, snap); err != nil {
		return true, fmt.Errorf("queue: persist cancelled operation %s: %w", id, err)
	}
	if err := q.notify.Remove(ctx, mirrorPath("queued", id)); err != nil {
		q.logger.Warn().Err(err).Str("operation_id", id).Msg("queue: notify remove failed")
	}
	q.logger.Info().Str("operation_id", id).Str("correlation_id", snap.CorrelationID).Msg("queue: operation cancelled")
	return true, nil
}

// Stats returns bucket depths and lifetime counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.totals
	s.Depth = make(map[Priority]int, len(Priorities))
	for _, p := range Priorities {
		s.Depth[p] = q.buckets[p].Len()
	}
	s.Processing = q.inFlight
	s.RetryScheduled = q.retries.Len()
	return s
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) pushLocked(op *Operation) {
	q.seq++
	it := &item{op: op, seq: q.seq}
	heap.Push(q.buckets[op.Priority], it)
	q.items[op.ID] = it
	q.active[op.ID] = op
}

func (q *Queue) recordDepth() {
	if q.metrics == nil {
		return
	}
	s := q.Stats()
	for p, n := range s.Depth {
		q.metrics.SetQueueDepth(string(p), n)
	}
	q.metrics.SetInFlight(s.Processing)
}

func mirrorPath(state, id string) string {
	return "operations/" + state + "/" + id
}

// mirror moves the operation summary between notify folders. Failures are
// logged only; the store is authoritative.
func (q *Queue) mirror(ctx context.Context, op *Operation, from, to string) {
	if from != "" && from != to {
		if err := q.notify.Remove(ctx, mirrorPath(from, op.ID)); err != nil {
			q.logger.Warn().Err(err).Str("operation_id", op.ID).Msg("queue: notify remove failed")
		}
	}
	summary := map[string]any{
		"id":            op.ID,
		"type":          op.Type,
		"priority":      op.Priority,
		"status":        op.Status,
		"attemptCount":  op.AttemptCount,
		"correlationId": op.CorrelationID,
		"updatedAt":     q.now().UTC(),
	}
	if op.NextRetryAt != nil {
		summary["nextRetryAt"] = op.NextRetryAt
	}
	if err := q.notify.Write(ctx, mirrorPath(to, op.ID), summary); err != nil {
		q.logger.Warn().Err(err).Str("operation_id", op.ID).Msg("queue: notify mirror failed")
	}
}

func (q *Queue) persist(ctx context.Context, op *Operation) {
	if err := q.store.Put(ctx, Collection, op.ID, op); err != nil {
		q.logger.Error().Err(err).
			Str("operation_id", op.ID).
			Str("status", string(op.Status)).
			Msg("queue: persist operation failed")
	}
}

// safeExecute calls the processor, converting a panic into a terminal error.
func safeExecute(ctx context.Context, p Processor, op *Operation) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = retry.Terminal("PROCESSOR_PANIC", "%v\n%s", r, debug.Stack())
		}
	}()
	return p.Execute(ctx, op)
}
