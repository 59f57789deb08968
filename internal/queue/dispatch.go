package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/orchestrator/internal/event"
	"github.com/gyaneshwarpardhi/orchestrator/internal/retry"
	"github.com/gyaneshwarpardhi/orchestrator/internal/store"
)

func (q *Queue) run() {
	defer close(q.done)
	timer := time.NewTimer(q.cfg.PollInterval)
	defer timer.Stop()

	for {
		if q.ctx.Err() != nil {
			return
		}
		q.promoteDue(q.ctx)
		if op := q.next(); op != nil {
			q.process(op)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.cfg.PollInterval)
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// next pops the highest-priority operation whose scheduledAt has passed and
// marks it PROCESSING. Lower buckets are only considered when every higher
// bucket has nothing ready.
func (q *Queue) next() *Operation {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	for _, p := range Priorities {
		b := q.buckets[p]
		top := b.peek()
		if top == nil || top.op.ScheduledAt.After(now) {
			continue
		}
		heap.Pop(b)
		delete(q.items, top.op.ID)
		op := top.op
		op.Status = StatusProcessing
		op.AttemptCount++
		at := now.UTC()
		op.LastAttemptAt = &at
		op.NextRetryAt = nil
		q.inFlight++
		return op
	}
	return nil
}

func (q *Queue) process(op *Operation) {
	ctx := q.ctx
	q.mu.Lock()
	snap := op.clone()
	q.mu.Unlock()

	q.recordDepth()
	q.persist(ctx, snap)
	q.mirror(ctx, snap, "queued", "processing")

	log := q.logger.With().
		Str("operation_id", snap.ID).
		Str("operation_type", string(snap.Type)).
		Str("correlation_id", snap.CorrelationID).
		Int("attempt", snap.AttemptCount).
		Logger()

	proc, err := q.processors.Get(snap.Type)
	if err != nil {
		log.Error().Err(err).Msg("queue: dispatch failed")
		q.fail(ctx, op, retry.Terminal("NO_PROCESSOR", "no processor registered for %s", snap.Type), false)
		return
	}

	execCtx, cancel := withOperationTimeout(ctx, snap)
	start := time.Now()
	res, err := safeExecute(execCtx, proc, snap.clone())
	err = classifyTimeout(execCtx, ctx, err)
	cancel()
	q.metrics.ObserveExecution(string(snap.Type), time.Since(start))

	switch {
	case err == nil:
		q.complete(ctx, op, res)
	case ctx.Err() != nil:
		q.interrupt(op, err)
	default:
		q.fail(ctx, op, err, true)
	}
}

// classifyTimeout turns an unclassified failure caused by the operation's own
// timeoutMs deadline into a retryable TIMEOUT_ERROR. Errors that already carry
// a *retry.Error keep their classification.
func classifyTimeout(execCtx, parent context.Context, err error) error {
	if err == nil || parent.Err() != nil || !errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return err
	}
	var re *retry.Error
	if errors.As(err, &re) {
		return err
	}
	return &retry.Error{Code: retry.TimeoutError, Message: "operation deadline exceeded: " + err.Error(), Retryable: true, Err: err}
}

// interrupt releases an operation whose processor call was cut short by
// Shutdown. The stored record stays PROCESSING so Recover re-dispatches it on
// the next start; no failure is recorded and no lifecycle event is emitted.
func (q *Queue) interrupt(op *Operation, cause error) {
	q.mu.Lock()
	q.inFlight--
	id, typ, attempt := op.ID, op.Type, op.AttemptCount
	q.mu.Unlock()

	q.recordDepth()
	q.logger.Warn().Err(cause).
		Str("operation_id", id).
		Str("operation_type", string(typ)).
		Int("attempt", attempt).
		Msg("queue: operation interrupted by shutdown, left for recovery")
}

func withOperationTimeout(ctx context.Context, op *Operation) (context.Context, context.CancelFunc) {
	var ms float64
	switch v := op.Metadata[TimeoutMetadataKey].(type) {
	case float64:
		ms = v
	case int:
		ms = float64(v)
	case int64:
		ms = float64(v)
	case json.Number:
		ms, _ = v.Float64()
	}
	if ms <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(ms*float64(time.Millisecond)))
}

func (q *Queue) complete(ctx context.Context, op *Operation, res *Result) {
	now := q.now().UTC()
	q.mu.Lock()
	op.Status = StatusCompleted
	op.CompletedAt = &now
	if res != nil {
		op.Result = res.Data
	}
	delete(q.active, op.ID)
	q.inFlight--
	q.totals.Completed++
	snap := op.clone()
	q.mu.Unlock()

	q.recordDepth()
	q.persist(ctx, snap)
	q.mirror(ctx, snap, "processing", "completed")
	q.metrics.OperationFinished(string(snap.Type), string(StatusCompleted))
	q.emit(ctx, EventCompleted, snap, event.PriorityNormal)

	q.logger.Info().
		Str("operation_id", snap.ID).
		Str("operation_type", string(snap.Type)).
		Str("correlation_id", snap.CorrelationID).
		Int("attempt", snap.AttemptCount).
		Msg("queue: operation completed")
}

// fail records the attempt's error and either schedules a retry or moves
// the operation to FAILED, or DLQ when it is critical. An operation that
// could not be dispatched at all always ends FAILED.
func (q *Queue) fail(ctx context.Context, op *Operation, cause error, dispatched bool) {
	now := q.now().UTC()
	q.mu.Lock()
	opErr := q.buildError(op, cause, now)
	op.Errors = append(op.Errors, opErr)

	retrying := dispatched && shouldRetry(op, opErr)
	if retrying {
		next := now.Add(op.RetryPolicy.Delay(op.AttemptCount - 1))
		op.Status = StatusRetryScheduled
		op.NextRetryAt = &next
		heap.Push(&q.retries, op)
	} else {
		op.Status = StatusFailed
		if dispatched && op.Critical() {
			op.Status = StatusDLQ
			q.totals.DeadLettered++
		} else {
			q.totals.Failed++
		}
		op.CompletedAt = &now
		delete(q.active, op.ID)
	}
	q.inFlight--
	snap := op.clone()
	q.mu.Unlock()

	q.recordDepth()
	q.persist(ctx, snap)

	log := q.logger.With().
		Str("operation_id", snap.ID).
		Str("operation_type", string(snap.Type)).
		Str("correlation_id", snap.CorrelationID).
		Str("error_code", opErr.Code).
		Int("attempt", snap.AttemptCount).
		Logger()

	if retrying {
		q.mirror(ctx, snap, "processing", "retry")
		q.metrics.OperationRetryScheduled(string(snap.Type))
		log.Warn().Err(cause).Time("next_retry_at", *snap.NextRetryAt).Msg("queue: attempt failed, retry scheduled")
		return
	}

	folder := "failed"
	if snap.Status == StatusDLQ {
		folder = "dlq"
	}
	q.mirror(ctx, snap, "processing", folder)
	q.metrics.OperationFinished(string(snap.Type), string(snap.Status))
	q.emit(ctx, EventFailed, snap, event.PriorityHigh)
	log.Error().Err(cause).Str("status", string(snap.Status)).Int("max_attempts", snap.MaxAttempts).
		Msg("queue: operation failed terminally")
}

func shouldRetry(op *Operation, e OperationError) bool {
	return e.Retryable && op.AttemptCount < op.MaxAttempts && op.AttemptCount < op.RetryPolicy.MaxRetries
}

func (q *Queue) buildError(op *Operation, cause error, now time.Time) OperationError {
	retryable := retry.IsRetryable(cause, op.RetryPolicy.RetryableErrors)
	sev := SeverityMedium
	switch {
	case retryable:
		sev = SeverityLow
	case op.Critical():
		sev = SeverityCritical
	case errors.Is(cause, ErrNoProcessor) || retry.Code(cause) == "NO_PROCESSOR":
		sev = SeverityHigh
	}
	return OperationError{
		Code:      retry.Code(cause),
		Message:   cause.Error(),
		Timestamp: now,
		Retryable: retryable,
		Severity:  sev,
		Context: map[string]any{
			"attempt":       op.AttemptCount,
			"maxAttempts":   op.MaxAttempts,
			"operationType": op.Type,
			"category":      retry.Category(cause),
		},
	}
}

// promoteDue moves retry-scheduled operations whose nextRetryAt has passed
// back into their bucket as QUEUED, scheduled at their retry time.
func (q *Queue) promoteDue(ctx context.Context) {
	now := q.now()
	var moved []*Operation
	q.mu.Lock()
	for q.retries.Len() > 0 && !q.retries[0].NextRetryAt.After(now) {
		op := heap.Pop(&q.retries).(*Operation)
		op.Status = StatusQueued
		op.ScheduledAt = *op.NextRetryAt
		q.pushLocked(op)
		moved = append(moved, op.clone())
	}
	q.mu.Unlock()

	for _, op := range moved {
		q.persist(ctx, op)
		q.mirror(ctx, op, "retry", "queued")
	}
	if len(moved) > 0 {
		q.recordDepth()
	}
}

func (q *Queue) emit(ctx context.Context, typ string, op *Operation, p event.Priority) {
	if q.publisher == nil {
		return
	}
	data := map[string]any{
		"operationId":  op.ID,
		"type":         op.Type,
		"status":       op.Status,
		"attemptCount": op.AttemptCount,
		"userId":       op.UserID,
	}
	if op.Status == StatusCompleted {
		data["result"] = op.Result
	} else if n := len(op.Errors); n > 0 {
		data["error"] = op.Errors[n-1]
	}
	if _, err := q.publisher.Emit(ctx, typ, data, op.CorrelationID, p); err != nil {
		q.logger.Warn().Err(err).Str("operation_id", op.ID).Str("event_type", typ).Msg("queue: lifecycle event not published")
	}
}

// Recover re-admits operations left QUEUED, PROCESSING or RETRY_SCHEDULED by
// a previous process. PROCESSING operations go back to their bucket;
// RETRY_SCHEDULED ones are re-armed at their persisted nextRetryAt.
// Undecodable or inconsistent records are logged and skipped.
func (q *Queue) Recover(ctx context.Context) (*RecoveryResult, error) {
	rows, err := q.store.Query(ctx, Collection, store.Where("status", store.OpIn,
		[]Status{StatusQueued, StatusProcessing, StatusRetryScheduled}))
	if err != nil {
		return nil, fmt.Errorf("queue: recovery scan: %w", err)
	}

	res := &RecoveryResult{}
	now := q.now().UTC()
	for _, raw := range rows {
		var op Operation
		if err := json.Unmarshal(raw, &op); err != nil {
			res.Skipped++
			q.logger.Warn().Err(err).Bool("anomaly", true).Msg("queue: undecodable operation skipped during recovery")
			continue
		}
		if op.ID == "" || op.Type == "" || !op.Priority.Valid() {
			res.Skipped++
			q.logger.Warn().Bool("anomaly", true).Str("operation_id", op.ID).Str("priority", string(op.Priority)).
				Msg("queue: inconsistent operation skipped during recovery")
			continue
		}

		q.mu.Lock()
		if _, known := q.active[op.ID]; known {
			q.mu.Unlock()
			continue
		}
		o := &op
		if o.MaxAttempts <= 0 {
			o.MaxAttempts = q.cfg.DefaultMaxAttempts
		}
		o.RetryPolicy = o.RetryPolicy.WithDefaults(q.cfg.DefaultRetry)
		from := "queued"
		switch op.Status {
		case StatusRetryScheduled:
			if o.NextRetryAt == nil {
				o.NextRetryAt = &now
			}
			heap.Push(&q.retries, o)
			q.active[o.ID] = o
			res.Rearmed++
			from = "retry"
		case StatusProcessing:
			o.Status = StatusQueued
			q.pushLocked(o)
			res.Requeued++
			from = "processing"
		default:
			q.pushLocked(o)
			res.Requeued++
		}
		snap := o.clone()
		q.mu.Unlock()

		if from == "processing" {
			q.persist(ctx, snap)
			q.mirror(ctx, snap, from, "queued")
		}
	}

	q.recordDepth()
	q.signal()
	q.logger.Info().
		Int("requeued", res.Requeued).
		Int("rearmed", res.Rearmed).
		Int("skipped", res.Skipped).
		Msg("queue: recovery complete")
	return res, nil
}
