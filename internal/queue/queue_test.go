package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/orchestrator/internal/bus"
	"github.com/gyaneshwarpardhi/orchestrator/internal/event"
	"github.com/gyaneshwarpardhi/orchestrator/internal/metrics"
	"github.com/gyaneshwarpardhi/orchestrator/internal/notify"
	"github.com/gyaneshwarpardhi/orchestrator/internal/queue"
	"github.com/gyaneshwarpardhi/orchestrator/internal/retry"
	"github.com/gyaneshwarpardhi/orchestrator/internal/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type emitted struct {
	typ      string
	priority event.Priority
	data     map[string]any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []emitted
}

func (p *recordingPublisher) Emit(_ context.Context, typ string, data any, _ string, priority event.Priority) (*bus.PublishResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, emitted{typ: typ, priority: priority, data: data.(map[string]any)})
	return &bus.PublishResult{Status: bus.StatusSuccess}, nil
}

func (p *recordingPublisher) all() []emitted {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]emitted(nil), p.events...)
}

type fixture struct {
	q      *queue.Queue
	store  *store.Memory
	notify *notify.Memory
	reg    *queue.Registry
	pub    *recordingPublisher
	clock  *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemory(),
		notify: notify.NewMemory(),
		reg:    queue.NewRegistry(),
		pub:    &recordingPublisher{},
		clock:  &clock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)},
	}
	q, err := queue.New(queue.Config{PollInterval: 5 * time.Millisecond}, queue.Dependencies{
		Store:      f.store,
		Notify:     f.notify,
		Processors: f.reg,
		Publisher:  f.pub,
		Logger:     zerolog.Nop(),
		Metrics:    metrics.New(),
		Now:        f.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Shutdown(context.Background()) })
	f.q = q
	return f
}

func (f *fixture) enqueue(t *testing.T, op *queue.Operation) string {
	t.Helper()
	id, err := f.q.Enqueue(context.Background(), op)
	require.NoError(t, err)
	return id
}

func (f *fixture) waitStatus(t *testing.T, id string, want queue.Status) *queue.Operation {
	t.Helper()
	var last *queue.Operation
	require.Eventually(t, func() bool {
		op, err := f.q.GetOperationStatus(context.Background(), id)
		require.NoError(t, err)
		last = op
		return op != nil && op.Status == want
	}, 2*time.Second, 2*time.Millisecond, "operation %s never reached %s", id, want)
	return last
}

func payload(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}

func TestPriorityOrdering(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var order []queue.Priority
	f.reg.Register(queue.ProcessorFunc(queue.Notification, func(_ context.Context, op *queue.Operation) (*queue.Result, error) {
		mu.Lock()
		order = append(order, op.Priority)
		mu.Unlock()
		return &queue.Result{}, nil
	}))

	for _, p := range []queue.Priority{queue.PriorityLow, queue.PriorityNormal, queue.PriorityUrgent, queue.PriorityHigh, queue.PriorityCritical} {
		f.enqueue(t, &queue.Operation{Type: queue.Notification, Priority: p})
	}
	stats := f.q.Stats()
	assert.Equal(t, 1, stats.Depth[queue.PriorityLow])
	assert.EqualValues(t, 5, stats.Enqueued)

	f.q.Start()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	}, 2*time.Second, 2*time.Millisecond)

	assert.Equal(t, []queue.Priority{
		queue.PriorityUrgent, queue.PriorityCritical, queue.PriorityHigh, queue.PriorityNormal, queue.PriorityLow,
	}, order)
}

func TestBucketOrderFollowsScheduledAt(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var names []string
	f.reg.Register(queue.ProcessorFunc(queue.Notification, func(_ context.Context, op *queue.Operation) (*queue.Result, error) {
		v, err := queue.PayloadAs[map[string]string](op)
		require.NoError(t, err)
		mu.Lock()
		names = append(names, v["name"])
		mu.Unlock()
		return nil, nil
	}))

	now := f.clock.Now()
	f.enqueue(t, &queue.Operation{Type: queue.Notification, Payload: payload(map[string]string{"name": "late"}), ScheduledAt: now})
	f.enqueue(t, &queue.Operation{Type: queue.Notification, Payload: payload(map[string]string{"name": "early"}), ScheduledAt: now.Add(-time.Minute)})
	f.enqueue(t, &queue.Operation{Type: queue.Notification, Payload: payload(map[string]string{"name": "later"}), ScheduledAt: now})

	f.q.Start()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(names) == 3
	}, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"early", "late", "later"}, names)
}

func TestFutureScheduledOperationWaits(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(queue.ProcessorFunc(queue.Notification, func(context.Context, *queue.Operation) (*queue.Result, error) {
		return nil, nil
	}))

	id := f.enqueue(t, &queue.Operation{Type: queue.Notification, ScheduledAt: f.clock.Now().Add(time.Hour)})
	f.q.Start()

	time.Sleep(30 * time.Millisecond)
	op, err := f.q.GetOperationStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, op.Status)

	f.clock.Advance(time.Hour)
	f.waitStatus(t, id, queue.StatusCompleted)
}

func TestCreditDeductionRetriesThenCompletes(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	calls := 0
	f.reg.Register(queue.ProcessorFunc(queue.CreditDeduction, func(_ context.Context, op *queue.Operation) (*queue.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, errors.New("NETWORK_ERROR: ledger unreachable")
		}
		return &queue.Result{Data: map[string]any{"balance": 50}}, nil
	}))

	id := f.enqueue(t, &queue.Operation{
		Type:     queue.CreditDeduction,
		Priority: queue.PriorityCritical,
		Payload:  payload(map[string]any{"userId": "u1", "amount": 50}),
		UserID:   "u1",
	})
	f.q.Start()

	op := f.waitStatus(t, id, queue.StatusRetryScheduled)
	assert.Equal(t, 1, op.AttemptCount)
	require.NotNil(t, op.NextRetryAt)
	assert.True(t, f.clock.Now().Add(time.Second).Equal(*op.NextRetryAt), "first retry waits initialDelayMs")
	require.Len(t, op.Errors, 1)
	assert.Equal(t, "NETWORK_ERROR", op.Errors[0].Code)
	assert.True(t, op.Errors[0].Retryable)

	f.clock.Advance(time.Second)
	op = f.waitStatus(t, id, queue.StatusCompleted)
	assert.Equal(t, 2, op.AttemptCount)
	assert.Len(t, op.Errors, 1)
	assert.EqualValues(t, 50, op.Result["balance"])

	stored, err := store.GetAs[queue.Operation](context.Background(), f.store, queue.Collection, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, stored.Status)

	require.Eventually(t, func() bool {
		_, ok, err := f.notify.ReadOnce(context.Background(), "operations/completed/"+id)
		return err == nil && ok
	}, time.Second, 2*time.Millisecond)
	_, ok, _ := f.notify.ReadOnce(context.Background(), "operations/processing/"+id)
	assert.False(t, ok)

	require.Eventually(t, func() bool { return len(f.pub.all()) == 1 }, time.Second, 2*time.Millisecond)
	events := f.pub.all()
	assert.Equal(t, queue.EventCompleted, events[0].typ)
	assert.Equal(t, id, events[0].data["operationId"])
}

func TestTerminalFailureRouting(t *testing.T) {
	tests := []struct {
		name     string
		opType   queue.OperationType
		priority queue.Priority
		want     queue.Status
	}{
		{"plain operation fails", queue.Notification, queue.PriorityNormal, queue.StatusFailed},
		{"critical type dead-letters", queue.PaymentProcessing, queue.PriorityLow, queue.StatusDLQ},
		{"critical priority dead-letters", queue.Notification, queue.PriorityUrgent, queue.StatusDLQ},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.reg.Register(queue.ProcessorFunc(tt.opType, func(context.Context, *queue.Operation) (*queue.Result, error) {
				return nil, errors.New("INSUFFICIENT_FUNDS: balance 10 < 50")
			}))
			id := f.enqueue(t, &queue.Operation{Type: tt.opType, Priority: tt.priority})
			f.q.Start()

			op := f.waitStatus(t, id, tt.want)
			assert.Equal(t, 1, op.AttemptCount)
			require.Len(t, op.Errors, 1)
			assert.Equal(t, "INSUFFICIENT_FUNDS", op.Errors[0].Code)
			assert.False(t, op.Errors[0].Retryable)

			require.Eventually(t, func() bool { return len(f.pub.all()) == 1 }, time.Second, 2*time.Millisecond)
			ev := f.pub.all()[0]
			assert.Equal(t, queue.EventFailed, ev.typ)
			assert.Equal(t, event.PriorityHigh, ev.priority)
		})
	}
}

func TestRetriesAreBounded(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	calls := 0
	f.reg.Register(queue.ProcessorFunc(queue.Notification, func(context.Context, *queue.Operation) (*queue.Result, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, retry.Retryable("SERVICE_UNAVAILABLE", "smtp down")
	}))

	id := f.enqueue(t, &queue.Operation{
		Type:        queue.Notification,
		MaxAttempts: 5,
		RetryPolicy: retry.Policy{MaxRetries: 2, InitialDelayMs: 10, MaxDelayMs: 100, BackoffMultiplier: 2},
	})
	f.q.Start()

	f.waitStatus(t, id, queue.StatusRetryScheduled)
	f.clock.Advance(10 * time.Millisecond)
	op := f.waitStatus(t, id, queue.StatusFailed)
	assert.Equal(t, 2, op.AttemptCount, "the smaller of maxAttempts and maxRetries wins")
	assert.Len(t, op.Errors, 2)
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestMissingProcessorFails(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, &queue.Operation{Type: queue.CreditDeduction, Priority: queue.PriorityCritical})
	f.q.Start()

	op := f.waitStatus(t, id, queue.StatusFailed)
	require.Len(t, op.Errors, 1)
	assert.Equal(t, "NO_PROCESSOR", op.Errors[0].Code)
}

func TestPanickingProcessorFails(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(queue.ProcessorFunc(queue.Notification, func(context.Context, *queue.Operation) (*queue.Result, error) {
		panic("nil map")
	}))
	id := f.enqueue(t, &queue.Operation{Type: queue.Notification})
	f.q.Start()

	op := f.waitStatus(t, id, queue.StatusFailed)
	assert.Equal(t, "PROCESSOR_PANIC", op.Errors[0].Code)
}

func TestTimeoutMetadataSetsDeadline(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(queue.ProcessorFunc(queue.AITaskExecution, func(ctx context.Context, _ *queue.Operation) (*queue.Result, error) {
		if _, ok := ctx.Deadline(); !ok {
			return nil, errors.New("MISSING_DEADLINE: no deadline")
		}
		<-ctx.Done()
		return nil, retry.Terminal("TIMEOUT", "%v", ctx.Err())
	}))
	id := f.enqueue(t, &queue.Operation{
		Type:     queue.AITaskExecution,
		Metadata: map[string]any{queue.TimeoutMetadataKey: 20},
	})
	f.q.Start()

	op := f.waitStatus(t, id, queue.StatusFailed)
	assert.Equal(t, "TIMEOUT", op.Errors[0].Code)
}

func TestOperationDeadlineIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(queue.ProcessorFunc(queue.Notification, func(ctx context.Context, _ *queue.Operation) (*queue.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	id := f.enqueue(t, &queue.Operation{
		Type:     queue.Notification,
		Metadata: map[string]any{queue.TimeoutMetadataKey: 5},
	})
	f.q.Start()

	op := f.waitStatus(t, id, queue.StatusRetryScheduled)
	assert.Equal(t, 1, op.AttemptCount)
	require.Len(t, op.Errors, 1)
	assert.Equal(t, retry.TimeoutError, op.Errors[0].Code)
	assert.True(t, op.Errors[0].Retryable)
	assert.Empty(t, f.pub.all(), "a scheduled retry emits no lifecycle event")
}

func TestShutdownLeavesInFlightOperationForRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started := make(chan struct{})
	f.reg.Register(queue.ProcessorFunc(queue.CreditDeduction, func(ctx context.Context, _ *queue.Operation) (*queue.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	id := f.enqueue(t, &queue.Operation{
		Type:     queue.CreditDeduction,
		Priority: queue.PriorityCritical,
		Payload:  payload(map[string]any{"userId": "u1", "amount": 50}),
	})
	f.q.Start()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("processor never started")
	}
	require.NoError(t, f.q.Shutdown(ctx))

	stored, err := store.GetAs[queue.Operation](ctx, f.store, queue.Collection, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusProcessing, stored.Status)
	assert.Empty(t, stored.Errors)
	assert.Empty(t, f.pub.all(), "an interrupted operation is neither failed nor dead-lettered")
	assert.Zero(t, f.q.Stats().Processing)

	reg := queue.NewRegistry()
	reg.Register(queue.ProcessorFunc(queue.CreditDeduction, func(_ context.Context, op *queue.Operation) (*queue.Result, error) {
		return &queue.Result{Data: map[string]any{"attempt": op.AttemptCount}}, nil
	}))
	next, err := queue.New(queue.Config{PollInterval: 5 * time.Millisecond}, queue.Dependencies{
		Store:      f.store,
		Notify:     f.notify,
		Processors: reg,
		Logger:     zerolog.Nop(),
		Now:        f.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = next.Shutdown(context.Background()) })

	res, err := next.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)
	next.Start()

	require.Eventually(t, func() bool {
		op, err := next.GetOperationStatus(ctx, id)
		return err == nil && op != nil && op.Status == queue.StatusCompleted
	}, 2*time.Second, 2*time.Millisecond)
	op, err := next.GetOperationStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, op.AttemptCount)
}

func TestCancelOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.reg.Register(queue.ProcessorFunc(queue.Notification, func(context.Context, *queue.Operation) (*queue.Result, error) {
		return nil, nil
	}))

	id := f.enqueue(t, &queue.Operation{Type: queue.Notification, ScheduledAt: f.clock.Now().Add(time.Hour)})
	_, ok, _ := f.notify.ReadOnce(ctx, "operations/queued/"+id)
	assert.True(t, ok)

	cancelled, err := f.q.CancelOperation(ctx, id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	op, err := f.q.GetOperationStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, op.Status)
	_, ok, _ = f.notify.ReadOnce(ctx, "operations/queued/"+id)
	assert.False(t, ok)
	assert.Zero(t, f.q.Stats().Depth[queue.PriorityNormal])

	cancelled, err = f.q.CancelOperation(ctx, id)
	require.NoError(t, err)
	assert.False(t, cancelled, "already cancelled")

	cancelled, err = f.q.CancelOperation(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.False(t, cancelled)

	done := f.enqueue(t, &queue.Operation{Type: queue.Notification})
	f.q.Start()
	f.waitStatus(t, done, queue.StatusCompleted)
	cancelled, err = f.q.CancelOperation(ctx, done)
	require.NoError(t, err)
	assert.False(t, cancelled, "completed operations cannot be cancelled")
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.q.Enqueue(ctx, &queue.Operation{})
	assert.ErrorIs(t, err, queue.ErrInvalidOperation)
	_, err = f.q.Enqueue(ctx, &queue.Operation{Type: queue.Notification, Priority: "SOMEDAY"})
	assert.ErrorIs(t, err, queue.ErrInvalidOperation)
	_, err = f.q.Enqueue(ctx, &queue.Operation{Type: queue.Notification, Payload: json.RawMessage(`{nope`)})
	assert.ErrorIs(t, err, queue.ErrInvalidOperation)

	in := &queue.Operation{Type: queue.Notification}
	id, err := f.q.Enqueue(ctx, in)
	require.NoError(t, err)
	assert.Empty(t, in.ID, "caller value is not modified")

	op, err := f.q.GetOperationStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, op.Status)
	assert.Equal(t, queue.PriorityNormal, op.Priority)
	assert.Equal(t, 3, op.MaxAttempts)
	assert.Equal(t, 3, op.RetryPolicy.MaxRetries)
	assert.Contains(t, op.RetryPolicy.RetryableErrors, retry.ServiceUnavailable)
	assert.Equal(t, id, op.CorrelationID)
	assert.Empty(t, op.Errors)

	missing, err := f.q.GetOperationStatus(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRecover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	past := now.Add(-time.Minute)

	seed := []queue.Operation{
		{ID: "interrupted", Type: queue.Notification, Priority: queue.PriorityHigh, Status: queue.StatusProcessing, AttemptCount: 1, MaxAttempts: 3, ScheduledAt: past},
		{ID: "waiting", Type: queue.Notification, Priority: queue.PriorityNormal, Status: queue.StatusRetryScheduled, AttemptCount: 1, MaxAttempts: 3, NextRetryAt: &past},
		{ID: "queued", Type: queue.Notification, Priority: queue.PriorityLow, Status: queue.StatusQueued, ScheduledAt: past},
		{ID: "finished", Type: queue.Notification, Priority: queue.PriorityLow, Status: queue.StatusCompleted},
		{ID: "broken", Type: queue.Notification, Priority: "WHENEVER", Status: queue.StatusQueued},
	}
	for _, op := range seed {
		require.NoError(t, f.store.Put(ctx, queue.Collection, op.ID, op))
	}

	var mu sync.Mutex
	attempts := map[string]int{}
	f.reg.Register(queue.ProcessorFunc(queue.Notification, func(_ context.Context, op *queue.Operation) (*queue.Result, error) {
		mu.Lock()
		attempts[op.ID] = op.AttemptCount
		mu.Unlock()
		return nil, nil
	}))

	res, err := f.q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, &queue.RecoveryResult{Requeued: 2, Rearmed: 1, Skipped: 1}, res)

	again, err := f.q.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Requeued+again.Rearmed, "already admitted operations are not duplicated")

	f.q.Start()
	for _, id := range []string{"interrupted", "waiting", "queued"} {
		f.waitStatus(t, id, queue.StatusCompleted)
	}
	mu.Lock()
	assert.Equal(t, 2, attempts["interrupted"])
	assert.Equal(t, 2, attempts["waiting"])
	assert.Equal(t, 1, attempts["queued"])
	mu.Unlock()
}

func TestCriticalClassification(t *testing.T) {
	assert.True(t, (&queue.Operation{Type: queue.CreditDeduction, Priority: queue.PriorityLow}).Critical())
	assert.True(t, (&queue.Operation{Type: queue.BlockchainLedger}).Critical())
	assert.True(t, (&queue.Operation{Type: queue.Notification, Priority: queue.PriorityCritical}).Critical())
	assert.False(t, (&queue.Operation{Type: queue.Notification, Priority: queue.PriorityHigh}).Critical())
	assert.Greater(t, queue.PriorityUrgent.Rank(), queue.PriorityCritical.Rank())
	assert.Equal(t, -1, queue.Priority("x").Rank())
}
