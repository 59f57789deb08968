// Package bus is the event bus: at-least-once delivery of typed events to
// in-process subscribers, per-subscription retry queues and a dead letter
// queue for deliveries that fail terminally.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/gyaneshwarpardhi/orchestrator/internal/event"
	"github.com/gyaneshwarpardhi/orchestrator/internal/logger"
	"github.com/gyaneshwarpardhi/orchestrator/internal/metrics"
	"github.com/gyaneshwarpardhi/orchestrator/internal/notify"
	"github.com/gyaneshwarpardhi/orchestrator/internal/retry"
	"github.com/gyaneshwarpardhi/orchestrator/internal/schedule"
	"github.com/gyaneshwarpardhi/orchestrator/internal/store"
)

const (
	EventsCollection = "events"
	DLQCollection    = "dlq_messages"

	// localTTL bounds how long a locally published id is remembered so its
	// notify echo is not delivered a second time. The notify mirror of the
	// event is removed when the id is forgotten.
	localTTL = 5 * time.Minute
)

// ErrClosed is returned by calls made after Shutdown.
var ErrClosed = errors.New("bus: closed")

type Config struct {
	RetryInterval         time.Duration
	DLQInterval           time.Duration
	DeliveryWorkers       int
	DeliveryQueue         int
	MaxConcurrentHandlers int
	ReprocessRate         float64
	ReprocessBurst        int
	DefaultRetry          retry.Policy
	// Source and Environment stamp events the bus builds itself.
	Source      string
	Environment string
}

// DefaultConfig returns the intervals and sizes used when config leaves them unset.
func DefaultConfig() Config {
	return Config{
		RetryInterval:         5 * time.Second,
		DLQInterval:           time.Minute,
		DeliveryWorkers:       4,
		DeliveryQueue:         256,
		MaxConcurrentHandlers: 16,
		ReprocessRate:         20,
		ReprocessBurst:        5,
		DefaultRetry:          retry.DefaultPolicy(),
		Source:                "orchestrator",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.DeliveryWorkers <= 0 {
		c.DeliveryWorkers = d.DeliveryWorkers
	}
	if c.DeliveryQueue <= 0 {
		c.DeliveryQueue = d.DeliveryQueue
	}
	if c.MaxConcurrentHandlers <= 0 {
		c.MaxConcurrentHandlers = d.MaxConcurrentHandlers
	}
	if c.ReprocessRate <= 0 {
		c.ReprocessRate = d.ReprocessRate
	}
	if c.ReprocessBurst <= 0 {
		c.ReprocessBurst = d.ReprocessBurst
	}
	if c.Source == "" {
		c.Source = d.Source
	}
	c.DefaultRetry = c.DefaultRetry.WithDefaults(d.DefaultRetry)
	return c
}

// Dependencies are the collaborators a Bus is built from.
type Dependencies struct {
	Store   store.Store
	Notify  notify.Channel
	Logger  zerolog.Logger
	Metrics *metrics.Recorder
	Now     func() time.Time
}

type subscription struct {
	Subscription
	handler  Handler
	detach   func()
	detachMu sync.Mutex
}

type delivery struct {
	sub *subscription
	ev  *event.Event
}

// localMark remembers an event this process published and where it was
// mirrored.
type localMark struct {
	at   time.Time
	path string
}

// Bus owns its subscriptions, retry queues and the set of locally published
// event ids. Construct with New and release with Shutdown.
type Bus struct {
	cfg     Config
	store   store.Store
	notify  notify.Channel
	logger  zerolog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	pool   *workerPool[delivery]

	mu      sync.RWMutex
	subs    map[string]*subscription
	retries map[string][]*retryEntry
	local   map[string]localMark
	closed  bool
}

// New builds a Bus. Store and Notify are required.
func New(cfg Config, deps Dependencies) (*Bus, error) {
	if deps.Store == nil {
		return nil, errors.New("bus: store is required")
	}
	if deps.Notify == nil {
		return nil, errors.New("bus: notify channel is required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		cfg:     cfg,
		store:   deps.Store,
		notify:  deps.Notify,
		logger:  logger.OrNop(deps.Logger).With().Str("component", "bus").Logger(),
		metrics: deps.Metrics,
		now:     deps.Now,
		limiter: rate.NewLimiter(rate.Limit(cfg.ReprocessRate), cfg.ReprocessBurst),
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]*subscription),
		retries: make(map[string][]*retryEntry),
		local:   make(map[string]localMark),
	}
	b.pool = newWorkerPool(ctx, cfg.DeliveryWorkers, cfg.DeliveryQueue, b.deliverLive)
	return b, nil
}

// Start registers the retry and DLQ sweeps on r.
func (b *Bus) Start(r *schedule.Runner) error {
	if err := r.Every("bus.retry_sweep", b.cfg.RetryInterval, func(ctx context.Context) {
		b.SweepRetries(ctx)
	}); err != nil {
		return err
	}
	if b.cfg.DLQInterval > 0 {
		if err := r.Every("bus.dlq_sweep", b.cfg.DLQInterval, func(ctx context.Context) {
			if _, err := b.SweepDLQ(ctx); err != nil {
				b.logger.Error().Err(err).Msg("bus: dlq sweep failed")
			}
		}); err != nil {
			return err
		}
	}
	return nil
}

// Publish validates, persists and mirrors e, then delivers it to every active
// subscription for its type concurrently. A validation or persistence failure
// returns a FAILED result together with the error; handler failures never do.
func (b *Bus) Publish(ctx context.Context, e *event.Event) (*PublishResult, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	if err := e.Validate(); err != nil {
		b.metrics.EventPublished(typeOf(e), string(StatusFailed))
		return failed(e, err), err
	}
	if err := b.store.Put(ctx, EventsCollection, e.ID, e); err != nil {
		b.metrics.EventPublished(e.Type, string(StatusFailed))
		err = fmt.Errorf("bus: persist event %s: %w", e.ID, err)
		return failed(e, err), err
	}

	b.markLocal(e)
	if err := b.notify.Write(ctx, event.Path(e.Type, e.ID), e); err != nil {
		b.logger.Warn().Err(err).Str("event_id", e.ID).Str("event_type", e.Type).Msg("bus: notify mirror failed")
	}

	subs := b.activeSubs(e.Type)
	errs := b.invokeAll(ctx, e, subs)

	res := &PublishResult{EventID: e.ID, Status: StatusSuccess, SubscribersNotified: len(subs)}
	for i, err := range errs {
		if err == nil {
			continue
		}
		res.Failed++
		b.routeFailure(ctx, subs[i], e, err)
	}
	if res.Failed > 0 {
		res.Status = StatusPartial
	}
	b.metrics.EventPublished(e.Type, string(res.Status))

	b.logger.Debug().
		Str("event_id", e.ID).
		Str("event_type", e.Type).
		Str("correlation_id", e.CorrelationID).
		Int("subscribers", res.SubscribersNotified).
		Int("failed", res.Failed).
		Msg("bus: event published")
	return res, nil
}

// PublishBatch publishes each event independently; there is no atomicity
// across the batch.
func (b *Bus) PublishBatch(ctx context.Context, events []*event.Event) *BatchPublishResult {
	out := &BatchPublishResult{Total: len(events), Results: make([]*PublishResult, len(events))}

	var g errgroup.Group
	g.SetLimit(b.cfg.MaxConcurrentHandlers)
	for i, e := range events {
		i, e := i, e
		g.Go(func() error {
			res, err := b.Publish(ctx, e)
			if res == nil {
				res = failed(e, err)
			}
			out.Results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range out.Results {
		switch r.Status {
		case StatusSuccess:
			out.Successful++
		case StatusPartial:
			out.Partial++
		default:
			out.Failed++
		}
	}
	return out
}

// Emit builds an event from the bus defaults and publishes it. It is the
// path used by the operation queue and saga manager for lifecycle events.
func (b *Bus) Emit(ctx context.Context, typ string, data any, correlationID string, priority event.Priority) (*PublishResult, error) {
	e, err := event.New(typ, data, correlationID, event.Metadata{
		Source:      b.cfg.Source,
		Environment: b.cfg.Environment,
		Priority:    priority,
	})
	if err != nil {
		return nil, err
	}
	e.Timestamp = b.now().UTC()
	if e.CorrelationID == "" {
		e.CorrelationID = e.ID
	}
	return b.Publish(ctx, e)
}

// Subscribe registers h for eventType with the default retry policy.
func (b *Bus) Subscribe(ctx context.Context, eventType string, h Handler) (*Subscription, error) {
	return b.SubscribeWithRetry(ctx, eventType, h, b.cfg.DefaultRetry)
}

// SubscribeWithRetry registers h with an explicit policy and installs a live
// listener on events/{eventType} so events published by other processes are
// delivered too.
func (b *Bus) SubscribeWithRetry(ctx context.Context, eventType string, h Handler, policy retry.Policy) (*Subscription, error) {
	if eventType == "" {
		return nil, errors.New("bus: event type is required")
	}
	if h == nil {
		return nil, errors.New("bus: handler is required")
	}
	sub := &subscription{
		Subscription: Subscription{
			ID:          uuid.NewString(),
			EventType:   eventType,
			IsActive:    true,
			CreatedAt:   b.now().UTC(),
			RetryPolicy: policy.WithDefaults(b.cfg.DefaultRetry),
		},
		handler: h,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[sub.ID] = sub
	b.mu.Unlock()

	detach, err := b.notify.SubscribeChildAdded(ctx, event.TypePath(eventType), func(key string, value json.RawMessage) {
		b.onLiveEvent(sub, key, value)
	})
	if err != nil {
		b.logger.Warn().Err(err).Str("event_type", eventType).Str("subscription_id", sub.ID).
			Msg("bus: live listener not installed, only local publishes will be delivered")
	} else {
		sub.detachMu.Lock()
		sub.detach = detach
		sub.detachMu.Unlock()
	}

	b.logger.Info().Str("event_type", eventType).Str("subscription_id", sub.ID).Msg("bus: subscribed")
	s := sub.Subscription
	return &s, nil
}

// Unsubscribe deactivates a subscription, detaches its live listener and
// drops its pending retries. It reports whether the id was known.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		delete(b.retries, retryKey(sub.EventType, id))
		sub.IsActive = false
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	sub.detachLive()
	b.logger.Info().Str("event_type", sub.EventType).Str("subscription_id", id).Msg("bus: unsubscribed")
	return true
}

// Subscriptions lists active subscriptions ordered by creation.
func (b *Bus) Subscriptions() []Subscription {
	b.mu.RLock()
	out := make([]Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s.Subscription)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DeliveryUtilization is the fill ratio of the live delivery queue, 0..1.
func (b *Bus) DeliveryUtilization() float64 {
	u := b.pool.Utilization()
	b.metrics.SetDeliveryUtilization(u)
	return u
}

// Shutdown detaches all listeners, drains the live delivery pool and then
// dead-letters every pending retry so ReprocessDLQEvents can pick it up after
// a restart.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.detachLive()
	}

	done := make(chan struct{})
	go func() {
		b.pool.Drain()
		close(done)
	}()
	defer b.cancel()
	var drainErr error
	select {
	case <-done:
	case <-ctx.Done():
		drainErr = fmt.Errorf("bus: shutdown: %w", ctx.Err())
	}

	if n := b.flushRetries(ctx); n > 0 {
		b.logger.Warn().Int("pending_retries", n).Msg("bus: pending retries dead-lettered on shutdown")
	}
	return drainErr
}

func (s *subscription) detachLive() {
	s.detachMu.Lock()
	defer s.detachMu.Unlock()
	if s.detach != nil {
		s.detach()
		s.detach = nil
	}
}

func (b *Bus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *Bus) activeSubs(eventType string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*subscription
	for _, s := range b.subs {
		if s.IsActive && s.EventType == eventType {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (b *Bus) subscription(id string) (*subscription, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.subs[id]
	return s, ok && s.IsActive
}

// invokeAll runs every handler concurrently and waits for all of them. The
// returned slice holds each handler's error by index.
func (b *Bus) invokeAll(ctx context.Context, e *event.Event, subs []*subscription) []error {
	errs := make([]error, len(subs))
	var g errgroup.Group
	g.SetLimit(b.cfg.MaxConcurrentHandlers)
	for i, s := range subs {
		i, s := i, s
		g.Go(func() error {
			errs[i] = invoke(ctx, s.handler, e)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// invoke calls h, turning a panic into a terminal error.
func invoke(ctx context.Context, h Handler, e *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = retry.Terminal("HANDLER_PANIC", "%v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, e)
}

// routeFailure sends a failed delivery to the subscription's retry queue
// when the error is retryable, or straight to the DLQ otherwise.
func (b *Bus) routeFailure(ctx context.Context, sub *subscription, e *event.Event, err error) {
	b.metrics.HandlerFailed(retry.Category(err))
	policy := sub.RetryPolicy
	log := b.logger.With().
		Str("event_id", e.ID).
		Str("event_type", e.Type).
		Str("subscription_id", sub.ID).
		Str("error_code", retry.Code(err)).
		Logger()

	if policy.MaxRetries > 0 && policy.IsRetryable(err) {
		if next, ok := b.enqueueRetry(sub, e, err); ok {
			log.Warn().Err(err).Time("next_retry_at", next).Msg("bus: handler failed, retry scheduled")
			return
		}
	}
	if _, dlqErr := b.handleFailed(ctx, e, sub.ID, err); dlqErr != nil {
		log.Error().Err(dlqErr).AnErr("handler_error", err).Msg("bus: dead-lettering failed")
		return
	}
	log.Warn().Err(err).Msg("bus: handler failed, event dead-lettered")
}

func (b *Bus) markLocal(e *event.Event) {
	b.mu.Lock()
	b.local[e.ID] = localMark{at: b.now(), path: event.Path(e.Type, e.ID)}
	b.mu.Unlock()
}

func (b *Bus) isLocal(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.local[id]
	return ok
}

// pruneLocal forgets local ids older than localTTL and removes their notify
// mirrors. The events collection keeps the durable copy.
func (b *Bus) pruneLocal(ctx context.Context) int {
	cutoff := b.now().Add(-localTTL)
	var paths []string
	b.mu.Lock()
	for id, mark := range b.local {
		if mark.at.Before(cutoff) {
			delete(b.local, id)
			paths = append(paths, mark.path)
		}
	}
	b.mu.Unlock()

	for _, p := range paths {
		if err := b.notify.Remove(ctx, p); err != nil {
			b.logger.Warn().Err(err).Str("path", p).Msg("bus: notify mirror cleanup failed")
		}
	}
	return len(paths)
}

func failed(e *event.Event, err error) *PublishResult {
	res := &PublishResult{Status: StatusFailed}
	if e != nil {
		res.EventID = e.ID
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func typeOf(e *event.Event) string {
	if e == nil || e.Type == "" {
		return "unknown"
	}
	return e.Type
}
