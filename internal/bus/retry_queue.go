package bus

import (
	"context"
	"errors"
	"time"

	"github.com/gyaneshwarpardhi/orchestrator/internal/event"
	"github.com/gyaneshwarpardhi/orchestrator/internal/retry"
)

// retryEntry is one pending redelivery in a (eventType, subscriptionId) queue.
type retryEntry struct {
	ev             *event.Event
	subscriptionID string
	retryCount     int
	nextRetryAt    time.Time
	lastError      string
}

func retryKey(eventType, subscriptionID string) string {
	return eventType + "/" + subscriptionID
}

// enqueueRetry queues a first redelivery. It reports false once the bus is
// closed; the caller dead-letters instead.
func (b *Bus) enqueueRetry(sub *subscription, e *event.Event, err error) (time.Time, bool) {
	next := b.now().Add(sub.RetryPolicy.Delay(0))
	entry := &retryEntry{
		ev:             e,
		subscriptionID: sub.ID,
		nextRetryAt:    next,
		lastError:      err.Error(),
	}
	key := retryKey(e.Type, sub.ID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return time.Time{}, false
	}
	b.retries[key] = append(b.retries[key], entry)
	return next, true
}

// flushRetries empties every retry queue into the DLQ and returns how many
// entries it dead-lettered.
func (b *Bus) flushRetries(ctx context.Context) int {
	b.mu.Lock()
	var pending []*retryEntry
	for _, q := range b.retries {
		pending = append(pending, q...)
	}
	b.retries = make(map[string][]*retryEntry)
	b.mu.Unlock()

	n := 0
	for _, entry := range pending {
		if b.deadLetterEntry(ctx, entry) {
			n++
		}
	}
	return n
}

func (b *Bus) deadLetterEntry(ctx context.Context, entry *retryEntry) bool {
	cause := errors.New(entry.lastError)
	if _, err := b.handleFailed(ctx, entry.ev, entry.subscriptionID, cause); err != nil {
		b.logger.Error().Err(err).
			Str("event_id", entry.ev.ID).
			Str("event_type", entry.ev.Type).
			Str("subscription_id", entry.subscriptionID).
			Str("last_error", entry.lastError).
			Msg("bus: pending retry lost, dead-lettering failed")
		return false
	}
	b.metrics.BusRetry("dead_lettered")
	return true
}

// PendingRetries returns the number of queued redeliveries.
func (b *Bus) PendingRetries() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, q := range b.retries {
		n += len(q)
	}
	return n
}

// SweepRetries redelivers every queued entry whose nextRetryAt has passed.
// A failure is rescheduled with backoff until the subscription's MaxRetries
// is reached or the error is not retryable, then the event is dead-lettered.
// It returns the number of entries attempted.
func (b *Bus) SweepRetries(ctx context.Context) int {
	if n := b.pruneLocal(ctx); n > 0 {
		b.logger.Debug().Int("mirrors_removed", n).Msg("bus: settled event mirrors removed")
	}
	due := b.takeDue(b.now())
	for _, entry := range due {
		if ctx.Err() != nil {
			b.requeue(ctx, entry)
			continue
		}
		b.retryOne(ctx, entry)
	}
	return len(due)
}

func (b *Bus) takeDue(now time.Time) []*retryEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	var due []*retryEntry
	for key, q := range b.retries {
		keep := q[:0]
		for _, entry := range q {
			if !entry.nextRetryAt.After(now) {
				due = append(due, entry)
			} else {
				keep = append(keep, entry)
			}
		}
		if len(keep) == 0 {
			delete(b.retries, key)
		} else {
			b.retries[key] = keep
		}
	}
	return due
}

// requeue puts entry back on its queue. Entries of a removed subscription
// are dropped; on a closed bus they are dead-lettered.
func (b *Bus) requeue(ctx context.Context, entry *retryEntry) {
	key := retryKey(entry.ev.Type, entry.subscriptionID)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.deadLetterEntry(ctx, entry)
		return
	}
	if _, ok := b.subs[entry.subscriptionID]; ok {
		b.retries[key] = append(b.retries[key], entry)
	}
	b.mu.Unlock()
}

func (b *Bus) retryOne(ctx context.Context, entry *retryEntry) {
	log := b.logger.With().
		Str("event_id", entry.ev.ID).
		Str("event_type", entry.ev.Type).
		Str("subscription_id", entry.subscriptionID).
		Logger()

	sub, ok := b.subscription(entry.subscriptionID)
	if !ok {
		log.Info().Msg("bus: subscription gone, dropping retry")
		return
	}

	err := invoke(ctx, sub.handler, entry.ev)
	if err == nil {
		b.metrics.BusRetry("succeeded")
		log.Info().Int("retry_count", entry.retryCount+1).Msg("bus: retry delivered")
		return
	}

	b.metrics.HandlerFailed(retry.Category(err))
	entry.retryCount++
	entry.lastError = err.Error()
	policy := sub.RetryPolicy
	if entry.retryCount >= policy.MaxRetries || !policy.IsRetryable(err) {
		b.metrics.BusRetry("dead_lettered")
		if _, dlqErr := b.handleFailed(ctx, entry.ev, sub.ID, err); dlqErr != nil {
			log.Error().Err(dlqErr).AnErr("handler_error", err).Msg("bus: dead-lettering failed")
			return
		}
		log.Warn().Err(err).Int("retry_count", entry.retryCount).Msg("bus: retries exhausted, event dead-lettered")
		return
	}

	entry.nextRetryAt = b.now().Add(policy.Delay(entry.retryCount))
	b.metrics.BusRetry("rescheduled")
	b.requeue(ctx, entry)
	log.Warn().Err(err).
		Int("retry_count", entry.retryCount).
		Time("next_retry_at", entry.nextRetryAt).
		Msg("bus: retry failed, rescheduled")
}
