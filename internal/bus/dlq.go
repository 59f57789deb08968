package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/orchestrator/internal/event"
	"github.com/gyaneshwarpardhi/orchestrator/internal/retry"
	"github.com/gyaneshwarpardhi/orchestrator/internal/store"
)

// HandleFailedEvent dead-letters e with the failure that stopped it.
func (b *Bus) HandleFailedEvent(ctx context.Context, e *event.Event, cause error) (*DLQResult, error) {
	if e == nil {
		return nil, &event.ValidationError{Field: "event"}
	}
	return b.handleFailed(ctx, e, "", cause)
}

func (b *Bus) handleFailed(ctx context.Context, e *event.Event, subscriptionID string, cause error) (*DLQResult, error) {
	now := b.now().UTC()
	msg := &DLQMessage{
		ID:            uuid.NewString(),
		OriginalEvent: e,
		Error: DLQError{
			Message:   errText(cause),
			Code:      retry.Code(cause),
			Timestamp: now,
		},
		MaxRetries:     MaxRetriesFor(e.Priority()),
		NextRetryAt:    now.Add(b.cfg.DefaultRetry.Delay(0)),
		Priority:       e.Priority(),
		CreatedAt:      now,
		EventType:      e.Type,
		SubscriptionID: subscriptionID,
	}
	if err := b.store.Put(ctx, DLQCollection, msg.ID, msg); err != nil {
		return nil, fmt.Errorf("bus: persist dlq message for event %s: %w", e.ID, err)
	}
	return &DLQResult{MessageID: msg.ID, Status: DLQQueued}, nil
}

// GetDLQMessages lists dead-lettered messages matching f, oldest first.
func (b *Bus) GetDLQMessages(ctx context.Context, f DLQFilter) ([]DLQMessage, error) {
	rows, err := b.store.Query(ctx, DLQCollection, f.query())
	if err != nil {
		return nil, fmt.Errorf("bus: query dlq: %w", err)
	}
	out := make([]DLQMessage, 0, len(rows))
	for _, raw := range rows {
		var m DLQMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			b.logger.Warn().Err(err).Bool("anomaly", true).Msg("bus: skipping undecodable dlq message")
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// DLQStats counts dead-lettered messages per event type.
func (b *Bus) DLQStats(ctx context.Context) (map[string]int, error) {
	msgs, err := b.GetDLQMessages(ctx, DLQFilter{})
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, m := range msgs {
		out[m.EventType]++
	}
	b.metrics.SetDLQSize(len(msgs))
	return out, nil
}

// ReprocessDLQEvents redelivers every message matching f. A success removes
// the message; a failure bumps retryCount and reschedules it, or discards it
// once retryCount reaches maxRetries. Redeliveries are paced by the bus rate
// limiter.
func (b *Bus) ReprocessDLQEvents(ctx context.Context, f DLQFilter) (*ReprocessResult, error) {
	msgs, err := b.GetDLQMessages(ctx, f)
	if err != nil {
		return nil, err
	}
	res := &ReprocessResult{}
	for i := range msgs {
		if err := b.limiter.Wait(ctx); err != nil {
			return res, fmt.Errorf("bus: reprocess interrupted after %d messages: %w", res.Processed, err)
		}
		b.reprocessOne(ctx, &msgs[i], res)
	}
	if res.Processed > 0 {
		b.logger.Info().
			Int("processed", res.Processed).
			Int("succeeded", res.Succeeded).
			Int("failed", res.Failed).
			Int("discarded", res.Discarded).
			Msg("bus: dlq reprocessed")
	}
	return res, nil
}

// SweepDLQ reprocesses messages whose nextRetryAt has passed and refreshes
// the DLQ size gauge.
func (b *Bus) SweepDLQ(ctx context.Context) (*ReprocessResult, error) {
	now := b.now().UTC()
	res, err := b.ReprocessDLQEvents(ctx, DLQFilter{DueBefore: &now})
	if err != nil {
		return res, err
	}
	if _, err := b.DLQStats(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("bus: dlq stats refresh failed")
	}
	return res, nil
}

func (b *Bus) reprocessOne(ctx context.Context, m *DLQMessage, res *ReprocessResult) {
	res.Processed++
	log := b.logger.With().Str("dlq_id", m.ID).Str("event_type", m.EventType).Logger()
	if m.OriginalEvent == nil {
		res.Discarded++
		res.Errors = append(res.Errors, fmt.Sprintf("%s: no original event", m.ID))
		log.Error().Bool("anomaly", true).Msg("bus: dlq message without event discarded")
		_ = b.store.Delete(ctx, DLQCollection, m.ID)
		return
	}

	err := b.redeliver(ctx, m)
	if err == nil {
		if delErr := b.store.Delete(ctx, DLQCollection, m.ID); delErr != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", m.ID, delErr))
			log.Error().Err(delErr).Msg("bus: redelivered but dlq removal failed")
		}
		res.Succeeded++
		b.metrics.DLQReprocessed("succeeded")
		return
	}

	m.RetryCount++
	now := b.now().UTC()
	m.Error = DLQError{Message: err.Error(), Code: retry.Code(err), Timestamp: now}
	res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", m.ID, err))

	if m.RetryCount >= m.MaxRetries {
		res.Discarded++
		b.metrics.DLQReprocessed("discarded")
		if delErr := b.store.Delete(ctx, DLQCollection, m.ID); delErr != nil {
			log.Error().Err(delErr).Msg("bus: dlq discard failed")
		}
		log.Error().Err(err).
			Str("event_id", m.OriginalEvent.ID).
			Str("correlation_id", m.OriginalEvent.CorrelationID).
			Int("retry_count", m.RetryCount).
			Int("max_retries", m.MaxRetries).
			Msg("bus: dlq retries exhausted, message discarded")
		return
	}

	res.Failed++
	b.metrics.DLQReprocessed("failed")
	m.NextRetryAt = now.Add(b.cfg.DefaultRetry.Delay(m.RetryCount))
	if putErr := b.store.Put(ctx, DLQCollection, m.ID, m); putErr != nil {
		log.Error().Err(putErr).Msg("bus: dlq update failed")
	}
}

// redeliver hands the original event to the subscription that failed it, or
// to every active subscription of the type when that one is gone.
func (b *Bus) redeliver(ctx context.Context, m *DLQMessage) error {
	e := m.OriginalEvent
	if m.SubscriptionID != "" {
		if sub, ok := b.subscription(m.SubscriptionID); ok {
			return invoke(ctx, sub.handler, e)
		}
	}
	subs := b.activeSubs(e.Type)
	var errs []error
	for i, err := range b.invokeAll(ctx, e, subs) {
		if err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", subs[i].ID, err))
		}
	}
	return errors.Join(errs...)
}

func (f DLQFilter) query() store.Query {
	var q store.Query
	if f.EventType != "" {
		q = q.And("eventType", store.OpEq, f.EventType)
	}
	if f.MinRetryCount != nil {
		q = q.And("retryCount", store.OpGte, *f.MinRetryCount)
	}
	if f.MaxRetryCount != nil {
		q = q.And("retryCount", store.OpLte, *f.MaxRetryCount)
	}
	if f.CreatedAfter != nil {
		q = q.And("createdAt", store.OpGte, f.CreatedAfter.UTC())
	}
	if f.CreatedBefore != nil {
		q = q.And("createdAt", store.OpLte, f.CreatedBefore.UTC())
	}
	if f.DueBefore != nil {
		q = q.And("nextRetryAt", store.OpLte, f.DueBefore.UTC())
	}
	q.OrderBy = &store.Order{Field: "createdAt"}
	q.Limit = f.Limit
	return q
}

func errText(err error) string {
	if err == nil {
		return "unknown failure"
	}
	return err.Error()
}
