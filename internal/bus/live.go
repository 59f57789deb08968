package bus

import (
	"context"
	"encoding/json"

	"github.com/gyaneshwarpardhi/orchestrator/internal/event"
)

// onLiveEvent receives events mirrored to the notify channel. Events this
// process published itself were already delivered by Publish.
func (b *Bus) onLiveEvent(sub *subscription, key string, value json.RawMessage) {
	if b.isLocal(key) {
		return
	}
	var e event.Event
	if err := json.Unmarshal(value, &e); err != nil {
		b.logger.Warn().Err(err).Str("event_id", key).Str("subscription_id", sub.ID).Msg("bus: undecodable live event")
		return
	}
	if err := e.Validate(); err != nil {
		b.logger.Warn().Err(err).Str("event_id", key).Msg("bus: invalid live event")
		return
	}
	if !b.pool.Submit(delivery{sub: sub, ev: &e}) {
		b.metrics.DeliveryDropped()
		b.logger.Warn().Str("event_id", e.ID).Str("event_type", e.Type).Str("subscription_id", sub.ID).
			Msg("bus: delivery queue full, live event dropped")
		return
	}
	b.metrics.SetDeliveryUtilization(b.pool.Utilization())
}

func (b *Bus) deliverLive(ctx context.Context, d delivery) {
	if _, ok := b.subscription(d.sub.ID); !ok {
		return
	}
	if err := invoke(ctx, d.sub.handler, d.ev); err != nil {
		b.routeFailure(ctx, d.sub, d.ev, err)
	}
}
