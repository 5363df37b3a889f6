// Package stream wires the engine to its push triggers: redis pub/sub
// notifications of inserted load offers and of hunt plan changes. Matching
// never depends on a notification arriving; the periodic rematch pass
// covers anything the stream drops.
package stream

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/haulboard/loadhunt/internal/match"
)

const (
	offerChannelPrefix = "loadhunt:offers:"
	planChannelPrefix  = "loadhunt:plans:"
)

// OfferChannel returns the pub/sub channel for a tenant's offer inserts.
func OfferChannel(tenantID string) string { return offerChannelPrefix + tenantID }

// PlanChannel returns the pub/sub channel for a tenant's plan changes.
func PlanChannel(tenantID string) string { return planChannelPrefix + tenantID }

// OfferEvent announces one inserted load offer.
type OfferEvent struct {
	OfferID string `json:"offer_id"`
}

// PlanEvent announces one hunt plan change.
type PlanEvent struct {
	PlanID string `json:"plan_id"`
	Event  string `json:"event"` // enabled, disabled, updated, deleted
}

// Publisher emits offer and plan notifications.
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher creates a publisher on an existing redis client.
func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// Ping checks the redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// PublishOffer announces an inserted offer to the tenant's channel.
func (p *Publisher) PublishOffer(ctx context.Context, tenantID, offerID string) error {
	payload, err := json.Marshal(OfferEvent{OfferID: offerID})
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, OfferChannel(tenantID), payload).Err()
}

// PublishPlan announces a plan change to the tenant's channel.
func (p *Publisher) PublishPlan(ctx context.Context, tenantID, planID, event string) error {
	payload, err := json.Marshal(PlanEvent{PlanID: planID, Event: event})
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, PlanChannel(tenantID), payload).Err()
}

// Subscriber consumes offer and plan notifications and drives the engine.
type Subscriber struct {
	rdb     *redis.Client
	engine  *match.Engine
	tenants []string
}

// NewSubscriber creates a subscriber for the given tenants.
func NewSubscriber(rdb *redis.Client, eng *match.Engine, tenants []string) *Subscriber {
	return &Subscriber{rdb: rdb, engine: eng, tenants: tenants}
}

// Run subscribes and processes messages until the context is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	channels := make([]string, 0, 2*len(s.tenants))
	for _, t := range s.tenants {
		channels = append(channels, OfferChannel(t), PlanChannel(t))
	}

	sub := s.rdb.Subscribe(ctx, channels...)
	defer sub.Close()

	zap.L().Info("stream subscriber started", zap.Strings("channels", channels))
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, channel string, payload []byte) {
	switch {
	case strings.HasPrefix(channel, offerChannelPrefix):
		tenantID := strings.TrimPrefix(channel, offerChannelPrefix)
		var ev OfferEvent
		if err := json.Unmarshal(payload, &ev); err != nil || ev.OfferID == "" {
			zap.L().Warn("bad offer event", zap.String("channel", channel), zap.Error(err))
			return
		}
		if _, err := s.engine.ProcessOffer(ctx, tenantID, ev.OfferID); err != nil {
			zap.L().Error("offer pass failed",
				zap.String("tenant_id", tenantID),
				zap.String("offer_id", ev.OfferID),
				zap.Error(err))
		}

	case strings.HasPrefix(channel, planChannelPrefix):
		tenantID := strings.TrimPrefix(channel, planChannelPrefix)
		var ev PlanEvent
		if err := json.Unmarshal(payload, &ev); err != nil || ev.PlanID == "" {
			zap.L().Warn("bad plan event", zap.String("channel", channel), zap.Error(err))
			return
		}
		// Only a fresh enable needs immediate work (the backfill scan);
		// any other change is picked up on the next offer pass.
		if ev.Event == "enabled" {
			if _, err := s.engine.Backfill(ctx, tenantID, ev.PlanID); err != nil {
				zap.L().Error("backfill failed",
					zap.String("tenant_id", tenantID),
					zap.String("plan_id", ev.PlanID),
					zap.Error(err))
			}
		}
	}
}
