package ringbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// subscriberBuffer bounds how far a slow session may fall behind before
// events are dropped. Dropped events are tolerable: the stale-call reaper is
// the forward-progress fallback when notifications are lost.
const subscriberBuffer = 32

// RedisBus implements Bus over redis pub/sub, one channel per organization.
// Events carry their addressing, so filtering happens subscriber-side.
type RedisBus struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisBus(rdb *redis.Client, log *slog.Logger) *RedisBus {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{rdb: rdb, log: log}
}

func channelFor(orgID string) string { return "ringbus:" + orgID }

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	if ev.OrganizationID == "" {
		return fmt.Errorf("ringbus: organization_id required")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channelFor(ev.OrganizationID), payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, orgID, agentID string) (<-chan Event, func(), error) {
	if orgID == "" || agentID == "" {
		return nil, nil, fmt.Errorf("ringbus: org and agent ids required")
	}

	ps := b.rdb.Subscribe(ctx, channelFor(orgID))
	// Force the subscription to be established before returning, so a
	// ringing event published right after Subscribe cannot be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, err
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn("ringbus payload decode failed", "err", err)
				continue
			}
			if !ev.Addressed(agentID) {
				continue
			}
			select {
			case out <- ev:
			default:
				b.log.Warn("ringbus subscriber lagging, event dropped",
					"agent_id", agentID, "call_id", ev.CallID, "event_type", ev.Type)
			}
		}
	}()

	cancel := func() { _ = ps.Close() }
	return out, cancel, nil
}
