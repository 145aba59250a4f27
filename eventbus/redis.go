package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/runfleet/agentrun/state"
)

// RedisBus is the pub/sub-backed Event Bus implementation. Publishes are
// persisted to the Event Store (via db) and also fanned out on a per-run
// Redis channel so live subscribers do not need to poll. Subscribe opens
// the live subscription before issuing the replay query, per the gap-
// avoidance rule: a subscriber must never miss an event published between
// the replay read and the live subscribe.
type RedisBus struct {
	db     *DBBus
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBus constructs a pub/sub event bus layered over a DB-backed
// store of record.
func NewRedisBus(db *DBBus, client *redis.Client, ttl time.Duration) *RedisBus {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &RedisBus{db: db, client: client, ttl: ttl}
}

func channelName(runID string) string {
	return fmt.Sprintf("agentrun:events:%s", runID)
}

func (b *RedisBus) NextSeq(ctx context.Context, runID string) (int, error) {
	return b.db.NextSeq(ctx, runID)
}

// Publish persists the event via the DB store, then publishes it on the
// run's channel for live subscribers. Token-delta-style events that are
// not meant to be persisted should be published via PublishTransient
// instead.
func (b *RedisBus) Publish(ctx context.Context, event state.Event) error {
	if err := b.db.Publish(ctx, event); err != nil {
		return err
	}
	return b.publishToChannel(ctx, event)
}

// PublishTransient publishes an event to the live channel only, without
// persisting it to the Event Store. Used for high-volume events (e.g.
// token deltas) when persist_token_deltas is disabled.
func (b *RedisBus) PublishTransient(ctx context.Context, event state.Event) error {
	return b.publishToChannel(ctx, event)
}

func (b *RedisBus) publishToChannel(ctx context.Context, event state.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channelName(event.RunID), data).Err()
}

func (b *RedisBus) GetEvents(ctx context.Context, runID string, fromSeq int, toSeq *int) ([]state.Event, error) {
	return b.db.GetEvents(ctx, runID, fromSeq, toSeq)
}

func (b *RedisBus) Subscribe(ctx context.Context, runID string, fromSeq int) (<-chan state.Event, func(), error) {
	pubsub := b.client.Subscribe(ctx, channelName(runID))
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, nil, err
	}

	// Replay query happens only after the live subscription is active, so
	// any event published in between is captured by the channel instead
	// of being lost to the gap between "read upper bound" and "subscribe".
	replay, err := b.db.GetEvents(ctx, runID, fromSeq, nil)
	if err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan state.Event, 32)
	subCtx, cancel := context.WithCancel(ctx)
	stop := func() {
		cancel()
		_ = pubsub.Close()
	}

	go func() {
		defer close(out)

		cursor := fromSeq
		for _, e := range replay {
			select {
			case out <- e:
			case <-subCtx.Done():
				return
			}
			cursor = e.Seq + 1
			if isTerminal(e.Type) {
				return
			}
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var e state.Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					continue
				}
				// Skip anything already delivered by the replay phase;
				// the channel may have been live before fromSeq too.
				if e.Seq < cursor {
					continue
				}
				select {
				case out <- e:
				case <-subCtx.Done():
					return
				}
				cursor = e.Seq + 1
				if isTerminal(e.Type) {
					return
				}
			}
		}
	}()

	return out, stop, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
