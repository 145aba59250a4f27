package eventbus

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/runfleet/agentrun/state"
)

func setupTestRedisBus(t *testing.T, ctx context.Context) (*RedisBus, func()) {
	t.Helper()
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set")
	}

	db, dbCleanup := setupTestDB(t, ctx)

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		dbCleanup()
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		dbCleanup()
		t.Skipf("redis unreachable: %v", err)
	}

	bus := NewRedisBus(NewDBBus(db, 20*time.Millisecond), client, time.Hour)
	cleanup := func() {
		_ = client.Close()
		dbCleanup()
	}
	return bus, cleanup
}

// TestRedisBusSubscribeAvoidsGapBetweenReplayAndLive publishes one event
// persisted before Subscribe is called (so it must come back via replay)
// and one published only after Subscribe has returned (so it must come
// back via the live channel), and asserts both are delivered exactly
// once, in seq order, with nothing lost or duplicated.
func TestRedisBusSubscribeAvoidsGapBetweenReplayAndLive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus, cleanup := setupTestRedisBus(t, ctx)
	defer cleanup()

	if err := bus.Publish(ctx, state.Event{RunID: "run-bus", Seq: 0, Type: "run.started", Payload: json.RawMessage(`{}`), Timestamp: time.Now()}); err != nil {
		t.Fatalf("publish seq 0: %v", err)
	}

	events, stop, err := bus.Subscribe(ctx, "run-bus", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	if err := bus.Publish(ctx, state.Event{RunID: "run-bus", Seq: 1, Type: "run.succeeded", Payload: json.RawMessage(`{}`), Timestamp: time.Now()}); err != nil {
		t.Fatalf("publish seq 1: %v", err)
	}

	var seen []state.Event
	for e := range events {
		seen = append(seen, e)
	}

	if len(seen) != 2 {
		t.Fatalf("expected exactly 2 events (1 replayed, 1 live), got %d: %+v", len(seen), seen)
	}
	if seen[0].Seq != 0 || seen[1].Seq != 1 {
		t.Fatalf("expected seq order [0,1], got [%d,%d]", seen[0].Seq, seen[1].Seq)
	}
	if seen[1].Type != "run.succeeded" {
		t.Fatalf("expected terminal event last, got %s", seen[1].Type)
	}
}

// TestRedisBusPublishTransientSkipsPersistence confirms PublishTransient
// reaches a live subscriber without ever landing in the Event Store, so
// a subsequent replay-only read (GetEvents) does not see it.
func TestRedisBusPublishTransientSkipsPersistence(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus, cleanup := setupTestRedisBus(t, ctx)
	defer cleanup()

	events, stop, err := bus.Subscribe(ctx, "run-bus", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	transient := state.Event{RunID: "run-bus", Seq: 0, Type: "token.delta", Payload: json.RawMessage(`{"text":"hi"}`), Timestamp: time.Now()}
	if err := bus.PublishTransient(ctx, transient); err != nil {
		t.Fatalf("publish transient: %v", err)
	}

	select {
	case e := <-events:
		if e.Type != "token.delta" {
			t.Fatalf("expected token.delta on live channel, got %s", e.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transient event")
	}

	persisted, err := bus.GetEvents(ctx, "run-bus", 0, nil)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(persisted) != 0 {
		t.Fatalf("expected transient event to never be persisted, got %+v", persisted)
	}
}
