package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/runfleet/agentrun/state"
)

func setupTestDB(t *testing.T, ctx context.Context) (*sql.DB, func()) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("ping db: %v", err)
	}

	store := state.NewStore(db)
	if err := store.ApplyMigrations(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("apply migrations: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE runs, events, checkpoints`); err != nil {
		_ = db.Close()
		t.Fatalf("truncate: %v", err)
	}
	if _, _, err := store.CreateRun(ctx, state.Run{
		ID:          "run-bus",
		AgentKey:    "echo",
		Input:       json.RawMessage(`{}`),
		MaxAttempts: 1,
	}); err != nil {
		_ = db.Close()
		t.Fatalf("create run: %v", err)
	}

	cleanup := func() {
		_, _ = db.ExecContext(ctx, `TRUNCATE runs, events, checkpoints`)
		_ = db.Close()
	}
	return db, cleanup
}

func TestDBBusPublishAndGetEvents(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t, ctx)
	defer cleanup()

	bus := NewDBBus(db, 0)

	for i := 0; i < 3; i++ {
		seq, err := bus.NextSeq(ctx, "run-bus")
		if err != nil {
			t.Fatalf("next seq: %v", err)
		}
		err = bus.Publish(ctx, state.Event{
			RunID:     "run-bus",
			Seq:       seq,
			Type:      "run.step",
			Payload:   json.RawMessage(`{}`),
			Timestamp: time.Now(),
		})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	events, err := bus.GetEvents(ctx, "run-bus", 0, nil)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Seq != i {
			t.Fatalf("expected seq %d at position %d, got %d", i, i, e.Seq)
		}
	}
}

func TestDBBusPublishDuplicateSeq(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t, ctx)
	defer cleanup()

	bus := NewDBBus(db, 0)
	event := state.Event{RunID: "run-bus", Seq: 0, Type: "run.started", Payload: json.RawMessage(`{}`), Timestamp: time.Now()}

	if err := bus.Publish(ctx, event); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := bus.Publish(ctx, event); err != ErrDuplicateSeq {
		t.Fatalf("expected ErrDuplicateSeq, got %v", err)
	}
}

func TestDBBusSubscribeStopsOnTerminalEvent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, cleanup := setupTestDB(t, ctx)
	defer cleanup()

	bus := NewDBBus(db, 20*time.Millisecond)

	events, stop, err := bus.Subscribe(ctx, "run-bus", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	go func() {
		_ = bus.Publish(ctx, state.Event{RunID: "run-bus", Seq: 0, Type: "run.started", Payload: json.RawMessage(`{}`), Timestamp: time.Now()})
		_ = bus.Publish(ctx, state.Event{RunID: "run-bus", Seq: 1, Type: "run.succeeded", Payload: json.RawMessage(`{}`), Timestamp: time.Now()})
	}()

	var seen []state.Event
	for e := range events {
		seen = append(seen, e)
	}

	if len(seen) != 2 {
		t.Fatalf("expected 2 events before channel close, got %d", len(seen))
	}
	if seen[1].Type != "run.succeeded" {
		t.Fatalf("expected terminal event last, got %s", seen[1].Type)
	}
}
