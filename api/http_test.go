package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/runfleet/agentrun/eventbus"
	"github.com/runfleet/agentrun/state"
)

func setupTestAPI(t *testing.T, ctx context.Context) (*state.Store, eventbus.Bus, func()) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
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

	bus := eventbus.NewDBBus(db, 20*time.Millisecond)
	cleanup := func() {
		_, _ = db.ExecContext(ctx, `TRUNCATE runs, events, checkpoints`)
		_ = db.Close()
	}
	return store, bus, cleanup
}

func TestSubmitValidatesMessages(t *testing.T) {
	store, bus, cleanup := setupTestAPI(t, context.Background())
	defer cleanup()

	handler := NewHTTPHandler(store, bus, nil, Config{})

	body := `{"agent_key": "echo"}`
	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing messages, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitCreatesRunAndNormalizesRole(t *testing.T) {
	store, bus, cleanup := setupTestAPI(t, context.Background())
	defer cleanup()

	handler := NewHTTPHandler(store, bus, nil, Config{})

	body := `{"agent_key": "echo", "messages": [{"role": "USER", "content": "hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var created state.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.Status != state.RunStatusQueued {
		t.Fatalf("expected QUEUED, got %s", created.Status)
	}

	var decoded struct {
		Messages []Message `json:"messages"`
	}
	if err := json.Unmarshal(created.Input, &decoded); err != nil {
		t.Fatalf("decode input: %v", err)
	}
	if len(decoded.Messages) != 1 || decoded.Messages[0].Role != "user" {
		t.Fatalf("expected normalized role 'user', got %+v", decoded.Messages)
	}
}

func TestSubmitIdempotentResubmitReturnsExisting(t *testing.T) {
	store, bus, cleanup := setupTestAPI(t, context.Background())
	defer cleanup()

	handler := NewHTTPHandler(store, bus, nil, Config{})
	body := `{"agent_key": "echo", "messages": [{"role": "user", "content": "hi"}], "idempotency_key": "abc"}`

	req1 := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBufferString(body))
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusCreated {
		t.Fatalf("expected 201 on first submit, got %d: %s", rec1.Code, rec1.Body.String())
	}
	var first state.Run
	_ = json.Unmarshal(rec1.Body.Bytes(), &first)

	req2 := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBufferString(body))
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 on idempotent resubmit, got %d: %s", rec2.Code, rec2.Body.String())
	}
	var second state.Run
	_ = json.Unmarshal(rec2.Body.Bytes(), &second)

	if first.ID != second.ID {
		t.Fatalf("expected same run id, got %s and %s", first.ID, second.ID)
	}
}

func TestSubmitAuthzHookDenies(t *testing.T) {
	store, bus, cleanup := setupTestAPI(t, context.Background())
	defer cleanup()

	handler := NewHTTPHandler(store, bus, nil, Config{
		AuthzHook: func(ctx context.Context, req SubmitRequest) bool { return false },
	})

	body := `{"agent_key": "echo", "messages": [{"role": "user", "content": "hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestSubmitQuotaHookDenies(t *testing.T) {
	store, bus, cleanup := setupTestAPI(t, context.Background())
	defer cleanup()

	handler := NewHTTPHandler(store, bus, nil, Config{
		QuotaHook: func(ctx context.Context, agentKey string) bool { return false },
	})

	body := `{"agent_key": "echo", "messages": [{"role": "user", "content": "hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestSubmitUsesConfiguredDefaultMaxAttempts(t *testing.T) {
	store, bus, cleanup := setupTestAPI(t, context.Background())
	defer cleanup()

	handler := NewHTTPHandler(store, bus, nil, Config{DefaultMaxAttempts: 7})

	body := `{"agent_key": "echo", "messages": [{"role": "user", "content": "hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var created state.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.MaxAttempts != 7 {
		t.Fatalf("expected max_attempts 7 from config default, got %d", created.MaxAttempts)
	}
}

func TestCancelQueuedRunShortCircuits(t *testing.T) {
	store, bus, cleanup := setupTestAPI(t, context.Background())
	defer cleanup()

	handler := NewHTTPHandler(store, bus, nil, Config{})

	body := `{"agent_key": "echo", "messages": [{"role": "user", "content": "hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var created state.Run
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	cancelReq := httptest.NewRequest(http.MethodPost, "/runs/"+created.ID+"/cancel", nil)
	cancelRec := httptest.NewRecorder()
	handler.ServeHTTP(cancelRec, cancelReq)
	if cancelRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", cancelRec.Code, cancelRec.Body.String())
	}

	got, err := store.GetRun(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != state.RunStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
}

func TestCancelQueuedRunEmitsRunCancelledEvent(t *testing.T) {
	store, bus, cleanup := setupTestAPI(t, context.Background())
	defer cleanup()

	handler := NewHTTPHandler(store, bus, nil, Config{})

	body := `{"agent_key": "echo", "messages": [{"role": "user", "content": "hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var created state.Run
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	cancelReq := httptest.NewRequest(http.MethodPost, "/runs/"+created.ID+"/cancel", nil)
	cancelRec := httptest.NewRecorder()
	handler.ServeHTTP(cancelRec, cancelReq)
	if cancelRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", cancelRec.Code, cancelRec.Body.String())
	}

	events, err := bus.GetEvents(context.Background(), created.ID, 0, nil)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 1 || events[0].Type != "run.cancelled" {
		t.Fatalf("expected exactly one run.cancelled event, got %+v", events)
	}
}

func TestCancelAlreadyTerminalRejected(t *testing.T) {
	store, bus, cleanup := setupTestAPI(t, context.Background())
	defer cleanup()

	handler := NewHTTPHandler(store, bus, nil, Config{})

	body := `{"agent_key": "echo", "messages": [{"role": "user", "content": "hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var created state.Run
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	cancelReq := httptest.NewRequest(http.MethodPost, "/runs/"+created.ID+"/cancel", nil)
	handler.ServeHTTP(httptest.NewRecorder(), cancelReq)

	again := httptest.NewRequest(http.MethodPost, "/runs/"+created.ID+"/cancel", nil)
	againRec := httptest.NewRecorder()
	handler.ServeHTTP(againRec, again)
	if againRec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for already-terminal cancel, got %d", againRec.Code)
	}
}

func TestGetUnknownRunReturns404(t *testing.T) {
	store, bus, cleanup := setupTestAPI(t, context.Background())
	defer cleanup()

	handler := NewHTTPHandler(store, bus, nil, Config{})
	req := httptest.NewRequest(http.MethodGet, "/runs/does-not-exist", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStreamDisabledReturns503(t *testing.T) {
	store, bus, cleanup := setupTestAPI(t, context.Background())
	defer cleanup()

	handler := NewHTTPHandler(store, bus, nil, Config{EnableSSE: false})

	body := `{"agent_key": "echo", "messages": [{"role": "user", "content": "hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var created state.Run
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	streamReq := httptest.NewRequest(http.MethodGet, "/runs/"+created.ID+"/events", nil)
	streamRec := httptest.NewRecorder()
	handler.ServeHTTP(streamRec, streamReq)

	if streamRec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", streamRec.Code)
	}
}
