// Package api implements the Submission/Cancel/Stream API (C9): the
// external boundary that enqueues runs, requests cancellation, retrieves
// run records, and streams their event logs as server-sent events.
package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/google/uuid"

	"github.com/runfleet/agentrun/eventbus"
	"github.com/runfleet/agentrun/internal/observability"
	"github.com/runfleet/agentrun/state"
)

// AuthzHook mirrors conf.py's AUTHZ_HOOK: invoked after validation, before
// the run is created. Returning false refuses the submission with 403.
type AuthzHook func(ctx context.Context, req SubmitRequest) bool

// QuotaHook mirrors conf.py's QUOTA_HOOK. Returning false refuses the
// submission with 429.
type QuotaHook func(ctx context.Context, agentKey string) bool

// Config controls the behavior of the HTTP boundary.
type Config struct {
	MaxBodyBytes         int64
	EnableSSE            bool
	SSEKeepaliveInterval time.Duration
	SSEPollInterval      time.Duration
	DefaultMaxAttempts   int
	AuthzHook            AuthzHook
	QuotaHook            QuotaHook
}

var allowedRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
	"tool":      true,
}

var roleCaser = cases.Lower(language.Und)

// Message is one entry in a submitted conversation history.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// SubmitRequest is the Submission endpoint's request body.
type SubmitRequest struct {
	AgentKey       string          `json:"agent_key"`
	ConversationID *string         `json:"conversation_id,omitempty"`
	Messages       []Message       `json:"messages"`
	Params         json.RawMessage `json:"params,omitempty"`
	MaxAttempts    *int            `json:"max_attempts,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

func (req *SubmitRequest) validate() error {
	if req.AgentKey == "" {
		return errors.New("agent_key is required")
	}
	if len(req.Messages) == 0 {
		return errors.New("messages must be a non-empty array")
	}
	for i := range req.Messages {
		role := roleCaser.String(strings.TrimSpace(req.Messages[i].Role))
		if !allowedRoles[role] {
			return fmt.Errorf("messages[%d].role %q is not one of user, assistant, system, tool", i, req.Messages[i].Role)
		}
		req.Messages[i].Role = role
		if len(req.Messages[i].Content) == 0 {
			return fmt.Errorf("messages[%d].content is required", i)
		}
	}
	if req.MaxAttempts != nil && (*req.MaxAttempts < 1 || *req.MaxAttempts > 10) {
		return errors.New("max_attempts must be between 1 and 10")
	}
	if req.IdempotencyKey != nil && len(*req.IdempotencyKey) > 255 {
		return errors.New("idempotency_key must be at most 255 characters")
	}
	return nil
}

// NewHTTPHandler wires the submission, cancel, get, and stream endpoints.
func NewHTTPHandler(store *state.Store, bus eventbus.Bus, logger *slog.Logger, cfg Config) http.Handler {
	if logger == nil {
		logger = observability.NewLogger("api.http")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.SSEKeepaliveInterval <= 0 {
		cfg.SSEKeepaliveInterval = 15 * time.Second
	}
	if cfg.SSEPollInterval <= 0 {
		cfg.SSEPollInterval = 500 * time.Millisecond
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/runs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handleSubmit(w, r, store, cfg, logger)
	})

	mux.HandleFunc("/runs/", func(w http.ResponseWriter, r *http.Request) {
		runID, action, ok := parseRunPath(r.URL.Path)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		switch {
		case r.Method == http.MethodGet && action == "":
			handleGet(w, r, store, bus, runID)
		case r.Method == http.MethodGet && action == "events":
			handleStream(w, r, store, bus, runID, cfg, logger)
		case r.Method == http.MethodPost && action == "cancel":
			handleCancel(w, r, store, bus, runID, logger)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	return mux
}

func handleSubmit(w http.ResponseWriter, r *http.Request, store *state.Store, cfg Config, logger *slog.Logger) {
	var req SubmitRequest
	if err := decodeJSON(r, cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if cfg.AuthzHook != nil && !cfg.AuthzHook(r.Context(), req) {
		writeError(w, http.StatusForbidden, errors.New("not authorized to create this run"))
		return
	}
	if cfg.QuotaHook != nil && !cfg.QuotaHook(r.Context(), req.AgentKey) {
		writeError(w, http.StatusTooManyRequests, errors.New("quota exceeded"))
		return
	}

	input, err := json.Marshal(map[string]any{
		"messages": req.Messages,
		"params":   orEmptyObject(req.Params),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	maxAttempts := cfg.DefaultMaxAttempts
	if req.MaxAttempts != nil {
		maxAttempts = *req.MaxAttempts
	}

	run := state.Run{
		ID:             uuid.NewString(),
		AgentKey:       req.AgentKey,
		ConversationID: req.ConversationID,
		Input:          input,
		MaxAttempts:    maxAttempts,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       orEmptyObject(req.Metadata),
	}

	created, wasCreated, err := store.CreateRun(r.Context(), run)
	if err != nil {
		logger.Error("run creation failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	status := http.StatusOK
	if wasCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, created)
}

func handleCancel(w http.ResponseWriter, r *http.Request, store *state.Store, bus eventbus.Bus, runID string, logger *slog.Logger) {
	var body struct{}
	_ = decodeJSON(r, 1<<10, &body) // cancel takes no body; tolerate empty/absent

	run, err := store.RequestCancel(r.Context(), runID, sql.NullTime{Time: time.Now(), Valid: true})
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if state.IsTransitionError(err) {
			writeError(w, http.StatusBadRequest, errors.New("run is already complete"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	// RequestCancel short-circuits a still-QUEUED run straight to CANCELLED
	// without ever claiming it, so there is no live Runner/RunContext around
	// to emit the terminal event. Publish it here instead, so a stream opened
	// before the cancel still observes a terminal event and closes.
	if run.Status == state.RunStatusCancelled {
		if err := publishRunCancelled(r.Context(), bus, runID); err != nil {
			logger.Error("failed to publish run.cancelled for queued cancel", "run_id", runID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "cancellation_requested"})
}

func publishRunCancelled(ctx context.Context, bus eventbus.Bus, runID string) error {
	seq, err := bus.NextSeq(ctx, runID)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, state.Event{
		RunID:     runID,
		Seq:       seq,
		Type:      "run.cancelled",
		Payload:   json.RawMessage(`{}`),
		Timestamp: time.Now(),
	})
}

func handleGet(w http.ResponseWriter, r *http.Request, store *state.Store, bus eventbus.Bus, runID string) {
	run, err := store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	events, err := bus.GetEvents(r.Context(), runID, 0, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []state.Event{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run":    run,
		"events": events,
	})
}

func handleStream(w http.ResponseWriter, r *http.Request, store *state.Store, bus eventbus.Bus, runID string, cfg Config, logger *slog.Logger) {
	if !cfg.EnableSSE {
		writeError(w, http.StatusServiceUnavailable, errors.New("sse streaming is disabled"))
		return
	}

	if _, err := store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	fromSeq := 0
	if raw := r.URL.Query().Get("from_seq"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("from_seq must be a non-negative integer"))
			return
		}
		fromSeq = parsed
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	events, cancelSub, err := bus.Subscribe(r.Context(), runID, fromSeq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer cancelSub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(cfg.SSEKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				logger.Error("failed to marshal stream event", "run_id", runID, "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
			keepalive.Reset(cfg.SSEKeepaliveInterval)
			if state.TerminalEventTypes[event.Type] {
				return
			}
		}
	}
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

func parseRunPath(path string) (string, string, bool) {
	path = strings.TrimPrefix(path, "/runs/")
	path = strings.Trim(path, "/")
	parts := strings.Split(path, "/")
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return "", "", false
		}
		return parts[0], "", true
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return "", "", false
		}
		return parts[0], parts[1], true
	default:
		return "", "", false
	}
}

func decodeJSON(r *http.Request, maxBytes int64, target any) error {
	body, err := readBody(r, maxBytes)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

func readBody(r *http.Request, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(r.Body)
	}
	limit := maxBytes + 1
	body, err := io.ReadAll(io.LimitReader(r.Body, limit))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxBytes {
		return nil, errors.New("payload too large")
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
