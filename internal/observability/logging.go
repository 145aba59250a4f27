package observability

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
)

// NewLogger returns a JSON logger with a component field attached.
func NewLogger(component string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

func WithRun(logger *slog.Logger, runID string) *slog.Logger {
	if logger == nil || runID == "" {
		return logger
	}
	return logger.With("run_id", runID)
}

// WithLease attaches a hashed lease-owner field so worker identifiers
// don't leak verbatim into logs aggregated across workers.
func WithLease(logger *slog.Logger, leaseOwner string) *slog.Logger {
	if logger == nil || leaseOwner == "" {
		return logger
	}
	return logger.With("lease_owner_hash", hashLeaseOwner(leaseOwner))
}

func hashLeaseOwner(leaseOwner string) string {
	sum := sha256.Sum256([]byte(leaseOwner))
	return hex.EncodeToString(sum[:8])
}
