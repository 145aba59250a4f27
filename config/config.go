// Package config implements optional YAML config file loading layered
// underneath cmd/agentrund's flag/env settings surface. A config file is
// never required: every field is optional and only overrides a setting
// when present, so the file can specify as little or as much as needed.
package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v2"
)

// File mirrors the subset of cmd/agentrund's runtime settings that make
// sense to pin in a committed config file rather than per-process flags
// or env vars (secrets like database_url/redis_url are still expected to
// come from env, but can be overridden here for local development).
type File struct {
	DatabaseURL         *string  `yaml:"database_url"`
	Listen              *string  `yaml:"listen"`
	EventBusBackend     *string  `yaml:"event_bus_backend"`
	RedisURL            *string  `yaml:"redis_url"`
	LeaseTTLSeconds     *int     `yaml:"lease_ttl_seconds"`
	RunTimeoutSeconds   *int     `yaml:"run_timeout_seconds"`
	HeartbeatSeconds    *int     `yaml:"heartbeat_interval_seconds"`
	DefaultMaxAttempts  *int     `yaml:"default_max_attempts"`
	RetryBackoffBase    *float64 `yaml:"retry_backoff_base"`
	RetryBackoffMaxSecs *int     `yaml:"retry_backoff_max_seconds"`
	Concurrency         *int     `yaml:"concurrency"`
	EnableSSE           *bool    `yaml:"enable_sse"`
	SSEKeepaliveSeconds *int     `yaml:"sse_keepalive_seconds"`
	PersistTokenDeltas  *bool    `yaml:"persist_token_deltas"`
	ArtifactsS3Bucket   *string  `yaml:"artifacts_s3_bucket"`
	ArtifactsS3Prefix   *string  `yaml:"artifacts_s3_prefix"`
	ArtifactsS3Region   *string  `yaml:"artifacts_s3_region"`
}

// Load reads and parses a YAML config file. An empty path is not an
// error: it returns a zero-value File with every field unset, so callers
// can treat "no config file" and "empty config file" identically.
func Load(path string) (*File, error) {
	if path == "" {
		return &File{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &f, nil
}
