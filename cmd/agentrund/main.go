package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/runfleet/agentrun/agent"
	"github.com/runfleet/agentrun/api"
	"github.com/runfleet/agentrun/artifacts"
	"github.com/runfleet/agentrun/config"
	"github.com/runfleet/agentrun/eventbus"
	"github.com/runfleet/agentrun/internal/observability"
	"github.com/runfleet/agentrun/runner"
	"github.com/runfleet/agentrun/state"
	"github.com/runfleet/agentrun/worker"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "serve failed: %v\n", err)
			os.Exit(1)
		}
	case "worker":
		if err := runWorker(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "worker failed: %v\n", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: agentrund <serve|worker> [flags]")
}

// runtimeSettings mirrors conf.py's AgentRuntimeSettings: a flat struct
// of env-overridable knobs shared by both subcommands, rather than a
// namespaced settings object mutated after startup.
type runtimeSettings struct {
	DatabaseURL         string
	Listen              string
	EventBusBackend     string
	RedisURL            string
	LeaseTTL            time.Duration
	RunTimeout          time.Duration
	HeartbeatInterval   time.Duration
	DefaultMaxAttempts  int
	RetryBackoffBase    float64
	RetryBackoffMax     time.Duration
	Concurrency         int
	EnableSSE           bool
	SSEKeepalive        time.Duration
	PersistTokenDeltas  bool
	S3Bucket            string
	S3Prefix            string
	S3Region            string
}

// loadFileConfig reads the optional YAML config file named by
// CONFIG_FILE, if set. Its values sit under env vars and flags in the
// settings precedence (lowest wins last): built-in default < config
// file < env var < flag.
func loadFileConfig() (*config.File, error) {
	return config.Load(os.Getenv("CONFIG_FILE"))
}

func addSettingsFlags(flags *flag.FlagSet) *runtimeSettings {
	fc, err := loadFileConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v; ignoring config file\n", err)
		fc = &config.File{}
	}

	s := &runtimeSettings{
		DatabaseURL:        envOr("DATABASE_URL", strDefault(fc.DatabaseURL, "")),
		Listen:             envOr("LISTEN_ADDR", strDefault(fc.Listen, ":8080")),
		EventBusBackend:    envOr("EVENT_BUS_BACKEND", strDefault(fc.EventBusBackend, "db")),
		RedisURL:           envOr("REDIS_URL", strDefault(fc.RedisURL, "")),
		LeaseTTL:           envSeconds("LEASE_TTL_SECONDS", intDefault(fc.LeaseTTLSeconds, 30)),
		RunTimeout:         envSeconds("RUN_TIMEOUT_SECONDS", intDefault(fc.RunTimeoutSeconds, 900)),
		HeartbeatInterval:  envSeconds("HEARTBEAT_INTERVAL_SECONDS", intDefault(fc.HeartbeatSeconds, 10)),
		DefaultMaxAttempts: envIntOr("DEFAULT_MAX_ATTEMPTS", intDefault(fc.DefaultMaxAttempts, 3)),
		RetryBackoffBase:   envFloatOr("RETRY_BACKOFF_BASE", floatDefault(fc.RetryBackoffBase, 2.0)),
		RetryBackoffMax:    envSeconds("RETRY_BACKOFF_MAX", intDefault(fc.RetryBackoffMaxSecs, 300)),
		Concurrency:        envIntOr("DEFAULT_CONCURRENCY", intDefault(fc.Concurrency, 10)),
		EnableSSE:          envBoolOr("ENABLE_SSE", boolDefault(fc.EnableSSE, true)),
		SSEKeepalive:       envSeconds("SSE_KEEPALIVE_SECONDS", intDefault(fc.SSEKeepaliveSeconds, 15)),
		PersistTokenDeltas: envBoolOr("PERSIST_TOKEN_DELTAS", boolDefault(fc.PersistTokenDeltas, false)),
		S3Bucket:           envOr("ARTIFACTS_S3_BUCKET", strDefault(fc.ArtifactsS3Bucket, "")),
		S3Prefix:           envOr("ARTIFACTS_S3_PREFIX", strDefault(fc.ArtifactsS3Prefix, "")),
		S3Region:           envOr("ARTIFACTS_S3_REGION", strDefault(fc.ArtifactsS3Region, "")),
	}

	flags.StringVar(&s.DatabaseURL, "database-url", s.DatabaseURL, "Postgres DSN")
	flags.StringVar(&s.Listen, "listen", s.Listen, "Listen address")
	flags.StringVar(&s.EventBusBackend, "event-bus-backend", s.EventBusBackend, "Event bus backend: db|redis")
	flags.StringVar(&s.RedisURL, "redis-url", s.RedisURL, "Redis URL, required when event-bus-backend=redis")
	flags.DurationVar(&s.LeaseTTL, "lease-ttl", s.LeaseTTL, "Lease duration granted on claim")
	flags.DurationVar(&s.RunTimeout, "run-timeout", s.RunTimeout, "Per-run wall clock timeout")
	flags.DurationVar(&s.HeartbeatInterval, "heartbeat-interval", s.HeartbeatInterval, "Lease heartbeat interval")
	flags.IntVar(&s.DefaultMaxAttempts, "default-max-attempts", s.DefaultMaxAttempts, "Default max_attempts for submissions that omit it")
	flags.Float64Var(&s.RetryBackoffBase, "retry-backoff-base", s.RetryBackoffBase, "Exponential retry backoff base")
	flags.DurationVar(&s.RetryBackoffMax, "retry-backoff-max", s.RetryBackoffMax, "Retry backoff ceiling")
	flags.IntVar(&s.Concurrency, "concurrency", s.Concurrency, "Max concurrent in-flight runs per worker process")
	flags.BoolVar(&s.EnableSSE, "enable-sse", s.EnableSSE, "Enable the event stream endpoint")
	flags.DurationVar(&s.SSEKeepalive, "sse-keepalive", s.SSEKeepalive, "SSE keepalive comment interval")
	flags.BoolVar(&s.PersistTokenDeltas, "persist-token-deltas", s.PersistTokenDeltas, "Persist high-volume transient events instead of publishing them transiently")
	flags.StringVar(&s.S3Bucket, "s3-bucket", s.S3Bucket, "S3 bucket for artifact uploads (leave empty to disable upload)")
	flags.StringVar(&s.S3Prefix, "s3-prefix", s.S3Prefix, "S3 key prefix for artifact uploads")
	flags.StringVar(&s.S3Region, "s3-region", s.S3Region, "S3 region for artifact uploads")
	return s
}

func strDefault(v *string, fallback string) string {
	if v != nil {
		return *v
	}
	return fallback
}

func intDefault(v *int, fallback int) int {
	if v != nil {
		return *v
	}
	return fallback
}

func floatDefault(v *float64, fallback float64) float64 {
	if v != nil {
		return *v
	}
	return fallback
}

func boolDefault(v *bool, fallback bool) bool {
	if v != nil {
		return *v
	}
	return fallback
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func envIntOr(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func envFloatOr(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func envBoolOr(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func envSeconds(name string, fallbackSeconds int) time.Duration {
	return time.Duration(envIntOr(name, fallbackSeconds)) * time.Second
}

func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

func openEventBus(ctx context.Context, db *sql.DB, settings *runtimeSettings) (eventbus.Bus, error) {
	switch settings.EventBusBackend {
	case "db":
		return eventbus.NewDBBus(db, 500*time.Millisecond), nil
	case "redis":
		if settings.RedisURL == "" {
			return nil, errors.New("redis-url is required when event-bus-backend=redis")
		}
		opts, err := redis.ParseURL(settings.RedisURL)
		if err != nil {
			return nil, err
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		dbBus := eventbus.NewDBBus(db, 500*time.Millisecond)
		return eventbus.NewRedisBus(dbBus, client, 6*time.Hour), nil
	default:
		return nil, fmt.Errorf("event-bus-backend must be one of db, redis, got %s", settings.EventBusBackend)
	}
}

func runServe(args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	settings := addSettingsFlags(flags)
	_ = flags.Parse(args)

	if settings.DatabaseURL == "" {
		return errors.New("database-url or DATABASE_URL required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB(ctx, settings.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	store := state.NewStore(db)
	if err := store.ApplyMigrations(ctx); err != nil {
		return err
	}

	bus, err := openEventBus(ctx, db, settings)
	if err != nil {
		return err
	}
	defer bus.Close()

	handler := api.NewHTTPHandler(store, bus, observability.NewLogger("api.http"), api.Config{
		EnableSSE:            settings.EnableSSE,
		SSEKeepaliveInterval: settings.SSEKeepalive,
		DefaultMaxAttempts:   settings.DefaultMaxAttempts,
		// AuthzHook and QuotaHook have no Go equivalent of conf.py's
		// dotted-path callables; an embedding program wires its own
		// functions here before calling runServe's equivalent wiring.
	})

	server := &http.Server{
		Addr:              settings.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger := observability.NewLogger("api")
	logger.Info("api server starting", "listen", settings.Listen, "event_bus_backend", settings.EventBusBackend)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runWorker(args []string) error {
	flags := flag.NewFlagSet("worker", flag.ExitOnError)
	settings := addSettingsFlags(flags)
	workerID := flags.String("worker-id", defaultWorkerID(), "Worker identity stamped on claimed leases")
	reaperInterval := flags.Duration("reaper-interval", 5*time.Second, "Expired-lease sweep interval")
	reaperBatch := flags.Int("reaper-batch", 25, "Max leases reaped per sweep")
	_ = flags.Parse(args)

	if settings.DatabaseURL == "" {
		return errors.New("database-url or DATABASE_URL required")
	}
	if *workerID == "" {
		return errors.New("worker-id required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB(ctx, settings.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	store := state.NewStore(db)
	if err := store.ApplyMigrations(ctx); err != nil {
		return err
	}

	bus, err := openEventBus(ctx, db, settings)
	if err != nil {
		return err
	}
	defer bus.Close()

	// No agent callbacks ship with this binary; an embedding program
	// registers its own before this point (agent.Registry.Register).
	registry := agent.NewRegistry()

	logger := observability.NewLogger("worker")
	metrics := observability.NewMetrics(nil)

	r := runner.New(*workerID, store, bus, registry, runner.Config{
		RunTimeout:          settings.RunTimeout,
		HeartbeatInterval:   settings.HeartbeatInterval,
		LeaseTTL:            settings.LeaseTTL,
		CancelCheckInterval: time.Second,
		RetryBackoffBase:    settings.RetryBackoffBase,
		RetryBackoffMax:     settings.RetryBackoffMax,
		PersistTokenDeltas:  settings.PersistTokenDeltas,
	}, logger).WithMetrics(metrics)

	if settings.S3Bucket != "" {
		uploader, err := artifacts.NewS3Uploader(ctx, artifacts.S3Config{
			Bucket: settings.S3Bucket,
			Prefix: settings.S3Prefix,
			Region: settings.S3Region,
		})
		if err != nil {
			return err
		}
		r = r.WithArtifactUploader(uploader)
	}

	loop := worker.New(store, r, worker.Config{
		WorkerID:       *workerID,
		Concurrency:    settings.Concurrency,
		PollInterval:   500 * time.Millisecond,
		ReaperInterval: *reaperInterval,
		ReaperBatch:    *reaperBatch,
		LeaseTTL:       settings.LeaseTTL,
	}, logger).WithMetrics(metrics)

	logger.Info("worker loop starting", "worker_id", *workerID, "concurrency", settings.Concurrency)
	return loop.Run(ctx)
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return fmt.Sprintf("worker-%d", os.Getpid())
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
