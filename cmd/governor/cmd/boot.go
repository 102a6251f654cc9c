package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Sentinel-Gate/governor/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/governor/internal/adapter/outbound/audit"
	"github.com/Sentinel-Gate/governor/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/governor/internal/adapter/outbound/redisstore"
	"github.com/Sentinel-Gate/governor/internal/adapter/outbound/rulesource"
	"github.com/Sentinel-Gate/governor/internal/adapter/outbound/sqlstore"
	"github.com/Sentinel-Gate/governor/internal/adapter/outbound/state"
	"github.com/Sentinel-Gate/governor/internal/adapter/outbound/telemetry"
	"github.com/Sentinel-Gate/governor/internal/config"
	"github.com/Sentinel-Gate/governor/internal/domain/identity"
	"github.com/Sentinel-Gate/governor/internal/domain/ledger"
	"github.com/Sentinel-Gate/governor/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/governor/internal/domain/replay"
	"github.com/Sentinel-Gate/governor/internal/service"
)

// loadConfig reads configuration, applies CLI overrides and validates.
// Validation runs last so flags are checked like file values.
func loadConfig(dev bool, override func(*config.GovernorConfig)) (*config.GovernorConfig, error) {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dev {
		cfg.DevMode = true
	}
	if override != nil {
		override(cfg)
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// newLogger writes text logs to stderr. stdout is reserved for command output.
func newLogger(cfg *config.GovernorConfig) *slog.Logger {
	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "effective", logLevel.String())
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}
	return logger
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openLedgerStore opens the configured ledger backend.
func openLedgerStore(ctx context.Context, cfg config.LedgerConfig, logger *slog.Logger) (ledger.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.NewLedgerStore(), nil
	case config.BackendFile:
		return audit.NewFileLedgerStore(audit.LedgerFileConfig{
			Dir:           cfg.Path,
			MaxFileSizeMB: cfg.MaxFileSizeMB,
		}, logger)
	case config.BackendSQLite:
		db, err := sqlstore.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return initSQLLedger(ctx, sqlstore.NewLedgerStore(db, sqlstore.SQLite).OwnDB())
	case config.BackendPostgres:
		db, err := sqlstore.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return initSQLLedger(ctx, sqlstore.NewLedgerStore(db, sqlstore.Postgres).OwnDB())
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

func initSQLLedger(ctx context.Context, store *sqlstore.LedgerStore) (ledger.Store, error) {
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// newSigner builds the ledger signer from the secret named by cfg.SecretEnv.
// In dev mode a missing secret is replaced by an ephemeral one.
func newSigner(cfg config.LedgerConfig, dev bool, logger *slog.Logger) (ledger.Signer, error) {
	secret := os.Getenv(cfg.SecretEnv)
	if secret == "" {
		if !dev {
			return nil, fmt.Errorf("ledger secret not set: export %s", cfg.SecretEnv)
		}
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate dev secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
		logger.Warn("using ephemeral ledger secret, entries will not verify after restart",
			"env", cfg.SecretEnv,
		)
	}

	switch cfg.SigningAlg {
	case "ed25519":
		seed, err := hex.DecodeString(strings.TrimSpace(secret))
		if err != nil {
			return nil, fmt.Errorf("%s must hold a hex ed25519 seed: %w", cfg.SecretEnv, err)
		}
		return ledger.NewEd25519Signer(cfg.KeyID, seed)
	default:
		// The key id salts the derivation so distinct ledger keys never collide.
		return ledger.NewHMACSigner(cfg.KeyID, []byte(secret), []byte(cfg.KeyID))
	}
}

// openReplayGuard opens the configured nonce store.
func openReplayGuard(ctx context.Context, cfg config.ReplayConfig) (replay.Guard, error) {
	timeout := config.Duration(cfg.Timeout)
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.NewReplayGuard(cfg.Capacity), nil
	case config.BackendSQLite:
		db, err := sqlstore.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		guard := sqlstore.NewReplayGuard(db, sqlstore.SQLite, timeout).OwnDB()
		if err := guard.Init(ctx); err != nil {
			_ = guard.Close()
			return nil, err
		}
		return guard, nil
	case config.BackendRedis:
		guard := redisstore.NewReplayGuard(redisstore.Options{
			Addr:     cfg.RedisAddr,
			Password: os.Getenv("GOVERNOR_REPLAY_REDIS_PASSWORD"),
			Prefix:   cfg.RedisPrefix,
			Timeout:  timeout,
		})
		if err := guard.Ping(ctx); err != nil {
			_ = guard.Close()
			return nil, err
		}
		return guard, nil
	default:
		return nil, fmt.Errorf("unknown replay backend %q", cfg.Backend)
	}
}

// openKeyring loads actor keys from the keyring file, or starts empty.
func openKeyring(ctx context.Context, cfg config.KeyringConfig, logger *slog.Logger) (*identity.Keyring, error) {
	var opts []identity.KeyringOption
	if cfg.Path != "" {
		opts = append(opts, identity.WithKeyringStore(state.NewFileKeyringStore(cfg.Path, logger)))
	}
	keyring, err := identity.NewKeyring(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load keyring: %w", err)
	}
	return keyring, nil
}

// routerConfig overlays configured sizes on the default triage tables.
func routerConfig(cfg config.RouterConfig) service.RouterConfig {
	rc := service.DefaultRouterConfig()
	rc.CacheSize = cfg.CacheSize
	rc.NoveltyCapacity = cfg.NoveltyCapacity
	rc.LargePayloadBytes = cfg.LargePayloadBytes
	if ttl := config.Duration(cfg.CacheTTL); ttl > 0 {
		rc.CacheTTL = ttl
	}
	return rc
}

// governor holds the wired runtime shared by serve and evaluate.
type governor struct {
	cfg       *config.GovernorConfig
	logger    *slog.Logger
	registry  *prometheus.Registry
	metrics   *http.Metrics
	telemetry *telemetry.Provider
	bus       *service.EventBus
	ledger    *service.LedgerService
	keyring   *identity.Keyring
	gov       *service.GovernanceService

	closers []func() error
}

// bootstrap wires every component. The caller must Close the result.
func bootstrap(ctx context.Context, cfg *config.GovernorConfig, logger *slog.Logger) (_ *governor, err error) {
	g := &governor{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = g.Close()
		}
	}()

	g.telemetry, err = telemetry.New(ctx, telemetry.Config{
		Exporter:       cfg.Telemetry.Exporter,
		ServiceVersion: Version,
		MetricInterval: config.Duration(cfg.Telemetry.MetricInterval),
		Writer:         os.Stderr,
	}, logger)
	if err != nil {
		return nil, err
	}
	g.onClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return g.telemetry.Shutdown(ctx)
	})

	g.bus = service.NewEventBus(logger, service.WithBusChannelSize(cfg.Ledger.EventBufferSize))

	g.registry = prometheus.NewRegistry()
	g.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	g.metrics = http.NewMetrics(g.registry, g.bus.Dropped)

	if err := g.bus.Subscribe("metrics", g.metrics.OnEntry); err != nil {
		return nil, err
	}
	if err := g.bus.Subscribe("log", logEntry(logger)); err != nil {
		return nil, err
	}
	g.bus.Start(ctx)
	g.onClose(func() error { g.bus.Stop(); return nil })

	guard, err := openReplayGuard(ctx, cfg.Replay)
	if err != nil {
		return nil, fmt.Errorf("open replay store: %w", err)
	}
	g.onClose(guard.Close)

	signer, err := newSigner(cfg.Ledger, cfg.DevMode, logger)
	if err != nil {
		return nil, err
	}
	store, err := openLedgerStore(ctx, cfg.Ledger, logger)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	g.ledger, err = service.OpenLedger(ctx, store, signer, logger,
		service.WithWriteTimeout(config.Duration(cfg.Ledger.WriteTimeout)),
		service.WithLedgerPublisher(g.bus),
		service.WithAppendObserver(func(d time.Duration, err error) {
			g.metrics.ObserveLedgerAppend(d, err)
			g.telemetry.RecordLedgerAppend(d, err)
		}),
	)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// Closed before the bus so every publish precedes the drain.
	g.onClose(g.ledger.Close)

	g.keyring, err = openKeyring(ctx, cfg.Keyring, logger)
	if err != nil {
		return nil, err
	}

	engine, err := service.NewPolicyService(logger)
	if err != nil {
		return nil, fmt.Errorf("create policy engine: %w", err)
	}
	router := service.NewRouterService(engine, routerConfig(cfg.Router), logger)
	verifier := service.NewIdentityService(g.keyring, guard, logger,
		service.WithClockSkew(config.Duration(cfg.Replay.ClockSkew)),
	)

	opts := []service.GovernanceOption{
		service.WithIdentity(verifier),
		service.WithRequireProof(cfg.Keyring.RequireProof),
		service.WithReverifyOnReplay(cfg.Keyring.ReverifyOnReplay),
		service.WithIdempotencyCapacity(cfg.Idempotency.Capacity),
		service.WithTracerProvider(g.telemetry.TracerProvider()),
		service.WithDecisionObserver(g.metrics),
	}
	if cfg.RateLimit.Enabled {
		limiter := memory.NewRateLimiter()
		limiter.StartCleanup(ctx)
		g.onClose(func() error { limiter.Stop(); return nil })
		opts = append(opts, service.WithRateLimiter(limiter, ratelimit.Limit{
			Rate:   cfg.RateLimit.Rate,
			Burst:  cfg.RateLimit.Burst,
			Period: config.Duration(cfg.RateLimit.Period),
		}))
	}
	g.gov = service.NewGovernanceService(engine, router, g.ledger, logger, opts...)

	logger.Info("governor wired",
		"ledger_backend", cfg.Ledger.Backend,
		"ledger_length", g.ledger.Head().Length,
		"replay_backend", cfg.Replay.Backend,
		"require_proof", cfg.Keyring.RequireProof,
		"rate_limit", cfg.RateLimit.Enabled,
	)
	return g, nil
}

// initialize loads rules from the configured path and makes the orchestrator ready.
func (g *governor) initialize(ctx context.Context) error {
	if g.cfg.Policy.Path == "" {
		return errors.New("policy path required: set policy.path or pass --policy")
	}
	return g.gov.Initialize(ctx, rulesource.NewPathSource(g.cfg.Policy.Path))
}

func (g *governor) onClose(fn func() error) {
	g.closers = append(g.closers, fn)
}

// Close releases components in reverse wiring order.
func (g *governor) Close() error {
	var errs []error
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	g.closers = nil
	return errors.Join(errs...)
}

// logEntry logs every committed entry at debug level.
func logEntry(logger *slog.Logger) service.Subscriber {
	return func(ctx context.Context, e ledger.Entry) {
		logger.DebugContext(ctx, "ledger entry committed",
			"sequence", e.Sequence,
			"audit_event_id", e.AuditEventID(),
			"key_id", e.KeyID,
		)
	}
}
