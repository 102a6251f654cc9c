// Package config provides configuration types for the governor runtime.
//
// Configuration is file-based (governor.yaml) with GOVERNOR_* environment
// overrides. Secrets are never read from the file itself: the ledger signing
// secret is taken from the environment variable named by ledger.secret_env.
package config

import (
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Ledger backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// GovernorConfig is the top-level configuration.
type GovernorConfig struct {
	// Server configures the operational HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Policy points at the rule source.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// Ledger configures the audit chain store and its signing key.
	Ledger LedgerConfig `yaml:"ledger" mapstructure:"ledger"`

	// Replay configures the nonce store shared by verifiers.
	Replay ReplayConfig `yaml:"replay" mapstructure:"replay"`

	// Router configures risk triage and the low-risk decision cache.
	Router RouterConfig `yaml:"router" mapstructure:"router"`

	// Keyring configures actor key storage and proof requirements.
	Keyring KeyringConfig `yaml:"keyring" mapstructure:"keyring"`

	// Idempotency bounds the per-request decision store.
	Idempotency IdempotencyConfig `yaml:"idempotency" mapstructure:"idempotency"`

	// RateLimit configures optional per-actor pre-admission limiting.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Telemetry selects trace and metric exporters.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode enables verbose logging and an ephemeral in-memory setup.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	// HTTPAddr is the listen address. Defaults to "127.0.0.1:8080".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel is one of debug, info, warn, error. DevMode forces debug.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// PolicyConfig locates the rule documents.
type PolicyConfig struct {
	// Path is a rule file or a directory of *.yaml/*.yml/*.json documents.
	// Required by commands that evaluate requests.
	Path string `yaml:"path" mapstructure:"path"`
}

// LedgerConfig configures the ledger store and signer.
type LedgerConfig struct {
	// Backend is memory, file, sqlite or postgres. Defaults to "file".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"required,oneof=memory file sqlite postgres"`

	// Path is the directory for the file backend or the database file for sqlite.
	Path string `yaml:"path" mapstructure:"path"`

	// DSN is the postgres connection string.
	DSN string `yaml:"dsn" mapstructure:"dsn"`

	// MaxFileSizeMB rotates file segments. Defaults to 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`

	// SigningAlg is hmac or ed25519. Defaults to "hmac".
	SigningAlg string `yaml:"signing_alg" mapstructure:"signing_alg" validate:"required,oneof=hmac ed25519"`

	// KeyID labels entries with the signing key. Defaults to "ledger-1".
	KeyID string `yaml:"key_id" mapstructure:"key_id" validate:"required,max=128"`

	// SecretEnv names the environment variable holding the workspace secret
	// (hmac) or the hex Ed25519 seed. Defaults to "GOVERNOR_LEDGER_SECRET".
	SecretEnv string `yaml:"secret_env" mapstructure:"secret_env" validate:"required"`

	// WriteTimeout bounds each durable write (e.g. "5s").
	WriteTimeout string `yaml:"write_timeout" mapstructure:"write_timeout" validate:"omitempty,duration"`

	// EventBufferSize is the subscriber channel size. Defaults to 1000.
	EventBufferSize int `yaml:"event_buffer_size" mapstructure:"event_buffer_size" validate:"omitempty,min=1"`
}

// ReplayConfig configures the nonce store.
type ReplayConfig struct {
	// Backend is memory, sqlite or redis. Defaults to "sqlite" beside a file or
	// sqlite ledger, otherwise "memory".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"required,oneof=memory sqlite redis"`

	// Capacity bounds the memory backend. Defaults to 100000.
	Capacity int `yaml:"capacity" mapstructure:"capacity" validate:"omitempty,min=1"`

	// ClockSkew is the accepted proof timestamp distance. Defaults to "30s".
	ClockSkew string `yaml:"clock_skew" mapstructure:"clock_skew" validate:"omitempty,duration"`

	// RedisAddr is host:port of the shared redis.
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr" validate:"omitempty,hostname_port"`

	// RedisPrefix namespaces nonce keys. Defaults to "governor:nonce:".
	RedisPrefix string `yaml:"redis_prefix" mapstructure:"redis_prefix"`

	// SQLitePath is the shared nonce database file. Defaults to
	// governor-replay.db in the ledger's parent directory.
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`

	// Timeout bounds each shared store call. Defaults to "2s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`
}

// RouterConfig configures triage.
type RouterConfig struct {
	CacheSize         int    `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`
	CacheTTL          string `yaml:"cache_ttl" mapstructure:"cache_ttl" validate:"omitempty,duration"`
	NoveltyCapacity   int    `yaml:"novelty_capacity" mapstructure:"novelty_capacity" validate:"omitempty,min=1"`
	LargePayloadBytes int    `yaml:"large_payload_bytes" mapstructure:"large_payload_bytes" validate:"omitempty,min=1"`
}

// KeyringConfig configures actor keys.
type KeyringConfig struct {
	// Path is the keyring JSON file. Empty keeps keys in memory only.
	Path string `yaml:"path" mapstructure:"path"`

	// RotationGrace keeps retired keys valid after a rotation. Defaults to "24h".
	RotationGrace string `yaml:"rotation_grace" mapstructure:"rotation_grace" validate:"omitempty,duration"`

	// RequireProof rejects requests without an actor proof.
	RequireProof bool `yaml:"require_proof" mapstructure:"require_proof"`

	// ReverifyOnReplay requires a fresh proof on idempotent retries. Defaults to true.
	ReverifyOnReplay bool `yaml:"reverify_on_replay" mapstructure:"reverify_on_replay"`
}

// IdempotencyConfig bounds the decision store.
type IdempotencyConfig struct {
	Capacity int `yaml:"capacity" mapstructure:"capacity" validate:"omitempty,min=1"`
}

// RateLimitConfig configures per-actor limiting.
type RateLimitConfig struct {
	// Enabled turns limiting on. Defaults to false.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Rate is requests per period. Defaults to 600.
	Rate int `yaml:"rate" mapstructure:"rate" validate:"omitempty,min=1"`

	// Burst defaults to Rate.
	Burst int `yaml:"burst" mapstructure:"burst" validate:"omitempty,min=1"`

	// Period defaults to "1m".
	Period string `yaml:"period" mapstructure:"period" validate:"omitempty,duration"`
}

// TelemetryConfig selects exporters.
type TelemetryConfig struct {
	// Exporter is none or stdout. Defaults to "none".
	Exporter string `yaml:"exporter" mapstructure:"exporter" validate:"omitempty,oneof=none stdout"`

	// MetricInterval is the stdout metric export period. Defaults to "30s".
	MetricInterval string `yaml:"metric_interval" mapstructure:"metric_interval" validate:"omitempty,duration"`
}

// SetDevDefaults swaps durable backends for in-memory ones in dev mode.
// Applied before validation so required fields are satisfied.
func (c *GovernorConfig) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"
	if !viper.IsSet("ledger.backend") {
		c.Ledger.Backend = BackendMemory
	}
	if !viper.IsSet("replay.backend") {
		c.Replay.Backend = BackendMemory
	}
}

// SetDefaults applies default values to unset fields.
func (c *GovernorConfig) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Ledger.Backend == "" {
		c.Ledger.Backend = BackendFile
	}
	if c.Ledger.Path == "" && c.Ledger.Backend == BackendFile {
		c.Ledger.Path = "./ledger"
	}
	if c.Ledger.Path == "" && c.Ledger.Backend == BackendSQLite {
		c.Ledger.Path = "./governor.db"
	}
	if c.Ledger.MaxFileSizeMB == 0 {
		c.Ledger.MaxFileSizeMB = 100
	}
	if c.Ledger.SigningAlg == "" {
		c.Ledger.SigningAlg = "hmac"
	}
	if c.Ledger.KeyID == "" {
		c.Ledger.KeyID = "ledger-1"
	}
	if c.Ledger.SecretEnv == "" {
		c.Ledger.SecretEnv = "GOVERNOR_LEDGER_SECRET"
	}
	if c.Ledger.WriteTimeout == "" {
		c.Ledger.WriteTimeout = "5s"
	}
	if c.Ledger.EventBufferSize == 0 {
		c.Ledger.EventBufferSize = 1000
	}

	if c.Replay.Backend == "" {
		switch c.Ledger.Backend {
		case BackendFile, BackendSQLite:
			// Every process that writes this ledger must see the same nonces.
			c.Replay.Backend = BackendSQLite
		default:
			c.Replay.Backend = BackendMemory
		}
	}
	if c.Replay.SQLitePath == "" && c.Replay.Backend == BackendSQLite && c.Ledger.Path != "" {
		c.Replay.SQLitePath = filepath.Join(filepath.Dir(filepath.Clean(c.Ledger.Path)), "governor-replay.db")
	}
	if c.Replay.Capacity == 0 {
		c.Replay.Capacity = 100_000
	}
	if c.Replay.ClockSkew == "" {
		c.Replay.ClockSkew = "30s"
	}
	if c.Replay.RedisPrefix == "" {
		c.Replay.RedisPrefix = "governor:nonce:"
	}
	if c.Replay.Timeout == "" {
		c.Replay.Timeout = "2s"
	}

	if c.Router.CacheSize == 0 {
		c.Router.CacheSize = 10_000
	}
	if c.Router.CacheTTL == "" {
		c.Router.CacheTTL = "5m"
	}
	if c.Router.NoveltyCapacity == 0 {
		c.Router.NoveltyCapacity = 10_000
	}
	if c.Router.LargePayloadBytes == 0 {
		c.Router.LargePayloadBytes = 1 << 20
	}

	if c.Keyring.RotationGrace == "" {
		c.Keyring.RotationGrace = "24h"
	}
	// viper.IsSet distinguishes "not set" from an explicit false.
	if !viper.IsSet("keyring.reverify_on_replay") {
		c.Keyring.ReverifyOnReplay = true
	}

	if c.Idempotency.Capacity == 0 {
		c.Idempotency.Capacity = 10_000
	}

	if c.RateLimit.Rate == 0 {
		c.RateLimit.Rate = 600
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = c.RateLimit.Rate
	}
	if c.RateLimit.Period == "" {
		c.RateLimit.Period = "1m"
	}

	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "none"
	}
	if c.Telemetry.MetricInterval == "" {
		c.Telemetry.MetricInterval = "30s"
	}
}

// Duration parses a validated duration field. Empty or malformed yields zero.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
