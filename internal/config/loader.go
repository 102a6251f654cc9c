// Package config provides configuration loading for the governor runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for governor.yaml/.yml in standard locations.
// The search requires an explicit YAML extension so the binary itself is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// ReadInConfig then returns ConfigFileNotFoundError, handled by callers.
		viper.SetConfigName("governor")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: GOVERNOR_LEDGER_BACKEND
	viper.SetEnvPrefix("GOVERNOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".governor"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "governor"))
		}
	} else {
		paths = append(paths, "/etc/governor")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the first governor.yaml or governor.yml found, or "".
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "governor"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// envKeys are the nested keys that can be overridden from the environment.
// Example: GOVERNOR_REPLAY_REDIS_ADDR overrides replay.redis_addr
var envKeys = []string{
	"server.http_addr",
	"server.log_level",

	"policy.path",

	"ledger.backend",
	"ledger.path",
	"ledger.dsn",
	"ledger.max_file_size_mb",
	"ledger.signing_alg",
	"ledger.key_id",
	"ledger.secret_env",
	"ledger.write_timeout",
	"ledger.event_buffer_size",

	"replay.backend",
	"replay.capacity",
	"replay.clock_skew",
	"replay.redis_addr",
	"replay.redis_prefix",
	"replay.sqlite_path",
	"replay.timeout",

	"router.cache_size",
	"router.cache_ttl",
	"router.novelty_capacity",
	"router.large_payload_bytes",

	"keyring.path",
	"keyring.rotation_grace",
	"keyring.require_proof",
	"keyring.reverify_on_replay",

	"idempotency.capacity",

	"rate_limit.enabled",
	"rate_limit.rate",
	"rate_limit.burst",
	"rate_limit.period",

	"telemetry.exporter",
	"telemetry.metric_interval",

	"dev_mode",
}

func bindNestedEnvKeys() {
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and validates.
func LoadConfig() (*GovernorConfig, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func LoadConfigRaw() (*GovernorConfig, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Environment-only configuration.
	}

	var cfg GovernorConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
