package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
)

// minimalValidConfig returns a defaulted config for testing.
func minimalValidConfig(t *testing.T) *GovernorConfig {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	cfg := &GovernorConfig{Policy: PolicyConfig{Path: "rules.yaml"}}
	cfg.SetDefaults()
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := minimalValidConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *GovernorConfig)
		wantErr string
	}{
		{
			name:    "bad listen address",
			mutate:  func(c *GovernorConfig) { c.Server.HTTPAddr = "not an address" },
			wantErr: "must be a valid host:port",
		},
		{
			name:    "bad log level",
			mutate:  func(c *GovernorConfig) { c.Server.LogLevel = "loud" },
			wantErr: "must be one of",
		},
		{
			name:    "unknown ledger backend",
			mutate:  func(c *GovernorConfig) { c.Ledger.Backend = "tape" },
			wantErr: "GovernorConfig.Ledger.Backend must be one of",
		},
		{
			name:    "bad duration",
			mutate:  func(c *GovernorConfig) { c.Replay.ClockSkew = "thirty seconds" },
			wantErr: "must be a duration",
		},
		{
			name:    "negative duration",
			mutate:  func(c *GovernorConfig) { c.Ledger.WriteTimeout = "-1s" },
			wantErr: "must be a duration",
		},
		{
			name:    "unknown signing algorithm",
			mutate:  func(c *GovernorConfig) { c.Ledger.SigningAlg = "rsa" },
			wantErr: "SigningAlg must be one of",
		},
		{
			name: "sqlite ledger without path",
			mutate: func(c *GovernorConfig) {
				c.Ledger.Backend = BackendSQLite
				c.Ledger.Path = ""
			},
			wantErr: "backend sqlite requires path",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *GovernorConfig) { c.Ledger.Backend = BackendPostgres },
			wantErr: "requires dsn",
		},
		{
			name: "postgres with garbage dsn",
			mutate: func(c *GovernorConfig) {
				c.Ledger.Backend = BackendPostgres
				c.Ledger.DSN = "localhost"
			},
			wantErr: "dsn must be",
		},
		{
			name:    "redis replay without address",
			mutate:  func(c *GovernorConfig) { c.Replay.Backend = BackendRedis },
			wantErr: "requires redis_addr",
		},
		{
			name: "sqlite replay without path",
			mutate: func(c *GovernorConfig) {
				c.Replay.Backend = BackendSQLite
				c.Replay.SQLitePath = ""
			},
			wantErr: "requires sqlite_path",
		},
		{
			name:    "memory replay with file ledger",
			mutate:  func(c *GovernorConfig) { c.Replay.Backend = BackendMemory },
			wantErr: "backend memory cannot guard the durable file ledger",
		},
		{
			name:    "unknown telemetry exporter",
			mutate:  func(c *GovernorConfig) { c.Telemetry.Exporter = "jaeger" },
			wantErr: "Exporter must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := minimalValidConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidate_PostgresDSNForms(t *testing.T) {
	for _, dsn := range []string{
		"postgres://governor@db:5432/governor?sslmode=disable",
		"postgresql://db/governor",
		"host=db user=governor dbname=governor",
	} {
		cfg := minimalValidConfig(t)
		cfg.Ledger.Backend = BackendPostgres
		cfg.Ledger.DSN = dsn
		if err := cfg.Validate(); err != nil {
			t.Errorf("dsn %q rejected: %v", dsn, err)
		}
	}
}
