package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/governor/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/governor/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the governor with its ops HTTP surface",
	Long: `Load policy, open the ledger and serve the operational endpoints:

  GET  /health              component health
  GET  /v1/policy/version   active rule set version
  GET  /v1/ledger/head      ledger length and head hash
  POST /v1/ledger/verify    full chain verification
  GET  /metrics             Prometheus metrics

Examples:
  # Ephemeral in-memory setup with debug logging
  governor serve --dev --policy ./policies

  # Durable setup from governor.yaml
  governor --config /etc/governor/governor.yaml serve`,
	RunE: runServe,
}

var (
	serveDev       bool
	servePolicy    string
	serveAddr      string
	serveTelemetry string
)

func init() {
	serveCmd.Flags().BoolVar(&serveDev, "dev", false, "Enable development mode (debug logging, in-memory backends)")
	serveCmd.Flags().StringVar(&servePolicy, "policy", "", "rule file or directory (overrides policy.path)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "ops listen address (overrides server.http_addr)")
	serveCmd.Flags().StringVar(&serveTelemetry, "telemetry", "", "telemetry exporter: none or stdout")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(serveDev, func(c *config.GovernorConfig) {
		if servePolicy != "" {
			c.Policy.Path = servePolicy
		}
		if serveAddr != "" {
			c.Server.HTTPAddr = serveAddr
		}
		if serveTelemetry != "" {
			c.Telemetry.Exporter = serveTelemetry
		}
	})
	if err != nil {
		return err
	}

	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(cfg)

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	g, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := g.Close(); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()

	if err := g.initialize(ctx); err != nil {
		return fmt.Errorf("initialize governor: %w", err)
	}

	srv := http.NewOpsServer(g.gov, g.metrics, g.registry,
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithLogger(logger),
		http.WithHealthChecker(http.NewHealthChecker(g.gov, g.bus, Version)),
	)
	logger.Info("governor ready",
		"addr", cfg.Server.HTTPAddr,
		"policy_version", g.gov.PolicyVersion(),
		"dev_mode", cfg.DevMode,
	)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("ops server: %w", err)
	}
	logger.Info("governor stopped")
	return nil
}

// pidFilePath is where "governor stop" looks for the running server.
func pidFilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".governor", "server.pid")
	}
	return filepath.Join(os.TempDir(), "governor-server.pid")
}

// writePIDFile writes the current process PID, creating parent directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

// readPIDFile returns 0 when the file is missing or malformed.
func readPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0
	}
	return pid
}
