// Command securewatch-agent is the process entrypoint: it loads the TOML
// configuration (spec.md §6), wires the eight components via
// internal/agent, and runs until told to stop.
//
// Grounded on the teacher's cmd/akashi/main.go: the main()/run0()/run()
// split, JSON slog logging, and signal.NotifyContext-based cancellation
// are kept; the HTTP-server-specific pieces (srv.Start/srv.Shutdown,
// migrations, embedding provider selection, the contextWithOptionalTimeout
// drains) have no equivalent here and are replaced by agent.Run's single
// blocking call.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/securewatch/agent/internal/agent"
	"github.com/securewatch/agent/internal/config"
	"github.com/securewatch/agent/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

// Exit codes per spec.md §6.
const (
	exitOK                 = 0
	exitConfigError        = 1
	exitInitializationFail = 2
	exitEmergencyShutdown  = 3
)

func main() {
	os.Exit(run0())
}

func run0() int {
	configPath := flag.String("config", "agent.toml", "path to the agent TOML configuration file")
	logLevelFlag := flag.String("log-level", "", "override the configured log level (trace|debug|info|warn|error)")
	validateOnly := flag.Bool("validate-config", false, "load and validate the configuration, then exit")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "securewatch-agent: config error:", err)
		return exitConfigError
	}

	rawLevel := cfg.Agent.LogLevel
	if *logLevelFlag != "" {
		rawLevel = *logLevelFlag
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(rawLevel),
	}))
	slog.SetDefault(logger)

	if *validateOnly {
		logger.Info("securewatch-agent: configuration is valid", "config_path", *configPath)
		return exitOK
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = run(ctx, cfg, logger)
	if err == nil {
		return exitOK
	}
	if agent.IsShutdownForced(err) {
		logger.Warn("securewatch-agent: emergency shutdown forced exit", "error", err)
		return exitEmergencyShutdown
	}
	logger.Error("securewatch-agent: fatal error", "error", err)
	return exitInitializationFail
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("securewatch-agent starting", "version", version, "agent_id", cfg.Agent.ID)

	otelShutdown, err := telemetry.Init(ctx, cfg.Telemetry.Endpoint, cfg.Agent.ID, version, cfg.Telemetry.Insecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	a, err := agent.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("construct agent: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("securewatch-agent: close error", "error", err)
		}
	}()

	if password, ok := cfg.MasterPassword(); ok {
		if err := a.InitializeSecurity(ctx, password); err != nil {
			return fmt.Errorf("initialize security: %w", err)
		}
	} else {
		logger.Warn("securewatch-agent: no master password configured, credential store stays non-operational")
	}

	logger.Info("securewatch-agent running")
	runErr := a.Run(ctx)
	logger.Info("securewatch-agent stopped")
	return runErr
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "trace":
		return slog.LevelDebug - 4
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
