// Command collector is the resolvix node daemon. It tails the configured log
// files, classifies and suppresses error lines, raises tickets at the
// backend, streams live logs and host telemetry over WebSocket, queues
// telemetry durably for the ingestion API, and serves an HTTP control plane.
// It shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/resolvix/collector/internal/config"
	"github.com/resolvix/collector/internal/daemon"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		logFile      = flag.String("log-file", "", "additional log file to monitor from startup")
		apiURL       = flag.String("api-url", "", "backend ticket creation endpoint (e.g. http://backend:3000/api/logs)")
		backendURL   = flag.String("telemetry-backend-url", "", "telemetry ingestion base URL")
		jwtToken     = flag.String("telemetry-jwt-token", "", "bearer token for telemetry ingestion")
		dbHost       = flag.String("db-host", "", "suppression database host")
		dbPort       = flag.Int("db-port", 5432, "suppression database port")
		dbName       = flag.String("db-name", "", "suppression database name")
		dbUser       = flag.String("db-user", "", "suppression database user")
		dbPassword   = flag.String("db-password", "", "suppression database password")
		configPath   = flag.String("config-path", "/etc/resolvix/config.json", "persisted monitored-file document")
		controlPort  = flag.Int("control-port", 0, "control plane port (overrides settings)")
		settingsPath = flag.String("settings", "", "optional YAML settings file")
		logLevel     = flag.String("log-level", "", "daemon log level (overrides settings): debug|info|warn|error")
		showVersion  = flag.Bool("version", false, "print the version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return 0
	}

	settings, err := config.Load(*settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "collector: %v\n", err)
		return 1
	}
	if *controlPort != 0 {
		settings.Ports.Control = *controlPort
	}
	if *logLevel != "" {
		settings.Logging.Level = *logLevel
	}
	if errs := config.Validate(settings); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "collector: %v\n", e)
		}
		return 1
	}

	logger := newLogger(settings.Logging)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("version", version),
		slog.String("config_path", *configPath),
		slog.String("settings", *settingsPath),
		slog.Int("control_port", settings.Ports.Control),
		slog.String("log_level", settings.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	d, err := daemon.New(ctx, daemon.Config{
		Version:             version,
		Settings:            settings,
		StatePath:           *configPath,
		LogFile:             *logFile,
		TicketURL:           *apiURL,
		TelemetryBackendURL: *backendURL,
		TelemetryToken:      *jwtToken,
		DBConnString:        dbConnString(*dbHost, *dbPort, *dbName, *dbUser, *dbPassword),
		Logger:              logger,
	})
	if err != nil {
		logger.Error("failed to start collector", slog.Any("error", err))
		return 1
	}

	if err := d.Run(ctx); err != nil {
		logger.Error("collector failed", slog.Any("error", err))
		return 2
	}

	logger.Info("collector exited cleanly")
	return 0
}

// dbConnString builds the suppression store connection string. Any missing
// piece disables suppression: the daemon logs that once and runs without it.
func dbConnString(host string, port int, name, user, password string) string {
	if host == "" || name == "" || user == "" || password == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", user, password, host, port, name)
}

// newLogger writes JSON-structured records to the rotated daemon log file and
// to stderr. The file copy is what the daemon tails under the
// "resolvix_daemon" label.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var l slog.Level
	switch cfg.Level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	rotated := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
	out := io.MultiWriter(os.Stderr, rotated)
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: l}))
}
