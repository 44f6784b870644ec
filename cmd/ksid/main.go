// ksid is the event daemon: unix-socket transport, completion
// scheduling, agent lifecycle, and the shared state plane.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/daemon"
	"github.com/ksi-project/ksi/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags; each falls back to its environment key.
	varDir := flag.String("var-dir",
		getEnv("KSI_VAR_DIR", "var"),
		"Runtime state directory (sockets, logs, databases, sandboxes)")
	socket := flag.String("socket",
		getEnv("KSI_SOCKET_PATH", ""),
		"Unix socket path (default <var-dir>/run/daemon.sock)")
	logLevel := flag.String("log-level",
		getEnv("KSI_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error")
	envFile := flag.String("env-file", ".env", "Environment file loaded before configuration")
	flag.Parse()

	// Load the env file; flags win by re-exporting below.
	if err := godotenv.Load(*envFile); err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Could not load env file", "path", *envFile, "error", err)
		}
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	_ = os.Setenv("KSI_VAR_DIR", *varDir)
	_ = os.Setenv("KSI_LOG_LEVEL", *logLevel)
	if *socket != "" {
		_ = os.Setenv("KSI_SOCKET_PATH", *socket)
	}

	// 1. Resolve configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Paths.EnsureDirs(); err != nil {
		slog.Error("Failed to create runtime directories", "error", err)
		os.Exit(1)
	}

	// 2. Install logging (stderr + var/logs/daemon/ksid.log)
	logCloser, err := config.SetupLogging(cfg.Log, cfg.Paths.DaemonLogDir)
	if err != nil {
		slog.Error("Failed to set up logging", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer func() { _ = logCloser.Close() }()
	}

	slog.Info("Starting ksid",
		"version", version.Full(),
		"var_dir", cfg.VarDir,
		"socket", cfg.Socket.Path,
		"pid", os.Getpid())

	ctx := context.Background()

	// 3. Build every subsystem and register the event surface
	d, err := daemon.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to build daemon", "error", err)
		os.Exit(1)
	}

	// 4. Start workers, retention, and the socket listener
	if err := d.Start(ctx); err != nil {
		slog.Error("Failed to start daemon", "error", err)
		os.Exit(1)
	}

	// 5. Wait for a shutdown signal or a system:shutdown event
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case <-d.ShutdownRequested():
		slog.Info("Shutdown requested over the socket")
	}

	// 6. Graceful shutdown: in-flight completions get the configured
	// grace period, plus headroom for drains and store closes.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Completion.ShutdownGrace+10*time.Second)
	defer cancel()

	if err := d.Stop(shutdownCtx); err != nil {
		slog.Error("Shutdown finished with errors", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
