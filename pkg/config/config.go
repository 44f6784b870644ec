// Package config resolves daemon configuration from the environment.
//
// Every setting has a KSI_-prefixed environment variable and a sensible
// default, so a bare `ksid` starts with no configuration at all. A .env
// file in the working directory is honored when present (loaded by the
// caller via godotenv before Load runs). Directory layout under the var
// root is derived by Paths and created by EnsureDirs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the umbrella configuration object for the daemon. It is
// resolved once at startup by Load and passed down to every subsystem.
type Config struct {
	// VarDir is the runtime state root. All other paths derive from it
	// unless individually overridden.
	VarDir string

	Socket      SocketConfig
	Log         LogConfig
	EventLog    EventLogConfig
	Completion  CompletionConfig
	Breaker     BreakerConfig
	Injection   InjectionConfig
	Correlation CorrelationConfig
	Composition CompositionConfig
	Provider    ProviderConfig
	Retention   RetentionConfig

	// Paths is the resolved on-disk layout under VarDir.
	Paths Paths
}

// SocketConfig controls the stream-socket transport.
type SocketConfig struct {
	// Path is the unix socket path the daemon listens on.
	Path string

	// Timeout bounds single read/write operations on a connection.
	Timeout time.Duration

	// MaxFrameBytes caps the size of one newline-terminated frame.
	MaxFrameBytes int

	// SubscriberBuffer is the per-subscriber outbound channel depth.
	// A subscriber that falls this far behind is dropped.
	SubscriberBuffer int
}

// CorrelationConfig controls the in-memory trace store.
type CorrelationConfig struct {
	// MaxAge is how long closed traces are kept before eviction.
	MaxAge time.Duration

	// CleanupInterval is how often the eviction pass runs.
	CleanupInterval time.Duration
}

// Load resolves the full configuration from the environment, applying
// defaults for anything unset, and validates the result.
func Load() (*Config, error) {
	varDir := getEnv("KSI_VAR_DIR", "var")

	cfg := &Config{
		VarDir: varDir,
		Socket: SocketConfig{
			Path:             getEnv("KSI_SOCKET_PATH", ""),
			Timeout:          getEnvDuration("KSI_SOCKET_TIMEOUT", 30*time.Second),
			MaxFrameBytes:    getEnvInt("KSI_SOCKET_MAX_FRAME", 10*1024*1024),
			SubscriberBuffer: getEnvInt("KSI_SUBSCRIBER_BUFFER", 100),
		},
		Log: LogConfig{
			Level:  getEnv("KSI_LOG_LEVEL", "info"),
			Format: getEnv("KSI_LOG_FORMAT", "text"),
		},
		EventLog:    loadEventLogConfig(),
		Completion:  loadCompletionConfig(),
		Breaker:     loadBreakerConfig(),
		Injection:   loadInjectionConfig(),
		Composition: loadCompositionConfig(),
		Provider:    loadProviderConfig(),
		Retention:   loadRetentionConfig(),
		Correlation: CorrelationConfig{
			MaxAge:          getEnvDuration("KSI_CORRELATION_MAX_AGE", 24*time.Hour),
			CleanupInterval: getEnvDuration("KSI_CORRELATION_CLEANUP_INTERVAL", 10*time.Minute),
		},
	}

	cfg.Paths = resolvePaths(varDir)
	if cfg.Socket.Path == "" {
		cfg.Socket.Path = cfg.Paths.SocketFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints that env parsing cannot.
func (c *Config) Validate() error {
	if c.Socket.Timeout <= 0 {
		return fmt.Errorf("socket timeout must be positive, got %s", c.Socket.Timeout)
	}
	if c.Socket.SubscriberBuffer < 1 {
		return fmt.Errorf("subscriber buffer must be at least 1, got %d", c.Socket.SubscriberBuffer)
	}
	if c.EventLog.RingSize < 1 {
		return fmt.Errorf("event ring size must be at least 1, got %d", c.EventLog.RingSize)
	}
	if c.EventLog.BatchSize < 1 {
		return fmt.Errorf("event batch size must be at least 1, got %d", c.EventLog.BatchSize)
	}
	if c.EventLog.ReferenceThreshold < 0 {
		return fmt.Errorf("event reference threshold must be non-negative, got %d", c.EventLog.ReferenceThreshold)
	}
	if c.Completion.MaxConcurrent < 1 {
		return fmt.Errorf("completion max concurrent must be at least 1, got %d", c.Completion.MaxConcurrent)
	}
	if c.Breaker.PoisoningThreshold <= 0 || c.Breaker.PoisoningThreshold > 1 {
		return fmt.Errorf("poisoning threshold must be in (0,1], got %f", c.Breaker.PoisoningThreshold)
	}
	if lvl := c.Log.Level; lvl != "debug" && lvl != "info" && lvl != "warn" && lvl != "error" {
		return fmt.Errorf("unknown log level %q", lvl)
	}
	if f := c.Log.Format; f != "text" && f != "json" {
		return fmt.Errorf("unknown log format %q", f)
	}
	return nil
}

// getEnv returns the value of key or def when unset/empty.
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getEnvInt parses key as an integer, returning def on unset or parse
// failure. Bad values are silently defaulted; Validate catches ranges.
func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// getEnvDuration parses key as a Go duration ("30s", "5m"). Bare
// integers are accepted as seconds for compatibility with older
// deployments.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

// getEnvFloat parses key as a float64, returning def on unset or parse
// failure.
func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// getEnvBool parses key as a boolean ("true", "1", "false", "0").
func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
