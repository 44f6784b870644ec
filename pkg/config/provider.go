package config

import "time"

// ProviderConfig controls how LLM provider subprocesses are invoked.
type ProviderConfig struct {
	// Command is the provider executable. Resolved through PATH when
	// not absolute.
	Command string

	// DefaultModel is used when a completion request names no model.
	DefaultModel string

	// KillGrace is how long after SIGTERM the process group gets before
	// SIGKILL.
	KillGrace time.Duration

	// StderrTailBytes bounds the retained tail of provider stderr used
	// in error reports.
	StderrTailBytes int
}

func loadProviderConfig() ProviderConfig {
	return ProviderConfig{
		Command:         getEnv("KSI_PROVIDER_CMD", "claude"),
		DefaultModel:    getEnv("KSI_PROVIDER_MODEL", "sonnet"),
		KillGrace:       getEnvDuration("KSI_PROVIDER_KILL_GRACE", 5*time.Second),
		StderrTailBytes: getEnvInt("KSI_PROVIDER_STDERR_TAIL", 8*1024),
	}
}
