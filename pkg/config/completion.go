package config

import "time"

// CompletionConfig controls the per-session completion scheduler.
type CompletionConfig struct {
	// MaxConcurrent caps the number of session workers running provider
	// calls at the same time across all sessions.
	MaxConcurrent int

	// RequestTimeout bounds a single provider invocation.
	RequestTimeout time.Duration

	// QueueGCInterval is how often empty session queues and their locks
	// are garbage collected.
	QueueGCInterval time.Duration

	// QueueGCJitter randomizes the GC interval to avoid lockstep with
	// other periodic work. Actual interval: interval ± jitter.
	QueueGCJitter time.Duration

	// ShutdownGrace is how long in-flight provider calls get to finish
	// after a cancel signal before being force-killed.
	ShutdownGrace time.Duration
}

func loadCompletionConfig() CompletionConfig {
	return CompletionConfig{
		MaxConcurrent:   getEnvInt("KSI_COMPLETION_MAX_CONCURRENT", 10),
		RequestTimeout:  getEnvDuration("KSI_COMPLETION_TIMEOUT", 300*time.Second),
		QueueGCInterval: getEnvDuration("KSI_COMPLETION_GC_INTERVAL", time.Minute),
		QueueGCJitter:   getEnvDuration("KSI_COMPLETION_GC_JITTER", 10*time.Second),
		ShutdownGrace:   getEnvDuration("KSI_SHUTDOWN_GRACE", 10*time.Second),
	}
}
