package config

import "time"

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// EventLogDays is how many daily event-log partitions (JSONL
	// directory plus index rows) to keep. Zero disables pruning.
	EventLogDays int

	// QueueSweepInterval is how often expired async-queue items are
	// purged from the state store.
	QueueSweepInterval time.Duration

	// CleanupInterval is how often the retention loop runs.
	CleanupInterval time.Duration
}

func loadRetentionConfig() RetentionConfig {
	return RetentionConfig{
		EventLogDays:       getEnvInt("KSI_RETENTION_EVENT_DAYS", 30),
		QueueSweepInterval: getEnvDuration("KSI_RETENTION_QUEUE_SWEEP", time.Minute),
		CleanupInterval:    getEnvDuration("KSI_RETENTION_INTERVAL", time.Hour),
	}
}
