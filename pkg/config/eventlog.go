package config

import "time"

// EventLogConfig controls the three event-log layers: the in-memory
// ring, the daily JSONL files, and the SQLite metadata index.
type EventLogConfig struct {
	// RingSize is the capacity of the hot in-memory ring.
	RingSize int

	// BatchSize flushes the JSONL/index batch when this many entries
	// are pending, even before the flush interval elapses.
	BatchSize int

	// FlushInterval flushes any pending batch on this cadence.
	FlushInterval time.Duration

	// ReferenceThreshold is the serialized size in bytes above which a
	// referenceable payload field is externalized out of the event row.
	ReferenceThreshold int

	// QueueSize is the depth of the writer's inbound channel. Appends
	// never block; entries beyond this depth are counted as dropped.
	QueueSize int

	// HydrationCacheSize bounds the LRU cache of externalized payloads
	// re-read on the query path.
	HydrationCacheSize int
}

func loadEventLogConfig() EventLogConfig {
	return EventLogConfig{
		RingSize:           getEnvInt("KSI_EVENT_RING_SIZE", 1000),
		BatchSize:          getEnvInt("KSI_EVENT_BATCH_SIZE", 100),
		FlushInterval:      getEnvDuration("KSI_EVENT_FLUSH_INTERVAL", time.Second),
		ReferenceThreshold: getEnvInt("KSI_EVENT_REFERENCE_THRESHOLD", 4096),
		QueueSize:          getEnvInt("KSI_EVENT_QUEUE_SIZE", 5000),
		HydrationCacheSize: getEnvInt("KSI_EVENT_HYDRATION_CACHE", 256),
	}
}
