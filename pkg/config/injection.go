package config

import "time"

// InjectionConfig controls the injection router.
type InjectionConfig struct {
	// QueueTTL is the lifetime of a next-mode injection waiting in the
	// state queue for its target session's next completion.
	QueueTTL time.Duration

	// MaxContentBytes truncates composed injection content above this
	// size before it is queued or re-enqueued.
	MaxContentBytes int
}

func loadInjectionConfig() InjectionConfig {
	return InjectionConfig{
		QueueTTL:        getEnvDuration("KSI_INJECTION_TTL", time.Hour),
		MaxContentBytes: getEnvInt("KSI_INJECTION_MAX_CONTENT", 64*1024),
	}
}
