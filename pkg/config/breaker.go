package config

import "time"

// BreakerConfig holds the default circuit-breaker limits applied to
// completion chains. Individual requests may tighten (never widen)
// these through their circuit_breaker_config.
type BreakerConfig struct {
	// MaxDepth is the maximum parent-chain length before new requests
	// are blocked.
	MaxDepth int

	// TokenBudget caps estimated tokens both cumulatively along a chain
	// and within the rolling time window.
	TokenBudget int

	// TimeWindow is the rolling window for the windowed token check.
	TimeWindow time.Duration

	// CircularWindow is how many recent chain records are checked for a
	// repeated content hash.
	CircularWindow int

	// PoisoningThreshold blocks a request when the weighted pattern
	// score of its chain exceeds this value.
	PoisoningThreshold float64
}

func loadBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxDepth:           getEnvInt("KSI_BREAKER_MAX_DEPTH", 10),
		TokenBudget:        getEnvInt("KSI_BREAKER_TOKEN_BUDGET", 50000),
		TimeWindow:         getEnvDuration("KSI_BREAKER_TIME_WINDOW", time.Hour),
		CircularWindow:     getEnvInt("KSI_BREAKER_CIRCULAR_WINDOW", 10),
		PoisoningThreshold: getEnvFloat("KSI_BREAKER_POISON_THRESHOLD", 0.7),
	}
}
