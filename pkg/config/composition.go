package config

import "time"

// CompositionConfig controls the composition library.
type CompositionConfig struct {
	// Watch enables the filesystem watcher that keeps the composition
	// index in step with edits under the compositions directory.
	Watch bool

	// WatchDebounce is how long the watcher coalesces rapid change
	// bursts for a path before re-indexing it.
	WatchDebounce time.Duration
}

func loadCompositionConfig() CompositionConfig {
	return CompositionConfig{
		Watch:         getEnvBool("KSI_COMPOSITION_WATCH", true),
		WatchDebounce: getEnvDuration("KSI_COMPOSITION_DEBOUNCE", 200*time.Millisecond),
	}
}
