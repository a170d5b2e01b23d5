package config

import "time"

// CacheConfig controls the artifact/dependency and stage-result caches.
type CacheConfig struct {
	// Dir is the on-disk root for cached artifact directories.
	Dir string

	// MaxAge is the retention age for cache entries.
	MaxAge time.Duration

	// MaxTotalBytes bounds the cache's total on-disk size. Oldest
	// entries are evicted first once the bound is exceeded.
	MaxTotalBytes int64

	// StageResultsEnabled turns on stage-result fingerprint caching.
	StageResultsEnabled bool
}

// DefaultCacheConfig returns the built-in cache defaults.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		Dir:                 "cache",
		MaxAge:              7 * 24 * time.Hour,
		MaxTotalBytes:       10 << 30, // 10 GiB
		StageResultsEnabled: true,
	}
}

// EventsConfig controls the in-memory plane of the event bus.
type EventsConfig struct {
	// SubscriberWindow is the per-subscriber channel capacity. When the
	// window fills, older non-critical events are dropped in
	// publication order.
	SubscriberWindow int

	// CriticalPublishWait bounds how long a critical event publication
	// may block on a full subscriber before falling back to drop+flag.
	CriticalPublishWait time.Duration
}

// DefaultEventsConfig returns the built-in event bus defaults.
func DefaultEventsConfig() *EventsConfig {
	return &EventsConfig{
		SubscriberWindow:    256,
		CriticalPublishWait: 2 * time.Second,
	}
}
