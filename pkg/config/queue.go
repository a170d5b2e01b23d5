package config

import "time"

// QueueConfig contains durable build queue configuration.
type QueueConfig struct {
	// Enabled routes triggered builds through the durable queue rather
	// than dispatching immediately.
	Enabled bool

	// DrainInterval is the base interval for the leader's queue
	// processor between dequeue attempts.
	DrainInterval time.Duration

	// DrainIntervalJitter is the random jitter added to DrainInterval.
	DrainIntervalJitter time.Duration

	// StalledThreshold is how long an entry may stay claimed before the
	// drainer reports it stalled.
	StalledThreshold time.Duration
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		Enabled:             false,
		DrainInterval:       2 * time.Second,
		DrainIntervalJitter: 500 * time.Millisecond,
		StalledThreshold:    10 * time.Minute,
	}
}
