package config

import "time"

// RunnerConfig controls the local build worker pool and build execution.
type RunnerConfig struct {
	// WorkerCount is the number of build workers on this instance.
	WorkerCount int

	// MaxStageConcurrency bounds simultaneous stages in DAG mode.
	MaxStageConcurrency int

	// DefaultStepTimeout applies when a step declares no timeout_ms.
	DefaultStepTimeout time.Duration

	// BuildTimeout is the maximum wall time for one build.
	BuildTimeout time.Duration

	// GracefulShutdownTimeout is how long shutdown waits for active
	// builds to finish before abandoning them.
	GracefulShutdownTimeout time.Duration

	// HeartbeatInterval is how often a worker refreshes the build's
	// liveness marker for orphan detection.
	HeartbeatInterval time.Duration

	// OrphanScanInterval is how often the orphan monitor scans for
	// running builds with stale heartbeats.
	OrphanScanInterval time.Duration

	// OrphanThreshold is how stale a heartbeat must be before a running
	// build is considered orphaned.
	OrphanThreshold time.Duration

	// DedupEnabled turns on commit-level build deduplication.
	DedupEnabled bool

	// DedupWindow bounds how far back dedup looks for an equivalent build.
	DedupWindow time.Duration

	// IncrementalArtifacts enables block-level artifact deltas.
	IncrementalArtifacts bool
}

// DefaultRunnerConfig returns the built-in runner defaults.
func DefaultRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		WorkerCount:             4,
		MaxStageConcurrency:     4,
		DefaultStepTimeout:      30 * time.Minute,
		BuildTimeout:            2 * time.Hour,
		GracefulShutdownTimeout: 2 * time.Hour,
		HeartbeatInterval:       30 * time.Second,
		OrphanScanInterval:      time.Minute,
		OrphanThreshold:         90 * time.Second,
		DedupEnabled:            false,
		DedupWindow:             10 * time.Minute,
		IncrementalArtifacts:    false,
	}
}
