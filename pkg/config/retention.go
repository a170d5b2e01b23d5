package config

import "time"

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// EventTTL is the maximum age of build event rows before deletion.
	EventTTL time.Duration

	// WorkspaceTTL is how long finished build workspaces survive on
	// disk before the sweeper removes them.
	WorkspaceTTL time.Duration

	// CleanupSchedule is the cron expression for the retention run.
	CleanupSchedule string

	// CacheEvictionSchedule is the cron expression for cache eviction.
	CacheEvictionSchedule string

	// ApprovalScanInterval is how often pending gates are checked
	// against their timeout_at.
	ApprovalScanInterval time.Duration
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		EventTTL:              30 * 24 * time.Hour,
		WorkspaceTTL:          24 * time.Hour,
		CleanupSchedule:       "0 3 * * *",
		CacheEvictionSchedule: "30 3 * * *",
		ApprovalScanInterval:  10 * time.Second,
	}
}
