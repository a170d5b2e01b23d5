package config

import "time"

// DispatchConfig controls remote build dispatch and the per-agent
// circuit breakers that wrap outbound calls.
type DispatchConfig struct {
	// DistributedDispatch gates the whole remote path. Off means every
	// build runs on the local pool.
	DistributedDispatch bool

	// FallbackLocal runs the build on the master pool when no agent is
	// available or dispatch fails.
	FallbackLocal bool

	// HeartbeatStaleAfter is how old an agent heartbeat may be before
	// the agent reads as offline.
	HeartbeatStaleAfter time.Duration

	// RequestTimeout bounds a single dispatch HTTP call.
	RequestTimeout time.Duration

	// BreakerFailureThreshold is the consecutive-failure count that
	// trips a closed breaker open.
	BreakerFailureThreshold int

	// BreakerCooldown is how long an open breaker waits before
	// admitting a half-open probe.
	BreakerCooldown time.Duration
}

// LoadDispatchConfig reads dispatch settings from the environment.
func LoadDispatchConfig() *DispatchConfig {
	return &DispatchConfig{
		DistributedDispatch:     getEnvBool("DISTRIBUTED_DISPATCH", false),
		FallbackLocal:           getEnvBool("DISPATCH_FALLBACK_LOCAL", true),
		HeartbeatStaleAfter:     getEnvDuration("AGENT_HEARTBEAT_STALE_AFTER", 90*time.Second),
		RequestTimeout:          getEnvDuration("DISPATCH_REQUEST_TIMEOUT", 30*time.Second),
		BreakerFailureThreshold: getEnvInt("DISPATCH_BREAKER_FAILURES", 5),
		BreakerCooldown:         getEnvDuration("DISPATCH_BREAKER_COOLDOWN", 60*time.Second),
	}
}
