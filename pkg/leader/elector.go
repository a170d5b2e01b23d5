// Package leader elects the single master instance that runs the
// singleton schedulers (queue drainer, orphan monitor, retention,
// approval scanner).
package leader

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LockName is the shared lease the masters compete for.
const LockName = "conveyor-singletons"

const (
	// PollInterval paces acquisition attempts and lease renewal.
	PollInterval = 15 * time.Second

	// leaseTTL must exceed the poll interval so a live leader renews
	// before its lease expires.
	leaseTTL = 45 * time.Second
)

// Store is the lease the masters compete over.
type Store interface {
	TryAcquireLeaderLock(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error)
	ReleaseLeaderLock(ctx context.Context, name, holderID string) error
}

// Elector polls for the leader lock and starts or stops the singleton
// functions on transitions.
type Elector struct {
	store    Store
	holderID string

	// OnElected runs the singletons; the supplied context is cancelled
	// on loss of leadership or shutdown.
	OnElected func(ctx context.Context)

	mu         sync.Mutex
	leading    bool
	cancelRole context.CancelFunc
}

// NewElector creates an elector identified by holderID.
func NewElector(st Store, holderID string) *Elector {
	return &Elector{store: st, holderID: holderID}
}

// IsLeader reports whether this instance currently leads.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leading
}

// Run polls for the lock until ctx is cancelled, releasing the lease
// and stopping the singletons on the way out.
func (e *Elector) Run(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	e.attempt(ctx)
	for {
		select {
		case <-ctx.Done():
			e.stepDown()
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := e.store.ReleaseLeaderLock(releaseCtx, LockName, e.holderID); err != nil {
				slog.Warn("Failed to release leader lock", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			e.attempt(ctx)
		}
	}
}

// attempt acquires or renews the lease and reconciles the role.
func (e *Elector) attempt(ctx context.Context) {
	acquired, err := e.store.TryAcquireLeaderLock(ctx, LockName, e.holderID, leaseTTL)
	if err != nil {
		slog.Error("Leader lock attempt failed", "error", err)
		// Treat an error as loss: singletons must not run on a stale
		// lease.
		e.stepDown()
		return
	}

	e.mu.Lock()
	wasLeading := e.leading
	e.mu.Unlock()

	switch {
	case acquired && !wasLeading:
		slog.Info("Became leader", "holder_id", e.holderID)
		roleCtx, cancel := context.WithCancel(ctx)
		e.mu.Lock()
		e.leading = true
		e.cancelRole = cancel
		e.mu.Unlock()
		if e.OnElected != nil {
			go e.OnElected(roleCtx)
		}
	case !acquired && wasLeading:
		slog.Warn("Lost leadership", "holder_id", e.holderID)
		e.stepDown()
	}
}

func (e *Elector) stepDown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.leading {
		return
	}
	e.leading = false
	if e.cancelRole != nil {
		e.cancelRole()
		e.cancelRole = nil
	}
}
