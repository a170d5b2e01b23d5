package leader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockStore is an in-memory lease with the contention semantics of the
// database lock: one live holder, re-acquirable by the same holder.
type lockStore struct {
	mu     sync.Mutex
	holder string
	fail   bool
}

func (l *lockStore) TryAcquireLeaderLock(_ context.Context, _, holderID string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return false, errors.New("store unavailable")
	}
	if l.holder == "" || l.holder == holderID {
		l.holder = holderID
		return true, nil
	}
	return false, nil
}

func (l *lockStore) ReleaseLeaderLock(_ context.Context, _, holderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == holderID {
		l.holder = ""
	}
	return nil
}

func (l *lockStore) holderID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}

func (l *lockStore) setHolder(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holder = id
}

func (l *lockStore) setFail(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = fail
}

// electedCtx captures the singleton context handed to OnElected.
func electedCtx(e *Elector) <-chan context.Context {
	ch := make(chan context.Context, 1)
	e.OnElected = func(ctx context.Context) { ch <- ctx }
	return ch
}

func TestAttemptElectsSingleLeader(t *testing.T) {
	lock := &lockStore{}
	ctx := context.Background()

	first := NewElector(lock, "master-1")
	elected := electedCtx(first)
	second := NewElector(lock, "master-2")

	first.attempt(ctx)
	assert.True(t, first.IsLeader())
	select {
	case <-elected:
	case <-time.After(time.Second):
		t.Fatal("OnElected was not started")
	}

	second.attempt(ctx)
	assert.False(t, second.IsLeader(), "a live lease is exclusive")
	assert.Equal(t, "master-1", lock.holderID())
}

func TestAttemptIsIdempotentWhileLeading(t *testing.T) {
	lock := &lockStore{}
	ctx := context.Background()
	e := NewElector(lock, "master-1")

	started := make(chan struct{}, 4)
	e.OnElected = func(context.Context) { started <- struct{}{} }

	e.attempt(ctx)
	e.attempt(ctx)
	e.attempt(ctx)
	assert.True(t, e.IsLeader())

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("OnElected was not started")
	}
	select {
	case <-started:
		t.Fatal("renewal must not restart the singletons")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLeadershipLossStopsSingletons(t *testing.T) {
	lock := &lockStore{}
	ctx := context.Background()
	e := NewElector(lock, "master-1")
	elected := electedCtx(e)

	e.attempt(ctx)
	require.True(t, e.IsLeader())
	roleCtx := <-elected

	// Another instance takes the lease after ours expires.
	lock.setHolder("master-2")
	e.attempt(ctx)

	assert.False(t, e.IsLeader())
	select {
	case <-roleCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("singleton context was not cancelled on loss")
	}
}

func TestLockErrorTreatedAsLoss(t *testing.T) {
	lock := &lockStore{}
	ctx := context.Background()
	e := NewElector(lock, "master-1")
	elected := electedCtx(e)

	e.attempt(ctx)
	require.True(t, e.IsLeader())
	roleCtx := <-elected

	lock.setFail(true)
	e.attempt(ctx)

	assert.False(t, e.IsLeader(), "singletons must not run on a stale lease")
	select {
	case <-roleCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("singleton context was not cancelled on lock error")
	}
}

func TestRunReleasesLockOnShutdown(t *testing.T) {
	lock := &lockStore{}
	e := NewElector(lock, "master-1")
	elected := electedCtx(e)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()

	// Run attempts immediately on entry.
	select {
	case roleCtx := <-elected:
		cancel()
		select {
		case <-roleCtx.Done():
		case <-time.After(time.Second):
			t.Fatal("singleton context survived shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("elector never acquired the lock")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Empty(t, lock.holderID(), "the lease is released on the way out")
	assert.False(t, e.IsLeader())
}
