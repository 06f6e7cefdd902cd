package taskmesh

import (
	"context"
	"sync"
	"time"
)

// DefaultLockStaleAfter is how long a sync lock may be held before
// another owner is allowed to take it over. Locks outlive their owner
// when a sync session dies mid-flight, so stale takeover is the only
// recovery path.
const DefaultLockStaleAfter = 5 * time.Minute

type lockEntry struct {
	owner      string
	acquiredAt time.Time
}

// SyncLockManager serializes sync sessions per peer. One lock key per
// remote device keeps concurrent sessions with the same peer from
// interleaving their merge phases.
type SyncLockManager struct {
	mu         sync.Mutex
	locks      map[string]lockEntry
	staleAfter time.Duration
}

// NewSyncLockManager returns a manager whose locks go stale after the
// given duration. Zero or negative selects DefaultLockStaleAfter.
func NewSyncLockManager(staleAfter time.Duration) *SyncLockManager {
	if staleAfter <= 0 {
		staleAfter = DefaultLockStaleAfter
	}
	return &SyncLockManager{
		locks:      make(map[string]lockEntry),
		staleAfter: staleAfter,
	}
}

// Acquire attempts to take the lock for key. A lock held longer than
// the stale window is silently taken over.
func (m *SyncLockManager) Acquire(key, owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, held := m.locks[key]; held && time.Since(entry.acquiredAt) <= m.staleAfter {
		return false
	}
	m.locks[key] = lockEntry{owner: owner, acquiredAt: time.Now()}
	return true
}

// Release drops the lock for key. Releasing an unheld lock is a no-op.
func (m *SyncLockManager) Release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
}

// Holder returns the current owner of key, if any.
func (m *SyncLockManager) Holder(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, held := m.locks[key]
	return entry.owner, held
}

// WithLock runs fn while holding the lock for key. When the lock is
// busy it returns (false, nil) without running fn; callers treat that
// as a skipped cycle, not an error.
func (m *SyncLockManager) WithLock(key, owner string, fn func() error) (bool, error) {
	if !m.Acquire(key, owner) {
		return false, nil
	}
	defer m.Release(key)
	return true, fn()
}

// WaitForLock polls for the lock and runs fn once acquired. A zero or
// negative pollInterval selects 100ms; a zero or negative timeout waits
// until ctx is done. Returns ErrLockTimeout when the deadline expires
// first.
func (m *SyncLockManager) WaitForLock(ctx context.Context, key, owner string, pollInterval, timeout time.Duration, fn func() error) error {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if m.Acquire(key, owner) {
			defer m.Release(key)
			return fn()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return ErrLockTimeout
		case <-ticker.C:
		}
	}
}

// Sweep force-releases every stale lock and returns how many were
// dropped.
func (m *SyncLockManager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	released := 0
	for key, entry := range m.locks {
		if time.Since(entry.acquiredAt) > m.staleAfter {
			delete(m.locks, key)
			released++
		}
	}
	return released
}
