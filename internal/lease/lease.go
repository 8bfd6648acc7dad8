// Package lease provides expiring single-flight leases keyed by string.
// The consolidation agent holds one lease per user so that concurrent
// triggers coalesce instead of running duplicate cluster jobs. Leases expire
// on their own so a crashed holder cannot wedge a user forever.
package lease

import (
	"context"
	"sync"
	"time"
)

// Lessor grants exclusive, expiring leases.
type Lessor interface {
	// TryAcquire attempts to take the lease for key. It returns ok=false
	// without blocking when another holder has it. On success the returned
	// release function frees the lease early; otherwise it expires after ttl.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Memory is an in-process lessor for tests and single-process deployments.
type Memory struct {
	mu    sync.Mutex
	taken map[string]time.Time // key -> expiry

	// now is swappable in tests.
	now func() time.Time
}

var _ Lessor = (*Memory)(nil)

// NewMemory creates an empty in-process lessor.
func NewMemory() *Memory {
	return &Memory{taken: make(map[string]time.Time), now: time.Now}
}

// TryAcquire implements Lessor.
func (m *Memory) TryAcquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expiry, held := m.taken[key]; held && expiry.After(now) {
		return nil, false, nil
	}
	expiry := now.Add(ttl)
	m.taken[key] = expiry

	release := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		// Only clear our own grant; a later holder may have re-acquired
		// after expiry.
		if e, held := m.taken[key]; held && e.Equal(expiry) {
			delete(m.taken, key)
		}
	}
	return release, true, nil
}
