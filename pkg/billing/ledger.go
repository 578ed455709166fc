package billing

import (
	"context"
	"sync"
	"time"
)

// EventLedger records processed webhook event IDs so replayed
// deliveries can be skipped. The ledger is advisory: the transition
// function is idempotent on its own, so a ledger miss or outage only
// costs a redundant apply, never a double effect.
type EventLedger interface {
	// Seen reports whether the event ID was already processed.
	Seen(ctx context.Context, eventID string) (bool, error)

	// Mark records the event ID after successful processing.
	Mark(ctx context.Context, eventID string) error
}

// MemoryLedger keeps processed event IDs in memory with a TTL.
// Suitable for single-instance deployments and tests.
type MemoryLedger struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryLedger returns a ledger whose entries expire after ttl.
func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (l *MemoryLedger) Seen(_ context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict()
	_, ok := l.entries[eventID]
	return ok, nil
}

func (l *MemoryLedger) Mark(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[eventID] = l.now().Add(l.ttl)
	return nil
}

// evict drops expired entries. Caller holds the lock.
func (l *MemoryLedger) evict() {
	now := l.now()
	for id, deadline := range l.entries {
		if deadline.Before(now) {
			delete(l.entries, id)
		}
	}
}
