package billing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscription
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[uuid.UUID]*Subscription)}
}

func (s *MemoryStore) Get(_ context.Context, userID uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[userID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

func (s *MemoryStore) GetByProviderSubID(_ context.Context, providerSubID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.ProviderSubID == providerSubID && providerSubID != "" {
			return sub.Clone(), nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (s *MemoryStore) Save(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.UserID] = sub.Clone()
	return nil
}

func (s *MemoryStore) ListLapsed(_ context.Context, now time.Time) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Subscription
	for _, sub := range s.subs {
		switch sub.Status {
		case StatusActive, StatusTrialing, StatusPastDue:
			if !sub.EndDate.IsZero() && sub.EndDate.Before(now) {
				out = append(out, sub.Clone())
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) Metrics(_ context.Context) (*Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := &Metrics{
		ByStatus: make(map[Status]int64),
		ByPlan:   make(map[string]int64),
	}
	for _, sub := range s.subs {
		m.Total++
		if sub.IsSubscribed {
			m.Subscribed++
		} else {
			m.Unsubscribed++
		}
		m.ByStatus[sub.Status]++
		if sub.PlanID != "" {
			m.ByPlan[sub.PlanID]++
		}
	}
	return m, nil
}
