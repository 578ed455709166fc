package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists subscription projections. Implementations must make
// Save atomic: the full projection, derived flags included, becomes
// visible in a single commit or not at all.
type Store interface {
	// Get returns the subscription owned by the user, or
	// ErrSubscriptionNotFound.
	Get(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// GetByProviderSubID resolves a projection by the provider-side
	// subscription ID, or ErrSubscriptionNotFound.
	GetByProviderSubID(ctx context.Context, providerSubID string) (*Subscription, error)

	// Save upserts the projection keyed by UserID.
	Save(ctx context.Context, sub *Subscription) error

	// ListLapsed returns subscriptions whose paid-through date has
	// passed while the status still grants or may grant access
	// (active, trialing, past_due).
	ListLapsed(ctx context.Context, now time.Time) ([]*Subscription, error)

	// Metrics aggregates subscription counts for reporting.
	Metrics(ctx context.Context) (*Metrics, error)
}

// Metrics summarizes the subscription population.
type Metrics struct {
	Total        int64            `json:"total"`
	Subscribed   int64            `json:"subscribed"`
	Unsubscribed int64            `json:"unsubscribed"`
	ByStatus     map[Status]int64 `json:"by_status"`
	ByPlan       map[string]int64 `json:"by_plan"`
}
