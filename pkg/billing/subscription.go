package billing

import (
	"time"

	"github.com/google/uuid"
)

// Subscription is the locally persisted projection of a user's
// subscription. One record per user; plan changes mutate the record
// in place rather than creating a new one.
//
// IsSubscribed and AutoRenew are derived fields. They are recomputed
// from Status and CancelAtPeriodEnd on every write and must never be
// set directly.
type Subscription struct {
	UserID             uuid.UUID         `json:"user_id" bson:"user_id"`
	PlanID             string            `json:"plan_id" bson:"plan_id"`
	Status             Status            `json:"status" bson:"status"`
	Price              Money             `json:"price" bson:"price"`
	Interval           BillingInterval   `json:"interval" bson:"interval"`
	AutoRenew          bool              `json:"auto_renew" bson:"auto_renew"`
	StartDate          time.Time         `json:"start_date" bson:"start_date"`
	EndDate            time.Time         `json:"end_date" bson:"end_date"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end" bson:"cancel_at_period_end"`
	TrialEndsAt        *time.Time        `json:"trial_ends_at,omitempty" bson:"trial_ends_at,omitempty"`
	ProviderSubID      string            `json:"provider_subscription_id,omitempty" bson:"provider_subscription_id,omitempty"`
	ProviderCustomerID string            `json:"provider_customer_id,omitempty" bson:"provider_customer_id,omitempty"`
	ProviderPriceID    string            `json:"provider_price_id,omitempty" bson:"provider_price_id,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
	IsSubscribed       bool              `json:"is_subscribed" bson:"is_subscribed"`
	CreatedAt          time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at" bson:"updated_at"`
}

// refreshDerived recomputes IsSubscribed and AutoRenew from the
// authoritative fields. Called after every mutation, before persisting.
func (s *Subscription) refreshDerived(policy AccessPolicy) {
	s.IsSubscribed = policy.HasAccess(s.Status)
	s.AutoRenew = !s.CancelAtPeriodEnd
}

// IsTrialing reports whether the subscription is in its trial phase.
func (s *Subscription) IsTrialing() bool {
	return s.Status == StatusTrialing
}

// TrialLive reports whether the subscription has a trial that is still
// running at the given instant.
func (s *Subscription) TrialLive(now time.Time) bool {
	return s.IsTrialing() && s.TrialEndsAt != nil && s.TrialEndsAt.After(now)
}

// Clone returns a deep copy of the subscription.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	out := *s
	if s.TrialEndsAt != nil {
		t := *s.TrialEndsAt
		out.TrialEndsAt = &t
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
