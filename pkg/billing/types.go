package billing

import "strings"

// Status is the normalized subscription lifecycle status. Provider
// statuses are mapped onto this set before they reach the engine.
type Status string

const (
	StatusIncomplete Status = "incomplete"
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// Terminal reports whether the status ends the lifecycle. A terminal
// subscription never transitions back to a live status on its own.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// BillingInterval is the recurring billing cadence of a plan.
type BillingInterval string

const (
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

// Money is an amount in the smallest currency unit (cents for USD).
type Money struct {
	Amount   int64  `json:"amount" bson:"amount" yaml:"amount"`
	Currency string `json:"currency" bson:"currency" yaml:"currency"`
}

// Equal reports whether two amounts are identical in both value and
// currency. Currency comparison is case-insensitive per ISO 4217 usage.
func (m Money) Equal(other Money) bool {
	return m.Amount == other.Amount && strings.EqualFold(m.Currency, other.Currency)
}

// IsZero reports whether the amount carries no value at all.
func (m Money) IsZero() bool {
	return m.Amount == 0 && m.Currency == ""
}

// EventType is the canonical webhook event classification. Provider
// adapters translate their native event names into this set.
type EventType string

const (
	EventSubscriptionCreated EventType = "subscription.created"
	EventSubscriptionUpdated EventType = "subscription.updated"
	EventSubscriptionDeleted EventType = "subscription.deleted"
	EventPaymentSucceeded    EventType = "payment.succeeded"
	EventPaymentFailed       EventType = "payment.failed"
	EventTrialWillEnd        EventType = "trial.will_end"
	EventUnknown             EventType = "unknown"
)

// AccessPolicy decides which statuses grant access to paid features.
type AccessPolicy struct {
	// PastDueGrace extends access to past_due subscriptions while the
	// provider retries payment collection.
	PastDueGrace bool
}

// HasAccess reports whether the given status entitles the user to the
// subscribed feature set.
func (p AccessPolicy) HasAccess(s Status) bool {
	switch s {
	case StatusActive, StatusTrialing:
		return true
	case StatusPastDue:
		return p.PastDueGrace
	default:
		return false
	}
}
