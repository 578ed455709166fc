package billing

import (
	"encoding/json"
	"time"
)

// Event is a provider webhook event normalized into the engine's
// canonical shape. Payload holds one of SubscriptionData, PaymentData
// or UnknownData depending on Type.
type Event struct {
	ID         string
	Type       EventType
	ReceivedAt time.Time
	Payload    Payload
}

// Payload marks the types that can ride inside an Event.
type Payload interface {
	payload()
}

// SubscriptionData carries the provider's view of a subscription as
// reported by lifecycle events (created, updated, deleted,
// trial will end).
type SubscriptionData struct {
	SubscriptionID    string
	CustomerID        string
	UserID            string
	PriceID           string
	Status            Status
	PeriodStart       time.Time
	PeriodEnd         time.Time
	TrialEnd          *time.Time
	CancelAtPeriodEnd bool
}

func (SubscriptionData) payload() {}

// PaymentData carries the outcome of an invoice payment attempt. The
// billing period may be zero-valued when the provider's payload did
// not include it; the dispatcher then re-fetches the subscription for
// authoritative dates.
type PaymentData struct {
	SubscriptionID string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Amount         Money
	Reason         string
}

func (PaymentData) payload() {}

// UnknownData preserves an unrecognized provider event for logging.
type UnknownData struct {
	ProviderEvent string
	Raw           json.RawMessage
}

func (UnknownData) payload() {}

// SubscriptionID returns the provider subscription the event refers
// to, or "" for events that do not target a subscription.
func (e *Event) SubscriptionID() string {
	switch p := e.Payload.(type) {
	case SubscriptionData:
		return p.SubscriptionID
	case PaymentData:
		return p.SubscriptionID
	default:
		return ""
	}
}
