package billing

import (
	"errors"
	"fmt"
	"time"
)

// invalidStatusChanges lists provider-reported statuses that are
// semantically impossible from a given local status. Stale or
// out-of-order webhook deliveries are the usual cause; such events
// are rejected rather than applied.
var invalidStatusChanges = map[Status]map[Status]bool{
	StatusActive:    {StatusIncomplete: true},
	StatusPastDue:   {StatusIncomplete: true},
	StatusCancelled: {StatusIncomplete: true, StatusTrialing: true},
	StatusExpired:   {StatusIncomplete: true, StatusTrialing: true},
}

// Apply is the pure transition function of the subscription state
// machine. It computes the next projection from the current one and a
// normalized event, without touching storage or the provider.
//
// current may be nil when no local record exists yet; the returned
// projection then has a zero UserID and the caller is responsible for
// assigning ownership before persisting. Apply returns ErrNoChange
// when the event is a replay or otherwise leaves the projection
// untouched, and ErrTransitionRejected when the reported status cannot
// follow the current one.
func Apply(current *Subscription, ev *Event, catalog *Catalog, policy AccessPolicy, now time.Time) (*Subscription, error) {
	switch ev.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		data, ok := ev.Payload.(SubscriptionData)
		if !ok {
			return nil, errors.Join(ErrPayloadMalformed, fmt.Errorf("%s event without subscription data", ev.Type))
		}
		return applySubscriptionData(current, data, catalog, policy, now)

	case EventSubscriptionDeleted:
		return applyDeleted(current, policy, now)

	case EventPaymentSucceeded:
		data, ok := ev.Payload.(PaymentData)
		if !ok {
			return nil, errors.Join(ErrPayloadMalformed, errors.New("payment event without payment data"))
		}
		return applyPaymentSucceeded(current, data, policy, now)

	case EventPaymentFailed:
		return applyPaymentFailed(current, policy, now)

	default:
		// Informational events (trial reminders, unrecognized types)
		// never alter the projection.
		return nil, ErrNoChange
	}
}

func applySubscriptionData(current *Subscription, data SubscriptionData, catalog *Catalog, policy AccessPolicy, now time.Time) (*Subscription, error) {
	if !data.PeriodEnd.IsZero() && data.PeriodEnd.Before(data.PeriodStart) {
		return nil, errors.Join(ErrInvalidPeriod,
			fmt.Errorf("period %s..%s", data.PeriodStart.Format(time.RFC3339), data.PeriodEnd.Format(time.RFC3339)))
	}
	if current != nil && invalidStatusChanges[current.Status][data.Status] {
		return nil, errors.Join(ErrTransitionRejected,
			fmt.Errorf("%s cannot follow %s", data.Status, current.Status))
	}

	next := current.Clone()
	if next == nil {
		next = &Subscription{CreatedAt: now}
	}
	next.Status = data.Status
	next.StartDate = data.PeriodStart
	next.EndDate = data.PeriodEnd
	next.TrialEndsAt = cloneTime(data.TrialEnd)
	next.CancelAtPeriodEnd = data.CancelAtPeriodEnd
	next.ProviderSubID = data.SubscriptionID
	if data.CustomerID != "" {
		next.ProviderCustomerID = data.CustomerID
	}
	if data.PriceID != "" {
		next.ProviderPriceID = data.PriceID
		if catalog != nil {
			if plan, ok := catalog.ByProviderRef(data.PriceID); ok {
				next.PlanID = plan.ID
				next.Price = plan.Price
				next.Interval = plan.Interval
			}
		}
	}
	next.refreshDerived(policy)

	if current != nil && sameProjection(current, next) {
		return nil, ErrNoChange
	}
	next.UpdatedAt = now
	return next, nil
}

func applyDeleted(current *Subscription, policy AccessPolicy, now time.Time) (*Subscription, error) {
	if current == nil {
		return nil, ErrNoChange
	}
	if current.Status == StatusCancelled && current.CancelAtPeriodEnd {
		return nil, ErrNoChange
	}
	next := current.Clone()
	next.Status = StatusCancelled
	next.CancelAtPeriodEnd = true
	next.refreshDerived(policy)
	next.UpdatedAt = now
	return next, nil
}

func applyPaymentSucceeded(current *Subscription, data PaymentData, policy AccessPolicy, now time.Time) (*Subscription, error) {
	if current == nil {
		return nil, ErrNoChange
	}
	// Renewal must move the paid-through date forward. A replayed or
	// stale invoice event carries a period end at or before the one
	// already recorded and is dropped.
	if data.PeriodEnd.IsZero() || !data.PeriodEnd.After(current.EndDate) {
		return nil, ErrNoChange
	}
	next := current.Clone()
	next.Status = StatusActive
	if !data.PeriodStart.IsZero() {
		next.StartDate = data.PeriodStart
	}
	next.EndDate = data.PeriodEnd
	next.refreshDerived(policy)
	next.UpdatedAt = now
	return next, nil
}

func applyPaymentFailed(current *Subscription, policy AccessPolicy, now time.Time) (*Subscription, error) {
	if current == nil {
		return nil, ErrNoChange
	}
	if current.Status == StatusPastDue || current.Status.Terminal() {
		return nil, ErrNoChange
	}
	next := current.Clone()
	next.Status = StatusPastDue
	next.refreshDerived(policy)
	next.UpdatedAt = now
	return next, nil
}

// sameProjection compares the provider-driven fields of two
// projections. UpdatedAt is excluded so that replays are detected.
func sameProjection(a, b *Subscription) bool {
	return a.Status == b.Status &&
		a.StartDate.Equal(b.StartDate) &&
		a.EndDate.Equal(b.EndDate) &&
		a.CancelAtPeriodEnd == b.CancelAtPeriodEnd &&
		a.ProviderSubID == b.ProviderSubID &&
		a.ProviderCustomerID == b.ProviderCustomerID &&
		a.ProviderPriceID == b.ProviderPriceID &&
		equalTimePtr(a.TrialEndsAt, b.TrialEndsAt)
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
