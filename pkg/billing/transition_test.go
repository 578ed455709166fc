package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

var (
	baseTime    = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	periodStart = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
)

func activeSubscription() *billing.Subscription {
	return &billing.Subscription{
		PlanID:          "premium",
		Status:          billing.StatusActive,
		StartDate:       periodStart,
		EndDate:         periodEnd,
		ProviderSubID:   "sub_123",
		ProviderPriceID: "price_premium",
		IsSubscribed:    true,
		AutoRenew:       true,
	}
}

func subscriptionEvent(typ billing.EventType, data billing.SubscriptionData) *billing.Event {
	return &billing.Event{ID: "evt_1", Type: typ, ReceivedAt: baseTime, Payload: data}
}

func TestApply_CreatedFromNothing(t *testing.T) {
	t.Parallel()

	ev := subscriptionEvent(billing.EventSubscriptionCreated, billing.SubscriptionData{
		SubscriptionID: "sub_123",
		CustomerID:     "cus_123",
		PriceID:        "price_premium",
		Status:         billing.StatusActive,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
	})

	next, err := billing.Apply(nil, ev, testCatalog(), billing.AccessPolicy{}, baseTime)
	require.NoError(t, err)

	assert.Equal(t, billing.StatusActive, next.Status)
	assert.Equal(t, "premium", next.PlanID)
	assert.Equal(t, int64(1999), next.Price.Amount)
	assert.Equal(t, "sub_123", next.ProviderSubID)
	assert.True(t, next.IsSubscribed)
	assert.True(t, next.AutoRenew)
}

func TestApply_SameDataReplayIsNoChange(t *testing.T) {
	t.Parallel()

	current := activeSubscription()
	ev := subscriptionEvent(billing.EventSubscriptionUpdated, billing.SubscriptionData{
		SubscriptionID: "sub_123",
		PriceID:        "price_premium",
		Status:         billing.StatusActive,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
	})

	_, err := billing.Apply(current, ev, testCatalog(), billing.AccessPolicy{}, baseTime)
	assert.ErrorIs(t, err, billing.ErrNoChange)
}

func TestApply_InvalidPeriodRejected(t *testing.T) {
	t.Parallel()

	ev := subscriptionEvent(billing.EventSubscriptionUpdated, billing.SubscriptionData{
		SubscriptionID: "sub_123",
		Status:         billing.StatusActive,
		PeriodStart:    periodEnd,
		PeriodEnd:      periodStart,
	})

	_, err := billing.Apply(activeSubscription(), ev, nil, billing.AccessPolicy{}, baseTime)
	assert.ErrorIs(t, err, billing.ErrInvalidPeriod)
}

func TestApply_ImpossibleTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		from     billing.Status
		reported billing.Status
	}{
		{"active to incomplete", billing.StatusActive, billing.StatusIncomplete},
		{"past_due to incomplete", billing.StatusPastDue, billing.StatusIncomplete},
		{"cancelled to trialing", billing.StatusCancelled, billing.StatusTrialing},
		{"expired to trialing", billing.StatusExpired, billing.StatusTrialing},
		{"expired to incomplete", billing.StatusExpired, billing.StatusIncomplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			current := activeSubscription()
			current.Status = tt.from
			ev := subscriptionEvent(billing.EventSubscriptionUpdated, billing.SubscriptionData{
				SubscriptionID: "sub_123",
				Status:         tt.reported,
				PeriodStart:    periodStart,
				PeriodEnd:      periodEnd.Add(time.Hour),
			})

			_, err := billing.Apply(current, ev, nil, billing.AccessPolicy{}, baseTime)
			assert.ErrorIs(t, err, billing.ErrTransitionRejected)
		})
	}
}

func TestApply_ExpiredToActiveAllowed(t *testing.T) {
	t.Parallel()

	// A lapsed subscription the provider revived (payment finally
	// collected) is a legitimate transition.
	current := activeSubscription()
	current.Status = billing.StatusExpired
	current.IsSubscribed = false

	ev := subscriptionEvent(billing.EventSubscriptionUpdated, billing.SubscriptionData{
		SubscriptionID: "sub_123",
		PriceID:        "price_premium",
		Status:         billing.StatusActive,
		PeriodStart:    periodEnd,
		PeriodEnd:      periodEnd.AddDate(0, 1, 0),
	})

	next, err := billing.Apply(current, ev, testCatalog(), billing.AccessPolicy{}, baseTime)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, next.Status)
	assert.True(t, next.IsSubscribed)
}

func TestApply_Deleted(t *testing.T) {
	t.Parallel()

	ev := &billing.Event{
		ID:      "evt_2",
		Type:    billing.EventSubscriptionDeleted,
		Payload: billing.SubscriptionData{SubscriptionID: "sub_123"},
	}

	next, err := billing.Apply(activeSubscription(), ev, nil, billing.AccessPolicy{}, baseTime)
	require.NoError(t, err)

	assert.Equal(t, billing.StatusCancelled, next.Status)
	assert.False(t, next.IsSubscribed)
	assert.False(t, next.AutoRenew)

	// Second delivery of the same deletion changes nothing.
	_, err = billing.Apply(next, ev, nil, billing.AccessPolicy{}, baseTime)
	assert.ErrorIs(t, err, billing.ErrNoChange)
}

func TestApply_DeletedWithoutRecord(t *testing.T) {
	t.Parallel()

	ev := &billing.Event{
		ID:      "evt_3",
		Type:    billing.EventSubscriptionDeleted,
		Payload: billing.SubscriptionData{SubscriptionID: "sub_unknown"},
	}
	_, err := billing.Apply(nil, ev, nil, billing.AccessPolicy{}, baseTime)
	assert.ErrorIs(t, err, billing.ErrNoChange)
}

func TestApply_PaymentSucceededExtendsPeriod(t *testing.T) {
	t.Parallel()

	current := activeSubscription()
	current.Status = billing.StatusPastDue
	current.IsSubscribed = false

	newEnd := periodEnd.AddDate(0, 1, 0)
	ev := &billing.Event{
		ID:   "evt_4",
		Type: billing.EventPaymentSucceeded,
		Payload: billing.PaymentData{
			SubscriptionID: "sub_123",
			PeriodStart:    periodEnd,
			PeriodEnd:      newEnd,
		},
	}

	next, err := billing.Apply(current, ev, nil, billing.AccessPolicy{}, baseTime)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, next.Status)
	assert.Equal(t, newEnd, next.EndDate)
	assert.True(t, next.IsSubscribed)
}

func TestApply_PaymentSucceededStalePeriodIsNoChange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		end  time.Time
	}{
		{"same period end", periodEnd},
		{"earlier period end", periodEnd.AddDate(0, -1, 0)},
		{"zero period end", time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ev := &billing.Event{
				ID:   "evt_5",
				Type: billing.EventPaymentSucceeded,
				Payload: billing.PaymentData{
					SubscriptionID: "sub_123",
					PeriodEnd:      tt.end,
				},
			}
			_, err := billing.Apply(activeSubscription(), ev, nil, billing.AccessPolicy{}, baseTime)
			assert.ErrorIs(t, err, billing.ErrNoChange)
		})
	}
}

func TestApply_PaymentFailed(t *testing.T) {
	t.Parallel()

	ev := &billing.Event{
		ID:      "evt_6",
		Type:    billing.EventPaymentFailed,
		Payload: billing.PaymentData{SubscriptionID: "sub_123"},
	}

	next, err := billing.Apply(activeSubscription(), ev, nil, billing.AccessPolicy{}, baseTime)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPastDue, next.Status)
	assert.False(t, next.IsSubscribed)

	// Already past_due: nothing to do.
	_, err = billing.Apply(next, ev, nil, billing.AccessPolicy{}, baseTime)
	assert.ErrorIs(t, err, billing.ErrNoChange)
}

func TestApply_PastDueGrace(t *testing.T) {
	t.Parallel()

	ev := &billing.Event{
		ID:      "evt_7",
		Type:    billing.EventPaymentFailed,
		Payload: billing.PaymentData{SubscriptionID: "sub_123"},
	}

	next, err := billing.Apply(activeSubscription(), ev, nil, billing.AccessPolicy{PastDueGrace: true}, baseTime)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPastDue, next.Status)
	assert.True(t, next.IsSubscribed)
}

func TestApply_TrialWillEndIsNoChange(t *testing.T) {
	t.Parallel()

	ev := subscriptionEvent(billing.EventTrialWillEnd, billing.SubscriptionData{SubscriptionID: "sub_123"})
	_, err := billing.Apply(activeSubscription(), ev, nil, billing.AccessPolicy{}, baseTime)
	assert.ErrorIs(t, err, billing.ErrNoChange)
}

func TestApply_CancelScheduledThenResumed(t *testing.T) {
	t.Parallel()

	current := activeSubscription()
	scheduled := billing.SubscriptionData{
		SubscriptionID:    "sub_123",
		PriceID:           "price_premium",
		Status:            billing.StatusActive,
		PeriodStart:       periodStart,
		PeriodEnd:         periodEnd,
		CancelAtPeriodEnd: true,
	}

	next, err := billing.Apply(current, subscriptionEvent(billing.EventSubscriptionUpdated, scheduled), testCatalog(), billing.AccessPolicy{}, baseTime)
	require.NoError(t, err)
	assert.True(t, next.CancelAtPeriodEnd)
	assert.False(t, next.AutoRenew)
	assert.True(t, next.IsSubscribed, "access continues until the period lapses")

	resumed := scheduled
	resumed.CancelAtPeriodEnd = false
	next, err = billing.Apply(next, subscriptionEvent(billing.EventSubscriptionUpdated, resumed), testCatalog(), billing.AccessPolicy{}, baseTime)
	require.NoError(t, err)
	assert.False(t, next.CancelAtPeriodEnd)
	assert.True(t, next.AutoRenew)
}
