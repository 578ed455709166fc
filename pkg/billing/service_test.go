package billing_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

func newTestService(t *testing.T, provider billing.Provider, store billing.Store, opts ...billing.Option) billing.Service {
	t.Helper()
	opts = append([]billing.Option{billing.WithClock(fixedClock(baseTime))}, opts...)
	svc, err := billing.NewService(testCatalog(), provider, store, opts...)
	require.NoError(t, err)
	return svc
}

func TestNewService_Validation(t *testing.T) {
	t.Parallel()

	provider := new(mockProvider)
	store := billing.NewMemoryStore()

	_, err := billing.NewService(nil, provider, store)
	assert.Error(t, err)
	_, err = billing.NewService(testCatalog(), nil, store)
	assert.Error(t, err)
	_, err = billing.NewService(testCatalog(), provider, nil)
	assert.Error(t, err)
}

func TestAvailablePlans(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, new(mockProvider), billing.NewMemoryStore())
	plans := svc.AvailablePlans()
	require.Len(t, plans, 3)
	assert.Equal(t, "basic", plans[0].ID)
}

func TestCreateSubscription(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	user := billing.User{ID: uuid.New(), Email: "jo@example.com", Name: "Jo"}

	t.Run("happy path", func(t *testing.T) {
		t.Parallel()

		provider := new(mockProvider)
		store := billing.NewMemoryStore()
		svc := newTestService(t, provider, store)

		provider.On("CreateCustomer", mock.Anything, mock.MatchedBy(func(p billing.CustomerParams) bool {
			return p.UserID == user.ID && p.Email == user.Email
		})).Return("cus_1", nil).Once()
		provider.On("AttachPaymentMethod", mock.Anything, "cus_1", "pm_1").Return(nil).Once()
		provider.On("CreateSubscription", mock.Anything, mock.MatchedBy(func(p billing.SubscriptionParams) bool {
			return p.CustomerID == "cus_1" &&
				p.PriceID == "price_premium" &&
				p.TrialDays == 14 &&
				p.Metadata["user_id"] == user.ID.String()
		})).Return(&billing.ProviderSubscription{
			ID:           "sub_1",
			CustomerID:   "cus_1",
			PriceID:      "price_premium",
			Status:       billing.StatusTrialing,
			PeriodStart:  periodStart,
			PeriodEnd:    periodEnd,
			ClientSecret: "pi_secret_1",
		}, nil).Once()

		resp, err := svc.CreateSubscription(ctx, user, billing.CreateSubscriptionParams{
			PlanID:          "premium",
			Price:           billing.Money{Amount: 1999, Currency: "USD"},
			PaymentMethodID: "pm_1",
		})
		require.NoError(t, err)

		assert.Equal(t, "sub_1", resp.SubscriptionID)
		assert.Equal(t, billing.StatusTrialing, resp.Status)
		assert.Equal(t, "pi_secret_1", resp.ClientSecret)

		stored, err := store.Get(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "premium", stored.PlanID)
		assert.True(t, stored.IsSubscribed)
		assert.Equal(t, "cus_1", stored.ProviderCustomerID)
		provider.AssertExpectations(t)
	})

	t.Run("unknown plan", func(t *testing.T) {
		t.Parallel()

		svc := newTestService(t, new(mockProvider), billing.NewMemoryStore())
		_, err := svc.CreateSubscription(ctx, user, billing.CreateSubscriptionParams{
			PlanID: "platinum",
			Price:  billing.Money{Amount: 1, Currency: "usd"},
		})
		assert.ErrorIs(t, err, billing.ErrPlanNotFound)
	})

	t.Run("price mismatch", func(t *testing.T) {
		t.Parallel()

		svc := newTestService(t, new(mockProvider), billing.NewMemoryStore())
		_, err := svc.CreateSubscription(ctx, user, billing.CreateSubscriptionParams{
			PlanID: "premium",
			Price:  billing.Money{Amount: 999, Currency: "usd"},
		})
		assert.ErrorIs(t, err, billing.ErrPriceMismatch)
	})

	t.Run("already subscribed", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		sub := activeSubscription()
		sub.UserID = user.ID
		require.NoError(t, store.Save(ctx, sub))

		svc := newTestService(t, new(mockProvider), store)
		_, err := svc.CreateSubscription(ctx, user, billing.CreateSubscriptionParams{
			PlanID: "premium",
			Price:  billing.Money{Amount: 1999, Currency: "usd"},
		})
		assert.ErrorIs(t, err, billing.ErrAlreadySubscribed)
	})

	t.Run("reuses existing customer after expiry", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		old := activeSubscription()
		old.UserID = user.ID
		old.Status = billing.StatusExpired
		old.IsSubscribed = false
		old.ProviderCustomerID = "cus_old"
		require.NoError(t, store.Save(ctx, old))

		provider := new(mockProvider)
		provider.On("CreateSubscription", mock.Anything, mock.MatchedBy(func(p billing.SubscriptionParams) bool {
			return p.CustomerID == "cus_old"
		})).Return(&billing.ProviderSubscription{
			ID:          "sub_2",
			Status:      billing.StatusActive,
			PeriodStart: periodStart,
			PeriodEnd:   periodEnd,
		}, nil).Once()

		svc := newTestService(t, provider, store)
		_, err := svc.CreateSubscription(ctx, user, billing.CreateSubscriptionParams{
			PlanID: "basic",
			Price:  billing.Money{Amount: 999, Currency: "usd"},
		})
		require.NoError(t, err)
		provider.AssertNotCalled(t, "CreateCustomer", mock.Anything, mock.Anything)
	})
}

func TestCancelSubscription(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	userID := uuid.New()

	seed := func(t *testing.T) (*billing.MemoryStore, *billing.Subscription) {
		t.Helper()
		store := billing.NewMemoryStore()
		sub := activeSubscription()
		sub.UserID = userID
		require.NoError(t, store.Save(ctx, sub))
		return store, sub
	}

	t.Run("schedules cancellation", func(t *testing.T) {
		t.Parallel()

		store, _ := seed(t)
		provider := new(mockProvider)
		provider.On("CancelAtPeriodEnd", mock.Anything, "sub_123").Return(&billing.ProviderSubscription{
			ID:                "sub_123",
			Status:            billing.StatusActive,
			PeriodEnd:         periodEnd,
			CancelAtPeriodEnd: true,
		}, nil).Once()

		svc := newTestService(t, provider, store)
		resp, err := svc.CancelSubscription(ctx, userID)
		require.NoError(t, err)

		assert.True(t, resp.CancelAtPeriodEnd)
		assert.Equal(t, periodEnd, resp.EndDate)

		stored, err := store.Get(ctx, userID)
		require.NoError(t, err)
		assert.True(t, stored.CancelAtPeriodEnd)
		assert.False(t, stored.AutoRenew)
		assert.True(t, stored.IsSubscribed, "access runs until period end")
		provider.AssertExpectations(t)
	})

	t.Run("double cancel is a no-op", func(t *testing.T) {
		t.Parallel()

		store, sub := seed(t)
		sub.CancelAtPeriodEnd = true
		sub.AutoRenew = false
		require.NoError(t, store.Save(ctx, sub))

		provider := new(mockProvider)
		svc := newTestService(t, provider, store)

		resp, err := svc.CancelSubscription(ctx, userID)
		require.NoError(t, err)
		assert.True(t, resp.CancelAtPeriodEnd)
		provider.AssertNotCalled(t, "CancelAtPeriodEnd", mock.Anything, mock.Anything)
	})

	t.Run("no subscription", func(t *testing.T) {
		t.Parallel()

		svc := newTestService(t, new(mockProvider), billing.NewMemoryStore())
		_, err := svc.CancelSubscription(ctx, uuid.New())
		assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	})
}

func TestReactivateSubscription(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	userID := uuid.New()

	t.Run("removes scheduled cancellation", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		sub := activeSubscription()
		sub.UserID = userID
		sub.CancelAtPeriodEnd = true
		sub.AutoRenew = false
		require.NoError(t, store.Save(ctx, sub))

		provider := new(mockProvider)
		provider.On("ResumeSubscription", mock.Anything, "sub_123").Return(&billing.ProviderSubscription{
			ID:        "sub_123",
			Status:    billing.StatusActive,
			PeriodEnd: periodEnd,
		}, nil).Once()

		svc := newTestService(t, provider, store)
		resp, err := svc.ReactivateSubscription(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, resp.Status)

		stored, err := store.Get(ctx, userID)
		require.NoError(t, err)
		assert.False(t, stored.CancelAtPeriodEnd)
		assert.True(t, stored.AutoRenew)
		provider.AssertExpectations(t)
	})

	t.Run("not scheduled for cancellation", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		sub := activeSubscription()
		sub.UserID = userID
		require.NoError(t, store.Save(ctx, sub))

		provider := new(mockProvider)
		svc := newTestService(t, provider, store)

		_, err := svc.ReactivateSubscription(ctx, userID)
		assert.ErrorIs(t, err, billing.ErrNotScheduledForCancellation)

		// The conflict must leave the projection untouched.
		stored, storeErr := store.Get(ctx, userID)
		require.NoError(t, storeErr)
		assert.Equal(t, billing.StatusActive, stored.Status)
		assert.False(t, stored.CancelAtPeriodEnd)
		provider.AssertNotCalled(t, "ResumeSubscription", mock.Anything, mock.Anything)
	})
}

func TestChangeSubscriptionPlan(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	userID := uuid.New()

	t.Run("swaps plan with proration", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		sub := activeSubscription()
		sub.UserID = userID
		require.NoError(t, store.Save(ctx, sub))

		provider := new(mockProvider)
		provider.On("ChangePlan", mock.Anything, "sub_123", "price_enterprise").Return(&billing.ProviderSubscription{
			ID:        "sub_123",
			PriceID:   "price_enterprise",
			Status:    billing.StatusActive,
			PeriodEnd: periodEnd,
		}, nil).Once()

		svc := newTestService(t, provider, store)
		resp, err := svc.ChangeSubscriptionPlan(ctx, userID, "enterprise")
		require.NoError(t, err)
		assert.Equal(t, "enterprise", resp.PlanID)
		assert.Equal(t, int64(4999), resp.Price.Amount)

		stored, err := store.Get(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, "enterprise", stored.PlanID)
		assert.Equal(t, int64(4999), stored.Price.Amount)
		assert.Equal(t, "price_enterprise", stored.ProviderPriceID)
		provider.AssertExpectations(t)
	})

	t.Run("same plan rejected", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		sub := activeSubscription()
		sub.UserID = userID
		require.NoError(t, store.Save(ctx, sub))

		svc := newTestService(t, new(mockProvider), store)
		_, err := svc.ChangeSubscriptionPlan(ctx, userID, "premium")
		assert.ErrorIs(t, err, billing.ErrNoChange)
	})

	t.Run("unknown plan", func(t *testing.T) {
		t.Parallel()

		svc := newTestService(t, new(mockProvider), billing.NewMemoryStore())
		_, err := svc.ChangeSubscriptionPlan(ctx, userID, "platinum")
		assert.ErrorIs(t, err, billing.ErrPlanNotFound)
	})
}

func TestGetSubscriptionStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	userID := uuid.New()

	t.Run("no record means not subscribed", func(t *testing.T) {
		t.Parallel()

		svc := newTestService(t, new(mockProvider), billing.NewMemoryStore())
		resp, err := svc.GetSubscriptionStatus(ctx, uuid.New())
		require.NoError(t, err)
		assert.False(t, resp.IsSubscribed)
		assert.Nil(t, resp.Subscription)
	})

	t.Run("read-through refreshes from provider", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		sub := activeSubscription()
		sub.UserID = userID
		require.NoError(t, store.Save(ctx, sub))

		newEnd := periodEnd.AddDate(0, 1, 0)
		provider := new(mockProvider)
		provider.On("GetSubscription", mock.Anything, "sub_123").Return(&billing.ProviderSubscription{
			ID:          "sub_123",
			PriceID:     "price_premium",
			Status:      billing.StatusActive,
			PeriodStart: periodEnd,
			PeriodEnd:   newEnd,
		}, nil).Once()

		svc := newTestService(t, provider, store)
		resp, err := svc.GetSubscriptionStatus(ctx, userID)
		require.NoError(t, err)
		assert.True(t, resp.IsSubscribed)
		assert.Equal(t, newEnd, resp.Subscription.EndDate)

		stored, err := store.Get(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, newEnd, stored.EndDate)
	})

	t.Run("serves local state when provider is down", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		sub := activeSubscription()
		sub.UserID = userID
		require.NoError(t, store.Save(ctx, sub))

		provider := new(mockProvider)
		provider.On("GetSubscription", mock.Anything, "sub_123").
			Return(nil, billing.ErrProviderUnavailable).Once()

		svc := newTestService(t, provider, store)
		resp, err := svc.GetSubscriptionStatus(ctx, userID)
		require.NoError(t, err)
		assert.True(t, resp.IsSubscribed)
		assert.Equal(t, periodEnd, resp.Subscription.EndDate)
	})
}

func TestSyncSubscriptionStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	userID := uuid.New()

	t.Run("propagates provider failure", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		sub := activeSubscription()
		sub.UserID = userID
		require.NoError(t, store.Save(ctx, sub))

		provider := new(mockProvider)
		provider.On("GetSubscription", mock.Anything, "sub_123").
			Return(nil, billing.ErrProviderUnavailable).Once()

		svc := newTestService(t, provider, store)
		_, err := svc.SyncSubscriptionStatus(ctx, userID)
		assert.ErrorIs(t, err, billing.ErrProviderUnavailable)
	})

	t.Run("no record is an error", func(t *testing.T) {
		t.Parallel()

		svc := newTestService(t, new(mockProvider), billing.NewMemoryStore())
		_, err := svc.SyncSubscriptionStatus(ctx, uuid.New())
		assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	})

	t.Run("overwrites drifted local state", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		sub := activeSubscription()
		sub.UserID = userID
		require.NoError(t, store.Save(ctx, sub))

		provider := new(mockProvider)
		provider.On("GetSubscription", mock.Anything, "sub_123").Return(&billing.ProviderSubscription{
			ID:        "sub_123",
			PriceID:   "price_premium",
			Status:    billing.StatusCancelled,
			PeriodEnd: periodEnd,
		}, nil).Once()

		svc := newTestService(t, provider, store)
		resp, err := svc.SyncSubscriptionStatus(ctx, userID)
		require.NoError(t, err)
		assert.False(t, resp.IsSubscribed)
		assert.Equal(t, billing.StatusCancelled, resp.Subscription.Status)
	})
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := billing.NewMemoryStore()
	for i := 0; i < 3; i++ {
		sub := activeSubscription()
		sub.UserID = uuid.New()
		require.NoError(t, store.Save(ctx, sub))
	}
	lapsed := activeSubscription()
	lapsed.UserID = uuid.New()
	lapsed.Status = billing.StatusExpired
	lapsed.IsSubscribed = false
	require.NoError(t, store.Save(ctx, lapsed))

	svc := newTestService(t, new(mockProvider), store)
	m, err := svc.Metrics(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(4), m.Total)
	assert.Equal(t, int64(3), m.Subscribed)
	assert.Equal(t, int64(1), m.Unsubscribed)
	assert.Equal(t, int64(3), m.ByStatus[billing.StatusActive])
	assert.Equal(t, int64(4), m.ByPlan["premium"])
}
