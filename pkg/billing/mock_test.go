package billing_test

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) CreateCustomer(ctx context.Context, params billing.CustomerParams) (string, error) {
	args := m.Called(ctx, params)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	args := m.Called(ctx, customerID, paymentMethodID)
	return args.Error(0)
}

func (m *mockProvider) CreateSubscription(ctx context.Context, params billing.SubscriptionParams) (*billing.ProviderSubscription, error) {
	args := m.Called(ctx, params)
	if sub := args.Get(0); sub != nil {
		return sub.(*billing.ProviderSubscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) GetSubscription(ctx context.Context, subscriptionID string) (*billing.ProviderSubscription, error) {
	args := m.Called(ctx, subscriptionID)
	if sub := args.Get(0); sub != nil {
		return sub.(*billing.ProviderSubscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*billing.ProviderSubscription, error) {
	args := m.Called(ctx, subscriptionID)
	if sub := args.Get(0); sub != nil {
		return sub.(*billing.ProviderSubscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) ResumeSubscription(ctx context.Context, subscriptionID string) (*billing.ProviderSubscription, error) {
	args := m.Called(ctx, subscriptionID)
	if sub := args.Get(0); sub != nil {
		return sub.(*billing.ProviderSubscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) ChangePlan(ctx context.Context, subscriptionID, newPriceID string) (*billing.ProviderSubscription, error) {
	args := m.Called(ctx, subscriptionID, newPriceID)
	if sub := args.Get(0); sub != nil {
		return sub.(*billing.ProviderSubscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (*billing.Event, error) {
	args := m.Called(ctx, payload, signature)
	if ev := args.Get(0); ev != nil {
		return ev.(*billing.Event), args.Error(1)
	}
	return nil, args.Error(1)
}

// testPlans mirrors a typical three tier catalog.
func testPlans() []billing.Plan {
	return []billing.Plan{
		{
			ID:              "basic",
			Name:            "Basic",
			Price:           billing.Money{Amount: 999, Currency: "usd"},
			Interval:        billing.IntervalMonth,
			ProviderPriceID: "price_basic",
		},
		{
			ID:              "premium",
			Name:            "Premium",
			Price:           billing.Money{Amount: 1999, Currency: "usd"},
			Interval:        billing.IntervalMonth,
			ProviderPriceID: "price_premium",
			TrialDays:       14,
		},
		{
			ID:              "enterprise",
			Name:            "Enterprise",
			Price:           billing.Money{Amount: 4999, Currency: "usd"},
			Interval:        billing.IntervalMonth,
			ProviderPriceID: "price_enterprise",
		},
	}
}

func testCatalog() *billing.Catalog {
	catalog, err := billing.NewCatalog(context.Background(), billing.NewMemorySource(testPlans()...))
	if err != nil {
		panic(err)
	}
	return catalog
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
