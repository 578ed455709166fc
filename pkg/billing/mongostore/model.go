package mongostore

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

// subscriptionDoc is the persisted shape. User IDs are stored as
// strings so the documents stay readable in shell queries.
type subscriptionDoc struct {
	UserID             string            `bson:"user_id"`
	PlanID             string            `bson:"plan_id"`
	Status             string            `bson:"status"`
	PriceAmount        int64             `bson:"price_amount"`
	PriceCurrency      string            `bson:"price_currency"`
	Interval           string            `bson:"interval"`
	AutoRenew          bool              `bson:"auto_renew"`
	StartDate          time.Time         `bson:"start_date"`
	EndDate            time.Time         `bson:"end_date"`
	CancelAtPeriodEnd  bool              `bson:"cancel_at_period_end"`
	TrialEndsAt        *time.Time        `bson:"trial_ends_at,omitempty"`
	ProviderSubID      string            `bson:"provider_subscription_id,omitempty"`
	ProviderCustomerID string            `bson:"provider_customer_id,omitempty"`
	ProviderPriceID    string            `bson:"provider_price_id,omitempty"`
	Metadata           map[string]string `bson:"metadata,omitempty"`
	IsSubscribed       bool              `bson:"is_subscribed"`
	CreatedAt          time.Time         `bson:"created_at"`
	UpdatedAt          time.Time         `bson:"updated_at"`
}

func fromDomain(sub *billing.Subscription) subscriptionDoc {
	return subscriptionDoc{
		UserID:             sub.UserID.String(),
		PlanID:             sub.PlanID,
		Status:             string(sub.Status),
		PriceAmount:        sub.Price.Amount,
		PriceCurrency:      sub.Price.Currency,
		Interval:           string(sub.Interval),
		AutoRenew:          sub.AutoRenew,
		StartDate:          sub.StartDate,
		EndDate:            sub.EndDate,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		TrialEndsAt:        sub.TrialEndsAt,
		ProviderSubID:      sub.ProviderSubID,
		ProviderCustomerID: sub.ProviderCustomerID,
		ProviderPriceID:    sub.ProviderPriceID,
		Metadata:           sub.Metadata,
		IsSubscribed:       sub.IsSubscribed,
		CreatedAt:          sub.CreatedAt,
		UpdatedAt:          sub.UpdatedAt,
	}
}

func (d subscriptionDoc) toDomain() (*billing.Subscription, error) {
	userID, err := uuid.Parse(d.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user id %q: %w", d.UserID, err)
	}
	return &billing.Subscription{
		UserID:             userID,
		PlanID:             d.PlanID,
		Status:             billing.Status(d.Status),
		Price:              billing.Money{Amount: d.PriceAmount, Currency: d.PriceCurrency},
		Interval:           billing.BillingInterval(d.Interval),
		AutoRenew:          d.AutoRenew,
		StartDate:          d.StartDate,
		EndDate:            d.EndDate,
		CancelAtPeriodEnd:  d.CancelAtPeriodEnd,
		TrialEndsAt:        d.TrialEndsAt,
		ProviderSubID:      d.ProviderSubID,
		ProviderCustomerID: d.ProviderCustomerID,
		ProviderPriceID:    d.ProviderPriceID,
		Metadata:           d.Metadata,
		IsSubscribed:       d.IsSubscribed,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}, nil
}
