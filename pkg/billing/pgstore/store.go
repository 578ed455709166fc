// Package pgstore persists billing projections in PostgreSQL. The
// schema lives in migrations/ and is applied with goose at startup.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

// Store implements billing.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a store using the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const subscriptionColumns = `user_id, plan_id, status, price_amount, price_currency, billing_interval,
	auto_renew, start_date, end_date, cancel_at_period_end, trial_ends_at,
	provider_subscription_id, provider_customer_id, provider_price_id,
	metadata, is_subscribed, created_at, updated_at`

func (s *Store) Get(ctx context.Context, userID uuid.UUID) (*billing.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID)
	return scanSubscription(row)
}

func (s *Store) GetByProviderSubID(ctx context.Context, providerSubID string) (*billing.Subscription, error) {
	if providerSubID == "" {
		return nil, billing.ErrSubscriptionNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = $1`, providerSubID)
	return scanSubscription(row)
}

// Save upserts the projection. The single statement commits the
// status together with its derived flags.
func (s *Store) Save(ctx context.Context, sub *billing.Subscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (user_id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			status = EXCLUDED.status,
			price_amount = EXCLUDED.price_amount,
			price_currency = EXCLUDED.price_currency,
			billing_interval = EXCLUDED.billing_interval,
			auto_renew = EXCLUDED.auto_renew,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			trial_ends_at = EXCLUDED.trial_ends_at,
			provider_subscription_id = EXCLUDED.provider_subscription_id,
			provider_customer_id = EXCLUDED.provider_customer_id,
			provider_price_id = EXCLUDED.provider_price_id,
			metadata = EXCLUDED.metadata,
			is_subscribed = EXCLUDED.is_subscribed,
			updated_at = EXCLUDED.updated_at`,
		sub.UserID, sub.PlanID, string(sub.Status), sub.Price.Amount, sub.Price.Currency,
		string(sub.Interval), sub.AutoRenew, sub.StartDate, sub.EndDate,
		sub.CancelAtPeriodEnd, sub.TrialEndsAt, nullable(sub.ProviderSubID),
		nullable(sub.ProviderCustomerID), nullable(sub.ProviderPriceID),
		sub.Metadata, sub.IsSubscribed, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

func (s *Store) ListLapsed(ctx context.Context, now time.Time) ([]*billing.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE status = ANY($1) AND end_date < $2`,
		[]string{
			string(billing.StatusActive),
			string(billing.StatusTrialing),
			string(billing.StatusPastDue),
		}, now)
	if err != nil {
		return nil, fmt.Errorf("list lapsed subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}

func (s *Store) Metrics(ctx context.Context) (*billing.Metrics, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, plan_id, is_subscribed, COUNT(*)
		FROM subscriptions
		GROUP BY status, plan_id, is_subscribed`)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	m := &billing.Metrics{
		ByStatus: make(map[billing.Status]int64),
		ByPlan:   make(map[string]int64),
	}
	for rows.Next() {
		var (
			status, planID string
			isSubscribed   bool
			count          int64
		)
		if err := rows.Scan(&status, &planID, &isSubscribed, &count); err != nil {
			return nil, fmt.Errorf("scan metrics row: %w", err)
		}
		m.Total += count
		if isSubscribed {
			m.Subscribed += count
		} else {
			m.Unsubscribed += count
		}
		m.ByStatus[billing.Status(status)] += count
		if planID != "" {
			m.ByPlan[planID] += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics: %w", err)
	}
	return m, nil
}

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var (
		sub        billing.Subscription
		status     string
		interval   string
		subID      *string
		customerID *string
		priceID    *string
	)
	err := row.Scan(
		&sub.UserID, &sub.PlanID, &status, &sub.Price.Amount, &sub.Price.Currency,
		&interval, &sub.AutoRenew, &sub.StartDate, &sub.EndDate,
		&sub.CancelAtPeriodEnd, &sub.TrialEndsAt, &subID, &customerID, &priceID,
		&sub.Metadata, &sub.IsSubscribed, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.Status = billing.Status(status)
	sub.Interval = billing.BillingInterval(interval)
	sub.ProviderSubID = deref(subID)
	sub.ProviderCustomerID = deref(customerID)
	sub.ProviderPriceID = deref(priceID)
	return &sub, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
