package billing_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

const (
	primarySecret   = "whsec_primary"
	secondarySecret = "whsec_secondary"
)

func newStripeProvider(t *testing.T) *billing.StripeProvider {
	t.Helper()
	p, err := billing.NewStripeProvider(billing.StripeConfig{
		SecretKey:      "sk_test_123",
		WebhookSecrets: []string{primarySecret, secondarySecret},
	})
	require.NoError(t, err)
	return p
}

// signStripePayload builds a Stripe-Signature header the way Stripe
// does: v1 = HMAC-SHA256(secret, "<timestamp>.<payload>").
func signStripePayload(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func subscriptionEventJSON(eventType string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_test_1",
		"type": %q,
		"data": {
			"object": {
				"id": "sub_123",
				"object": "subscription",
				"status": "active",
				"customer": "cus_123",
				"current_period_start": 1748736000,
				"current_period_end": 1751328000,
				"cancel_at_period_end": false,
				"metadata": {"user_id": "8b9cfc4a-9e0b-4f3a-b2d0-6f5f44b160cf"},
				"items": {"data": [{"id": "si_1", "price": {"id": "price_premium"}}]}
			}
		}
	}`, eventType))
}

func TestStripeParseWebhook(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	provider := newStripeProvider(t)

	t.Run("primary secret", func(t *testing.T) {
		t.Parallel()

		payload := subscriptionEventJSON("customer.subscription.created")
		ev, err := provider.ParseWebhook(ctx, payload, signStripePayload(payload, primarySecret))
		require.NoError(t, err)

		assert.Equal(t, "evt_test_1", ev.ID)
		assert.Equal(t, billing.EventSubscriptionCreated, ev.Type)

		data, ok := ev.Payload.(billing.SubscriptionData)
		require.True(t, ok)
		assert.Equal(t, "sub_123", data.SubscriptionID)
		assert.Equal(t, "cus_123", data.CustomerID)
		assert.Equal(t, billing.StatusActive, data.Status)
		assert.Equal(t, "price_premium", data.PriceID)
		assert.Equal(t, "8b9cfc4a-9e0b-4f3a-b2d0-6f5f44b160cf", data.UserID)
		assert.Equal(t, time.Unix(1751328000, 0).UTC(), data.PeriodEnd)
	})

	t.Run("falls back to secondary secret", func(t *testing.T) {
		t.Parallel()

		payload := subscriptionEventJSON("customer.subscription.updated")
		ev, err := provider.ParseWebhook(ctx, payload, signStripePayload(payload, secondarySecret))
		require.NoError(t, err)
		assert.Equal(t, billing.EventSubscriptionUpdated, ev.Type)
	})

	t.Run("unknown secret rejected", func(t *testing.T) {
		t.Parallel()

		payload := subscriptionEventJSON("customer.subscription.updated")
		_, err := provider.ParseWebhook(ctx, payload, signStripePayload(payload, "whsec_other"))
		assert.ErrorIs(t, err, billing.ErrSignatureInvalid)
	})

	t.Run("garbage signature rejected", func(t *testing.T) {
		t.Parallel()

		payload := subscriptionEventJSON("customer.subscription.updated")
		_, err := provider.ParseWebhook(ctx, payload, "t=0,v1=deadbeef")
		assert.ErrorIs(t, err, billing.ErrSignatureInvalid)
	})

	t.Run("deleted maps to subscription deleted", func(t *testing.T) {
		t.Parallel()

		payload := subscriptionEventJSON("customer.subscription.deleted")
		ev, err := provider.ParseWebhook(ctx, payload, signStripePayload(payload, primarySecret))
		require.NoError(t, err)
		assert.Equal(t, billing.EventSubscriptionDeleted, ev.Type)
	})

	t.Run("invoice payment succeeded", func(t *testing.T) {
		t.Parallel()

		payload := []byte(`{
			"id": "evt_test_2",
			"type": "invoice.payment_succeeded",
			"data": {
				"object": {
					"id": "in_1",
					"object": "invoice",
					"subscription": "sub_123",
					"amount_paid": 1999,
					"currency": "usd",
					"lines": {"data": [{"period": {"start": 1751328000, "end": 1754006400}}]}
				}
			}
		}`)
		ev, err := provider.ParseWebhook(ctx, payload, signStripePayload(payload, primarySecret))
		require.NoError(t, err)

		assert.Equal(t, billing.EventPaymentSucceeded, ev.Type)
		data, ok := ev.Payload.(billing.PaymentData)
		require.True(t, ok)
		assert.Equal(t, "sub_123", data.SubscriptionID)
		assert.Equal(t, int64(1999), data.Amount.Amount)
		assert.Equal(t, time.Unix(1754006400, 0).UTC(), data.PeriodEnd)
	})

	t.Run("invoice payment failed carries the decline message", func(t *testing.T) {
		t.Parallel()

		payload := []byte(`{
			"id": "evt_test_4",
			"type": "invoice.payment_failed",
			"data": {
				"object": {
					"id": "in_3",
					"object": "invoice",
					"subscription": "sub_123",
					"billing_reason": "subscription_cycle",
					"currency": "usd",
					"payment_intent": {
						"id": "pi_1",
						"object": "payment_intent",
						"last_payment_error": {
							"message": "Your card was declined.",
							"decline_code": "generic_decline"
						}
					}
				}
			}
		}`)
		ev, err := provider.ParseWebhook(ctx, payload, signStripePayload(payload, primarySecret))
		require.NoError(t, err)

		assert.Equal(t, billing.EventPaymentFailed, ev.Type)
		data, ok := ev.Payload.(billing.PaymentData)
		require.True(t, ok)
		assert.Equal(t, "Your card was declined.", data.Reason)
	})

	t.Run("invoice payment failed without expanded intent", func(t *testing.T) {
		t.Parallel()

		payload := []byte(`{
			"id": "evt_test_5",
			"type": "invoice.payment_failed",
			"data": {
				"object": {
					"id": "in_4",
					"object": "invoice",
					"subscription": "sub_123",
					"billing_reason": "subscription_cycle",
					"currency": "usd",
					"payment_intent": "pi_2"
				}
			}
		}`)
		ev, err := provider.ParseWebhook(ctx, payload, signStripePayload(payload, primarySecret))
		require.NoError(t, err)

		data, ok := ev.Payload.(billing.PaymentData)
		require.True(t, ok)
		assert.Empty(t, data.Reason)
	})

	t.Run("unhandled type preserved as unknown", func(t *testing.T) {
		t.Parallel()

		payload := []byte(`{
			"id": "evt_test_3",
			"type": "invoice.finalized",
			"data": {"object": {"id": "in_2", "object": "invoice"}}
		}`)
		ev, err := provider.ParseWebhook(ctx, payload, signStripePayload(payload, primarySecret))
		require.NoError(t, err)

		assert.Equal(t, billing.EventUnknown, ev.Type)
		data, ok := ev.Payload.(billing.UnknownData)
		require.True(t, ok)
		assert.Equal(t, "invoice.finalized", data.ProviderEvent)
	})
}

func TestNewStripeProvider_Validation(t *testing.T) {
	t.Parallel()

	_, err := billing.NewStripeProvider(billing.StripeConfig{WebhookSecrets: []string{"whsec"}})
	assert.Error(t, err)

	_, err = billing.NewStripeProvider(billing.StripeConfig{SecretKey: "sk_test"})
	assert.Error(t, err)
}
