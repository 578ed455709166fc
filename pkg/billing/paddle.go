package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// PaddleConfig configures the Paddle adapter.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY,required"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET,required"`
	SandboxMode   bool   `env:"PADDLE_SANDBOX_MODE" envDefault:"true"`
}

// PaddleProvider implements Provider and CheckoutProvider on top of
// Paddle Billing. Paddle collects payment details exclusively through
// its hosted surfaces, so subscription creation, payment method
// attachment, plan changes and reactivation go through the checkout
// and customer portal links; those Provider methods return
// ErrNotSupported and the projection is driven by webhooks instead.
type PaddleProvider struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
	now      func() time.Time
}

// NewPaddleProvider returns a Paddle-backed provider.
func NewPaddleProvider(cfg PaddleConfig) (*PaddleProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("paddle: api key is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("paddle: webhook secret is required")
	}

	var (
		client *paddle.SDK
		err    error
	)
	if cfg.SandboxMode {
		client, err = paddle.NewSandbox(cfg.APIKey)
	} else {
		client, err = paddle.New(cfg.APIKey)
	}
	if err != nil {
		return nil, fmt.Errorf("paddle: init client: %w", err)
	}

	return &PaddleProvider{
		client:   client,
		verifier: paddle.NewWebhookVerifier(cfg.WebhookSecret),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (p *PaddleProvider) CreateCustomer(ctx context.Context, params CustomerParams) (string, error) {
	req := &paddle.CreateCustomerRequest{
		Email: params.Email,
		CustomData: paddle.CustomData{
			"user_id": params.UserID.String(),
		},
	}
	if params.Name != "" {
		req.Name = paddle.PtrTo(params.Name)
	}
	customer, err := p.client.CustomersClient.CreateCustomer(ctx, req)
	if err != nil {
		return "", wrapPaddleErr("create customer", err)
	}
	return customer.ID, nil
}

func (p *PaddleProvider) AttachPaymentMethod(context.Context, string, string) error {
	return errors.Join(ErrNotSupported, errors.New("paddle collects payment methods via hosted checkout"))
}

func (p *PaddleProvider) CreateSubscription(context.Context, SubscriptionParams) (*ProviderSubscription, error) {
	return nil, errors.Join(ErrNotSupported, errors.New("paddle subscriptions start via hosted checkout"))
}

func (p *PaddleProvider) GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	sub, err := p.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{
		SubscriptionID: subscriptionID,
	})
	if err != nil {
		return nil, wrapPaddleErr("get subscription", err)
	}
	return paddleSubscription(sub), nil
}

func (p *PaddleProvider) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	sub, err := p.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
		SubscriptionID: subscriptionID,
		EffectiveFrom:  paddle.PtrTo(paddle.EffectiveFromNextBillingPeriod),
	})
	if err != nil {
		return nil, wrapPaddleErr("cancel subscription", err)
	}
	return paddleSubscription(sub), nil
}

func (p *PaddleProvider) ResumeSubscription(context.Context, string) (*ProviderSubscription, error) {
	return nil, errors.Join(ErrNotSupported, errors.New("paddle cancellations are undone via the customer portal"))
}

func (p *PaddleProvider) ChangePlan(context.Context, string, string) (*ProviderSubscription, error) {
	return nil, errors.Join(ErrNotSupported, errors.New("paddle plan changes go through the customer portal"))
}

func (p *PaddleProvider) CreateCheckoutLink(ctx context.Context, req CheckoutRequest) (*CheckoutLink, error) {
	if req.PriceID == "" {
		return nil, errors.New("paddle: price id is required")
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  req.PriceID,
		Quantity: 1,
	})
	txReq := &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			"user_id": req.UserID.String(),
		},
	}
	if req.Email != "" {
		txReq.CustomData["email"] = req.Email
	}
	if req.SuccessURL != "" {
		txReq.Checkout = &paddle.TransactionCheckout{
			URL: paddle.PtrTo(req.SuccessURL),
		}
	}

	tx, err := p.client.TransactionsClient.CreateTransaction(ctx, txReq)
	if err != nil {
		return nil, wrapPaddleErr("create transaction", err)
	}
	if tx.Checkout == nil || tx.Checkout.URL == nil {
		return nil, errors.Join(ErrProviderUnavailable, errors.New("paddle returned no checkout url"))
	}
	return &CheckoutLink{
		URL:       *tx.Checkout.URL,
		SessionID: tx.ID,
		ExpiresAt: p.now().Add(24 * time.Hour),
	}, nil
}

func (p *PaddleProvider) GetCustomerPortalLink(ctx context.Context, customerID, subscriptionID string) (*PortalLink, error) {
	req := &paddle.CreateCustomerPortalSessionRequest{
		CustomerID: customerID,
	}
	if subscriptionID != "" {
		req.SubscriptionIDs = []string{subscriptionID}
	}
	session, err := p.client.CustomerPortalSessionsClient.CreateCustomerPortalSession(ctx, req)
	if err != nil {
		return nil, wrapPaddleErr("create portal session", err)
	}

	link := &PortalLink{
		URL:       session.URLs.General.Overview,
		ExpiresAt: p.now().Add(24 * time.Hour),
	}
	for _, subURL := range session.URLs.Subscriptions {
		if subURL.ID != subscriptionID {
			continue
		}
		link.CancelURL = subURL.CancelSubscription
		link.UpdatePaymentURL = subURL.UpdateSubscriptionPaymentMethod
		break
	}
	if link.URL == "" {
		return nil, errors.Join(ErrProviderUnavailable, errors.New("paddle returned no portal url"))
	}
	return link, nil
}

// ParseWebhook verifies the Paddle-Signature header and normalizes the
// event. Paddle signs the raw body, so the payload must not be
// re-serialized before this call.
func (p *PaddleProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("paddle: build verification request: %w", err)
	}
	req.Header.Set("Paddle-Signature", signature)

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrSignatureInvalid, err)
	}
	if !valid {
		return nil, ErrSignatureInvalid
	}

	var raw struct {
		EventID   string          `json:"event_id"`
		EventType string          `json:"event_type"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, errors.Join(ErrPayloadMalformed, err)
	}

	out := &Event{ID: raw.EventID, ReceivedAt: p.now()}

	switch raw.EventType {
	case "subscription.created":
		out.Type = EventSubscriptionCreated
	case "subscription.updated", "subscription.resumed", "subscription.past_due", "subscription.activated":
		out.Type = EventSubscriptionUpdated
	case "subscription.canceled":
		out.Type = EventSubscriptionDeleted
	case "subscription.trialing":
		out.Type = EventTrialWillEnd
	case "transaction.completed", "transaction.payment_succeeded":
		out.Type = EventPaymentSucceeded
	case "transaction.payment_failed":
		out.Type = EventPaymentFailed
	default:
		out.Type = EventUnknown
		out.Payload = UnknownData{ProviderEvent: raw.EventType, Raw: raw.Data}
		return out, nil
	}

	switch out.Type {
	case EventPaymentSucceeded, EventPaymentFailed:
		data, err := paddlePaymentData(raw.Data)
		if err != nil {
			return nil, errors.Join(ErrPayloadMalformed, err)
		}
		out.Payload = data
	default:
		data, err := paddleSubscriptionData(raw.Data)
		if err != nil {
			return nil, errors.Join(ErrPayloadMalformed, err)
		}
		out.Payload = data
	}
	return out, nil
}

func paddleSubscriptionData(raw json.RawMessage) (SubscriptionData, error) {
	var body struct {
		ID                   string `json:"id"`
		CustomerID           string `json:"customer_id"`
		Status               string `json:"status"`
		CustomData           map[string]any `json:"custom_data"`
		CurrentBillingPeriod *struct {
			StartsAt string `json:"starts_at"`
			EndsAt   string `json:"ends_at"`
		} `json:"current_billing_period"`
		ScheduledChange *struct {
			Action string `json:"action"`
		} `json:"scheduled_change"`
		Items []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			TrialDates *struct {
				EndsAt string `json:"ends_at"`
			} `json:"trial_dates"`
		} `json:"items"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return SubscriptionData{}, err
	}

	data := SubscriptionData{
		SubscriptionID:    body.ID,
		CustomerID:        body.CustomerID,
		Status:            mapPaddleStatus(body.Status),
		CancelAtPeriodEnd: body.ScheduledChange != nil && body.ScheduledChange.Action == "cancel",
	}
	if uid, ok := body.CustomData["user_id"].(string); ok {
		data.UserID = uid
	}
	if body.CurrentBillingPeriod != nil {
		data.PeriodStart = parsePaddleTime(body.CurrentBillingPeriod.StartsAt)
		data.PeriodEnd = parsePaddleTime(body.CurrentBillingPeriod.EndsAt)
	}
	if len(body.Items) > 0 {
		data.PriceID = body.Items[0].Price.ID
		if td := body.Items[0].TrialDates; td != nil && td.EndsAt != "" {
			t := parsePaddleTime(td.EndsAt)
			data.TrialEnd = &t
		}
	}
	return data, nil
}

func paddlePaymentData(raw json.RawMessage) (PaymentData, error) {
	var body struct {
		SubscriptionID string `json:"subscription_id"`
		BillingPeriod  *struct {
			StartsAt string `json:"starts_at"`
			EndsAt   string `json:"ends_at"`
		} `json:"billing_period"`
		Details *struct {
			Totals *struct {
				GrandTotal   string `json:"grand_total"`
				CurrencyCode string `json:"currency_code"`
			} `json:"totals"`
		} `json:"details"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return PaymentData{}, err
	}

	data := PaymentData{SubscriptionID: body.SubscriptionID}
	if body.BillingPeriod != nil {
		data.PeriodStart = parsePaddleTime(body.BillingPeriod.StartsAt)
		data.PeriodEnd = parsePaddleTime(body.BillingPeriod.EndsAt)
	}
	if body.Details != nil && body.Details.Totals != nil {
		// Paddle totals are minor-unit amounts encoded as strings.
		amount, _ := strconv.ParseInt(body.Details.Totals.GrandTotal, 10, 64)
		data.Amount = Money{Amount: amount, Currency: body.Details.Totals.CurrencyCode}
	}
	return data, nil
}

func paddleSubscription(sub *paddle.Subscription) *ProviderSubscription {
	ps := &ProviderSubscription{
		ID:         sub.ID,
		CustomerID: sub.CustomerID,
		Status:     mapPaddleStatus(string(sub.Status)),
	}
	if sub.CurrentBillingPeriod != nil {
		ps.PeriodStart = parsePaddleTime(sub.CurrentBillingPeriod.StartsAt)
		ps.PeriodEnd = parsePaddleTime(sub.CurrentBillingPeriod.EndsAt)
	}
	if sub.ScheduledChange != nil && sub.ScheduledChange.Action == paddle.ScheduledChangeActionCancel {
		ps.CancelAtPeriodEnd = true
	}
	if len(sub.Items) > 0 {
		ps.PriceID = sub.Items[0].Price.ID
	}
	return ps
}

// mapPaddleStatus folds Paddle's status vocabulary onto the engine's.
func mapPaddleStatus(s string) Status {
	switch strings.ToLower(s) {
	case "trialing":
		return StatusTrialing
	case "active":
		return StatusActive
	case "past_due":
		return StatusPastDue
	case "canceled", "cancelled":
		return StatusCancelled
	case "paused":
		return StatusPastDue
	default:
		return Status(s)
	}
}

func parsePaddleTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func wrapPaddleErr(op string, err error) error {
	return errors.Join(ErrProviderUnavailable, fmt.Errorf("paddle: %s: %w", op, err))
}
