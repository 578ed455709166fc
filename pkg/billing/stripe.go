package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"
)

// StripeConfig configures the Stripe adapter. WebhookSecrets is
// ordered: verification tries each secret until one matches, so the
// production endpoint secret goes first and secondary (for example
// CLI-forwarded) secrets after it.
type StripeConfig struct {
	SecretKey      string   `env:"STRIPE_SECRET_KEY,required"`
	WebhookSecrets []string `env:"STRIPE_WEBHOOK_SECRETS,required" envSeparator:","`
}

// StripeProvider implements Provider and CheckoutProvider on top of
// the Stripe API.
type StripeProvider struct {
	api     *client.API
	secrets []string
	now     func() time.Time
}

// NewStripeProvider returns a Stripe-backed provider.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe: secret key is required")
	}
	if len(cfg.WebhookSecrets) == 0 {
		return nil, errors.New("stripe: at least one webhook secret is required")
	}
	api := &client.API{}
	api.Init(cfg.SecretKey, nil)
	return &StripeProvider{
		api:     api,
		secrets: cfg.WebhookSecrets,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (p *StripeProvider) CreateCustomer(_ context.Context, params CustomerParams) (string, error) {
	cp := &stripe.CustomerParams{
		Email: stripe.String(params.Email),
	}
	if params.Name != "" {
		cp.Name = stripe.String(params.Name)
	}
	cp.AddMetadata("user_id", params.UserID.String())
	c, err := p.api.Customers.New(cp)
	if err != nil {
		return "", wrapStripeErr("create customer", err)
	}
	return c.ID, nil
}

func (p *StripeProvider) AttachPaymentMethod(_ context.Context, customerID, paymentMethodID string) error {
	_, err := p.api.PaymentMethods.Attach(paymentMethodID, &stripe.PaymentMethodAttachParams{
		Customer: stripe.String(customerID),
	})
	if err != nil {
		return wrapStripeErr("attach payment method", err)
	}
	_, err = p.api.Customers.Update(customerID, &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	})
	if err != nil {
		return wrapStripeErr("set default payment method", err)
	}
	return nil
}

func (p *StripeProvider) CreateSubscription(_ context.Context, params SubscriptionParams) (*ProviderSubscription, error) {
	sp := &stripe.SubscriptionParams{
		Customer: stripe.String(params.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(params.PriceID)},
		},
		// Keep incomplete subscriptions around so the client can
		// confirm the first payment with the returned secret.
		PaymentBehavior: stripe.String("default_incomplete"),
		PaymentSettings: &stripe.SubscriptionPaymentSettingsParams{
			SaveDefaultPaymentMethod: stripe.String("on_subscription"),
		},
	}
	sp.AddExpand("latest_invoice.payment_intent")
	if params.TrialDays > 0 {
		sp.TrialPeriodDays = stripe.Int64(int64(params.TrialDays))
	}
	for k, v := range params.Metadata {
		sp.AddMetadata(k, v)
	}

	sub, err := p.api.Subscriptions.New(sp)
	if err != nil {
		return nil, wrapStripeErr("create subscription", err)
	}
	return providerSubscription(sub), nil
}

func (p *StripeProvider) GetSubscription(_ context.Context, subscriptionID string) (*ProviderSubscription, error) {
	sub, err := p.api.Subscriptions.Get(subscriptionID, nil)
	if err != nil {
		return nil, wrapStripeErr("get subscription", err)
	}
	return providerSubscription(sub), nil
}

func (p *StripeProvider) CancelAtPeriodEnd(_ context.Context, subscriptionID string) (*ProviderSubscription, error) {
	sub, err := p.api.Subscriptions.Update(subscriptionID, &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	})
	if err != nil {
		return nil, wrapStripeErr("cancel subscription", err)
	}
	return providerSubscription(sub), nil
}

func (p *StripeProvider) ResumeSubscription(_ context.Context, subscriptionID string) (*ProviderSubscription, error) {
	sub, err := p.api.Subscriptions.Update(subscriptionID, &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(false),
	})
	if err != nil {
		return nil, wrapStripeErr("resume subscription", err)
	}
	return providerSubscription(sub), nil
}

func (p *StripeProvider) ChangePlan(_ context.Context, subscriptionID, newPriceID string) (*ProviderSubscription, error) {
	current, err := p.api.Subscriptions.Get(subscriptionID, nil)
	if err != nil {
		return nil, wrapStripeErr("get subscription", err)
	}
	if len(current.Items.Data) == 0 {
		return nil, errors.Join(ErrProviderUnavailable,
			fmt.Errorf("subscription %s has no items", subscriptionID))
	}
	sub, err := p.api.Subscriptions.Update(subscriptionID, &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(current.Items.Data[0].ID),
				Price: stripe.String(newPriceID),
			},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	})
	if err != nil {
		return nil, wrapStripeErr("change plan", err)
	}
	return providerSubscription(sub), nil
}

func (p *StripeProvider) CreateCheckoutLink(_ context.Context, req CheckoutRequest) (*CheckoutLink, error) {
	sp := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(req.PriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"user_id": req.UserID.String()},
		},
	}
	if req.CustomerID != "" {
		sp.Customer = stripe.String(req.CustomerID)
	} else if req.Email != "" {
		sp.CustomerEmail = stripe.String(req.Email)
	}
	sess, err := p.api.CheckoutSessions.New(sp)
	if err != nil {
		return nil, wrapStripeErr("create checkout session", err)
	}
	link := &CheckoutLink{URL: sess.URL, SessionID: sess.ID}
	if sess.ExpiresAt > 0 {
		link.ExpiresAt = time.Unix(sess.ExpiresAt, 0).UTC()
	}
	return link, nil
}

func (p *StripeProvider) GetCustomerPortalLink(_ context.Context, customerID, _ string) (*PortalLink, error) {
	sess, err := p.api.BillingPortalSessions.New(&stripe.BillingPortalSessionParams{
		Customer: stripe.String(customerID),
	})
	if err != nil {
		return nil, wrapStripeErr("create portal session", err)
	}
	return &PortalLink{URL: sess.URL}, nil
}

// ParseWebhook verifies the Stripe-Signature header against each
// configured secret in order and normalizes the event.
func (p *StripeProvider) ParseWebhook(_ context.Context, payload []byte, signature string) (*Event, error) {
	var (
		event    stripe.Event
		verified bool
	)
	for _, secret := range p.secrets {
		ev, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
		if err == nil {
			event = ev
			verified = true
			break
		}
	}
	if !verified {
		return nil, ErrSignatureInvalid
	}
	return p.canonicalize(event)
}

func (p *StripeProvider) canonicalize(event stripe.Event) (*Event, error) {
	out := &Event{
		ID:         event.ID,
		ReceivedAt: p.now(),
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated",
		"customer.subscription.deleted", "customer.subscription.trial_will_end":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, errors.Join(ErrPayloadMalformed, fmt.Errorf("decode subscription: %w", err))
		}
		out.Payload = subscriptionData(&sub)
		switch event.Type {
		case "customer.subscription.created":
			out.Type = EventSubscriptionCreated
		case "customer.subscription.updated":
			out.Type = EventSubscriptionUpdated
		case "customer.subscription.deleted":
			out.Type = EventSubscriptionDeleted
		case "customer.subscription.trial_will_end":
			out.Type = EventTrialWillEnd
		}

	case "invoice.payment_succeeded", "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, errors.Join(ErrPayloadMalformed, fmt.Errorf("decode invoice: %w", err))
		}
		data := PaymentData{
			Amount: Money{Amount: inv.AmountPaid, Currency: string(inv.Currency)},
		}
		if inv.Subscription != nil {
			data.SubscriptionID = inv.Subscription.ID
		}
		if inv.Lines != nil && len(inv.Lines.Data) > 0 && inv.Lines.Data[0].Period != nil {
			data.PeriodStart = time.Unix(inv.Lines.Data[0].Period.Start, 0).UTC()
			data.PeriodEnd = time.Unix(inv.Lines.Data[0].Period.End, 0).UTC()
		}
		if event.Type == "invoice.payment_succeeded" {
			out.Type = EventPaymentSucceeded
		} else {
			out.Type = EventPaymentFailed
			data.Reason = paymentFailureReason(&inv)
		}
		out.Payload = data

	default:
		out.Type = EventUnknown
		out.Payload = UnknownData{
			ProviderEvent: string(event.Type),
			Raw:           event.Data.Raw,
		}
	}
	return out, nil
}

func subscriptionData(sub *stripe.Subscription) SubscriptionData {
	data := SubscriptionData{
		SubscriptionID:    sub.ID,
		Status:            mapStripeStatus(sub.Status),
		PeriodStart:       time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		PeriodEnd:         time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		UserID:            sub.Metadata["user_id"],
	}
	if sub.Customer != nil {
		data.CustomerID = sub.Customer.ID
	}
	if sub.TrialEnd > 0 {
		t := time.Unix(sub.TrialEnd, 0).UTC()
		data.TrialEnd = &t
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		data.PriceID = sub.Items.Data[0].Price.ID
	}
	return data
}

func providerSubscription(sub *stripe.Subscription) *ProviderSubscription {
	data := subscriptionData(sub)
	ps := &ProviderSubscription{
		ID:                data.SubscriptionID,
		CustomerID:        data.CustomerID,
		PriceID:           data.PriceID,
		Status:            data.Status,
		PeriodStart:       data.PeriodStart,
		PeriodEnd:         data.PeriodEnd,
		TrialEnd:          data.TrialEnd,
		CancelAtPeriodEnd: data.CancelAtPeriodEnd,
	}
	if sub.LatestInvoice != nil && sub.LatestInvoice.PaymentIntent != nil {
		pi := sub.LatestInvoice.PaymentIntent
		ps.ClientSecret = pi.ClientSecret
		ps.RequiresAction = pi.Status == stripe.PaymentIntentStatusRequiresAction
	}
	return ps
}

// paymentFailureReason pulls the decline message from the invoice's
// payment intent when the webhook payload carries it expanded. The
// invoice's billing_reason says why the invoice was created, not why
// the charge failed, so it is never used here.
func paymentFailureReason(inv *stripe.Invoice) string {
	if inv.PaymentIntent == nil || inv.PaymentIntent.LastPaymentError == nil {
		return ""
	}
	if msg := inv.PaymentIntent.LastPaymentError.Msg; msg != "" {
		return msg
	}
	return string(inv.PaymentIntent.LastPaymentError.DeclineCode)
}

// mapStripeStatus folds Stripe's status vocabulary onto the engine's.
// unpaid and incomplete_expired both mean the subscription is dead
// without an explicit cancellation.
func mapStripeStatus(s stripe.SubscriptionStatus) Status {
	switch s {
	case stripe.SubscriptionStatusIncomplete:
		return StatusIncomplete
	case stripe.SubscriptionStatusTrialing:
		return StatusTrialing
	case stripe.SubscriptionStatusActive:
		return StatusActive
	case stripe.SubscriptionStatusPastDue:
		return StatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return StatusCancelled
	case stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncompleteExpired:
		return StatusExpired
	default:
		return Status(s)
	}
}

func wrapStripeErr(op string, err error) error {
	return errors.Join(ErrProviderUnavailable, fmt.Errorf("stripe: %s: %w", op, err))
}
