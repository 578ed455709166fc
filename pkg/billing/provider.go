package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CustomerParams identifies the local user when creating a provider
// customer. The user ID travels in provider metadata so webhook events
// can be attributed back to the account.
type CustomerParams struct {
	UserID uuid.UUID
	Email  string
	Name   string
}

// SubscriptionParams describes a subscription to create at the
// provider.
type SubscriptionParams struct {
	CustomerID string
	PriceID    string
	TrialDays  int
	Metadata   map[string]string
}

// ProviderSubscription is the provider's authoritative view of a
// subscription, normalized for the engine.
type ProviderSubscription struct {
	ID                string
	CustomerID        string
	PriceID           string
	Status            Status
	PeriodStart       time.Time
	PeriodEnd         time.Time
	TrialEnd          *time.Time
	CancelAtPeriodEnd bool

	// ClientSecret is set on freshly created subscriptions whose first
	// invoice needs client-side payment confirmation.
	ClientSecret   string
	RequiresAction bool
}

// Provider is the payment provider driving the subscription
// lifecycle. Implementations wrap provider API failures with
// ErrProviderUnavailable and signature failures with
// ErrSignatureInvalid. Operations a provider cannot express return
// ErrNotSupported.
type Provider interface {
	// CreateCustomer registers the user with the provider and returns
	// the provider customer ID.
	CreateCustomer(ctx context.Context, params CustomerParams) (string, error)

	// AttachPaymentMethod attaches a tokenized payment method to the
	// customer and makes it the default for invoices.
	AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error

	CreateSubscription(ctx context.Context, params SubscriptionParams) (*ProviderSubscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)

	// CancelAtPeriodEnd schedules the subscription to end when the
	// current period lapses. Access continues until then.
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)

	// ResumeSubscription removes a scheduled cancellation.
	ResumeSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)

	// ChangePlan swaps the subscription onto a new price, prorating
	// the difference.
	ChangePlan(ctx context.Context, subscriptionID, newPriceID string) (*ProviderSubscription, error)

	// ParseWebhook verifies the payload signature and normalizes the
	// event. Signature verification tries each configured secret in
	// order, accepting the payload if any matches.
	ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error)
}

// CheckoutRequest describes a hosted checkout session to create.
type CheckoutRequest struct {
	UserID     uuid.UUID
	Email      string
	PriceID    string
	CustomerID string
	SuccessURL string
	CancelURL  string
}

// CheckoutLink is a hosted checkout page the user completes payment on.
type CheckoutLink struct {
	URL       string    `json:"url"`
	SessionID string    `json:"session_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// PortalLink points at the provider-hosted customer portal where the
// user manages payment methods and cancellation.
type PortalLink struct {
	URL              string    `json:"url"`
	CancelURL        string    `json:"cancel_url,omitempty"`
	UpdatePaymentURL string    `json:"update_payment_url,omitempty"`
	ExpiresAt        time.Time `json:"expires_at,omitempty"`
}

// CheckoutProvider is implemented by providers that support hosted
// checkout and customer portal flows.
type CheckoutProvider interface {
	CreateCheckoutLink(ctx context.Context, req CheckoutRequest) (*CheckoutLink, error)
	GetCustomerPortalLink(ctx context.Context, customerID, subscriptionID string) (*PortalLink, error)
}
