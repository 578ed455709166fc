package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/notifications"
)

// User identifies the local account a subscription belongs to.
type User struct {
	ID    uuid.UUID
	Email string
	Name  string
}

// CreateSubscriptionParams are the inputs for starting a subscription.
// Price must match the catalog price of the plan exactly; the stored
// plan price is authoritative and a mismatch is rejected.
type CreateSubscriptionParams struct {
	PlanID          string
	Price           Money
	PaymentMethodID string
	TrialDays       int
}

// SubscriptionResponse is returned by operations that create or mutate
// a subscription at the provider.
type SubscriptionResponse struct {
	SubscriptionID   string     `json:"subscription_id"`
	Status           Status     `json:"status"`
	PlanID           string     `json:"plan_id"`
	Price            Money      `json:"price"`
	CurrentPeriodEnd time.Time  `json:"current_period_end"`
	TrialEnd         *time.Time `json:"trial_end,omitempty"`
	ClientSecret     string     `json:"client_secret,omitempty"`
	RequiresAction   bool       `json:"requires_action,omitempty"`
}

// CancelResponse reports the outcome of a cancellation request.
type CancelResponse struct {
	Status            Status    `json:"status"`
	CancelAtPeriodEnd bool      `json:"cancel_at_period_end"`
	EndDate           time.Time `json:"access_until"`
}

// StatusResponse is the current subscription state of a user. A user
// with no subscription record gets IsSubscribed false and a nil
// Subscription rather than an error.
type StatusResponse struct {
	IsSubscribed bool          `json:"is_subscribed"`
	Subscription *Subscription `json:"subscription,omitempty"`
}

// Service drives the subscription lifecycle: command operations
// initiated by the user, webhook ingestion from the provider, and the
// scheduled expiry sweep.
type Service interface {
	AvailablePlans() []Plan
	CreateSubscription(ctx context.Context, user User, params CreateSubscriptionParams) (*SubscriptionResponse, error)
	CancelSubscription(ctx context.Context, userID uuid.UUID) (*CancelResponse, error)
	ReactivateSubscription(ctx context.Context, userID uuid.UUID) (*SubscriptionResponse, error)
	ChangeSubscriptionPlan(ctx context.Context, userID uuid.UUID, newPlanID string) (*SubscriptionResponse, error)
	GetSubscriptionStatus(ctx context.Context, userID uuid.UUID) (*StatusResponse, error)
	SyncSubscriptionStatus(ctx context.Context, userID uuid.UUID) (*StatusResponse, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
	ProcessExpired(ctx context.Context) error
	Metrics(ctx context.Context) (*Metrics, error)
}

type service struct {
	catalog         *Catalog
	provider        Provider
	store           Store
	ledger          EventLedger
	notifier        *notifications.Dispatcher
	log             *slog.Logger
	policy          AccessPolicy
	now             func() time.Time
	providerTimeout time.Duration
	locks           *keyedMutex
}

// NewService wires the engine together. The catalog, provider and
// store are required; everything else has a working default.
func NewService(catalog *Catalog, provider Provider, store Store, opts ...Option) (Service, error) {
	if catalog == nil {
		return nil, errors.New("billing: catalog is required")
	}
	if provider == nil {
		return nil, errors.New("billing: provider is required")
	}
	if store == nil {
		return nil, errors.New("billing: store is required")
	}
	s := &service{
		catalog:         catalog,
		provider:        provider,
		store:           store,
		notifier:        notifications.NewDispatcher(nil),
		log:             slog.Default(),
		now:             func() time.Time { return time.Now().UTC() },
		providerTimeout: 15 * time.Second,
		locks:           newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// providerCtx bounds a provider API call so a slow provider cannot
// hold a webhook delivery or command open indefinitely.
func (s *service) providerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.providerTimeout)
}

func (s *service) AvailablePlans() []Plan {
	return s.catalog.List()
}

func (s *service) CreateSubscription(ctx context.Context, user User, params CreateSubscriptionParams) (*SubscriptionResponse, error) {
	plan, ok := s.catalog.Get(params.PlanID)
	if !ok {
		return nil, errors.Join(ErrPlanNotFound, fmt.Errorf("plan %q", params.PlanID))
	}
	if !params.Price.Equal(plan.Price) {
		return nil, errors.Join(ErrPriceMismatch,
			fmt.Errorf("plan %q costs %d %s", plan.ID, plan.Price.Amount, plan.Price.Currency))
	}

	existing, err := s.store.Get(ctx, user.ID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if existing != nil && existing.Status == StatusActive {
		return nil, ErrAlreadySubscribed
	}

	pctx, cancel := s.providerCtx(ctx)
	defer cancel()

	customerID := ""
	if existing != nil {
		customerID = existing.ProviderCustomerID
	}
	if customerID == "" {
		customerID, err = s.provider.CreateCustomer(pctx, CustomerParams{
			UserID: user.ID,
			Email:  user.Email,
			Name:   user.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("create customer: %w", err)
		}
	}

	if params.PaymentMethodID != "" {
		if err := s.provider.AttachPaymentMethod(pctx, customerID, params.PaymentMethodID); err != nil {
			return nil, fmt.Errorf("attach payment method: %w", err)
		}
	}

	trialDays := params.TrialDays
	if trialDays == 0 {
		trialDays = plan.TrialDays
	}
	ps, err := s.provider.CreateSubscription(pctx, SubscriptionParams{
		CustomerID: customerID,
		PriceID:    plan.ProviderPriceID,
		TrialDays:  trialDays,
		Metadata:   map[string]string{"user_id": user.ID.String()},
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	now := s.now()
	sub := &Subscription{
		UserID:             user.ID,
		PlanID:             plan.ID,
		Status:             ps.Status,
		Price:              plan.Price,
		Interval:           plan.Interval,
		StartDate:          ps.PeriodStart,
		EndDate:            ps.PeriodEnd,
		CancelAtPeriodEnd:  ps.CancelAtPeriodEnd,
		TrialEndsAt:        cloneTime(ps.TrialEnd),
		ProviderSubID:      ps.ID,
		ProviderCustomerID: customerID,
		ProviderPriceID:    plan.ProviderPriceID,
		Metadata:           map[string]string{"email": user.Email},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if existing != nil {
		sub.CreatedAt = existing.CreatedAt
	}
	sub.refreshDerived(s.policy)

	if err := s.store.Save(ctx, sub); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}

	s.log.InfoContext(ctx, "subscription created",
		logger.UserID(user.ID.String()),
		logger.SubscriptionID(ps.ID),
		logger.PlanID(plan.ID),
		slog.String("status", string(ps.Status)))

	if sub.IsSubscribed {
		s.notify(ctx, sub, notifications.EventWelcome, map[string]any{
			"plan": plan.Name,
		})
	}

	return subscriptionResponse(sub, ps), nil
}

func (s *service) CancelSubscription(ctx context.Context, userID uuid.UUID) (*CancelResponse, error) {
	sub, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.ProviderSubID == "" {
		return nil, ErrNoProviderSubscription
	}

	// Second cancel of an already scheduled cancellation is a no-op.
	if sub.CancelAtPeriodEnd {
		return &CancelResponse{
			Status:            sub.Status,
			CancelAtPeriodEnd: true,
			EndDate:           sub.EndDate,
		}, nil
	}

	pctx, cancel := s.providerCtx(ctx)
	defer cancel()
	ps, err := s.provider.CancelAtPeriodEnd(pctx, sub.ProviderSubID)
	if err != nil {
		return nil, fmt.Errorf("cancel subscription: %w", err)
	}

	sub.CancelAtPeriodEnd = true
	sub.Status = ps.Status
	if !ps.PeriodEnd.IsZero() {
		sub.EndDate = ps.PeriodEnd
	}
	sub.refreshDerived(s.policy)
	sub.UpdatedAt = s.now()
	if err := s.store.Save(ctx, sub); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}

	s.log.InfoContext(ctx, "subscription cancellation scheduled",
		logger.UserID(userID.String()),
		logger.SubscriptionID(sub.ProviderSubID),
		slog.Time("access_until", sub.EndDate))

	s.notify(ctx, sub, notifications.EventCancelled, map[string]any{
		"access_until": sub.EndDate,
	})

	return &CancelResponse{
		Status:            sub.Status,
		CancelAtPeriodEnd: true,
		EndDate:           sub.EndDate,
	}, nil
}

func (s *service) ReactivateSubscription(ctx context.Context, userID uuid.UUID) (*SubscriptionResponse, error) {
	sub, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.ProviderSubID == "" {
		return nil, ErrNoProviderSubscription
	}
	if !sub.CancelAtPeriodEnd {
		return nil, ErrNotScheduledForCancellation
	}

	pctx, cancel := s.providerCtx(ctx)
	defer cancel()
	ps, err := s.provider.ResumeSubscription(pctx, sub.ProviderSubID)
	if err != nil {
		return nil, fmt.Errorf("reactivate subscription: %w", err)
	}

	sub.CancelAtPeriodEnd = false
	sub.Status = ps.Status
	if !ps.PeriodEnd.IsZero() {
		sub.EndDate = ps.PeriodEnd
	}
	sub.refreshDerived(s.policy)
	sub.UpdatedAt = s.now()
	if err := s.store.Save(ctx, sub); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}

	s.log.InfoContext(ctx, "subscription reactivated",
		logger.UserID(userID.String()),
		logger.SubscriptionID(sub.ProviderSubID))

	s.notify(ctx, sub, notifications.EventReactivated, nil)

	return subscriptionResponse(sub, ps), nil
}

func (s *service) ChangeSubscriptionPlan(ctx context.Context, userID uuid.UUID, newPlanID string) (*SubscriptionResponse, error) {
	plan, ok := s.catalog.Get(newPlanID)
	if !ok {
		return nil, errors.Join(ErrPlanNotFound, fmt.Errorf("plan %q", newPlanID))
	}
	sub, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.ProviderSubID == "" {
		return nil, ErrNoProviderSubscription
	}
	if sub.PlanID == plan.ID {
		return nil, errors.Join(ErrNoChange, fmt.Errorf("already on plan %q", plan.ID))
	}

	pctx, cancel := s.providerCtx(ctx)
	defer cancel()
	ps, err := s.provider.ChangePlan(pctx, sub.ProviderSubID, plan.ProviderPriceID)
	if err != nil {
		return nil, fmt.Errorf("change plan: %w", err)
	}

	previous := sub.PlanID

	// Plan identity, price and the provider's view of the subscription
	// move together in one atomic write.
	sub.PlanID = plan.ID
	sub.Price = plan.Price
	sub.Interval = plan.Interval
	sub.ProviderPriceID = plan.ProviderPriceID
	sub.Status = ps.Status
	if !ps.PeriodEnd.IsZero() {
		sub.EndDate = ps.PeriodEnd
	}
	sub.refreshDerived(s.policy)
	sub.UpdatedAt = s.now()
	if err := s.store.Save(ctx, sub); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}

	s.log.InfoContext(ctx, "subscription plan changed",
		logger.UserID(userID.String()),
		logger.SubscriptionID(sub.ProviderSubID),
		slog.String("from_plan", previous),
		logger.PlanID(plan.ID))

	s.notify(ctx, sub, notifications.EventPlanChanged, map[string]any{
		"from_plan": previous,
		"to_plan":   plan.Name,
	})

	return subscriptionResponse(sub, ps), nil
}

func (s *service) GetSubscriptionStatus(ctx context.Context, userID uuid.UUID) (*StatusResponse, error) {
	sub, err := s.store.Get(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return &StatusResponse{IsSubscribed: false}, nil
	}
	if err != nil {
		return nil, err
	}
	if sub.ProviderSubID != "" {
		if synced, err := s.syncFromProvider(ctx, sub); err == nil {
			sub = synced
		} else {
			// Serve the local projection when the provider is down;
			// the sweeper and webhooks repair drift later.
			s.log.WarnContext(ctx, "status read-through failed, serving local state",
				logger.UserID(userID.String()), logger.Error(err))
		}
	}
	return &StatusResponse{IsSubscribed: sub.IsSubscribed, Subscription: sub}, nil
}

func (s *service) SyncSubscriptionStatus(ctx context.Context, userID uuid.UUID) (*StatusResponse, error) {
	sub, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.ProviderSubID == "" {
		return nil, ErrNoProviderSubscription
	}
	synced, err := s.syncFromProvider(ctx, sub)
	if err != nil {
		return nil, err
	}
	return &StatusResponse{IsSubscribed: synced.IsSubscribed, Subscription: synced}, nil
}

// syncFromProvider overwrites the local projection with the provider's
// authoritative state and persists it.
func (s *service) syncFromProvider(ctx context.Context, sub *Subscription) (*Subscription, error) {
	pctx, cancel := s.providerCtx(ctx)
	defer cancel()
	ps, err := s.provider.GetSubscription(pctx, sub.ProviderSubID)
	if err != nil {
		return nil, fmt.Errorf("fetch provider subscription: %w", err)
	}

	next := sub.Clone()
	next.Status = ps.Status
	next.StartDate = ps.PeriodStart
	next.EndDate = ps.PeriodEnd
	next.CancelAtPeriodEnd = ps.CancelAtPeriodEnd
	next.TrialEndsAt = cloneTime(ps.TrialEnd)
	if ps.PriceID != "" {
		next.ProviderPriceID = ps.PriceID
		if plan, ok := s.catalog.ByProviderRef(ps.PriceID); ok {
			next.PlanID = plan.ID
			next.Price = plan.Price
			next.Interval = plan.Interval
		}
	}
	next.refreshDerived(s.policy)

	if sameProjection(sub, next) {
		return sub, nil
	}
	next.UpdatedAt = s.now()
	if err := s.store.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}
	s.log.InfoContext(ctx, "subscription synced from provider",
		logger.UserID(sub.UserID.String()),
		logger.SubscriptionID(sub.ProviderSubID),
		slog.String("status", string(next.Status)))
	return next, nil
}

func (s *service) Metrics(ctx context.Context) (*Metrics, error) {
	return s.store.Metrics(ctx)
}

// notify dispatches a lifecycle notification without blocking the
// caller. Delivery failures are logged by the dispatcher, never
// surfaced.
func (s *service) notify(ctx context.Context, sub *Subscription, event notifications.LifecycleEvent, data map[string]any) {
	n := notifications.Notification{
		UserID:    sub.UserID,
		Email:     sub.Metadata["email"],
		Event:     event,
		Data:      data,
		CreatedAt: s.now(),
	}
	go s.notifier.Dispatch(context.WithoutCancel(ctx), n)
}

func subscriptionResponse(sub *Subscription, ps *ProviderSubscription) *SubscriptionResponse {
	return &SubscriptionResponse{
		SubscriptionID:   sub.ProviderSubID,
		Status:           sub.Status,
		PlanID:           sub.PlanID,
		Price:            sub.Price,
		CurrentPeriodEnd: sub.EndDate,
		TrialEnd:         sub.TrialEndsAt,
		ClientSecret:     ps.ClientSecret,
		RequiresAction:   ps.RequiresAction,
	}
}
