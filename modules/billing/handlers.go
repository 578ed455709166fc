package billing

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/dmitrymomot/billingkit/core"
	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/logger"
)

type createSubscriptionRequest struct {
	PlanID          string        `json:"plan_id"`
	Price           billing.Money `json:"price"`
	PaymentMethodID string        `json:"payment_method_id,omitempty"`
	TrialDays       int           `json:"trial_days,omitempty"`
}

type changePlanRequest struct {
	PlanID string `json:"plan_id"`
}

type checkoutRequest struct {
	PlanID     string `json:"plan_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url,omitempty"`
}

func (m *Module) handleListPlans(w http.ResponseWriter, _ *http.Request) {
	core.WriteJSON(w, http.StatusOK, "", m.svc.AvailablePlans())
}

// handleWebhook receives provider deliveries. The raw body is what
// the provider signed; it must reach the verifier untouched. The
// response code controls redelivery: 2xx acknowledges, 4xx drops the
// event, 5xx asks the provider to retry.
func (m *Module) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, m.maxWebhookBody))
	if err != nil {
		core.WriteError(w, errors.Join(core.ErrBadRequest, err))
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		signature = r.Header.Get("Paddle-Signature")
	}

	if err := m.svc.HandleWebhook(r.Context(), payload, signature); err != nil {
		switch {
		case errors.Is(err, billing.ErrSignatureInvalid):
			m.log.WarnContext(r.Context(), "webhook signature rejected", logger.Error(err))
			core.WriteError(w, errors.Join(core.ErrBadRequest, err))
		case errors.Is(err, billing.ErrPayloadMalformed):
			m.log.WarnContext(r.Context(), "webhook payload rejected", logger.Error(err))
			core.WriteError(w, errors.Join(core.ErrBadRequest, err))
		default:
			m.log.ErrorContext(r.Context(), "webhook processing failed", logger.Error(err))
			core.WriteError(w, err)
		}
		return
	}
	core.WriteJSON(w, http.StatusOK, "", map[string]bool{"received": true})
}

func (m *Module) handleCreate(w http.ResponseWriter, r *http.Request) {
	user, ok := m.user(w, r)
	if !ok {
		return
	}
	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.WriteError(w, errors.Join(core.ErrBadRequest, err))
		return
	}
	resp, err := m.svc.CreateSubscription(r.Context(), user, billing.CreateSubscriptionParams{
		PlanID:          req.PlanID,
		Price:           req.Price,
		PaymentMethodID: req.PaymentMethodID,
		TrialDays:       req.TrialDays,
	})
	if err != nil {
		m.writeBillingError(w, r, err)
		return
	}
	core.WriteJSON(w, http.StatusCreated, "subscription created", resp)
}

func (m *Module) handleCancel(w http.ResponseWriter, r *http.Request) {
	user, ok := m.user(w, r)
	if !ok {
		return
	}
	resp, err := m.svc.CancelSubscription(r.Context(), user.ID)
	if err != nil {
		m.writeBillingError(w, r, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, "subscription will cancel at period end", resp)
}

func (m *Module) handleReactivate(w http.ResponseWriter, r *http.Request) {
	user, ok := m.user(w, r)
	if !ok {
		return
	}
	resp, err := m.svc.ReactivateSubscription(r.Context(), user.ID)
	if err != nil {
		m.writeBillingError(w, r, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, "subscription reactivated", resp)
}

func (m *Module) handleChangePlan(w http.ResponseWriter, r *http.Request) {
	user, ok := m.user(w, r)
	if !ok {
		return
	}
	var req changePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.WriteError(w, errors.Join(core.ErrBadRequest, err))
		return
	}
	resp, err := m.svc.ChangeSubscriptionPlan(r.Context(), user.ID, req.PlanID)
	if err != nil {
		m.writeBillingError(w, r, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, "subscription plan changed", resp)
}

func (m *Module) handleStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := m.user(w, r)
	if !ok {
		return
	}
	resp, err := m.svc.GetSubscriptionStatus(r.Context(), user.ID)
	if err != nil {
		m.writeBillingError(w, r, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, "", resp)
}

func (m *Module) handleSync(w http.ResponseWriter, r *http.Request) {
	user, ok := m.user(w, r)
	if !ok {
		return
	}
	resp, err := m.svc.SyncSubscriptionStatus(r.Context(), user.ID)
	if err != nil {
		m.writeBillingError(w, r, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, "subscription synced", resp)
}

func (m *Module) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if _, ok := m.user(w, r); !ok {
		return
	}
	metrics, err := m.svc.Metrics(r.Context())
	if err != nil {
		m.writeBillingError(w, r, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, "", metrics)
}

func (m *Module) handleCheckout(w http.ResponseWriter, r *http.Request) {
	user, ok := m.user(w, r)
	if !ok {
		return
	}
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.WriteError(w, errors.Join(core.ErrBadRequest, err))
		return
	}

	var priceID string
	for _, plan := range m.svc.AvailablePlans() {
		if plan.ID == req.PlanID {
			priceID = plan.ProviderPriceID
			break
		}
	}
	if priceID == "" {
		m.writeBillingError(w, r, billing.ErrPlanNotFound)
		return
	}

	link, err := m.checkout.CreateCheckoutLink(r.Context(), billing.CheckoutRequest{
		UserID:     user.ID,
		Email:      user.Email,
		PriceID:    priceID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		m.writeBillingError(w, r, err)
		return
	}
	core.WriteJSON(w, http.StatusCreated, "", link)
}

func (m *Module) handlePortal(w http.ResponseWriter, r *http.Request) {
	user, ok := m.user(w, r)
	if !ok {
		return
	}
	status, err := m.svc.GetSubscriptionStatus(r.Context(), user.ID)
	if err != nil {
		m.writeBillingError(w, r, err)
		return
	}
	if status.Subscription == nil || status.Subscription.ProviderCustomerID == "" {
		m.writeBillingError(w, r, billing.ErrSubscriptionNotFound)
		return
	}
	link, err := m.checkout.GetCustomerPortalLink(r.Context(),
		status.Subscription.ProviderCustomerID, status.Subscription.ProviderSubID)
	if err != nil {
		m.writeBillingError(w, r, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, "", link)
}

func (m *Module) user(w http.ResponseWriter, r *http.Request) (billing.User, bool) {
	user, err := m.resolveUser(r)
	if err != nil {
		core.WriteError(w, errors.Join(core.ErrUnauthorized, err))
		return billing.User{}, false
	}
	return user, true
}

// writeBillingError maps engine errors onto HTTP status codes.
func (m *Module) writeBillingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, billing.ErrPlanNotFound),
		errors.Is(err, billing.ErrSubscriptionNotFound):
		core.WriteError(w, errors.Join(core.ErrNotFound, err))
	case errors.Is(err, billing.ErrPriceMismatch),
		errors.Is(err, billing.ErrNoChange):
		core.WriteError(w, errors.Join(core.ErrUnprocessableEntity, err))
	case errors.Is(err, billing.ErrAlreadySubscribed),
		errors.Is(err, billing.ErrNotScheduledForCancellation),
		errors.Is(err, billing.ErrNoProviderSubscription):
		core.WriteError(w, errors.Join(core.ErrConflict, err))
	case errors.Is(err, billing.ErrNotSupported):
		core.WriteError(w, errors.Join(core.ErrUnprocessableEntity, err))
	case errors.Is(err, billing.ErrProviderUnavailable):
		m.log.ErrorContext(r.Context(), "provider call failed", logger.Error(err))
		core.WriteError(w, errors.Join(core.ErrBadGateway, err))
	default:
		m.log.ErrorContext(r.Context(), "billing operation failed", logger.Error(err))
		core.WriteError(w, err)
	}
}
