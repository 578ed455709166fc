package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/notifications"
)

// HandleWebhook verifies, deduplicates and applies a provider webhook
// delivery. Returned errors map to HTTP responses at the edge:
// ErrSignatureInvalid and ErrPayloadMalformed become 4xx (no retry),
// anything else becomes 5xx so the provider redelivers.
func (s *service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	ev, err := s.provider.ParseWebhook(ctx, payload, signature)
	if err != nil {
		return err
	}

	log := s.log.With(logger.EventID(ev.ID), logger.EventType(string(ev.Type)))

	// Ledger outages must not block ingestion: the transition function
	// is idempotent, so processing a duplicate is safe.
	if s.ledger != nil {
		seen, err := s.ledger.Seen(ctx, ev.ID)
		if err != nil {
			log.WarnContext(ctx, "event ledger lookup failed, processing anyway", logger.Error(err))
		} else if seen {
			log.InfoContext(ctx, "duplicate webhook event skipped")
			return nil
		}
	}

	if err := s.processEvent(ctx, log, ev); err != nil {
		return err
	}

	if s.ledger != nil {
		if err := s.ledger.Mark(ctx, ev.ID); err != nil {
			log.WarnContext(ctx, "event ledger mark failed", logger.Error(err))
		}
	}
	return nil
}

func (s *service) processEvent(ctx context.Context, log *slog.Logger, ev *Event) error {
	if ev.Type == EventUnknown {
		if u, ok := ev.Payload.(UnknownData); ok {
			log.InfoContext(ctx, "ignoring unhandled provider event",
				slog.String("provider_event", u.ProviderEvent))
		}
		return nil
	}

	subID := ev.SubscriptionID()
	if subID == "" {
		log.InfoContext(ctx, "event carries no subscription reference, skipped")
		return nil
	}
	log = log.With(logger.SubscriptionID(subID))

	// Deliveries for the same subscription apply strictly one at a
	// time; concurrent read-apply-write cycles would lose updates.
	unlock := s.locks.Lock(subID)
	defer unlock()

	current, err := s.store.GetByProviderSubID(ctx, subID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return fmt.Errorf("load subscription: %w", err)
	}

	switch ev.Type {
	case EventTrialWillEnd:
		if current != nil {
			s.notify(ctx, current, notifications.EventTrialEnding, map[string]any{
				"trial_ends_at": current.TrialEndsAt,
			})
		}
		return nil
	case EventPaymentSucceeded, EventPaymentFailed:
		// Invoice payloads carry unreliable period data; the provider's
		// subscription object is authoritative for the new dates.
		ev = s.enrichPaymentEvent(ctx, log, ev, subID)
	}

	next, err := Apply(current, ev, s.catalog, s.policy, s.now())
	switch {
	case errors.Is(err, ErrNoChange):
		log.DebugContext(ctx, "event produced no state change")
		return nil
	case errors.Is(err, ErrTransitionRejected):
		// Out-of-order delivery. Acknowledge so the provider stops
		// retrying an event that will never become applicable.
		log.WarnContext(ctx, "rejected impossible status transition", logger.Error(err))
		return nil
	case err != nil:
		return err
	}

	if current == nil {
		// First sighting of this subscription: attribute it via the
		// user ID the provider carried in metadata.
		uid, ok := eventUserID(ev)
		if !ok {
			log.WarnContext(ctx, "subscription event for unknown user, skipped")
			return nil
		}
		next.UserID = uid
		next.CreatedAt = s.now()
	}

	if err := s.store.Save(ctx, next); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}

	log.InfoContext(ctx, "webhook event applied",
		logger.UserID(next.UserID.String()),
		slog.String("status", string(next.Status)))

	s.notifyForEvent(ctx, ev, current, next)
	return nil
}

// enrichPaymentEvent replaces the invoice's period data with the
// current subscription object from the provider. On provider failure
// the original payload is kept; Apply drops it if the dates are
// unusable.
func (s *service) enrichPaymentEvent(ctx context.Context, log *slog.Logger, ev *Event, subID string) *Event {
	data, ok := ev.Payload.(PaymentData)
	if !ok {
		return ev
	}
	pctx, cancel := s.providerCtx(ctx)
	defer cancel()
	ps, err := s.provider.GetSubscription(pctx, subID)
	if err != nil {
		log.WarnContext(ctx, "provider re-fetch failed, using invoice period", logger.Error(err))
		return ev
	}
	data.PeriodStart = ps.PeriodStart
	data.PeriodEnd = ps.PeriodEnd
	enriched := *ev
	enriched.Payload = data
	return &enriched
}

func (s *service) notifyForEvent(ctx context.Context, ev *Event, current, next *Subscription) {
	switch ev.Type {
	case EventSubscriptionCreated:
		if current == nil && next.IsSubscribed {
			s.notify(ctx, next, notifications.EventWelcome, map[string]any{"plan": next.PlanID})
		}
	case EventSubscriptionDeleted:
		s.notify(ctx, next, notifications.EventCancelled, map[string]any{"access_until": next.EndDate})
	case EventPaymentSucceeded:
		data, _ := ev.Payload.(PaymentData)
		s.notify(ctx, next, notifications.EventPaymentSuccess, map[string]any{
			"amount":     data.Amount,
			"paid_until": next.EndDate,
		})
	case EventPaymentFailed:
		s.notify(ctx, next, notifications.EventPaymentFailed, map[string]any{
			"reason": paymentReason(ev),
		})
	}
}

func paymentReason(ev *Event) string {
	if data, ok := ev.Payload.(PaymentData); ok {
		return data.Reason
	}
	return ""
}

func eventUserID(ev *Event) (uuid.UUID, bool) {
	data, ok := ev.Payload.(SubscriptionData)
	if !ok || data.UserID == "" {
		return uuid.Nil, false
	}
	uid, err := uuid.Parse(data.UserID)
	if err != nil {
		return uuid.Nil, false
	}
	return uid, true
}
