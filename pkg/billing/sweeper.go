package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/notifications"
)

// ProcessExpired scans subscriptions whose paid-through date has
// passed and resolves each against the provider. Intended to run
// daily from the scheduler.
//
// A record with a still-running trial is left alone regardless of its
// recorded end date. When the provider confirms the subscription is
// terminal, or cannot be reached at all, the record is expired
// locally: on provider outage the engine fails safe by revoking
// access rather than extending it unpaid.
func (s *service) ProcessExpired(ctx context.Context) error {
	now := s.now()
	lapsed, err := s.store.ListLapsed(ctx, now)
	if err != nil {
		return fmt.Errorf("list lapsed subscriptions: %w", err)
	}
	if len(lapsed) == 0 {
		return nil
	}

	s.log.InfoContext(ctx, "expiry sweep started", slog.Int("candidates", len(lapsed)))

	var expired, skipped, failed int
	for _, sub := range lapsed {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch done, err := s.sweepOne(ctx, sub, now); {
		case err != nil:
			failed++
			s.log.ErrorContext(ctx, "expiry sweep record failed",
				logger.UserID(sub.UserID.String()),
				logger.SubscriptionID(sub.ProviderSubID),
				logger.Error(err))
		case done:
			expired++
		default:
			skipped++
		}
	}

	s.log.InfoContext(ctx, "expiry sweep finished",
		slog.Int("expired", expired),
		slog.Int("skipped", skipped),
		slog.Int("failed", failed))
	return nil
}

// sweepOne resolves a single lapsed record. It reports whether the
// record was expired.
func (s *service) sweepOne(ctx context.Context, sub *Subscription, now time.Time) (bool, error) {
	if sub.TrialLive(now) {
		return false, nil
	}
	if sub.ProviderSubID == "" {
		// Nothing to reconcile against; leave the record for manual
		// review rather than guessing.
		return false, nil
	}

	unlock := s.locks.Lock(sub.ProviderSubID)
	defer unlock()

	// Re-read under the lock: a webhook may have renewed the
	// subscription since the sweep listed it.
	fresh, err := s.store.GetByProviderSubID(ctx, sub.ProviderSubID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return false, nil
		}
		return false, err
	}
	if !fresh.EndDate.Before(now) || fresh.Status.Terminal() {
		return false, nil
	}
	if fresh.TrialLive(now) {
		return false, nil
	}

	pctx, cancel := s.providerCtx(ctx)
	ps, perr := s.provider.GetSubscription(pctx, fresh.ProviderSubID)
	cancel()

	switch {
	case perr != nil:
		s.log.WarnContext(ctx, "provider unreachable during sweep, expiring locally",
			logger.SubscriptionID(fresh.ProviderSubID),
			logger.Error(perr))
	case ps.Status.Terminal():
		// Confirmed dead at the provider.
	case ps.PeriodEnd.After(now):
		// The provider shows a live period the local record missed.
		// Repair the drift instead of expiring.
		if _, err := s.syncFromProvider(ctx, fresh); err != nil {
			return false, err
		}
		return false, nil
	default:
		// Live status but the period already ended; the provider has
		// not settled the renewal yet. Check again next sweep.
		return false, nil
	}

	fresh.Status = StatusExpired
	fresh.refreshDerived(s.policy)
	fresh.UpdatedAt = s.now()
	if err := s.store.Save(ctx, fresh); err != nil {
		return false, fmt.Errorf("save subscription: %w", err)
	}

	s.log.InfoContext(ctx, "subscription expired",
		logger.UserID(fresh.UserID.String()),
		logger.SubscriptionID(fresh.ProviderSubID))

	s.notify(ctx, fresh, notifications.EventExpired, nil)
	return true, nil
}
