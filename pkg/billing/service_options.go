package billing

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/notifications"
)

// Option configures the service.
type Option func(*service)

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithAccessPolicy sets the policy deciding which statuses grant
// access. The default grants access to active and trialing only.
func WithAccessPolicy(policy AccessPolicy) Option {
	return func(s *service) {
		s.policy = policy
	}
}

// WithEventLedger enables webhook event deduplication.
func WithEventLedger(ledger EventLedger) Option {
	return func(s *service) {
		s.ledger = ledger
	}
}

// WithNotifier sets the lifecycle notification dispatcher.
func WithNotifier(d *notifications.Dispatcher) Option {
	return func(s *service) {
		if d != nil {
			s.notifier = d
		}
	}
}

// WithProviderTimeout bounds individual provider API calls.
func WithProviderTimeout(d time.Duration) Option {
	return func(s *service) {
		if d > 0 {
			s.providerTimeout = d
		}
	}
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		if now != nil {
			s.now = now
		}
	}
}
