package notifications

import (
	"context"
	"log/slog"

	"github.com/dmitrymomot/billingkit/pkg/logger"
)

// Deliverer sends a notification through a single channel.
type Deliverer interface {
	Deliver(ctx context.Context, notif Notification) error
}

// Dispatcher fans a notification out to every configured channel.
// Channel failures are logged and swallowed.
type Dispatcher struct {
	deliverers []Deliverer
	logger     *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(log *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if log != nil {
			d.logger = log
		}
	}
}

// NewDispatcher creates a dispatcher over the given delivery channels.
func NewDispatcher(deliverers []Deliverer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		deliverers: deliverers,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends the notification through all channels, best effort.
// It never returns an error.
func (d *Dispatcher) Dispatch(ctx context.Context, notif Notification) {
	for i, del := range d.deliverers {
		if err := del.Deliver(ctx, notif); err != nil {
			d.logger.LogAttrs(ctx, slog.LevelError, "failed to deliver lifecycle notification",
				logger.UserID(notif.UserID),
				slog.String("lifecycle_event", string(notif.Event)),
				slog.Int("deliverer_index", i),
				logger.Error(err),
			)
		}
	}
}

// NoopDeliverer discards notifications. Useful in tests and environments
// where outbound messaging is disabled.
type NoopDeliverer struct{}

func (NoopDeliverer) Deliver(ctx context.Context, notif Notification) error {
	return nil
}

// LogDeliverer writes notifications to the log instead of sending them.
type LogDeliverer struct {
	Logger *slog.Logger
}

func (l LogDeliverer) Deliver(ctx context.Context, notif Notification) error {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	log.LogAttrs(ctx, slog.LevelInfo, "lifecycle notification",
		logger.UserID(notif.UserID),
		slog.String("lifecycle_event", string(notif.Event)),
		slog.Any("data", notif.Data),
	)
	return nil
}
