// Package notifications dispatches subscription lifecycle notifications to
// users. Delivery is strictly best-effort: failures are logged and never
// propagate back into the billing state machine, so a broken email provider
// cannot roll back a committed state transition.
package notifications

import (
	"time"

	"github.com/google/uuid"
)

// LifecycleEvent identifies which subscription lifecycle moment a
// notification describes.
type LifecycleEvent string

const (
	EventWelcome        LifecycleEvent = "welcome"
	EventCancelled      LifecycleEvent = "cancelled"
	EventReactivated    LifecycleEvent = "reactivated"
	EventPaymentSuccess LifecycleEvent = "payment_success"
	EventPaymentFailed  LifecycleEvent = "payment_failed"
	EventTrialEnding    LifecycleEvent = "trial_ending"
	EventExpired        LifecycleEvent = "expired"
	EventPlanChanged    LifecycleEvent = "plan_changed"
)

// Notification carries the context a deliverer needs to render and send a
// lifecycle message.
type Notification struct {
	UserID    uuid.UUID
	Email     string
	Event     LifecycleEvent
	Data      map[string]any // plan name, period end, amounts, etc.
	CreatedAt time.Time
}

// subject lines per lifecycle event, used by the email deliverer.
var subjects = map[LifecycleEvent]string{
	EventWelcome:        "Welcome aboard!",
	EventCancelled:      "Your subscription has been cancelled",
	EventReactivated:    "Your subscription is back on",
	EventPaymentSuccess: "Payment received",
	EventPaymentFailed:  "We couldn't process your payment",
	EventTrialEnding:    "Your trial is ending soon",
	EventExpired:        "Your subscription has expired",
	EventPlanChanged:    "Your plan has changed",
}

// Subject returns the email subject for the event, or a generic fallback for
// unknown events.
func (e LifecycleEvent) Subject() string {
	if s, ok := subjects[e]; ok {
		return s
	}
	return "Subscription update"
}
