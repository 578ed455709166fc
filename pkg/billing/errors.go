package billing

import "errors"

var (
	ErrPlanNotFound                = errors.New("plan not found")
	ErrPriceMismatch               = errors.New("submitted price does not match the plan")
	ErrInvalidPlanConfiguration    = errors.New("invalid plan configuration")
	ErrAlreadySubscribed           = errors.New("user already has an active subscription")
	ErrSubscriptionNotFound        = errors.New("subscription not found")
	ErrNoProviderSubscription      = errors.New("no provider subscription on record")
	ErrNotScheduledForCancellation = errors.New("subscription is not scheduled for cancellation")
	ErrSignatureInvalid            = errors.New("webhook signature verification failed")
	ErrPayloadMalformed            = errors.New("webhook payload malformed")
	ErrProviderUnavailable         = errors.New("billing provider request failed")
	ErrInvalidPeriod               = errors.New("period end precedes period start")
	ErrTransitionRejected          = errors.New("status transition rejected")
	ErrNoChange                    = errors.New("event produced no state change")
	ErrNotSupported                = errors.New("operation not supported by this provider")
	ErrEventLedgerUnavailable      = errors.New("event ledger unavailable")
)
