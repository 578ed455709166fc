// Package billing reconciles subscription state between a payment
// provider and a local projection.
//
// The provider is the source of truth for lifecycle state; the local
// Subscription projection exists so access checks never depend on
// provider availability. State converges through three inputs: command
// operations the user initiates, signed webhook events the provider
// pushes, and a daily sweep that resolves records whose paid-through
// date has lapsed.
//
// The transition function Apply is pure and idempotent: replayed
// events produce ErrNoChange, and stale out-of-order deliveries are
// rejected. Webhook deliveries for the same provider subscription are
// serialized, so the read-apply-write cycle never loses an update.
//
// Two provider adapters ship with the package: StripeProvider drives
// the full API lifecycle, PaddleProvider drives hosted checkout and
// portal flows. Both normalize their webhook payloads into the same
// Event shape.
package billing
