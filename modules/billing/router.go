// Package billing exposes the billing engine over HTTP: plan listing,
// subscription commands, the provider webhook endpoint and metrics.
package billing

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

// UserResolver extracts the authenticated user from the request.
// Wire it to whatever auth middleware the application runs; handlers
// respond 401 when it returns an error.
type UserResolver func(r *http.Request) (billing.User, error)

// Module bundles the billing HTTP surface.
type Module struct {
	svc         billing.Service
	checkout    billing.CheckoutProvider
	resolveUser UserResolver
	log         *slog.Logger

	maxWebhookBody int64
}

// ModuleOption configures the module.
type ModuleOption func(*Module)

// WithCheckout enables the hosted checkout and portal endpoints.
func WithCheckout(cp billing.CheckoutProvider) ModuleOption {
	return func(m *Module) { m.checkout = cp }
}

// WithModuleLogger sets the module logger.
func WithModuleLogger(log *slog.Logger) ModuleOption {
	return func(m *Module) {
		if log != nil {
			m.log = log
		}
	}
}

// NewModule wires the HTTP surface around the service.
func NewModule(svc billing.Service, resolveUser UserResolver, opts ...ModuleOption) *Module {
	m := &Module{
		svc:            svc,
		resolveUser:    resolveUser,
		log:            slog.Default(),
		maxWebhookBody: 1 << 20,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Router returns the route tree. Mount it under the application's
// billing prefix.
func (m *Module) Router() chi.Router {
	r := chi.NewRouter()

	// Public: no user context required.
	r.Get("/plans", m.handleListPlans)
	r.Post("/webhook", m.handleWebhook)

	// Aggregate counts are not public; gate them on the resolver like
	// the subscription commands.
	r.Get("/metrics", m.handleMetrics)

	// User-scoped subscription commands.
	r.Route("/subscription", func(r chi.Router) {
		r.Post("/", m.handleCreate)
		r.Delete("/", m.handleCancel)
		r.Post("/reactivate", m.handleReactivate)
		r.Put("/plan", m.handleChangePlan)
		r.Get("/status", m.handleStatus)
		r.Post("/sync", m.handleSync)
	})

	if m.checkout != nil {
		r.Post("/checkout", m.handleCheckout)
		r.Get("/portal", m.handlePortal)
	}

	return r
}
