package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	billingmodule "github.com/dmitrymomot/billingkit/modules/billing"
	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/billing/mongostore"
	"github.com/dmitrymomot/billingkit/pkg/billing/pgstore"
	"github.com/dmitrymomot/billingkit/pkg/config"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/mongo"
	"github.com/dmitrymomot/billingkit/pkg/notifications"
	"github.com/dmitrymomot/billingkit/pkg/pg"
	"github.com/dmitrymomot/billingkit/pkg/redis"
	"github.com/dmitrymomot/billingkit/pkg/scheduler"
)

type appConfig struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// PlansFile points at the YAML plan catalog.
	PlansFile string `env:"PLANS_FILE" envDefault:"plans.yaml"`

	// Provider selects the payment provider: stripe or paddle.
	Provider string `env:"BILLING_PROVIDER" envDefault:"stripe"`

	// StoreDriver selects projection storage: mongo or postgres.
	StoreDriver string `env:"STORE_DRIVER" envDefault:"mongo"`

	// EventLedger selects webhook deduplication: redis, memory or off.
	EventLedger    string        `env:"EVENT_LEDGER" envDefault:"memory"`
	EventLedgerTTL time.Duration `env:"EVENT_LEDGER_TTL" envDefault:"72h"`

	PastDueGrace    bool          `env:"PAST_DUE_GRACE" envDefault:"false"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"15s"`

	// ExpirySweepHour/Minute schedule the daily expiry sweep (UTC).
	ExpirySweepHour   int `env:"EXPIRY_SWEEP_HOUR" envDefault:"0"`
	ExpirySweepMinute int `env:"EXPIRY_SWEEP_MINUTE" envDefault:"0"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("billingd exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var logCfg logger.Config
	if err := config.Load(&logCfg); err != nil {
		return fmt.Errorf("load logger config: %w", err)
	}
	log := logger.NewFromConfig(logCfg, logger.WithAttr(slog.String("app", "billingd")))
	slog.SetDefault(log)

	catalog, err := billing.NewCatalog(ctx, billing.NewYAMLSource(cfg.PlansFile))
	if err != nil {
		return fmt.Errorf("load plan catalog: %w", err)
	}

	provider, checkout, err := buildProvider(cfg.Provider)
	if err != nil {
		return err
	}

	store, closeStore, err := buildStore(ctx, cfg.StoreDriver, log)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := []billing.Option{
		billing.WithLogger(log),
		billing.WithAccessPolicy(billing.AccessPolicy{PastDueGrace: cfg.PastDueGrace}),
		billing.WithProviderTimeout(cfg.ProviderTimeout),
		billing.WithNotifier(buildNotifier(log)),
	}
	ledger, closeLedger, err := buildLedger(ctx, cfg)
	if err != nil {
		return err
	}
	if ledger != nil {
		defer closeLedger()
		opts = append(opts, billing.WithEventLedger(ledger))
	}

	svc, err := billing.NewService(catalog, provider, store, opts...)
	if err != nil {
		return fmt.Errorf("init billing service: %w", err)
	}

	module := billingmodule.NewModule(svc, resolveUserFromHeaders,
		billingmodule.WithModuleLogger(log),
		billingmodule.WithCheckout(checkout))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Mount("/billing", module.Router())

	sched := scheduler.New(scheduler.WithLogger(log))
	if err := sched.Register("subscription-expiry",
		scheduler.Daily(cfg.ExpirySweepHour, cfg.ExpirySweepMinute),
		svc.ProcessExpired); err != nil {
		return fmt.Errorf("register expiry sweep: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.InfoContext(ctx, "http server listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		stop()
		shutdownServer(srv, cfg.ShutdownTimeout)
		return err
	}

	shutdownServer(srv, cfg.ShutdownTimeout)
	return nil
}

func shutdownServer(srv *http.Server, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("http shutdown incomplete", slog.String("error", err.Error()))
	}
}

func buildProvider(name string) (billing.Provider, billing.CheckoutProvider, error) {
	switch name {
	case "stripe":
		var cfg billing.StripeConfig
		if err := config.Load(&cfg); err != nil {
			return nil, nil, fmt.Errorf("load stripe config: %w", err)
		}
		p, err := billing.NewStripeProvider(cfg)
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	case "paddle":
		var cfg billing.PaddleConfig
		if err := config.Load(&cfg); err != nil {
			return nil, nil, fmt.Errorf("load paddle config: %w", err)
		}
		p, err := billing.NewPaddleProvider(cfg)
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	default:
		return nil, nil, fmt.Errorf("unknown billing provider %q", name)
	}
}

func buildStore(ctx context.Context, driver string, log *slog.Logger) (billing.Store, func(), error) {
	switch driver {
	case "mongo":
		var cfg mongo.Config
		if err := config.Load(&cfg); err != nil {
			return nil, nil, fmt.Errorf("load mongo config: %w", err)
		}
		client, err := mongo.Connect(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		store := mongostore.New(client, client.Database(cfg.Database))
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, err
		}
		return store, func() { _ = client.Disconnect(context.Background()) }, nil
	case "postgres":
		var cfg pg.Config
		if err := config.Load(&cfg); err != nil {
			return nil, nil, fmt.Errorf("load postgres config: %w", err)
		}
		pool, err := pg.Connect(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx, pool, cfg, log); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pgstore.New(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func buildLedger(ctx context.Context, cfg appConfig) (billing.EventLedger, func(), error) {
	switch cfg.EventLedger {
	case "redis":
		var rcfg redis.Config
		if err := config.Load(&rcfg); err != nil {
			return nil, nil, fmt.Errorf("load redis config: %w", err)
		}
		client, err := redis.Connect(ctx, rcfg)
		if err != nil {
			return nil, nil, err
		}
		return billing.NewRedisLedger(client, cfg.EventLedgerTTL),
			func() { _ = client.Close() }, nil
	case "memory":
		return billing.NewMemoryLedger(cfg.EventLedgerTTL), func() {}, nil
	case "off":
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown event ledger %q", cfg.EventLedger)
	}
}

func buildNotifier(log *slog.Logger) *notifications.Dispatcher {
	var cfg notifications.EmailConfig
	deliverers := []notifications.Deliverer{notifications.LogDeliverer{Logger: log}}
	if err := config.Load(&cfg); err == nil && cfg.PostmarkServerToken != "" {
		if email, err := notifications.NewEmailDeliverer(cfg); err == nil {
			deliverers = append(deliverers, email)
		} else {
			log.Warn("email deliverer disabled", slog.String("error", err.Error()))
		}
	}
	return notifications.NewDispatcher(deliverers, notifications.WithLogger(log))
}

// resolveUserFromHeaders trusts identity headers set by the edge
// proxy. Replace with real auth middleware when embedding the module
// into an application.
func resolveUserFromHeaders(r *http.Request) (billing.User, error) {
	id, err := uuid.Parse(r.Header.Get("X-User-ID"))
	if err != nil {
		return billing.User{}, errors.New("missing or invalid X-User-ID header")
	}
	return billing.User{
		ID:    id,
		Email: r.Header.Get("X-User-Email"),
		Name:  r.Header.Get("X-User-Name"),
	}, nil
}
