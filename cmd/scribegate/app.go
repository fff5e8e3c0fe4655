package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/scribegate/internal/config"
	"github.com/mihaimyh/scribegate/pkg/api"
	"github.com/mihaimyh/scribegate/pkg/billing"
	billingmetrics "github.com/mihaimyh/scribegate/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/scribegate/pkg/billing/stripe"
	"github.com/mihaimyh/scribegate/pkg/identity/auth0"
	"github.com/mihaimyh/scribegate/pkg/scribegate"
	zerologadapter "github.com/mihaimyh/scribegate/pkg/scribegate/logger/zerolog"
	coremetrics "github.com/mihaimyh/scribegate/pkg/scribegate/metrics/prometheus"
	"github.com/mihaimyh/scribegate/pkg/transcriber"
	firestorestore "github.com/mihaimyh/scribegate/storage/firestore"
	"github.com/mihaimyh/scribegate/storage/memory"
	postgresstore "github.com/mihaimyh/scribegate/storage/postgres"
	redisstore "github.com/mihaimyh/scribegate/storage/redis"
)

const storeConnectTimeout = 10 * time.Second

// app is the wired gateway.
type app struct {
	handler  http.Handler
	gate     *scribegate.Gate
	registry *prometheus.Registry
	closers  []func()
}

// Close releases backend connections.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *config.Config, zl zerolog.Logger) (*app, error) {
	a := &app{registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	logger := zerologadapter.NewLogger(zl)
	metrics := coremetrics.NewMetrics(a.registry, cfg.MetricsNamespace)
	billingMetrics := billingmetrics.NewMetrics(a.registry, cfg.MetricsNamespace)

	sessions, err := a.sessionStore(ctx, cfg, logger, metrics)
	if err != nil {
		a.Close()
		return nil, err
	}
	limiter, err := scribegate.NewRateLimiter(sessions, scribegate.RateLimiterConfig{
		Limit:   cfg.FreeTierLimit,
		Window:  cfg.FreeTierWindow,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	tokens := scribegate.NewTokenCache(
		auth0.NewClientCredentialsFetcher(cfg.Auth0BaseURL, cfg.Auth0ClientID, cfg.Auth0ClientSecret, nil),
		scribegate.TokenCacheConfig{Logger: logger, Metrics: metrics},
	)
	idp, err := auth0.NewStore(auth0.Config{
		BaseURL: cfg.Auth0BaseURL,
		RoleID:  cfg.Auth0ProRoleID,
		Tokens:  tokens,
		CircuitBreaker: scribegate.NewBreaker(scribegate.BreakerConfig{
			Name:      "auth0",
			IsFailure: auth0.IsUpstreamFailure,
			Metrics:   metrics,
			Logger:    logger,
		}),
		Logger: logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	entitlements := scribegate.NewCachedEntitlementStore(idp, scribegate.CachedEntitlementConfig{
		Metrics: metrics,
		Logger:  logger,
	})

	engine, err := transcriber.New(transcriber.Config{BaseURL: cfg.TranscriberURL, Logger: logger})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.gate, err = scribegate.NewGate(scribegate.GateConfig{
		Limiter:      limiter,
		Entitlements: entitlements,
		Transcriber:  engine,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	processor, err := stripe.NewProcessor(stripe.Config{
		Config:         billingConfig(cfg, entitlements, billingMetrics, logger),
		TrustedProxies: cfg.TrustedProxies,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	successURL, cancelURL := stripe.FrontendReturnURLs(cfg.FrontendOrigin)
	checkout, err := stripe.NewCheckout(stripe.CheckoutConfig{
		APIKey:     cfg.StripeSecretKey,
		PriceID:    cfg.StripePriceID,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
		Metrics:    billingMetrics,
		Logger:     logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	h, err := api.NewHandler(api.Config{
		Gate:           a.gate,
		Webhook:        processor.WebhookHandler(),
		Checkout:       checkout,
		FrontendOrigin: cfg.FrontendOrigin,
		TrustedProxies: cfg.TrustedProxies,
		Logger:         logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	h.Router().Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.handler = h
	return a, nil
}

// sessionStore builds the configured free-tier store. Shared backends are put
// behind a circuit breaker that degrades to a process-local store.
func (a *app) sessionStore(ctx context.Context, cfg *config.Config, logger scribegate.Logger, metrics scribegate.Metrics) (scribegate.SessionStore, error) {
	local := memory.New()
	connectCtx, cancel := context.WithTimeout(ctx, storeConnectTimeout)
	defer cancel()

	var primary scribegate.SessionStore
	switch cfg.SessionStore {
	case config.SessionStoreMemory:
		return local, nil

	case config.SessionStoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		store, err := redisstore.New(client, redisstore.DefaultConfig())
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := store.Ping(connectCtx); err != nil {
			logger.Warn("redis unreachable at startup, serving from fallback until it recovers",
				scribegate.Field{Key: "error", Value: err})
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		primary = store

	case config.SessionStorePostgres:
		pgConfig := postgresstore.DefaultConfig()
		pgConfig.ConnectionString = cfg.PostgresDSN
		pgConfig.Logger = logger
		store, err := postgresstore.New(connectCtx, pgConfig)
		if err != nil {
			return nil, fmt.Errorf("%w: postgres: %w", scribegate.ErrSessionStore, err)
		}
		a.closers = append(a.closers, store.Close)
		if err := store.Migrate(connectCtx); err != nil {
			return nil, fmt.Errorf("%w: postgres migrate: %w", scribegate.ErrSessionStore, err)
		}
		primary = store

	case config.SessionStoreFirestore:
		client, err := firestore.NewClient(connectCtx, cfg.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("%w: firestore: %w", scribegate.ErrSessionStore, err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		store, err := firestorestore.New(client, firestorestore.Config{})
		if err != nil {
			return nil, err
		}
		primary = store

	default:
		return nil, fmt.Errorf("%w: unknown session store %q", scribegate.ErrConfig, cfg.SessionStore)
	}

	return scribegate.NewFallbackSessionStore(primary, local, scribegate.FallbackConfig{
		Breaker: scribegate.NewBreaker(scribegate.BreakerConfig{
			Name:    cfg.SessionStore,
			Metrics: metrics,
			Logger:  logger,
		}),
		Metrics: metrics,
		Logger:  logger,
	}), nil
}

func billingConfig(cfg *config.Config, entitlements scribegate.EntitlementStore, metrics billing.Metrics, logger scribegate.Logger) billing.Config {
	return billing.Config{
		Entitlements:  entitlements,
		WebhookSecret: cfg.StripeWebhookSecret,
		OnEntitlementChange: func(_ context.Context, change billing.EntitlementChange) error {
			logger.Info("entitlement changed",
				scribegate.Field{Key: "userId", Value: change.UserID},
				scribegate.Field{Key: "action", Value: string(change.Action)},
				scribegate.Field{Key: "eventId", Value: change.EventID},
			)
			return nil
		},
		Metrics: metrics,
		Logger:  logger,
	}
}
