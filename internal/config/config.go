// Package config loads the gateway configuration from the environment.
package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mihaimyh/scribegate/pkg/scribegate"
)

// Session store backends
const (
	SessionStoreMemory    = "memory"
	SessionStoreRedis     = "redis"
	SessionStorePostgres  = "postgres"
	SessionStoreFirestore = "firestore"
)

// Config holds all configuration of the gateway.
type Config struct {
	Auth0BaseURL      string
	Auth0ClientID     string
	Auth0ClientSecret string
	Auth0ProRoleID    string

	StripeSecretKey     string
	StripePriceID       string
	StripeWebhookSecret string // empty = trusted mode

	FrontendOrigin string
	TranscriberURL string

	BindAddress string
	Port        int

	// TrustedProxies may set X-Forwarded-For and X-Forwarded-Proto. Empty
	// trusts neither header.
	TrustedProxies []netip.Prefix

	SessionStore     string
	RedisAddr        string
	PostgresDSN      string
	FirestoreProject string

	FreeTierLimit  int
	FreeTierWindow time.Duration

	LogLevel         string
	LogFormat        string
	MetricsNamespace string
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// Load reads the configuration from environment variables. A .env file is
// loaded if present but not required. Every missing required variable is named
// in the returned error, which wraps scribegate.ErrConfig.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromLookup(os.LookupEnv)
}

// FromLookup builds the configuration from lookup.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	env := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}
	orDefault := func(key, fallback string) string {
		if v := env(key); v != "" {
			return v
		}
		return fallback
	}

	var missing []string
	required := func(key string) string {
		v := env(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg := &Config{
		Auth0BaseURL:        strings.TrimRight(required("AUTH0_BASE"), "/"),
		Auth0ClientID:       required("AUTH0_CLIENT_ID"),
		Auth0ClientSecret:   required("AUTH0_CLIENT_SECRET"),
		Auth0ProRoleID:      required("AUTH0_PRO_ROLE_ID"),
		StripeSecretKey:     required("STRIPE_SECRET_KEY"),
		StripePriceID:       required("STRIPE_PRICE_ID"),
		StripeWebhookSecret: env("STRIPE_WEBHOOK_SECRET"),
		FrontendOrigin:      strings.TrimRight(required("FRONTEND_ORIGIN"), "/"),
		TranscriberURL:      strings.TrimRight(required("TRANSCRIBER_URL"), "/"),
		BindAddress:         orDefault("BIND_ADDRESS", "0.0.0.0"),
		SessionStore:        strings.ToLower(orDefault("SESSION_STORE", SessionStoreMemory)),
		RedisAddr:           orDefault("REDIS_ADDR", "localhost:6379"),
		PostgresDSN:         env("POSTGRES_DSN"),
		FirestoreProject:    env("FIRESTORE_PROJECT"),
		LogLevel:            orDefault("LOG_LEVEL", "info"),
		LogFormat:           orDefault("LOG_FORMAT", "auto"),
		MetricsNamespace:    orDefault("METRICS_NAMESPACE", "scribegate"),
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required environment variables: %s",
			scribegate.ErrConfig, strings.Join(missing, ", "))
	}

	var err error
	if cfg.Port, err = intOrDefault(env("PORT"), "PORT", 8000); err != nil {
		return nil, err
	}
	if cfg.FreeTierLimit, err = intOrDefault(env("FREE_TIER_LIMIT"), "FREE_TIER_LIMIT", scribegate.DefaultFreeTierLimit); err != nil {
		return nil, err
	}
	if cfg.FreeTierWindow, err = durationOrDefault(env("FREE_TIER_WINDOW"), "FREE_TIER_WINDOW", scribegate.DefaultFreeTierWindow); err != nil {
		return nil, err
	}

	if cfg.TrustedProxies, err = prefixList(env("TRUSTED_PROXIES"), "TRUSTED_PROXIES"); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", scribegate.ErrConfig, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.FreeTierLimit < 1 {
		return fmt.Errorf("FREE_TIER_LIMIT must be greater than 0, got %d", c.FreeTierLimit)
	}
	if c.FreeTierWindow <= 0 {
		return fmt.Errorf("FREE_TIER_WINDOW must be positive, got %s", c.FreeTierWindow)
	}
	for key, raw := range map[string]string{
		"AUTH0_BASE":      c.Auth0BaseURL,
		"FRONTEND_ORIGIN": c.FrontendOrigin,
		"TRANSCRIBER_URL": c.TranscriberURL,
	} {
		if err := validateURL(key, raw); err != nil {
			return err
		}
	}

	switch c.SessionStore {
	case SessionStoreMemory, SessionStoreRedis:
	case SessionStorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when SESSION_STORE=%s", c.SessionStore)
		}
	case SessionStoreFirestore:
		if c.FirestoreProject == "" {
			return fmt.Errorf("FIRESTORE_PROJECT is required when SESSION_STORE=%s", c.SessionStore)
		}
	default:
		return fmt.Errorf("SESSION_STORE must be one of memory, redis, postgres, firestore, got %q", c.SessionStore)
	}
	return nil
}

func validateURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s must be a valid URL: %w", key, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", key)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host", key)
	}
	return nil
}

func intOrDefault(v, key string, fallback int) (int, error) {
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a valid integer: %w", scribegate.ErrConfig, key, err)
	}
	return n, nil
}

func durationOrDefault(v, key string, fallback time.Duration) (time.Duration, error) {
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a valid duration: %w", scribegate.ErrConfig, key, err)
	}
	return d, nil
}

// prefixList parses a comma separated list of CIDRs. A bare address is taken
// as a single host.
func prefixList(v, key string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range strings.Split(v, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %s must list IPs or CIDRs: %w", scribegate.ErrConfig, key, err)
			}
			out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must list IPs or CIDRs: %w", scribegate.ErrConfig, key, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}
