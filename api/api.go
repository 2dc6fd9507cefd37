// Package api serves the account and session endpoints over HTTP.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/murmur/account"
	"github.com/jmcleod/murmur/session"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	accounts *account.Service
	sessions *session.Service
	auth     *session.Authenticator

	audit          *auditLogger
	metrics        *Metrics
	lockout        *loginRateLimiter
	ipLimiter      *ipRateLimiter
	trustedProxies []netip.Prefix
	devMode        bool

	logger        *slog.Logger
	alertFn       AlertFunc
	webhookURL    string
	webhookHeader string
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events and server
// errors. If not set, a JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithDevMode drops the Secure attribute from session cookies on plain
// HTTP so a local browser keeps them.
func WithDevMode(enabled bool) Option {
	return func(a *API) { a.devMode = enabled }
}

// WithTrustedProxies sets the proxies whose forwarding headers are believed
// when finding the client IP for rate limiting.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithAlertFunc registers a callback for anomaly alerts such as a spike in
// failed logins.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// WithMetrics counts logins, registrations and rate limiting on m.
func WithMetrics(m *Metrics) Option {
	return func(a *API) { a.metrics = m }
}

// WithAuditWebhook forwards every audit event to url. authHeader, if set,
// has the form "Header: Value".
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookHeader = authHeader
	}
}

// WithRequestRate overrides the per-IP budget for the unauthenticated
// endpoints.
func WithRequestRate(perSecond float64, burst int) Option {
	return func(a *API) { a.ipLimiter = newIPRateLimiter(rateLimit(perSecond), burst) }
}

// New creates a new API instance.
func New(accounts *account.Service, sessions *session.Service, auth *session.Authenticator, opts ...Option) *API {
	a := &API{
		accounts:  accounts,
		sessions:  sessions,
		auth:      auth,
		lockout:   newLoginRateLimiter(),
		ipLimiter: newIPRateLimiter(ipRequestRate, ipRequestBurst),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.audit = newAuditLogger(a.logger)
	a.audit.alerts = newAlertCollector(a.alertFn)
	if a.webhookURL != "" {
		a.audit.webhook = newAuditWebhook(a.webhookURL, a.webhookHeader, a.logger)
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/auth/register", a.Register)
	r.Post("/auth/login", a.Login)
	r.Post("/auth/logout", a.Logout)

	r.Group(func(r chi.Router) {
		r.Use(a.RequireSession)
		r.Get("/me", a.Me)
		r.Post("/me/password", a.ChangePassword)
	})

	return r
}

// RunMaintenance sweeps stale rate limiter state every interval until ctx
// is cancelled.
func (a *API) RunMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.lockout.sweep()
			a.ipLimiter.sweep()
		}
	}
}

// Close flushes the audit webhook, if any.
func (a *API) Close() {
	if a.audit != nil && a.audit.webhook != nil {
		a.audit.webhook.close()
	}
}
