// Package api exposes the passkey authentication service over REST.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/latchkey/auth"
	"github.com/jmcleod/latchkey/session"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	svc            *auth.Service
	sessions       *session.Manager
	audit          *auditLogger
	trustedProxies []netip.Prefix
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		metrics := a.audit.metrics
		a.audit = newAuditLogger(logger)
		a.audit.metrics = metrics
	}
}

// WithTrustedProxies sets the CIDR ranges whose forwarding headers are
// believed when resolving the client IP. By default no proxy is trusted
// and the TCP peer address is used as-is.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithAlertFunc registers a callback invoked when the anomaly detector
// trips (authentication or recovery failure spikes).
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.audit.metrics = newMetricsCollector(fn)
	}
}

// New creates a new API instance.
func New(svc *auth.Service, sessions *session.Manager, opts ...Option) *API {
	a := &API{
		svc:      svc,
		sessions: sessions,
	}
	a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	for _, opt := range opts {
		opt(a)
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

	r.Get("/health", a.Health)

	r.Post("/auth/registration/start", a.StartRegistration)
	r.Post("/auth/registration/verify", a.VerifyRegistration)
	r.Post("/auth/authentication/start", a.StartAuthentication)
	r.Post("/auth/authentication/verify", a.VerifyAuthentication)
	r.Post("/auth/recover", a.RecoverAccount)

	r.Group(func(r chi.Router) {
		r.Use(a.AuthMiddleware)
		r.Get("/auth/session", a.SessionInfo)
		r.Post("/auth/logout", a.Logout)
		r.Post("/auth/recovery-codes/ack", a.AcknowledgeRecoveryCodes)
		r.Post("/auth/recovery-codes/regenerate", a.RegenerateRecoveryCodes)
		r.Get("/credentials", a.ListCredentials)
		r.Delete("/credentials/{credentialRef}", a.RemoveCredential)
	})

	return r
}

// Health reports liveness.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
