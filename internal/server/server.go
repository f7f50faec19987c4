// Package server assembles the subsync HTTP router.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	entitlement "github.com/mihaimyh/subsync/middleware/http"
	"github.com/mihaimyh/subsync/pkg/api"
	zlogadapter "github.com/mihaimyh/subsync/pkg/subsync/logger/zerolog"
)

// Check reports whether a dependency is ready to serve traffic.
type Check struct {
	Name  string
	Check func(ctx context.Context) error
}

// Options configures the router.
type Options struct {
	// Webhook receives provider events at WebhookPath (required)
	Webhook     http.Handler
	WebhookPath string

	// Reader backs the /v1/users endpoints, which are only mounted when
	// both Reader and AdminToken are set. Syncer enables POST .../sync.
	Reader     api.Reader
	Syncer     api.Syncer
	AdminToken string

	// Gatherer is exposed on /metrics. Default: prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer

	// Ready lists the checks behind /readyz
	Ready []Check

	Logger zerolog.Logger
}

// New returns the service router.
func New(opts Options) (http.Handler, error) {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.WebhookPath == "" {
		opts.WebhookPath = "/webhooks/revenuecat"
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(opts.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readyHandler(opts.Ready))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	// The receiver answers preflight, health GET and method errors itself.
	r.Handle(opts.WebhookPath, opts.Webhook)

	if opts.Reader != nil && opts.AdminToken != "" {
		userID := func(r *http.Request) string { return chi.URLParam(r, "userID") }
		subs, err := api.NewHandler(api.Config{
			Reader:    opts.Reader,
			Syncer:    opts.Syncer,
			GetUserID: userID,
			Logger:    zlogadapter.NewLogger(opts.Logger),
		})
		if err != nil {
			return nil, err
		}

		r.Route("/v1/users/{userID}", func(r chi.Router) {
			r.Use(requireToken(opts.AdminToken))
			r.Get("/subscription", subs.GetSubscription)
			r.Post("/sync", subs.Sync)

			// 204 when an active subscription grants the entitlement
			r.With(entitlement.Middleware(entitlement.Config{
				Lookup:    opts.Reader,
				GetUserID: userID,
				GetEntitlement: func(r *http.Request) string {
					return chi.URLParam(r, "entitlement")
				},
				OnNotEntitled: func(w http.ResponseWriter, _ *http.Request, name string) {
					writeJSON(w, http.StatusForbidden, map[string]string{"error": "not entitled", "entitlement": name})
				},
				OnError: func(w http.ResponseWriter, r *http.Request, err error) {
					opts.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("entitlement lookup failed")
					writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
				},
			})).Get("/entitlements/{entitlement}", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})
		})
	}

	return r, nil
}

func readyHandler(checks []Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{}
		code := http.StatusOK
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				status[c.Name] = err.Error()
				code = http.StatusServiceUnavailable
				continue
			}
			status[c.Name] = "ok"
		}
		writeJSON(w, code, status)
	}
}

func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
