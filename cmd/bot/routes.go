package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vpnshop/internal/metrics"
	"vpnshop/internal/payment"
	"vpnshop/internal/utils"
)

// newRouter wires the HTTP surface. Forwarding headers count only when the
// peer is one of the trusted proxies, so the webhook allowlist sees the real
// sender.
func newRouter(webhooks *payment.Handler, trusted *utils.IPAllowlist, ping func(context.Context) error) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(utils.ForwardedFor(trusted))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Mount("/webhooks", webhooks.Routes())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}
