// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetgate/fleetgate/internal/auth"
	"github.com/fleetgate/fleetgate/internal/middleware"
)

// Router assembles the HTTP gateway from the handler set, the keyring
// and the middleware factories.
type Router struct {
	handler *Handler
	keyring *auth.Keyring
	chimw   *ChiMiddleware
}

// NewRouter creates a router. chimw may be nil for defaults.
func NewRouter(handler *Handler, keyring *auth.Keyring, chimw *ChiMiddleware) *Router {
	if chimw == nil {
		chimw = NewChiMiddleware(nil)
	}
	return &Router{
		handler: handler,
		keyring: keyring,
		chimw:   chimw,
	}
}

// Setup configures all HTTP routes.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to every route in order. CORS must be
	// global to handle OPTIONS preflight before auth runs.
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.chimw.CORS())

	// Health endpoints: no auth, permissive rate limit for monitors.
	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(router.chimw.RateLimitHealth())
		r.Use(APISecurityHeaders())
		r.Get("/live", router.handler.HealthLive)
		r.Get("/ready", router.handler.HealthReady)
		r.Get("/", router.handler.Health)
	})

	// Key administration: master tier, strict rate limit.
	r.Route("/api/v1/admin/keys", func(r chi.Router) {
		r.Use(router.chimw.RateLimitAdmin())
		r.Use(APISecurityHeaders())
		r.Use(middleware.PrometheusMetrics)
		r.Use(router.keyring.Authenticate)
		r.Use(auth.RequireMaster)

		r.Post("/", router.handler.KeysIssue)
		r.Get("/", router.handler.KeysList)
		r.Delete("/{id}", router.handler.KeysRevoke)
	})

	// Tenant endpoints: user tier. The master credential administers
	// keys but owns no broker session, so it is rejected here.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(router.chimw.RateLimit())
		r.Use(APISecurityHeaders())
		r.Use(middleware.PrometheusMetrics)
		r.Use(router.keyring.Authenticate)
		r.Use(auth.RequireUser)

		r.Get("/config", router.handler.ConfigGet)
		r.Put("/config", router.handler.ConfigPut)

		r.Post("/events/{type}", router.handler.EventPublish)

		r.Get("/session", router.handler.SessionStatus)
		r.Delete("/session", router.handler.SessionTeardown)

		r.Route("/maps", func(r chi.Router) {
			r.Post("/refresh", router.handler.MapsRefresh)
			r.Get("/", router.handler.MapsGet)
		})

		// WebSocket upgrades carry the credential in the Authorization
		// header or, for browsers, the token query parameter.
		r.With(router.chimw.RateLimitWebSocket()).Get("/ws", router.handler.WebSocketAttach)
	})

	// Prometheus scrape endpoint.
	r.Handle("/metrics", promhttp.Handler())

	return r
}
