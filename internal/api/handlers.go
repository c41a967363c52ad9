// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/fleetgate/fleetgate/internal/auth"
	"github.com/fleetgate/fleetgate/internal/connmgr"
	"github.com/fleetgate/fleetgate/internal/models"
	"github.com/fleetgate/fleetgate/internal/store"
	"github.com/fleetgate/fleetgate/internal/websocket"
)

// MapService is the slice of the map downloader the gateway needs.
// Implemented by mapservice.Service; faked in handler tests.
type MapService interface {
	// TriggerRefresh starts a background refresh for the owner.
	// Returns false when a refresh is already running.
	TriggerRefresh(ownerID, apiToken string) bool

	// FieldMap returns the stored field-map JSON for the owner.
	FieldMap(ownerID string) ([]byte, error)
}

// SessionManager is the slice of the connection manager the gateway
// needs. Implemented by connmgr.Manager.
type SessionManager interface {
	ValidateConfig(ctx context.Context, ownerID string, cfg models.TenantConfig) error
	EnsureSession(ctx context.Context, ownerID string, cfg models.TenantConfig) error
	Teardown(ownerID string)
	Status(ownerID string) (models.SessionSnapshot, bool)
	Publish(ctx context.Context, ownerID, topic string, payload []byte) error
}

// Handler holds the dependencies shared by all endpoint handlers.
type Handler struct {
	keyring *auth.Keyring
	configs *store.TenantConfigStore
	manager SessionManager
	hub     *websocket.Hub
	maps    MapService

	// ready reports whether the process can serve traffic. Nil means
	// always ready.
	ready func() error

	startedAt time.Time
}

// NewHandler creates the handler set. maps may be nil when the map
// service is disabled.
func NewHandler(keyring *auth.Keyring, configs *store.TenantConfigStore, manager SessionManager, hub *websocket.Hub, maps MapService, ready func() error) *Handler {
	return &Handler{
		keyring:   keyring,
		configs:   configs,
		manager:   manager,
		hub:       hub,
		maps:      maps,
		ready:     ready,
		startedAt: time.Now(),
	}
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]string{"status": "alive"})
}

// HealthReady reports readiness to serve traffic.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(); err != nil {
			NewResponseWriter(w, r).Error(http.StatusServiceUnavailable, ErrCodeInternalError, err.Error())
			return
		}
	}
	NewResponseWriter(w, r).Success(map[string]string{"status": "ready"})
}

// Health reports overall service health and uptime.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if h.ready != nil {
		if err := h.ready(); err != nil {
			status = "degraded"
		}
	}
	NewResponseWriter(w, r).Success(map[string]interface{}{
		"status":         status,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}

// identity extracts the authenticated identity or writes a 401.
func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (models.Identity, bool) {
	ident, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		NewResponseWriter(w, r).Unauthorized("Missing identity")
	}
	return ident, ok
}

// writeConfigError maps a connmgr.ConfigError to a 400 validation
// response.
func writeConfigError(w http.ResponseWriter, r *http.Request, err error) {
	var details interface{}
	if cfgErr, ok := err.(*connmgr.ConfigError); ok {
		details = map[string]string{
			"field":  cfgErr.Field,
			"reason": cfgErr.Reason,
		}
	}
	NewResponseWriter(w, r).ValidationError("Invalid tenant configuration", details)
}
