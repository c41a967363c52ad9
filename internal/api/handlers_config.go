// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/fleetgate/fleetgate/internal/connmgr"
	"github.com/fleetgate/fleetgate/internal/logging"
	"github.com/fleetgate/fleetgate/internal/models"
	"github.com/fleetgate/fleetgate/internal/store"
)

// maxConfigBody bounds the tenant config request body.
const maxConfigBody = 64 * 1024

// ConfigGet returns the caller's stored tenant config, password
// redacted.
func (h *Handler) ConfigGet(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.identity(w, r)
	if !ok {
		return
	}

	cfg, err := h.configs.Get(r.Context(), ident.OwnerID)
	if errors.Is(err, store.ErrConfigNotFound) {
		NewResponseWriter(w, r).NotFound("No tenant configuration exists")
		return
	}
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("Config lookup failed")
		NewResponseWriter(w, r).InternalError("Failed to load configuration")
		return
	}

	NewResponseWriter(w, r).Success(cfg.Redacted())
}

// ConfigPut validates and stores the caller's tenant config, then
// supersedes any running session with the new parameters. Validation
// failures are synchronous 400s and never retried.
func (h *Handler) ConfigPut(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.identity(w, r)
	if !ok {
		return
	}

	var cfg models.TenantConfig
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConfigBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		NewResponseWriter(w, r).BadRequest("Malformed configuration body: " + err.Error())
		return
	}

	// The owner comes from the credential, never from the body.
	cfg.OwnerID = ident.OwnerID
	cfg.UpdatedAt = time.Now().UTC()

	// Validate before persisting, persist before superseding the
	// session: a rejected config is never stored, and the running
	// session never reflects a config the store does not hold.
	if err := h.manager.ValidateConfig(r.Context(), ident.OwnerID, cfg); err != nil {
		if connmgr.IsConfigError(err) {
			writeConfigError(w, r, err)
			return
		}
		logging.Ctx(r.Context()).Error().Err(err).Msg("Config validation failed")
		NewResponseWriter(w, r).InternalError("Failed to validate configuration")
		return
	}

	if err := h.configs.Put(r.Context(), cfg); err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("Config persist failed")
		NewResponseWriter(w, r).InternalError("Failed to persist configuration")
		return
	}

	if err := h.manager.EnsureSession(r.Context(), ident.OwnerID, cfg); err != nil {
		if connmgr.IsConfigError(err) {
			writeConfigError(w, r, err)
			return
		}
		logging.Ctx(r.Context()).Error().Err(err).Msg("Session ensure failed")
		NewResponseWriter(w, r).InternalError("Failed to apply configuration")
		return
	}

	NewResponseWriter(w, r).Success(cfg.Redacted())
}

// SessionStatus returns a point-in-time snapshot of the caller's broker
// session. Owners without a session see state "absent".
func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.identity(w, r)
	if !ok {
		return
	}

	snap, exists := h.manager.Status(ident.OwnerID)
	if !exists {
		snap = models.SessionSnapshot{
			OwnerID: ident.OwnerID,
			State:   models.SessionAbsent,
		}
	}
	NewResponseWriter(w, r).Success(snap)
}

// SessionTeardown disconnects the caller's broker session. Idempotent;
// the stored config is kept so a later viewer attach reconnects.
func (h *Handler) SessionTeardown(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.identity(w, r)
	if !ok {
		return
	}

	h.manager.Teardown(ident.OwnerID)
	NewResponseWriter(w, r).NoContent()
}
