// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/fleetgate/fleetgate/internal/logging"
	"github.com/fleetgate/fleetgate/internal/mapservice"
)

// maxMapsBody bounds the map refresh request body.
const maxMapsBody = 16 * 1024

type mapsRefreshRequest struct {
	// APIToken authenticates against the external field-list API on the
	// tenant's behalf. Never stored.
	APIToken string `json:"api_token"`
}

// MapsRefresh starts a background field-map refresh for the caller.
// Returns 202 immediately; a refresh already in flight is not doubled.
func (h *Handler) MapsRefresh(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.identity(w, r)
	if !ok {
		return
	}
	if h.maps == nil {
		NewResponseWriter(w, r).NotFound("Map service is disabled")
		return
	}

	var req mapsRefreshRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMapsBody))
	if err := decoder.Decode(&req); err != nil {
		NewResponseWriter(w, r).BadRequest("Malformed refresh body: " + err.Error())
		return
	}
	if req.APIToken == "" {
		NewResponseWriter(w, r).BadRequest("api_token is required")
		return
	}

	started := h.maps.TriggerRefresh(ident.OwnerID, req.APIToken)
	NewResponseWriter(w, r).Accepted(map[string]bool{
		"started": started,
	})
}

// MapsGet returns the caller's stored field-map JSON.
func (h *Handler) MapsGet(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.identity(w, r)
	if !ok {
		return
	}
	if h.maps == nil {
		NewResponseWriter(w, r).NotFound("Map service is disabled")
		return
	}

	data, err := h.maps.FieldMap(ident.OwnerID)
	if errors.Is(err, mapservice.ErrNotGenerated) {
		NewResponseWriter(w, r).NotFound("No field map has been generated")
		return
	}
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("Field map read failed")
		NewResponseWriter(w, r).InternalError("Failed to read field map")
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // best-effort body write
	w.Write(data)
}
