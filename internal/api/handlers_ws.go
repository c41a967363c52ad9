// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

package api

import (
	"errors"
	"net/http"

	gorilla "github.com/gorilla/websocket"

	"github.com/fleetgate/fleetgate/internal/connmgr"
	"github.com/fleetgate/fleetgate/internal/logging"
	"github.com/fleetgate/fleetgate/internal/store"
)

// upgrader performs the WebSocket handshake. Origin enforcement happens
// in the CORS layer and via the bearer credential; upgrades themselves
// accept any origin so non-browser clients work.
var upgrader = gorilla.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketAttach upgrades the connection and attaches the caller as a
// viewer of its own broker stream. When a stored config exists the
// broker session is (re)started before the upgrade, so the first viewer
// wakes an idle tenant.
func (h *Handler) WebSocketAttach(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.identity(w, r)
	if !ok {
		return
	}

	cfg, err := h.configs.Get(r.Context(), ident.OwnerID)
	switch {
	case err == nil:
		if err := h.manager.EnsureSession(r.Context(), ident.OwnerID, cfg); err != nil {
			// A persisted config that no longer validates must not
			// block the viewer; the session stays absent.
			if !connmgr.IsConfigError(err) {
				logging.Ctx(r.Context()).Error().Err(err).Msg("Session ensure on viewer attach failed")
			}
		}
	case errors.Is(err, store.ErrConfigNotFound):
		// Viewers may attach before any config exists; they receive
		// frames once one is submitted and the session connects.
	default:
		logging.Ctx(r.Context()).Error().Err(err).Msg("Config lookup failed")
		NewResponseWriter(w, r).InternalError("Failed to load configuration")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Ctx(r.Context()).Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	h.hub.Attach(ident.OwnerID, conn)
}
