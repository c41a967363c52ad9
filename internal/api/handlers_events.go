// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fleetgate/fleetgate/internal/broker"
	"github.com/fleetgate/fleetgate/internal/connmgr"
	"github.com/fleetgate/fleetgate/internal/logging"
	"github.com/fleetgate/fleetgate/internal/metrics"
	"github.com/fleetgate/fleetgate/internal/store"
)

// maxEventBody bounds the outbound event payload.
const maxEventBody = 256 * 1024

// eventTypes lists the outbound event endpoints. The published topic is
// <publish_topic_prefix>/<type>.
var eventTypes = map[string]bool{
	"arrival":   true,
	"status":    true,
	"exception": true,
	"control":   true,
}

// EventPublish publishes the request body to the tenant's broker on the
// topic derived from the event type. Fails fast with 409 when the
// session is not live; publishes are never queued.
func (h *Handler) EventPublish(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.identity(w, r)
	if !ok {
		return
	}

	eventType := chi.URLParam(r, "type")
	if !eventTypes[eventType] {
		NewResponseWriter(w, r).NotFound("Unknown event type: " + eventType)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		NewResponseWriter(w, r).BadRequest("Failed to read event payload: " + err.Error())
		return
	}
	if len(payload) == 0 {
		NewResponseWriter(w, r).BadRequest("Event payload must not be empty")
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

	topic := cfg.PublishTopicPrefix + "/" + eventType
	if err := h.manager.Publish(r.Context(), ident.OwnerID, topic, payload); err != nil {
		switch {
		case errors.Is(err, connmgr.ErrNoSession), errors.Is(err, broker.ErrNotConnected):
			NewResponseWriter(w, r).NotConnected("Broker session is not live")
		default:
			logging.Ctx(r.Context()).Error().Err(err).Str("topic", topic).Msg("Event publish failed")
			NewResponseWriter(w, r).InternalError("Failed to publish event")
		}
		return
	}

	metrics.EventsPublished.WithLabelValues(eventType).Inc()
	NewResponseWriter(w, r).Success(map[string]string{
		"topic": topic,
	})
}
