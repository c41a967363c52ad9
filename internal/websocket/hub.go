// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

// Package websocket fans broker messages out to a tenant's browser
// viewers. Viewers are grouped per owner; one tenant's slow or dead
// viewers never affect another tenant, and within a tenant a viewer
// whose buffer overflows is disconnected rather than allowed to stall
// the rest.
package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/fleetgate/fleetgate/internal/logging"
	"github.com/fleetgate/fleetgate/internal/metrics"
	"github.com/fleetgate/fleetgate/internal/models"
)

// IdleNotifier learns about viewer attach/detach so the connection
// manager can run its idle teardown policy. Implemented by
// connmgr.Manager.
type IdleNotifier interface {
	ViewerAttached(ownerID string)
	ViewerDetached(ownerID string)
}

// Hub is the per-owner viewer registry.
type Hub struct {
	mu       sync.RWMutex
	viewers  map[string]map[*Client]bool
	notifier IdleNotifier
	closed   bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		viewers: make(map[string]map[*Client]bool),
	}
}

// SetNotifier wires the idle notifier. Must be called before viewers
// attach.
func (h *Hub) SetNotifier(n IdleNotifier) {
	h.notifier = n
}

// Attach registers a viewer for an owner and starts its pumps. The
// returned client detaches itself when its connection drops.
func (h *Hub) Attach(ownerID string, conn wsConn) *Client {
	client := newClient(h, ownerID, conn)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		client.closeSend()
		_ = conn.Close()
		return client
	}
	owners := h.viewers[ownerID]
	if owners == nil {
		owners = make(map[*Client]bool)
		h.viewers[ownerID] = owners
	}
	owners[client] = true
	total := len(owners)
	h.mu.Unlock()

	metrics.ViewersConnected.Inc()
	if h.notifier != nil {
		h.notifier.ViewerAttached(ownerID)
	}

	logging.Info().
		Str("component", "viewer-hub").
		Str("owner_id", ownerID).
		Int("owner_viewers", total).
		Msg("Viewer attached")

	client.start()
	return client
}

// detach removes a client from the registry. Safe to call multiple
// times; only the first call closes the send channel and notifies.
func (h *Hub) detach(client *Client) {
	h.mu.Lock()
	owners, ok := h.viewers[client.ownerID]
	if !ok || !owners[client] {
		h.mu.Unlock()
		return
	}
	delete(owners, client)
	if len(owners) == 0 {
		delete(h.viewers, client.ownerID)
	}
	remaining := len(owners)
	h.mu.Unlock()

	client.closeSend()
	metrics.ViewersConnected.Dec()
	if h.notifier != nil {
		h.notifier.ViewerDetached(client.ownerID)
	}

	logging.Info().
		Str("component", "viewer-hub").
		Str("owner_id", client.ownerID).
		Int("owner_viewers", remaining).
		Msg("Viewer detached")
}

// Broadcast delivers a relayed broker message to every viewer of the
// owner. Clients are walked in ID order for deterministic delivery; a
// viewer whose buffer is full is disconnected so it cannot stall the
// others.
func (h *Hub) Broadcast(ownerID string, msg models.InboundMessage) {
	frame := models.ViewerFrame{
		Topic:      msg.Topic,
		Payload:    string(msg.Payload),
		ReceivedAt: msg.ReceivedAt,
	}

	h.mu.Lock()
	owners := h.viewers[ownerID]
	clients := make([]*Client, 0, len(owners))
	for client := range owners {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	var overflowed []*Client
	for _, client := range clients {
		select {
		case client.send <- frame:
		default:
			overflowed = append(overflowed, client)
		}
	}
	h.mu.Unlock()

	for _, client := range overflowed {
		metrics.ViewerMessagesDropped.Inc()
		logging.Warn().
			Str("component", "viewer-hub").
			Str("owner_id", ownerID).
			Uint64("viewer_id", client.id).
			Msg("Viewer buffer overflowed, disconnecting viewer")
		h.detach(client)
	}
}

// ViewerCount returns the number of attached viewers for an owner.
func (h *Hub) ViewerCount(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers[ownerID])
}

// Serve implements suture.Service: it blocks until shutdown, then
// closes every viewer so browsers see a clean close frame.
func (h *Hub) Serve(ctx context.Context) error {
	<-ctx.Done()
	h.closeAll()
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logging.
func (h *Hub) String() string {
	return "viewer-hub"
}

// closeAll detaches every viewer and refuses new attachments.
func (h *Hub) closeAll() {
	h.mu.Lock()
	h.closed = true
	var all []*Client
	for _, owners := range h.viewers {
		for client := range owners {
			all = append(all, client)
		}
	}
	h.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].id < all[j].id })
	for _, client := range all {
		h.detach(client)
	}

	logging.Info().
		Str("component", "viewer-hub").
		Int("viewers_closed", len(all)).
		Msg("Viewer hub stopped")
}
