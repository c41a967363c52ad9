// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetgate/fleetgate/internal/logging"
	"github.com/fleetgate/fleetgate/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024 // viewers only send control frames

	// sendBufferSize bounds the per-viewer frame queue. A viewer that
	// falls this far behind is disconnected.
	sendBufferSize = 256
)

// clientIDCounter generates unique, monotonically increasing IDs so
// clients can be walked in a consistent order during broadcast.
var clientIDCounter atomic.Uint64

// wsConn is the subset of *websocket.Conn the client uses, extracted so
// hub tests can run without real network connections.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Client is the middleman between one viewer's websocket connection and
// the hub.
type Client struct {
	id      uint64
	ownerID string
	hub     *Hub
	conn    wsConn
	send    chan models.ViewerFrame

	closeOnce sync.Once
}

func newClient(hub *Hub, ownerID string, conn wsConn) *Client {
	return &Client{
		id:      clientIDCounter.Add(1),
		ownerID: ownerID,
		hub:     hub,
		conn:    conn,
		send:    make(chan models.ViewerFrame, sendBufferSize),
	}
}

// ID returns the client's unique identifier.
func (c *Client) ID() uint64 {
	return c.id
}

// OwnerID returns the tenant this viewer belongs to.
func (c *Client) OwnerID() string {
	return c.ownerID
}

// closeSend closes the send channel exactly once.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// start begins the read and write pumps.
func (c *Client) start() {
	go c.writePump()
	go c.readPump()
}

// readPump drains the connection so control frames are processed.
// Viewers are receive-only; inbound data frames are discarded. The pump
// exits on any read error and detaches the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.detach(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Uint64("viewer_id", c.id).Msg("unexpected websocket close")
			}
			return
		}
	}
}

// writePump streams frames from the hub to the connection and keeps the
// link alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}
			if !ok {
				// The hub detached us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				logging.Debug().Err(err).Uint64("viewer_id", c.id).Msg("viewer write failed")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
