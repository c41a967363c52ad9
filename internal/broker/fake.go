// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

package broker

import (
	"context"
	"sync"
	"time"

	"github.com/fleetgate/fleetgate/internal/models"
)

// FakeDialer is an in-memory Dialer for tests. Each Dial consumes the
// next scripted outcome; with no script it succeeds.
type FakeDialer struct {
	mu       sync.Mutex
	script   []error
	conns    []*FakeConn
	dials    int
	dialGate chan struct{}
}

// NewFakeDialer creates a fake dialer that succeeds on every Dial.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{}
}

// FailNext queues errors returned by upcoming Dial calls, in order.
func (d *FakeDialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, errs...)
}

// BlockDials makes Dial block until ReleaseDial is called, simulating a
// slow handshake.
func (d *FakeDialer) BlockDials() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialGate = make(chan struct{})
}

// ReleaseDial unblocks a pending Dial.
func (d *FakeDialer) ReleaseDial() {
	d.mu.Lock()
	gate := d.dialGate
	d.dialGate = nil
	d.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

// Dial implements Dialer.
func (d *FakeDialer) Dial(ctx context.Context, ownerID string, generation uint64, cfg models.TenantConfig) (Conn, error) {
	d.mu.Lock()
	d.dials++
	gate := d.dialGate
	var scripted error
	if len(d.script) > 0 {
		scripted = d.script[0]
		d.script = d.script[1:]
	}
	d.mu.Unlock()

	// Scripted failures return immediately; the gate only delays
	// would-be-successful dials.
	if scripted != nil {
		return nil, scripted
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn := &FakeConn{
		OwnerID:    ownerID,
		Generation: generation,
		Config:     cfg,
		messages:   make(chan models.InboundMessage, inboundBufferSize),
		errs:       make(chan error, 1),
	}

	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

// DialCount returns the number of Dial calls so far.
func (d *FakeDialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Conns returns all connections handed out so far.
func (d *FakeDialer) Conns() []*FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeConn(nil), d.conns...)
}

// LastConn returns the most recent connection, or nil.
func (d *FakeDialer) LastConn() *FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// FakeConn is the Conn handed out by FakeDialer. Tests inject inbound
// messages with Inject and simulate link loss with Fail.
type FakeConn struct {
	OwnerID    string
	Generation uint64
	Config     models.TenantConfig

	messages chan models.InboundMessage
	errs     chan error

	mu        sync.Mutex
	closed    bool
	published []PublishedMessage
	pubErr    error
}

// PublishedMessage records a Publish call on a FakeConn.
type PublishedMessage struct {
	Topic   string
	Payload []byte
}

// Inject delivers an inbound message to the consumer. Returns false once
// the connection is closed.
func (c *FakeConn) Inject(topic string, payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.messages <- models.InboundMessage{
		Topic:      topic,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
	return true
}

// Fail simulates connection loss.
func (c *FakeConn) Fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.messages)
	c.mu.Unlock()

	select {
	case c.errs <- err:
	default:
	}
}

// SetPublishError makes subsequent Publish calls fail with err.
func (c *FakeConn) SetPublishError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pubErr = err
}

// Published returns all messages published on this connection.
func (c *FakeConn) Published() []PublishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PublishedMessage(nil), c.published...)
}

// Closed reports whether the connection has been closed or failed.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Publish implements Conn.
func (c *FakeConn) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	if c.pubErr != nil {
		return c.pubErr
	}
	c.published = append(c.published, PublishedMessage{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

// Messages implements Conn.
func (c *FakeConn) Messages() <-chan models.InboundMessage {
	return c.messages
}

// Err implements Conn.
func (c *FakeConn) Err() <-chan error {
	return c.errs
}

// Close implements Conn.
func (c *FakeConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.messages)
	c.mu.Unlock()
}
