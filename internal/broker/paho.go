// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fleetgate/fleetgate/internal/logging"
	"github.com/fleetgate/fleetgate/internal/models"
)

// inboundBufferSize bounds the per-connection inbound queue. When viewers
// cannot drain fast enough the oldest message is dropped, keeping the
// paho callback from blocking the client's network loop.
const inboundBufferSize = 256

// disconnectQuiesce is the grace paho gets to flush in-flight work on
// Close, in milliseconds.
const disconnectQuiesce = 250

// PahoDialer dials real MQTT brokers with eclipse/paho.
//
// Auto-reconnect is disabled on purpose: the connection manager owns the
// retry policy, and a paho client silently reconnecting behind its back
// would resurrect sessions of stale generations.
type PahoDialer struct {
	timeouts Timeouts
}

// NewPahoDialer creates a dialer with the given timeouts.
func NewPahoDialer(timeouts Timeouts) *PahoDialer {
	return &PahoDialer{timeouts: timeouts}
}

// Dial connects, subscribes to the tenant's topic, and returns the live
// connection. Any failure tears down the partial client.
func (d *PahoDialer) Dial(ctx context.Context, ownerID string, generation uint64, cfg models.TenantConfig) (Conn, error) {
	conn := &pahoConn{
		ownerID:  ownerID,
		messages: make(chan models.InboundMessage, inboundBufferSize),
		errs:     make(chan error, 1),
		timeouts: d.timeouts,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.BrokerHost, cfg.BrokerPort)).
		SetClientID(clientID(ownerID, generation)).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetOrderMatters(true).
		SetConnectTimeout(d.timeouts.Connect).
		SetConnectionLostHandler(conn.onConnectionLost)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	conn.client = client

	if token := client.Connect(); !token.WaitTimeout(d.timeouts.Connect) || token.Error() != nil {
		client.Disconnect(0)
		if token.Error() != nil {
			return nil, fmt.Errorf("connect to %s:%d: %w", cfg.BrokerHost, cfg.BrokerPort, token.Error())
		}
		return nil, fmt.Errorf("connect to %s:%d: handshake timeout", cfg.BrokerHost, cfg.BrokerPort)
	}

	if err := ctx.Err(); err != nil {
		client.Disconnect(0)
		return nil, err
	}

	token := client.Subscribe(cfg.SubscribeTopic, 0, conn.onMessage)
	if !token.WaitTimeout(d.timeouts.Connect) || token.Error() != nil {
		client.Disconnect(disconnectQuiesce)
		if token.Error() != nil {
			return nil, fmt.Errorf("subscribe %q: %w", cfg.SubscribeTopic, token.Error())
		}
		return nil, fmt.Errorf("subscribe %q: timeout", cfg.SubscribeTopic)
	}

	logging.Debug().
		Str("component", "broker").
		Str("owner_id", ownerID).
		Uint64("generation", generation).
		Str("topic", cfg.SubscribeTopic).
		Msg("Broker connection established")

	return conn, nil
}

// clientID derives a broker client ID unique per owner and generation,
// so a lingering old-generation client cannot evict the new one.
func clientID(ownerID string, generation uint64) string {
	short := ownerID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("fleetgate-%s-g%d", short, generation)
}

type pahoConn struct {
	ownerID  string
	client   mqtt.Client
	messages chan models.InboundMessage
	errs     chan error
	timeouts Timeouts

	mu     sync.Mutex
	closed bool
}

// onMessage runs on paho's callback goroutine. Delivery order within the
// connection follows broker order because OrderMatters is set.
func (c *pahoConn) onMessage(_ mqtt.Client, msg mqtt.Message) {
	inbound := models.InboundMessage{
		Topic:      msg.Topic(),
		Payload:    append([]byte(nil), msg.Payload()...),
		ReceivedAt: time.Now().UTC(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	for {
		select {
		case c.messages <- inbound:
			return
		default:
		}
		// Queue full: drop the oldest so the stream stays current.
		select {
		case dropped := <-c.messages:
			logging.Warn().
				Str("component", "broker").
				Str("owner_id", c.ownerID).
				Str("topic", dropped.Topic).
				Msg("Inbound queue full, dropped oldest message")
		default:
		}
	}
}

func (c *pahoConn) onConnectionLost(_ mqtt.Client, err error) {
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

func (c *pahoConn) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrNotConnected
	}
	if !c.client.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, 0, false, payload)

	timeout := c.timeouts.Publish
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish to %q: timeout after %s", topic, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %q: %w", topic, err)
	}
	return nil
}

func (c *pahoConn) Messages() <-chan models.InboundMessage {
	return c.messages
}

func (c *pahoConn) Err() <-chan error {
	return c.errs
}

func (c *pahoConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.messages)
	c.mu.Unlock()

	c.client.Disconnect(disconnectQuiesce)
}
