// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/fleetgate/fleetgate/internal/models"
)

func TestClientID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ownerID    string
		generation uint64
		want       string
	}{
		{"abcdef12-3456", 1, "fleetgate-abcdef12-g1"},
		{"short", 7, "fleetgate-short-g7"},
		{"", 2, "fleetgate--g2"},
	}
	for _, tt := range tests {
		if got := clientID(tt.ownerID, tt.generation); got != tt.want {
			t.Errorf("clientID(%q, %d) = %q, want %q", tt.ownerID, tt.generation, got, tt.want)
		}
	}
}

func TestFakeDialerScriptedFailures(t *testing.T) {
	t.Parallel()

	d := NewFakeDialer()
	dialErr := errors.New("connection refused")
	d.FailNext(dialErr)

	cfg := models.TenantConfig{BrokerHost: "h", BrokerPort: 1883, SubscribeTopic: "t", PublishTopicPrefix: "p"}

	_, err := d.Dial(context.Background(), "owner", 1, cfg)
	if !errors.Is(err, dialErr) {
		t.Fatalf("expected scripted error, got %v", err)
	}

	conn, err := d.Dial(context.Background(), "owner", 2, cfg)
	if err != nil {
		t.Fatalf("expected success after script drained: %v", err)
	}
	if conn == nil || d.DialCount() != 2 {
		t.Fatalf("expected 2 dials, got %d", d.DialCount())
	}
}

func TestFakeConnInjectAndFail(t *testing.T) {
	t.Parallel()

	d := NewFakeDialer()
	cfg := models.TenantConfig{BrokerHost: "h", BrokerPort: 1883, SubscribeTopic: "t", PublishTopicPrefix: "p"}
	conn, err := d.Dial(context.Background(), "owner", 1, cfg)
	if err != nil {
		t.Fatal(err)
	}
	fake := conn.(*FakeConn)

	if !fake.Inject("t/1", []byte("hello")) {
		t.Fatal("inject on live conn should succeed")
	}
	msg := <-conn.Messages()
	if msg.Topic != "t/1" || string(msg.Payload) != "hello" {
		t.Errorf("unexpected message: %+v", msg)
	}

	lossErr := errors.New("link lost")
	fake.Fail(lossErr)

	if got := <-conn.Err(); !errors.Is(got, lossErr) {
		t.Errorf("expected loss error, got %v", got)
	}
	if _, open := <-conn.Messages(); open {
		t.Error("messages channel should be closed after failure")
	}
	if fake.Inject("t/2", nil) {
		t.Error("inject after failure should report closed")
	}
	if err := conn.Publish(context.Background(), "x", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("publish after failure should be ErrNotConnected, got %v", err)
	}
}

func TestFakeConnPublishRecords(t *testing.T) {
	t.Parallel()

	d := NewFakeDialer()
	cfg := models.TenantConfig{BrokerHost: "h", BrokerPort: 1883, SubscribeTopic: "t", PublishTopicPrefix: "p"}
	conn, err := d.Dial(context.Background(), "owner", 1, cfg)
	if err != nil {
		t.Fatal(err)
	}
	fake := conn.(*FakeConn)

	if err := conn.Publish(context.Background(), "p/status", []byte(`{"ok":true}`)); err != nil {
		t.Fatal(err)
	}

	published := fake.Published()
	if len(published) != 1 || published[0].Topic != "p/status" {
		t.Fatalf("unexpected published set: %+v", published)
	}
}

func TestPahoConnInboundOverflowDropsOldest(t *testing.T) {
	t.Parallel()

	conn := &pahoConn{
		ownerID:  "owner",
		messages: make(chan models.InboundMessage, 2),
		errs:     make(chan error, 1),
		timeouts: DefaultTimeouts(),
	}

	push := func(payload string) {
		conn.onMessage(nil, fakeMQTTMessage{topic: "t", payload: []byte(payload)})
	}

	push("1")
	push("2")
	push("3") // overflow: "1" dropped

	first := <-conn.messages
	second := <-conn.messages
	if string(first.Payload) != "2" || string(second.Payload) != "3" {
		t.Errorf("expected oldest dropped, got %q then %q", first.Payload, second.Payload)
	}
}

func TestPahoConnConnectionLost(t *testing.T) {
	t.Parallel()

	conn := &pahoConn{
		ownerID:  "owner",
		messages: make(chan models.InboundMessage, 2),
		errs:     make(chan error, 1),
		timeouts: DefaultTimeouts(),
	}

	lossErr := errors.New("EOF")
	conn.onConnectionLost(nil, lossErr)

	if got := <-conn.errs; !errors.Is(got, lossErr) {
		t.Errorf("expected loss error, got %v", got)
	}
	if _, open := <-conn.messages; open {
		t.Error("messages channel should close on connection loss")
	}

	// A late paho callback after loss must not panic.
	conn.onMessage(nil, fakeMQTTMessage{topic: "t", payload: []byte("late")})
	conn.onConnectionLost(nil, errors.New("second"))
}

// fakeMQTTMessage implements the subset of mqtt.Message used by onMessage.
type fakeMQTTMessage struct {
	topic   string
	payload []byte
}

func (m fakeMQTTMessage) Duplicate() bool   { return false }
func (m fakeMQTTMessage) Qos() byte        { return 0 }
func (m fakeMQTTMessage) Retained() bool   { return false }
func (m fakeMQTTMessage) Topic() string    { return m.topic }
func (m fakeMQTTMessage) MessageID() uint16 { return 0 }
func (m fakeMQTTMessage) Payload() []byte  { return m.payload }
func (m fakeMQTTMessage) Ack()             {}
