// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

// Package connmgr owns the per-tenant broker session lifecycle.
//
// Each tenant has at most one session, moving through
// absent -> connecting -> live, with degraded covering link loss while
// the reconnect loop retries. A monotonically increasing generation per
// tenant fences concurrent reconfiguration: work belonging to a
// superseded generation is silently discarded, never surfaced.
package connmgr

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"

	"github.com/fleetgate/fleetgate/internal/broker"
	"github.com/fleetgate/fleetgate/internal/logging"
	"github.com/fleetgate/fleetgate/internal/metrics"
	"github.com/fleetgate/fleetgate/internal/models"
)

// Broadcaster receives relayed broker messages for fan-out to a
// tenant's viewers. Implemented by the websocket hub.
type Broadcaster interface {
	Broadcast(ownerID string, msg models.InboundMessage)
}

// Config holds the manager's tuning knobs.
type Config struct {
	// InitialBackoff is the first reconnect delay after link loss.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential reconnect delay.
	MaxBackoff time.Duration

	// IdleGrace is how long a session without viewers survives before
	// teardown. Zero disables idle teardown.
	IdleGrace time.Duration

	// ResolveHosts enables a DNS resolution check during config
	// validation.
	ResolveHosts bool

	// ResolveTimeout bounds the resolution check.
	ResolveTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     60 * time.Second,
		IdleGrace:      5 * time.Minute,
		ResolveHosts:   true,
		ResolveTimeout: 5 * time.Second,
	}
}

// Manager supervises all tenant sessions. Safe for concurrent use; work
// for different tenants never blocks on a shared lock beyond the
// registry map access.
type Manager struct {
	dialer   broker.Dialer
	hub      Broadcaster
	cfg      Config
	validate *validator.Validate

	mu     sync.Mutex
	owners map[string]*ownerState
}

// ownerState carries everything the manager knows about one tenant.
// Guarded by its own mutex so tenants proceed independently.
type ownerState struct {
	// deliverMu serializes message delivery against generation changes:
	// a supersede or teardown cannot commit while a delivery that passed
	// the generation check is still broadcasting. Lock order is
	// deliverMu before mu, never the reverse.
	deliverMu sync.Mutex

	mu sync.Mutex

	ownerID    string
	generation uint64
	state      models.SessionState
	since      time.Time
	lastErr    error
	config     models.TenantConfig

	// cancel stops the session goroutine of the current generation.
	cancel context.CancelFunc

	// conn is the live broker connection, nil outside the live state.
	conn broker.Conn

	// idleTimer fires teardown when the last viewer stays away past
	// the grace period.
	idleTimer *time.Timer

	// viewers counts attached viewers for the idle policy.
	viewers int
}

// NewManager creates a connection manager.
func NewManager(dialer broker.Dialer, hub Broadcaster, cfg Config) *Manager {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 5 * time.Second
	}
	return &Manager{
		dialer:   dialer,
		hub:      hub,
		cfg:      cfg,
		validate: validator.New(),
		owners:   make(map[string]*ownerState),
	}
}

// SetBroadcaster wires the viewer hub after construction. Must be called
// before any session starts.
func (m *Manager) SetBroadcaster(hub Broadcaster) {
	m.hub = hub
}

// owner returns the state record for ownerID, creating it on first use.
// Generations live in this record and survive teardown, so a re-created
// session can never collide with messages from an earlier one.
func (m *Manager) owner(ownerID string) *ownerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.owners[ownerID]
	if !ok {
		st = &ownerState{ownerID: ownerID, state: models.SessionAbsent, since: time.Now().UTC()}
		m.owners[ownerID] = st
	}
	return st
}

// ValidateConfig runs the synchronous config checks without touching
// the session. EnsureSession repeats them; callers that persist the
// config before superseding the session use this to reject bad configs
// up front.
func (m *Manager) ValidateConfig(ctx context.Context, ownerID string, cfg models.TenantConfig) error {
	cfg.OwnerID = ownerID
	return m.validateConfig(ctx, cfg)
}

// EnsureSession validates cfg and makes it the tenant's active session
// config.
//
// Returns a *ConfigError synchronously for rejected configs; nothing is
// torn down in that case. An unchanged config is a no-op. A changed
// config supersedes the running session without waiting for it to
// unwind: the old generation's context is canceled and a new session
// goroutine starts immediately.
func (m *Manager) EnsureSession(ctx context.Context, ownerID string, cfg models.TenantConfig) error {
	cfg.OwnerID = ownerID

	if err := m.validateConfig(ctx, cfg); err != nil {
		return err
	}

	st := m.owner(ownerID)
	st.deliverMu.Lock()
	defer st.deliverMu.Unlock()
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.state != models.SessionAbsent && st.config.Equal(cfg) {
		logging.Ctx(ctx).Debug().
			Str("owner_id", ownerID).
			Uint64("generation", st.generation).
			Msg("Session config unchanged, keeping session")
		return nil
	}

	if st.state != models.SessionAbsent {
		metrics.SessionTeardowns.WithLabelValues("reconfigure").Inc()
	}
	m.supersedeLocked(st, cfg)
	return nil
}

// supersedeLocked bumps the generation and launches a new session
// goroutine. Caller holds st.mu.
func (m *Manager) supersedeLocked(st *ownerState, cfg models.TenantConfig) {
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	st.conn = nil

	st.generation++
	st.config = cfg
	m.transitionLocked(st, models.SessionConnecting, nil)

	sessionCtx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel

	gen := st.generation
	go m.runSession(sessionCtx, st, gen, cfg)

	logging.Info().
		Str("component", "connmgr").
		Str("owner_id", st.ownerID).
		Uint64("generation", gen).
		Str("broker", cfg.BrokerHost).
		Msg("Session starting")
}

// Teardown stops the tenant's session from any state. Idempotent; the
// generation counter is retained for the next session.
func (m *Manager) Teardown(ownerID string) {
	m.teardown(ownerID, "explicit")
}

func (m *Manager) teardown(ownerID string, cause string) {
	m.mu.Lock()
	st, ok := m.owners[ownerID]
	m.mu.Unlock()
	if !ok {
		return
	}

	st.deliverMu.Lock()
	defer st.deliverMu.Unlock()
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state == models.SessionAbsent {
		return
	}

	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	st.conn = nil
	st.stopIdleTimerLocked()
	m.transitionLocked(st, models.SessionAbsent, nil)
	metrics.SessionTeardowns.WithLabelValues(cause).Inc()

	logging.Info().
		Str("component", "connmgr").
		Str("owner_id", ownerID).
		Str("cause", cause).
		Msg("Session torn down")
}

// Status returns a snapshot of the tenant's session. The second return
// is false when the tenant has never had a session.
func (m *Manager) Status(ownerID string) (models.SessionSnapshot, bool) {
	m.mu.Lock()
	st, ok := m.owners[ownerID]
	m.mu.Unlock()
	if !ok {
		return models.SessionSnapshot{OwnerID: ownerID, State: models.SessionAbsent}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	snap := models.SessionSnapshot{
		OwnerID:    ownerID,
		State:      st.state,
		Generation: st.generation,
		Config:     st.config.Redacted(),
		Since:      st.since,
	}
	if st.lastErr != nil {
		snap.LastError = st.lastErr.Error()
	}
	return snap, true
}

// Publish sends an outbound payload over the tenant's live connection.
// Fails fast with broker.ErrNotConnected while the link is down; callers
// must not retry, the reconnect loop owns recovery.
func (m *Manager) Publish(ctx context.Context, ownerID, topic string, payload []byte) error {
	m.mu.Lock()
	st, ok := m.owners[ownerID]
	m.mu.Unlock()
	if !ok {
		return ErrNoSession
	}

	st.mu.Lock()
	conn := st.conn
	state := st.state
	st.mu.Unlock()

	if state == models.SessionAbsent {
		return ErrNoSession
	}
	if state != models.SessionLive || conn == nil {
		return broker.ErrNotConnected
	}
	return conn.Publish(ctx, topic, payload)
}

// ViewerAttached cancels any pending idle teardown for the tenant.
func (m *Manager) ViewerAttached(ownerID string) {
	st := m.owner(ownerID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.viewers++
	st.stopIdleTimerLocked()
}

// ViewerDetached arms the idle teardown timer when the last viewer
// leaves. The session survives until the grace period elapses so brief
// disconnects (page reloads) do not churn broker connections.
func (m *Manager) ViewerDetached(ownerID string) {
	m.mu.Lock()
	st, ok := m.owners[ownerID]
	m.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.viewers > 0 {
		st.viewers--
	}
	if st.viewers > 0 || m.cfg.IdleGrace <= 0 || st.state == models.SessionAbsent {
		return
	}

	st.stopIdleTimerLocked()
	gen := st.generation
	st.idleTimer = time.AfterFunc(m.cfg.IdleGrace, func() {
		m.idleExpired(ownerID, gen)
	})
}

// idleExpired tears the session down if no viewer returned and the
// session was not superseded in the meantime.
func (m *Manager) idleExpired(ownerID string, gen uint64) {
	m.mu.Lock()
	st, ok := m.owners[ownerID]
	m.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	expired := st.viewers == 0 && st.generation == gen && st.state != models.SessionAbsent
	st.mu.Unlock()
	if !expired {
		return
	}

	logging.Info().
		Str("component", "connmgr").
		Str("owner_id", ownerID).
		Dur("idle_grace", m.cfg.IdleGrace).
		Msg("Idle grace elapsed, tearing down session")
	m.teardown(ownerID, "idle")
}

func (st *ownerState) stopIdleTimerLocked() {
	if st.idleTimer != nil {
		st.idleTimer.Stop()
		st.idleTimer = nil
	}
}

// transitionLocked updates the state and its gauge. Caller holds st.mu.
func (m *Manager) transitionLocked(st *ownerState, to models.SessionState, err error) {
	from := st.state
	if from == to {
		st.lastErr = err
		return
	}
	st.state = to
	st.since = time.Now().UTC()
	st.lastErr = err
	metrics.SessionTransition(gaugeLabel(from), gaugeLabel(to))
}

// gaugeLabel maps states to gauge labels; absent sessions are not
// gauged.
func gaugeLabel(s models.SessionState) string {
	if s == models.SessionAbsent {
		return ""
	}
	return string(s)
}

// Serve implements suture.Service. It blocks until shutdown, then tears
// down every session so broker connections close cleanly.
func (m *Manager) Serve(ctx context.Context) error {
	<-ctx.Done()

	m.mu.Lock()
	ownerIDs := make([]string, 0, len(m.owners))
	for id := range m.owners {
		ownerIDs = append(ownerIDs, id)
	}
	m.mu.Unlock()

	for _, id := range ownerIDs {
		m.teardown(id, "shutdown")
	}
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logging.
func (m *Manager) String() string {
	return "connection-manager"
}

// runSession is the per-generation session goroutine: dial, relay,
// reconnect with exponential backoff, until canceled or superseded.
func (m *Manager) runSession(ctx context.Context, st *ownerState, gen uint64, cfg models.TenantConfig) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.InitialBackoff
	bo.MaxInterval = m.cfg.MaxBackoff
	bo.MaxElapsedTime = 0 // retry forever; only cancellation stops us

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := m.dialer.Dial(ctx, st.ownerID, gen, cfg)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !m.markDegraded(st, gen, err) {
				return
			}
			metrics.ReconnectAttempts.Inc()
			if !sleepBackoff(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		if !m.markLive(st, gen, conn) {
			// Superseded while dialing; this connection is stale.
			conn.Close()
			return
		}
		bo.Reset()

		err = m.relay(ctx, st, gen, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		if !m.markDegraded(st, gen, err) {
			return
		}
		metrics.ReconnectAttempts.Inc()
		if !sleepBackoff(ctx, bo.NextBackOff()) {
			return
		}
	}
}

// relay pumps inbound messages to the hub until the connection dies or
// the session is canceled. On link loss both select cases can be ready
// at once; messages the connection buffered before the drop must still
// reach viewers, so the error path drains Messages before returning.
// The Conn contract closes Messages before signaling Err, so the drain
// terminates.
func (m *Manager) relay(ctx context.Context, st *ownerState, gen uint64, conn broker.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-conn.Err():
			m.drainInbound(st, gen, conn)
			return err
		case msg, ok := <-conn.Messages():
			if !ok {
				select {
				case err := <-conn.Err():
					return err
				default:
					return broker.ErrConnClosed
				}
			}
			m.deliver(st, gen, msg)
		}
	}
}

// drainInbound delivers the messages still buffered on a dead
// connection, preserving order.
func (m *Manager) drainInbound(st *ownerState, gen uint64, conn broker.Conn) {
	for msg := range conn.Messages() {
		m.deliver(st, gen, msg)
	}
}

// deliver forwards a message to the hub unless its generation has been
// superseded. Holding deliverMu across the check and the broadcast keeps
// them atomic against supersede and teardown, which take deliverMu
// before committing a generation change. Broadcast never blocks (full
// viewer buffers disconnect the viewer), so the gate is short-lived.
func (m *Manager) deliver(st *ownerState, gen uint64, msg models.InboundMessage) {
	st.deliverMu.Lock()
	defer st.deliverMu.Unlock()

	st.mu.Lock()
	current := st.generation == gen && st.state != models.SessionAbsent
	st.mu.Unlock()

	if !current {
		metrics.StaleMessagesDropped.Inc()
		return
	}
	if m.hub != nil {
		m.hub.Broadcast(st.ownerID, msg)
	}
	metrics.MessagesRelayed.Inc()
}

// markLive records the new connection if the generation still owns the
// session. Returns false when superseded.
func (m *Manager) markLive(st *ownerState, gen uint64, conn broker.Conn) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.generation != gen || st.state == models.SessionAbsent {
		return false
	}
	st.conn = conn
	m.transitionLocked(st, models.SessionLive, nil)

	logging.Info().
		Str("component", "connmgr").
		Str("owner_id", st.ownerID).
		Uint64("generation", gen).
		Msg("Session live")
	return true
}

// markDegraded records link loss if the generation still owns the
// session. Returns false when superseded.
func (m *Manager) markDegraded(st *ownerState, gen uint64, err error) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.generation != gen || st.state == models.SessionAbsent {
		return false
	}
	st.conn = nil
	m.transitionLocked(st, models.SessionDegraded, err)

	logging.Warn().
		Str("component", "connmgr").
		Str("owner_id", st.ownerID).
		Uint64("generation", gen).
		Err(err).
		Msg("Session degraded, will reconnect")
	return true
}

// sleepBackoff waits for the backoff interval, returning false when the
// session is canceled first.
func sleepBackoff(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
