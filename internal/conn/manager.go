// Package conn owns the transport session: connect, heartbeat, reconnection
// with backoff, network-state awareness, and forwarding of deduplicated
// transport events onto the bus.
package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/amoro/chatcore/internal/backoff"
	"github.com/amoro/chatcore/internal/bus"
	"github.com/amoro/chatcore/internal/dedup"
	"github.com/amoro/chatcore/internal/model"
	"github.com/amoro/chatcore/internal/transport"
	"go.uber.org/zap"
)

// Config tunes the manager.
type Config struct {
	MaxAttempts       int           // reconnect attempts before giving up
	HeartbeatInterval time.Duration // ping cadence while connected
	HeartbeatTimeout  time.Duration // missing-ack threshold
	OnlineSettleDelay time.Duration // wait after an online signal before reconnecting
}

// DefaultConfig returns production tunings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		OnlineSettleDelay: 2 * time.Second,
	}
}

// Session is a snapshot of the transport session state.
type Session struct {
	UserID           string
	Connected        bool
	Reconnecting     bool
	Attempt          int
	LastHeartbeatAck time.Time
	Transport        transport.Mode
}

// Manager drives exactly one live transport session per user.
type Manager struct {
	transport transport.Transport
	bus       *bus.Bus
	tracker   *dedup.Tracker
	policy    *backoff.Policy
	cfg       Config
	logger    *zap.Logger

	mu         sync.Mutex
	state      State
	userID     string
	token      string
	lastPong   time.Time
	generation int
	cancel     context.CancelFunc
	retrying   bool
}

// NewManager creates a manager and registers its transport handlers.
// Handlers survive reconnects, so registration happens once here.
func NewManager(t transport.Transport, b *bus.Bus, tracker *dedup.Tracker, policy *backoff.Policy, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	m := &Manager{
		transport: t,
		bus:       b,
		tracker:   tracker,
		policy:    policy,
		cfg:       cfg,
		logger:    logger,
		state:     Disconnected,
	}
	m.registerHandlers()
	return m
}

func (m *Manager) registerHandlers() {
	m.transport.On(WireNewMessage, m.handleNewMessage)
	m.transport.On(WireMessageSent, m.ackForwarder(EventSendAck))
	m.transport.On(WireMessageQueue, m.ackForwarder(EventSendQueued))
	m.transport.On(WireMessageError, m.ackForwarder(EventSendError))
	m.transport.On(WireTyping, m.handleTyping)
	m.transport.On(WireNotification, m.handleNotification)
	m.transport.On(wirePong, func(json.RawMessage) {
		m.mu.Lock()
		m.lastPong = time.Now()
		m.mu.Unlock()
	})
	m.transport.OnDisconnect(m.handleDrop)
}

// Init establishes a session for the given user. Re-initializing for a
// different user tears the previous session down first. A failed first
// attempt starts background reconnection and returns the error; the caller
// may keep operating in HTTP-fallback mode while retries continue.
func (m *Manager) Init(ctx context.Context, userID, token string) error {
	if userID == "" {
		return fmt.Errorf("init: missing user id")
	}

	m.mu.Lock()
	if m.userID == userID && m.state == Connected {
		m.mu.Unlock()
		return nil
	}
	sameUser := m.userID == userID
	m.mu.Unlock()

	if !sameUser {
		m.Disconnect()
	}

	m.mu.Lock()
	m.userID = userID
	m.token = token
	m.generation++
	gen := m.generation
	m.retrying = false
	sctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	change := m.setStateLocked(Connecting, "init")
	m.mu.Unlock()
	m.publishChange(change)

	if err := m.transport.Connect(ctx); err != nil {
		m.logger.Warn("initial connect failed", zap.Error(err))
		m.mu.Lock()
		change := m.setStateLocked(Reconnecting, "initial connect failed")
		m.mu.Unlock()
		m.publishChange(change)
		go m.reconnectLoop(sctx, gen)
		return fmt.Errorf("connect: %w", err)
	}

	m.onConnected(sctx, gen, false)
	return nil
}

// Reconnect forces a fresh connection attempt cycle, including after a
// terminal reconnect failure.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	if m.userID == "" {
		m.mu.Unlock()
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.generation++
	gen := m.generation
	m.retrying = false
	sctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.policy.Reset()
	var change *StatusChange
	if m.state != Reconnecting {
		change = m.setStateLocked(Reconnecting, "manual reconnect")
	}
	m.mu.Unlock()
	m.publishChange(change)

	_ = m.transport.Disconnect()
	go m.reconnectLoop(sctx, gen)
}

// Disconnect is the explicit teardown (logout). Terminal until a new Init.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.generation++
	m.userID = ""
	m.token = ""
	m.retrying = false
	var change *StatusChange
	if m.state != Disconnected {
		change = m.setStateLocked(Disconnected, "explicit disconnect")
	}
	m.mu.Unlock()
	m.publishChange(change)

	_ = m.transport.Disconnect()
	m.policy.Reset()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the session is live.
func (m *Manager) Connected() bool {
	return m.State() == Connected && m.transport.Connected()
}

// Emit sends an event over the live transport.
func (m *Manager) Emit(event string, payload any) error {
	return m.transport.Emit(event, payload)
}

// Session returns a snapshot of the session state.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Session{
		UserID:           m.userID,
		Connected:        m.state == Connected,
		Reconnecting:     m.state == Reconnecting,
		Attempt:          m.policy.Attempt(),
		LastHeartbeatAck: m.lastPong,
		Transport:        m.transport.Mode(),
	}
}

// SetNetworkOnline feeds runtime network signals in. Going offline marks
// the session degraded without tearing it down; coming back online
// triggers a reconnect attempt after a short settle delay, only when not
// already connected.
func (m *Manager) SetNetworkOnline(online bool) {
	if !online {
		m.logger.Info("network offline, session degraded")
		m.bus.Publish(EventDegraded, m.Session())
		return
	}
	if m.Connected() {
		return
	}
	m.logger.Info("network online, scheduling reconnect",
		zap.Duration("settle", m.cfg.OnlineSettleDelay))
	time.AfterFunc(m.cfg.OnlineSettleDelay, func() {
		if !m.Connected() {
			m.Reconnect()
		}
	})
}

// CheckHealth verifies the session on demand (e.g. when the app returns to
// the foreground) and forces a reconnect if the heartbeat went stale.
func (m *Manager) CheckHealth() {
	m.mu.Lock()
	state := m.state
	stale := m.state == Connected &&
		!m.lastPong.IsZero() && time.Since(m.lastPong) > m.cfg.HeartbeatTimeout
	m.mu.Unlock()

	if state == Connected && (stale || !m.transport.Connected()) {
		m.logger.Warn("health check failed, reconnecting")
		m.Reconnect()
	}
}

// onConnected finishes a successful connect: reset backoff, start the
// heartbeat, announce the session.
func (m *Manager) onConnected(sctx context.Context, gen int, reconnected bool) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	change := m.setStateLocked(Connected, "transport connected")
	m.policy.Reset()
	m.lastPong = time.Now()
	m.retrying = false
	m.mu.Unlock()
	m.publishChange(change)

	go m.heartbeat(sctx, gen)

	if reconnected {
		m.bus.Publish(EventReconnected, m.Session())
	} else {
		m.bus.Publish(EventEstablished, m.Session())
	}
}

func (m *Manager) handleDrop(err error) {
	m.mu.Lock()
	if m.state != Connected {
		m.mu.Unlock()
		return
	}
	change := m.setStateLocked(Reconnecting, "transport dropped")
	if m.cancel != nil {
		m.cancel()
	}
	m.generation++
	gen := m.generation
	m.retrying = false
	sctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()
	m.publishChange(change)

	m.logger.Warn("connection lost", zap.Error(err))
	m.bus.Publish(EventLost, err)
	go m.reconnectLoop(sctx, gen)
}

// reconnectLoop retries with backoff until connected, canceled, or the
// attempt budget is spent.
func (m *Manager) reconnectLoop(sctx context.Context, gen int) {
	m.mu.Lock()
	if m.retrying || gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.retrying = true
	m.mu.Unlock()

	for {
		delay := m.policy.Next()
		attempt := m.policy.Attempt()
		if attempt > m.cfg.MaxAttempts {
			break
		}
		m.logger.Info("reconnect attempt scheduled",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-sctx.Done():
			m.clearRetrying(gen)
			return
		}

		m.mu.Lock()
		if gen != m.generation {
			m.mu.Unlock()
			return
		}
		change := m.setStateLocked(Connecting, "reconnect attempt")
		m.mu.Unlock()
		m.publishChange(change)

		if err := m.transport.Connect(sctx); err != nil {
			m.logger.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			m.mu.Lock()
			if gen != m.generation {
				m.mu.Unlock()
				return
			}
			change := m.setStateLocked(Reconnecting, "reconnect attempt failed")
			m.mu.Unlock()
			m.publishChange(change)
			continue
		}

		m.clearRetrying(gen)
		m.onConnected(sctx, gen, true)
		return
	}

	// Attempt budget spent: stop auto-retrying but stay recoverable via
	// an explicit Reconnect.
	m.mu.Lock()
	var change *StatusChange
	if gen == m.generation {
		change = m.setStateLocked(Disconnected, "max reconnect attempts exceeded")
	}
	m.retrying = false
	m.mu.Unlock()
	m.publishChange(change)
	m.logger.Error("reconnect failed, giving up",
		zap.Int("max_attempts", m.cfg.MaxAttempts))
	m.bus.Publish(EventReconnectFailed, m.Session())
}

func (m *Manager) clearRetrying(gen int) {
	m.mu.Lock()
	if gen == m.generation {
		m.retrying = false
	}
	m.mu.Unlock()
}

// heartbeat pings on an interval while connected and forces a reconnect
// when the ack goes stale.
func (m *Manager) heartbeat(sctx context.Context, gen int) {
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			if gen != m.generation || m.state != Connected {
				m.mu.Unlock()
				return
			}
			stale := time.Since(m.lastPong) > m.cfg.HeartbeatTimeout
			m.mu.Unlock()

			if stale {
				m.logger.Warn("heartbeat ack missing, reconnecting",
					zap.Duration("timeout", m.cfg.HeartbeatTimeout))
				m.Reconnect()
				return
			}
			if err := m.transport.Emit(wirePing, time.Now().UnixMilli()); err != nil {
				m.logger.Warn("heartbeat ping failed", zap.Error(err))
			}
		case <-sctx.Done():
			return
		}
	}
}

// setStateLocked transitions the state machine and returns the change to
// publish, or nil if nothing changed. Caller holds the lock; the returned
// change must be handed to publishChange only after releasing it, since bus
// dispatch is synchronous and a subscriber may call back into the manager.
func (m *Manager) setStateLocked(to State, reason string) *StatusChange {
	from := m.state
	if from == to {
		return nil
	}
	if !transitionAllowed(from, to) {
		m.logger.Error("invalid state transition",
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return nil
	}
	m.state = to
	m.logger.Info("connection state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	return &StatusChange{
		From:      from,
		To:        to,
		Attempt:   m.policy.Attempt(),
		Reason:    reason,
		Transport: string(m.transport.Mode()),
	}
}

func (m *Manager) publishChange(change *StatusChange) {
	if change != nil && m.bus != nil {
		m.bus.Publish(EventChanged, *change)
	}
}

// --- forwarded application events ---

func (m *Manager) handleNewMessage(raw json.RawMessage) {
	var msg model.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.logger.Warn("dropping malformed message event", zap.Error(err))
		return
	}
	fp := dedup.MessageFingerprint(WireNewMessage, msg.ID, msg.TempID)
	if m.tracker.Check(fp) {
		m.logger.Debug("suppressing duplicate message event", zap.String("fingerprint", fp))
		return
	}
	m.bus.Publish(EventMessage, &msg)
}

func (m *Manager) ackForwarder(busEvent string) func(json.RawMessage) {
	return func(raw json.RawMessage) {
		var ack model.SendAck
		if err := json.Unmarshal(raw, &ack); err != nil {
			m.logger.Warn("dropping malformed ack event",
				zap.String("event", busEvent),
				zap.Error(err))
			return
		}
		fp := dedup.MessageFingerprint(busEvent, ack.ID, ack.TempID)
		if m.tracker.Check(fp) {
			return
		}
		m.bus.Publish(busEvent, &ack)
	}
}

func (m *Manager) handleTyping(raw json.RawMessage) {
	var t model.Typing
	if err := json.Unmarshal(raw, &t); err != nil {
		return
	}
	fp := dedup.CompositeFingerprint(WireTyping, t.SenderID, t.RecipientID, "typing", time.Now())
	if m.tracker.Check(fp) {
		return
	}
	m.bus.Publish(EventTyping, &t)
}

func (m *Manager) handleNotification(raw json.RawMessage) {
	m.bus.Publish(EventNotification, raw)
}
