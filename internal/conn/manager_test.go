package conn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amoro/chatcore/internal/backoff"
	"github.com/amoro/chatcore/internal/bus"
	"github.com/amoro/chatcore/internal/dedup"
	"github.com/amoro/chatcore/internal/transport"
)

// fakeTransport implements transport.Transport in memory.
type fakeTransport struct {
	mu           sync.Mutex
	connected    bool
	connectErrs  []error // consumed per Connect call
	connects     int
	emitted      []fakeEmit
	handlers     map[string][]func(json.RawMessage)
	onDisconnect []func(error)
}

type fakeEmit struct {
	event   string
	payload any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string][]func(json.RawMessage))}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.emitted = append(f.emitted, fakeEmit{event: event, payload: payload})
	return nil
}

func (f *fakeTransport) On(event string, fn func(json.RawMessage)) {
	f.mu.Lock()
	f.handlers[event] = append(f.handlers[event], fn)
	f.mu.Unlock()
}

func (f *fakeTransport) OnDisconnect(fn func(error)) {
	f.mu.Lock()
	f.onDisconnect = append(f.onDisconnect, fn)
	f.mu.Unlock()
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Mode() transport.Mode { return transport.ModeWebSocket }

// deliver injects an inbound frame.
func (f *fakeTransport) deliver(event string, payload any) {
	raw, _ := json.Marshal(payload)
	f.mu.Lock()
	fns := append([]func(json.RawMessage){}, f.handlers[event]...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(raw)
	}
}

// drop simulates an unexpected connection loss.
func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	f.connected = false
	fns := append([]func(error){}, f.onDisconnect...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func testManager(t *testing.T, ft *fakeTransport, maxAttempts int) (*Manager, *bus.Bus) {
	t.Helper()
	b := bus.New(nil)
	tracker := dedup.New(time.Second)
	t.Cleanup(tracker.Stop)
	policy := backoff.New(time.Millisecond, 5*time.Millisecond, 2, 0)
	cfg := Config{
		MaxAttempts:       maxAttempts,
		HeartbeatInterval: 0, // heartbeat driven manually in tests
		HeartbeatTimeout:  50 * time.Millisecond,
		OnlineSettleDelay: time.Millisecond,
	}
	m := NewManager(ft, b, tracker, policy, cfg, nil)
	t.Cleanup(m.Disconnect)
	return m, b
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestInitConnects(t *testing.T) {
	ft := newFakeTransport()
	m, b := testManager(t, ft, 5)

	established := make(chan struct{}, 1)
	b.Subscribe(EventEstablished, func(any) { established <- struct{}{} })

	if err := m.Init(context.Background(), "u1", "tok"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	select {
	case <-established:
	case <-time.After(time.Second):
		t.Fatal("connection.established never published")
	}
	if m.State() != Connected {
		t.Errorf("state = %s, want CONNECTED", m.State())
	}
	if s := m.Session(); !s.Connected || s.UserID != "u1" {
		t.Errorf("session = %+v", s)
	}
}

func TestInitIdempotentForSameUser(t *testing.T) {
	ft := newFakeTransport()
	m, _ := testManager(t, ft, 5)

	if err := m.Init(context.Background(), "u1", "tok"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := m.Init(context.Background(), "u1", "tok"); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if got := ft.connectCount(); got != 1 {
		t.Errorf("transport connected %d times, want 1", got)
	}
}

func TestReinitForDifferentUserTearsDown(t *testing.T) {
	ft := newFakeTransport()
	m, _ := testManager(t, ft, 5)

	if err := m.Init(context.Background(), "u1", "tok1"); err != nil {
		t.Fatalf("Init u1: %v", err)
	}
	if err := m.Init(context.Background(), "u2", "tok2"); err != nil {
		t.Fatalf("Init u2: %v", err)
	}
	if got := m.Session().UserID; got != "u2" {
		t.Errorf("session user = %q, want u2", got)
	}
	if got := ft.connectCount(); got != 2 {
		t.Errorf("transport connected %d times, want 2", got)
	}
}

func TestDropTriggersReconnect(t *testing.T) {
	ft := newFakeTransport()
	m, b := testManager(t, ft, 5)

	reconnected := make(chan struct{}, 1)
	b.Subscribe(EventReconnected, func(any) { reconnected <- struct{}{} })

	if err := m.Init(context.Background(), "u1", "tok"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	ft.drop(errors.New("connection reset"))

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("connection.reconnected never published")
	}
	if m.State() != Connected {
		t.Errorf("state = %s after reconnect, want CONNECTED", m.State())
	}
}

func TestReconnectFailedAfterMaxAttempts(t *testing.T) {
	ft := newFakeTransport()
	m, b := testManager(t, ft, 3)

	failed := make(chan struct{}, 1)
	b.Subscribe(EventReconnectFailed, func(any) { failed <- struct{}{} })

	if err := m.Init(context.Background(), "u1", "tok"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// The next three connects fail, exhausting the attempt budget.
	ft.mu.Lock()
	ft.connectErrs = []error{
		errors.New("refused"), errors.New("refused"), errors.New("refused"),
	}
	ft.mu.Unlock()

	ft.drop(errors.New("connection reset"))

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection.reconnect_failed never published")
	}
	if m.State() != Disconnected {
		t.Errorf("state = %s after giving up, want DISCONNECTED", m.State())
	}
	// 1 initial + 3 reconnect attempts.
	if got := ft.connectCount(); got != 4 {
		t.Errorf("transport connected %d times, want 4", got)
	}

	// Manual Reconnect starts a fresh cycle, and subscribers see the
	// RECONNECTING phase rather than a silently rejected transition.
	var mu sync.Mutex
	var phases []State
	b.Subscribe(EventChanged, func(p any) {
		if ch, ok := p.(StatusChange); ok {
			mu.Lock()
			phases = append(phases, ch.To)
			mu.Unlock()
		}
	})
	m.Reconnect()
	waitFor(t, m.Connected, "manual reconnect after terminal failure did not recover")

	mu.Lock()
	defer mu.Unlock()
	if len(phases) == 0 || phases[0] != Reconnecting {
		t.Errorf("observed phases %v, want RECONNECTING first", phases)
	}
}

func TestStateChangeSubscriberMayReenterManager(t *testing.T) {
	ft := newFakeTransport()
	m, b := testManager(t, ft, 5)

	// A UI-style subscriber that queries the manager from inside the
	// connection.changed handler must not block the state machine.
	b.Subscribe(EventChanged, func(any) {
		_ = m.State()
		_ = m.Session()
	})

	done := make(chan error, 1)
	go func() { done <- m.Init(context.Background(), "u1", "tok") }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Init: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Init blocked by a re-entrant connection.changed subscriber")
	}

	ft.drop(errors.New("connection reset"))
	waitFor(t, m.Connected, "reconnect blocked by a re-entrant subscriber")
}

func TestExplicitDisconnectIsTerminal(t *testing.T) {
	ft := newFakeTransport()
	m, _ := testManager(t, ft, 5)

	if err := m.Init(context.Background(), "u1", "tok"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	m.Disconnect()

	if m.State() != Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", m.State())
	}
	if s := m.Session(); s.UserID != "" {
		t.Errorf("session identity not cleared: %+v", s)
	}
	// Reconnect without a new Init is a no-op.
	m.Reconnect()
	time.Sleep(20 * time.Millisecond)
	if m.Connected() {
		t.Error("reconnect succeeded after explicit disconnect")
	}
}

func TestForwardedMessageDeduplicated(t *testing.T) {
	ft := newFakeTransport()
	m, b := testManager(t, ft, 5)

	var mu sync.Mutex
	count := 0
	b.Subscribe(EventMessage, func(any) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	if err := m.Init(context.Background(), "u1", "tok"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	payload := map[string]any{"id": "srv-1", "tempId": "tmp-1", "content": "hi", "senderId": "u2"}
	ft.deliver(WireNewMessage, payload)
	ft.deliver(WireNewMessage, payload)

	mu.Lock()
	got := count
	mu.Unlock()
	if got != 1 {
		t.Errorf("message forwarded %d times, want 1", got)
	}
}

func TestAckEventsForwarded(t *testing.T) {
	ft := newFakeTransport()
	m, b := testManager(t, ft, 5)

	acks := make(chan any, 1)
	b.Subscribe(EventSendAck, func(p any) { acks <- p })

	if err := m.Init(context.Background(), "u1", "tok"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	ft.deliver(WireMessageSent, map[string]string{"tempId": "tmp-1", "id": "srv-1"})

	select {
	case <-acks:
	case <-time.After(time.Second):
		t.Fatal("send ack never forwarded")
	}
}

func TestNetworkOfflinePublishesDegraded(t *testing.T) {
	ft := newFakeTransport()
	m, b := testManager(t, ft, 5)

	degraded := make(chan struct{}, 1)
	b.Subscribe(EventDegraded, func(any) { degraded <- struct{}{} })

	if err := m.Init(context.Background(), "u1", "tok"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	m.SetNetworkOnline(false)

	select {
	case <-degraded:
	case <-time.After(time.Second):
		t.Fatal("connection.degraded never published")
	}
	// Session not torn down.
	if !m.Connected() {
		t.Error("offline signal tore the session down")
	}
}

func TestNetworkOnlineReconnects(t *testing.T) {
	ft := newFakeTransport()
	m, _ := testManager(t, ft, 5)

	if err := m.Init(context.Background(), "u1", "tok"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// Quietly lose the transport (no drop callback, e.g. suspend).
	_ = ft.Disconnect()
	m.SetNetworkOnline(true)

	waitFor(t, m.Connected, "online signal did not restore the session")
}

func TestInvalidTransitionRejected(t *testing.T) {
	if transitionAllowed(Disconnected, Connected) {
		t.Error("DISCONNECTED -> CONNECTED allowed")
	}
	if !transitionAllowed(Reconnecting, Connecting) {
		t.Error("RECONNECTING -> CONNECTING rejected")
	}
}
