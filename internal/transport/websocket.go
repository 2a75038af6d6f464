package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout  = 5 * time.Second
	emitQueueSize = 100
)

// ErrNotConnected is returned by Emit when no session is live.
var ErrNotConnected = errors.New("transport: not connected")

// WebSocket is the gorilla/websocket-backed Transport. Writes are
// serialized through a single writer goroutine.
type WebSocket struct {
	url    string
	token  func() string
	logger *zap.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	writeCh      chan Frame
	cancel       context.CancelFunc
	connected    bool
	handlers     map[string][]func(json.RawMessage)
	onDisconnect []func(error)
}

// NewWebSocket creates a transport dialing url with a bearer token supplied
// by tokenFn at connect time.
func NewWebSocket(url string, tokenFn func() string, logger *zap.Logger) *WebSocket {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocket{
		url:      url,
		token:    tokenFn,
		logger:   logger,
		handlers: make(map[string][]func(json.RawMessage)),
	}
}

// Connect dials the socket endpoint and starts the read/write pumps.
func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.connected {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	header := http.Header{}
	if w.token != nil {
		if tok := w.token(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())

	w.mu.Lock()
	w.conn = conn
	w.writeCh = make(chan Frame, emitQueueSize)
	w.cancel = cancel
	w.connected = true
	writeCh := w.writeCh
	w.mu.Unlock()

	go w.writeLoop(pumpCtx, conn, writeCh)
	go w.readLoop(conn)

	w.logger.Info("transport connected", zap.String("url", w.url))
	return nil
}

// Disconnect closes the session without firing disconnect callbacks.
func (w *WebSocket) Disconnect() error {
	conn := w.teardown()
	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(writeTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

// teardown marks the session closed and returns the connection to close,
// or nil when already down.
func (w *WebSocket) teardown() *websocket.Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected {
		return nil
	}
	w.connected = false
	if w.cancel != nil {
		w.cancel()
	}
	conn := w.conn
	w.conn = nil
	return conn
}

// Emit queues a frame for the writer goroutine.
func (w *WebSocket) Emit(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	w.mu.Lock()
	connected, ch := w.connected, w.writeCh
	w.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	select {
	case ch <- Frame{Event: event, Payload: raw}:
		return nil
	case <-time.After(writeTimeout):
		return fmt.Errorf("emit %s: write queue full", event)
	}
}

// On registers a frame handler. Not safe to call concurrently with frame
// delivery for the same event; register handlers before Connect.
func (w *WebSocket) On(event string, fn func(json.RawMessage)) {
	w.mu.Lock()
	w.handlers[event] = append(w.handlers[event], fn)
	w.mu.Unlock()
}

// OnDisconnect registers a drop callback.
func (w *WebSocket) OnDisconnect(fn func(error)) {
	w.mu.Lock()
	w.onDisconnect = append(w.onDisconnect, fn)
	w.mu.Unlock()
}

// Connected reports whether the session is live.
func (w *WebSocket) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Mode reports the transport flavor.
func (w *WebSocket) Mode() Mode {
	return ModeWebSocket
}

func (w *WebSocket) writeLoop(ctx context.Context, conn *websocket.Conn, ch chan Frame) {
	for {
		select {
		case frame := <-ch:
			data, err := json.Marshal(frame)
			if err != nil {
				w.logger.Error("marshal frame", zap.Error(err))
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				w.logger.Warn("transport write failed", zap.Error(err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			// Explicit Disconnect already tore the session down; only an
			// unexpected drop notifies the disconnect callbacks.
			if w.teardown() != nil {
				_ = conn.Close()
				w.logger.Warn("transport connection lost", zap.Error(err))
				w.fireDisconnect(err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			w.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		w.dispatch(frame)
	}
}

func (w *WebSocket) dispatch(frame Frame) {
	w.mu.Lock()
	fns := make([]func(json.RawMessage), len(w.handlers[frame.Event]))
	copy(fns, w.handlers[frame.Event])
	w.mu.Unlock()

	for _, fn := range fns {
		fn(frame.Payload)
	}
}

func (w *WebSocket) fireDisconnect(err error) {
	w.mu.Lock()
	fns := make([]func(error), len(w.onDisconnect))
	copy(fns, w.onDisconnect)
	w.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}
