// Package relay fans notification-class events out to the user's other
// running instances over Redis pub/sub. It is advisory only: it never
// carries message-cache state, and every failure degrades to local-only
// operation.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/amoro/chatcore/internal/bus"
	"github.com/amoro/chatcore/internal/conn"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// BusEvent is published locally for notifications arriving from another
// instance.
const BusEvent = "relay.notification"

// envelope is the relayed wire format. Origin lets an instance skip its
// own echoes.
type envelope struct {
	Origin  string          `json:"origin"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sentAt"`
}

// Relay bridges bus notifications across instances of the same user.
type Relay struct {
	client   *redis.Client
	bus      *bus.Bus
	prefix   string
	instance string
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	unsub  func()
}

// New connects to Redis. addr empty is a configuration error; callers
// that want relay-less operation simply don't construct one.
func New(addr, prefix string, b *bus.Bus, logger *zap.Logger) (*Relay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "chatcore"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}

	return &Relay{
		client:   client,
		bus:      b,
		prefix:   prefix,
		instance: uuid.NewString(),
		logger:   logger,
	}, nil
}

func (r *Relay) channel(userID string) string {
	return r.prefix + ":notify:" + userID
}

// Start subscribes to the user's channel and begins mirroring local
// notification events out. A previous run (e.g. from the prior user's
// session) is torn down first, so re-establishing a session never stacks
// receive loops or duplicates the bus subscription.
func (r *Relay) Start(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopRunLocked()

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	sub := r.client.Subscribe(ctx, r.channel(userID))
	go r.receiveLoop(ctx, sub)

	r.unsub = r.bus.Subscribe(conn.EventNotification, func(payload any) {
		raw, ok := payload.(json.RawMessage)
		if !ok {
			data, err := json.Marshal(payload)
			if err != nil {
				return
			}
			raw = data
		}
		r.publish(userID, conn.EventNotification, raw)
	})

	r.logger.Info("relay started", zap.String("channel", r.channel(userID)))
}

// Stop tears the relay down and closes the Redis connection.
func (r *Relay) Stop() {
	r.mu.Lock()
	r.stopRunLocked()
	r.mu.Unlock()
	_ = r.client.Close()
}

func (r *Relay) stopRunLocked() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.unsub != nil {
		r.unsub()
		r.unsub = nil
	}
}

func (r *Relay) publish(userID, event string, payload json.RawMessage) {
	data, err := json.Marshal(envelope{
		Origin:  r.instance,
		Event:   event,
		Payload: payload,
		SentAt:  time.Now(),
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel(userID), data).Err(); err != nil {
		r.logger.Warn("relay publish failed", zap.Error(err))
	}
}

func (r *Relay) receiveLoop(ctx context.Context, sub *redis.PubSub) {
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handle([]byte(msg.Payload))
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) handle(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Warn("dropping malformed relay message", zap.Error(err))
		return
	}
	if env.Origin == r.instance {
		return
	}
	r.bus.Publish(BusEvent, env.Payload)
}
