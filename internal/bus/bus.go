// Package bus is an in-process publish/subscribe registry. Handlers for an
// event run synchronously in subscription order; a panicking handler is
// recovered and logged so it cannot break delivery to the rest.
package bus

import (
	"sync"

	"go.uber.org/zap"
)

// Handler receives the payload published for an event.
type Handler func(payload any)

// Matcher decides whether a one-shot handler fires for a given payload.
type Matcher func(payload any) bool

type subscription struct {
	id      int
	handler Handler
	once    bool
	matcher Matcher
}

// Bus dispatches events to subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*subscription
	next   int
	logger *zap.Logger
}

// New creates a new event bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[string][]*subscription),
		logger: logger,
	}
}

// Subscribe registers a persistent handler. Returns an unsubscribe function.
func (b *Bus) Subscribe(event string, h Handler) func() {
	return b.add(event, h, false, nil)
}

// SubscribeOnce registers a handler removed after the first payload for
// which matcher returns true. A nil matcher matches everything.
func (b *Bus) SubscribeOnce(event string, h Handler, matcher Matcher) func() {
	return b.add(event, h, true, matcher)
}

func (b *Bus) add(event string, h Handler, once bool, matcher Matcher) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	sub := &subscription{id: id, handler: h, once: once, matcher: matcher}
	b.subs[event] = append(b.subs[event], sub)
	b.mu.Unlock()

	return func() { b.remove(event, id) }
}

func (b *Bus) remove(event string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[event]
	for i, sub := range list {
		if sub.id == id {
			b.subs[event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers payload to every handler subscribed to event, in
// subscription order. One-shot handlers whose matcher accepts the payload
// are removed before their handler runs.
func (b *Bus) Publish(event string, payload any) {
	b.mu.Lock()
	list := b.subs[event]
	var fire []*subscription
	keep := list[:0:0]
	for _, sub := range list {
		if sub.once {
			if b.matches(event, sub, payload) {
				fire = append(fire, sub)
				continue
			}
			// Matcher declined: handler stays armed, does not fire.
			keep = append(keep, sub)
			continue
		}
		fire = append(fire, sub)
		keep = append(keep, sub)
	}
	b.subs[event] = keep
	b.mu.Unlock()

	for _, sub := range fire {
		b.dispatch(event, sub.handler, payload)
	}
}

func (b *Bus) matches(event string, sub *subscription, payload any) (ok bool) {
	if sub.matcher == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event matcher panicked",
				zap.String("event", event),
				zap.Any("panic", r))
			ok = false
		}
	}()
	return sub.matcher(payload)
}

func (b *Bus) dispatch(event string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", event),
				zap.Any("panic", r))
		}
	}()
	h(payload)
}
