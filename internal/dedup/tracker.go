// Package dedup suppresses repeat deliveries of logically identical events.
// The same event can arrive more than once (socket redelivery, or both the
// socket and the HTTP fallback reporting the same send); fingerprints are
// remembered for a short window and repeats inside it are dropped.
package dedup

import (
	"fmt"
	"sync"
	"time"
)

// DefaultWindow is how long a fingerprint stays remembered.
const DefaultWindow = 5 * time.Second

// Tracker is a short-lived set of event fingerprints.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]*time.Timer
	closed bool
}

// New creates a tracker. window <= 0 uses DefaultWindow.
func New(window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		window: window,
		seen:   make(map[string]*time.Timer),
	}
}

// Seen reports whether fingerprint is currently remembered.
func (t *Tracker) Seen(fingerprint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.seen[fingerprint]
	return ok
}

// Remember records fingerprint until the window elapses.
func (t *Tracker) Remember(fingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if timer, ok := t.seen[fingerprint]; ok {
		timer.Stop()
	}
	t.seen[fingerprint] = time.AfterFunc(t.window, func() {
		t.mu.Lock()
		delete(t.seen, fingerprint)
		t.mu.Unlock()
	})
}

// Check remembers fingerprint and reports whether it had already been seen.
func (t *Tracker) Check(fingerprint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if timer, ok := t.seen[fingerprint]; ok {
		timer.Stop()
		t.seen[fingerprint] = t.newTimer(fingerprint)
		return true
	}
	t.seen[fingerprint] = t.newTimer(fingerprint)
	return false
}

func (t *Tracker) newTimer(fingerprint string) *time.Timer {
	return time.AfterFunc(t.window, func() {
		t.mu.Lock()
		delete(t.seen, fingerprint)
		t.mu.Unlock()
	})
}

// Stop cancels all expiry timers. The tracker is unusable afterwards.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for fp, timer := range t.seen {
		timer.Stop()
		delete(t.seen, fp)
	}
}

// MessageFingerprint derives the fingerprint for a message event. The
// server-assigned ID wins when present so the socket ack and the HTTP
// response fingerprint identically.
func MessageFingerprint(event, id, tempID string) string {
	key := id
	if key == "" {
		key = tempID
	}
	return event + ":" + key
}

// CompositeFingerprint derives a fingerprint for events without a message
// ID, bucketing the timestamp to one second so near-simultaneous repeats
// collide.
func CompositeFingerprint(event, senderID, recipientID, kind string, ts time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s:%d", event, senderID, recipientID, kind, ts.Unix())
}
