// Package cache holds per-conversation message lists with a bounded number
// of tracked conversations, evicting the least-recently-used conversation
// when full.
package cache

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/amoro/chatcore/internal/model"
	"go.uber.org/zap"
)

// nearDuplicateWindow is how close two sends with identical sender,
// recipient and content must be to count as a double submit.
const nearDuplicateWindow = 5 * time.Second

// DefaultCapacity is the default number of tracked conversations.
const DefaultCapacity = 50

type convEntry struct {
	id        string
	msgs      []*model.Message
	fetchedAt time.Time
}

// Messages is the bounded, LRU-evicting message cache.
type Messages struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently accessed
	logger   *zap.Logger
}

// NewMessages creates a cache tracking at most capacity conversations.
func NewMessages(capacity int, logger *zap.Logger) *Messages {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Messages{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		logger:   logger,
	}
}

// Get returns the ordered messages for a conversation and refreshes its
// recency. The returned slice is a copy; the messages are shared.
func (c *Messages) Get(conversationID string) []*model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[conversationID]
	if !ok {
		return nil
	}
	c.order.MoveToFront(elem)
	entry := elem.Value.(*convEntry)
	out := make([]*model.Message, len(entry.msgs))
	copy(out, entry.msgs)
	return out
}

// Put replaces the full message list for a conversation and stamps it as
// freshly fetched.
func (c *Messages) Put(conversationID string, msgs []*model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.touch(conversationID)
	entry.msgs = make([]*model.Message, len(msgs))
	copy(entry.msgs, msgs)
	sortByCreatedAt(entry.msgs)
	entry.fetchedAt = time.Now()
}

// Upsert merges one message into a conversation. Precedence:
//  1. an entry with the same tempId is updated in place,
//  2. an entry with the same server id is shallow-merged,
//  3. an entry with identical sender/recipient/content created within the
//     last few seconds makes this a no-op (double-submit protection),
//  4. otherwise the message is appended.
//
// The list is re-sorted ascending by createdAt after every change.
// Returns false only in the duplicate-discard case.
func (c *Messages) Upsert(conversationID string, m *model.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.touch(conversationID)

	if m.TempID != "" {
		for _, existing := range entry.msgs {
			if existing.TempID == m.TempID {
				c.mergeInto(existing, m)
				sortByCreatedAt(entry.msgs)
				return true
			}
		}
	}
	if m.ID != "" {
		for _, existing := range entry.msgs {
			if existing.ID == m.ID {
				c.mergeInto(existing, m)
				sortByCreatedAt(entry.msgs)
				return true
			}
		}
	}
	for _, existing := range entry.msgs {
		if existing.SenderID == m.SenderID &&
			existing.RecipientID == m.RecipientID &&
			existing.Content == m.Content &&
			absDuration(m.CreatedAt.Sub(existing.CreatedAt)) < nearDuplicateWindow {
			c.logger.Debug("discarding near-duplicate message",
				zap.String("conversation", conversationID),
				zap.String("temp_id", m.TempID))
			return false
		}
	}

	entry.msgs = append(entry.msgs, m)
	sortByCreatedAt(entry.msgs)
	return true
}

// Settle merges an acknowledgement into a conversation and reports whether
// this call moved the matching message from pending into a terminal status.
// Delivery paths racing on the same tempId observe exactly one true; the
// losers merge as no-ops under the same lock.
func (c *Messages) Settle(conversationID string, m *model.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.touch(conversationID)

	var existing *model.Message
	if m.TempID != "" {
		for _, e := range entry.msgs {
			if e.TempID == m.TempID {
				existing = e
				break
			}
		}
	}
	if existing == nil && m.ID != "" {
		for _, e := range entry.msgs {
			if e.ID == m.ID {
				existing = e
				break
			}
		}
	}
	if existing == nil {
		entry.msgs = append(entry.msgs, m)
		sortByCreatedAt(entry.msgs)
		return m.Terminal()
	}

	wasTerminal := existing.Terminal()
	c.mergeInto(existing, m)
	sortByCreatedAt(entry.msgs)
	return !wasTerminal && existing.Terminal()
}

// mergeInto applies m onto existing, keeping a reached terminal status
// sticky so a late-settling delivery path cannot rewrite the outcome.
func (c *Messages) mergeInto(existing, m *model.Message) {
	if existing.Terminal() && m.Status != existing.Status {
		m = cloneWithoutStatus(m)
	}
	existing.Merge(m)
}

// Fresh reports whether the conversation was fetched within ttl.
func (c *Messages) Fresh(conversationID string, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[conversationID]
	if !ok {
		return false
	}
	entry := elem.Value.(*convEntry)
	return !entry.fetchedAt.IsZero() && time.Since(entry.fetchedAt) < ttl
}

// MarkRead flags cached inbound messages (those not sent by selfID) as read.
func (c *Messages) MarkRead(conversationID, selfID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[conversationID]
	if !ok {
		return 0
	}
	n := 0
	for _, m := range elem.Value.(*convEntry).msgs {
		if m.SenderID != selfID && !m.Read {
			m.Read = true
			n++
		}
	}
	return n
}

// Clear drops a conversation's messages.
func (c *Messages) Clear(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[conversationID]; ok {
		c.order.Remove(elem)
		delete(c.entries, conversationID)
	}
}

// Reset drops every conversation. Used when the session switches users.
func (c *Messages) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// Len returns the number of tracked conversations.
func (c *Messages) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// touch returns the entry for a conversation, creating it (and evicting the
// least-recently-used conversation if over capacity) as needed. Caller
// holds the lock.
func (c *Messages) touch(conversationID string) *convEntry {
	if elem, ok := c.entries[conversationID]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*convEntry)
	}
	for len(c.entries) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		evicted := oldest.Value.(*convEntry)
		c.order.Remove(oldest)
		delete(c.entries, evicted.id)
		c.logger.Debug("evicted conversation from cache",
			zap.String("conversation", evicted.id),
			zap.Int("messages", len(evicted.msgs)))
	}
	entry := &convEntry{id: conversationID}
	c.entries[conversationID] = c.order.PushFront(entry)
	return entry
}

func sortByCreatedAt(msgs []*model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

func cloneWithoutStatus(m *model.Message) *model.Message {
	clone := *m
	clone.Status = ""
	clone.Error = ""
	return &clone
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
