package cache

import (
	"sync"
	"time"

	"github.com/amoro/chatcore/internal/model"
)

// Conversations holds the last fetched conversation-list snapshot.
type Conversations struct {
	mu        sync.Mutex
	list      []model.Conversation
	fetchedAt time.Time
}

// NewConversations creates an empty snapshot holder.
func NewConversations() *Conversations {
	return &Conversations{}
}

// Get returns the cached list, or nil if nothing was ever stored.
func (c *Conversations) Get() []model.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.list == nil {
		return nil
	}
	out := make([]model.Conversation, len(c.list))
	copy(out, c.list)
	return out
}

// Put replaces the snapshot and stamps it.
func (c *Conversations) Put(list []model.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = make([]model.Conversation, len(list))
	copy(c.list, list)
	c.fetchedAt = time.Now()
}

// Reset drops the snapshot.
func (c *Conversations) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = nil
	c.fetchedAt = time.Time{}
}

// Fresh reports whether the snapshot is younger than ttl.
func (c *Conversations) Fresh(ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list != nil && time.Since(c.fetchedAt) < ttl
}
