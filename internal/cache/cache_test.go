package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/amoro/chatcore/internal/model"
)

func msg(tempID, id, sender, recipient, content string, at time.Time) *model.Message {
	return &model.Message{
		TempID:         tempID,
		ID:             id,
		ConversationID: recipient,
		SenderID:       sender,
		RecipientID:    recipient,
		Content:        content,
		Type:           model.TypeText,
		CreatedAt:      at,
		Status:         model.StatusSending,
	}
}

func TestUpsertConfirmsOptimisticEntry(t *testing.T) {
	c := NewMessages(10, nil)
	now := time.Now()

	c.Upsert("u2", msg("tmp-1", "", "u1", "u2", "hello", now))

	confirmed := msg("tmp-1", "srv-9", "u1", "u2", "hello", now)
	confirmed.Status = model.StatusSent
	c.Upsert("u2", confirmed)

	got := c.Get("u2")
	if len(got) != 1 {
		t.Fatalf("cache has %d entries, want 1", len(got))
	}
	if got[0].ID != "srv-9" || got[0].TempID != "tmp-1" || got[0].Status != model.StatusSent {
		t.Errorf("merged entry = %+v", got[0])
	}
}

func TestUpsertIdempotent(t *testing.T) {
	c := NewMessages(10, nil)
	now := time.Now()

	confirmed := msg("tmp-1", "srv-9", "u1", "u2", "hello", now)
	confirmed.Status = model.StatusSent

	c.Upsert("u2", msg("tmp-1", "", "u1", "u2", "hello", now))
	c.Upsert("u2", confirmed)
	c.Upsert("u2", confirmed)

	if got := c.Get("u2"); len(got) != 1 {
		t.Errorf("cache has %d entries after repeated confirm, want 1", len(got))
	}
}

func TestUpsertMergesByServerID(t *testing.T) {
	c := NewMessages(10, nil)
	now := time.Now()

	inbound := msg("", "srv-1", "u2", "u1", "hey", now)
	inbound.Status = model.StatusSent
	c.Upsert("u2", inbound)

	update := &model.Message{ID: "srv-1", Read: true, CreatedAt: now}
	c.Upsert("u2", update)

	got := c.Get("u2")
	if len(got) != 1 {
		t.Fatalf("cache has %d entries, want 1", len(got))
	}
	if !got[0].Read || got[0].Content != "hey" {
		t.Errorf("merged entry = %+v", got[0])
	}
}

func TestNearDuplicateSuppression(t *testing.T) {
	c := NewMessages(10, nil)
	now := time.Now()

	if !c.Upsert("u2", msg("tmp-1", "", "u1", "u2", "hello", now)) {
		t.Fatal("first upsert rejected")
	}
	if c.Upsert("u2", msg("tmp-2", "", "u1", "u2", "hello", now.Add(time.Second))) {
		t.Error("near-duplicate not suppressed")
	}
	if len(c.Get("u2")) != 1 {
		t.Errorf("cache has %d entries, want 1", len(c.Get("u2")))
	}

	// Same content outside the window is a new message.
	if !c.Upsert("u2", msg("tmp-3", "", "u1", "u2", "hello", now.Add(10*time.Second))) {
		t.Error("message outside duplicate window rejected")
	}
}

func TestOrderingInvariant(t *testing.T) {
	c := NewMessages(10, nil)
	base := time.Now()

	// Insert out of arrival order.
	for _, offset := range []int{3, 0, 4, 1, 2} {
		m := msg(fmt.Sprintf("tmp-%d", offset), "", "u1", "u2",
			fmt.Sprintf("msg %d", offset), base.Add(time.Duration(offset)*time.Minute))
		c.Upsert("u2", m)
	}

	got := c.Get("u2")
	if len(got) != 5 {
		t.Fatalf("cache has %d entries, want 5", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.Before(got[i-1].CreatedAt) {
			t.Fatalf("messages out of order at %d: %v before %v", i, got[i].CreatedAt, got[i-1].CreatedAt)
		}
	}
}

func TestTerminalStatusSticky(t *testing.T) {
	c := NewMessages(10, nil)
	now := time.Now()

	m := msg("tmp-1", "", "u1", "u2", "hello", now)
	c.Upsert("u2", m)

	sent := msg("tmp-1", "srv-1", "u1", "u2", "hello", now)
	sent.Status = model.StatusSent
	c.Upsert("u2", sent)

	// A late-settling fallback path reports an error for the same send.
	late := msg("tmp-1", "", "u1", "u2", "hello", now)
	late.Status = model.StatusError
	late.Error = "timeout"
	c.Upsert("u2", late)

	got := c.Get("u2")
	if got[0].Status != model.StatusSent {
		t.Errorf("terminal status rewritten to %q", got[0].Status)
	}
	if got[0].Error != "" {
		t.Errorf("error field set on sent message: %q", got[0].Error)
	}
}

func TestSettleReportsFirstTerminalTransitionOnly(t *testing.T) {
	c := NewMessages(10, nil)
	now := time.Now()

	c.Upsert("u2", msg("tmp-1", "", "u1", "u2", "hello", now))

	sent := msg("tmp-1", "srv-1", "u1", "u2", "hello", now)
	sent.Status = model.StatusSent
	if !c.Settle("u2", sent) {
		t.Error("first terminal merge not reported as the settlement")
	}

	// The losing delivery path merges as a no-op.
	dup := msg("tmp-1", "srv-1", "u1", "u2", "hello", now)
	dup.Status = model.StatusSent
	if c.Settle("u2", dup) {
		t.Error("second terminal merge reported as a settlement")
	}

	if got := c.Get("u2"); len(got) != 1 || got[0].Status != model.StatusSent {
		t.Errorf("entries = %+v", got)
	}
}

func TestLRUEviction(t *testing.T) {
	c := NewMessages(3, nil)
	now := time.Now()

	for i := 1; i <= 3; i++ {
		conv := fmt.Sprintf("u%d", i)
		c.Upsert(conv, msg(fmt.Sprintf("tmp-%d", i), "", "me", conv, "hi", now))
	}

	// Touch u1 so u2 becomes least recently used.
	c.Get("u1")

	c.Upsert("u4", msg("tmp-4", "", "me", "u4", "hi", now))

	if c.Len() != 3 {
		t.Fatalf("cache tracks %d conversations, want 3", c.Len())
	}
	if got := c.Get("u2"); got != nil {
		t.Errorf("u2 not evicted: %v", got)
	}
	for _, conv := range []string{"u1", "u3", "u4"} {
		if got := c.Get(conv); len(got) != 1 {
			t.Errorf("%s missing from cache", conv)
		}
	}
}

func TestFreshness(t *testing.T) {
	c := NewMessages(10, nil)

	if c.Fresh("u2", time.Minute) {
		t.Error("unknown conversation reported fresh")
	}

	// Upsert alone does not stamp freshness; only a full Put does.
	c.Upsert("u2", msg("tmp-1", "", "u1", "u2", "hello", time.Now()))
	if c.Fresh("u2", time.Minute) {
		t.Error("conversation fresh without a fetch")
	}

	c.Put("u2", c.Get("u2"))
	if !c.Fresh("u2", time.Minute) {
		t.Error("conversation not fresh after Put")
	}
	if c.Fresh("u2", 0) {
		t.Error("conversation fresh with zero TTL")
	}
}

func TestMarkRead(t *testing.T) {
	c := NewMessages(10, nil)
	now := time.Now()

	in := msg("", "srv-1", "u2", "u1", "hey", now)
	out := msg("tmp-1", "", "u1", "u2", "hello", now.Add(time.Minute))
	c.Upsert("u2", in)
	c.Upsert("u2", out)

	if n := c.MarkRead("u2", "u1"); n != 1 {
		t.Errorf("MarkRead flagged %d messages, want 1", n)
	}

	got := c.Get("u2")
	for _, m := range got {
		if m.SenderID == "u2" && !m.Read {
			t.Error("inbound message not marked read")
		}
		if m.SenderID == "u1" && m.Read {
			t.Error("own message marked read")
		}
	}
}

func TestConversationsSnapshot(t *testing.T) {
	c := NewConversations()

	if c.Get() != nil {
		t.Error("empty snapshot returned non-nil")
	}
	if c.Fresh(time.Minute) {
		t.Error("empty snapshot reported fresh")
	}

	c.Put([]model.Conversation{{PartnerID: "u2", LastMessage: "hi"}})
	if !c.Fresh(time.Minute) {
		t.Error("snapshot not fresh after Put")
	}
	got := c.Get()
	if len(got) != 1 || got[0].PartnerID != "u2" {
		t.Errorf("snapshot = %v", got)
	}
}
