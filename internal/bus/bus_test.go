package bus

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func TestSeenIndexBounded(t *testing.T) {
	b := NewMessageBus(nil)

	const total = 10100
	for i := 0; i < total; i++ {
		b.isDuplicate(fmt.Sprintf("msg-%d", i))
	}

	b.mu.Lock()
	size := len(b.seen)
	_, oldestKept := b.seen["msg-0"]
	_, newestKept := b.seen[fmt.Sprintf("msg-%d", total-1)]
	b.mu.Unlock()

	if size > 10000 {
		t.Errorf("seen index = %d entries, cap not enforced", size)
	}
	if oldestKept {
		t.Error("oldest entry survived eviction")
	}
	if !newestKept {
		t.Error("newest entry was evicted")
	}
}

func TestPublishInboundFillsDefaults(t *testing.T) {
	b := NewMessageBus(nil)

	msg := &InboundMessage{Channel: "cli", ChatID: "default", Content: "hello"}
	if !b.PublishInbound(msg) {
		t.Fatal("publish should succeed")
	}
	if msg.ID == "" {
		t.Error("ID should be generated")
	}
	if msg.Origin != OriginHuman {
		t.Errorf("Origin = %q, want %q", msg.Origin, OriginHuman)
	}
	if msg.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
}

func TestPublishInboundDropsDuplicates(t *testing.T) {
	b := NewMessageBus(nil)

	first := &InboundMessage{ID: "msg-1", Channel: "cli", ChatID: "a", Content: "one"}
	if !b.PublishInbound(first) {
		t.Fatal("first publish should succeed")
	}
	dup := &InboundMessage{ID: "msg-1", Channel: "cli", ChatID: "a", Content: "one again"}
	if b.PublishInbound(dup) {
		t.Error("duplicate id should be dropped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.Content != "one" {
		t.Errorf("Content = %q, want the first publish", got.Content)
	}
	if b.InboundSize() != 0 {
		t.Errorf("InboundSize = %d, want 0", b.InboundSize())
	}
}

func TestJournalDedupSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j1, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	b1 := NewMessageBus(j1)
	if !b1.PublishInbound(&InboundMessage{ID: "persist-1", Channel: "cli", ChatID: "a", Content: "x"}) {
		t.Fatal("first publish should succeed")
	}
	j1.Close()

	// New process: fresh in-memory index, same journal file.
	j2, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer j2.Close()
	b2 := NewMessageBus(j2)
	if b2.PublishInbound(&InboundMessage{ID: "persist-1", Channel: "cli", ChatID: "a", Content: "x"}) {
		t.Error("redelivery after restart should be dropped by the journal")
	}
	if b2.PublishInbound(&InboundMessage{ID: "persist-2", Channel: "cli", ChatID: "a", Content: "y"}) == false {
		t.Error("new id should publish")
	}
}

func TestConsumeInboundPreservesOrder(t *testing.T) {
	b := NewMessageBus(nil)
	for _, content := range []string{"first", "second", "third"} {
		b.PublishInbound(&InboundMessage{Channel: "cli", ChatID: "a", Content: content})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, want := range []string{"first", "second", "third"} {
		got, err := b.ConsumeInbound(ctx)
		if err != nil {
			t.Fatalf("consume: %v", err)
		}
		if got.Content != want {
			t.Errorf("Content = %q, want %q", got.Content, want)
		}
	}
}

func TestSessionKeyStable(t *testing.T) {
	a := &InboundMessage{Channel: "cli", ChatID: "alice"}
	b := &InboundMessage{Channel: "cli", ChatID: "alice", Content: "different content"}
	if a.SessionKey() != b.SessionKey() {
		t.Errorf("same (channel, chat) should map to same key: %q vs %q", a.SessionKey(), b.SessionKey())
	}
	other := &InboundMessage{Channel: "cli", ChatID: "bob"}
	if a.SessionKey() == other.SessionKey() {
		t.Error("different chats should map to different keys")
	}
}

func TestDispatchOutboundRoutesByChannel(t *testing.T) {
	b := NewMessageBus(nil)

	cliGot := make(chan *OutboundMessage, 1)
	b.Subscribe("cli", func(msg *OutboundMessage) { cliGot <- msg })
	otherGot := make(chan *OutboundMessage, 1)
	b.Subscribe("other", func(msg *OutboundMessage) { otherGot <- msg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.PublishOutbound(&OutboundMessage{Channel: "cli", ChatID: "a", Content: "reply"})

	select {
	case msg := <-cliGot:
		if msg.Content != "reply" {
			t.Errorf("Content = %q", msg.Content)
		}
		if msg.SessionKey != "cli:a" {
			t.Errorf("SessionKey = %q, want cli:a", msg.SessionKey)
		}
	case <-time.After(time.Second):
		t.Fatal("cli subscriber did not receive the message")
	}

	select {
	case <-otherGot:
		t.Error("other channel should not receive cli traffic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJournalPrune(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	if seen, err := j.MarkSeen("a"); err != nil || seen {
		t.Fatalf("MarkSeen first = (%v, %v), want (false, nil)", seen, err)
	}
	if seen, _ := j.MarkSeen("a"); !seen {
		t.Error("MarkSeen second should report seen")
	}
	if err := j.Prune(7); err != nil {
		t.Errorf("Prune: %v", err)
	}
	// Fresh rows survive the retention window.
	if seen, _ := j.MarkSeen("a"); !seen {
		t.Error("recent id should still be in the journal after prune")
	}
}
