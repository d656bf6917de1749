package session

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/RookClaw/RookClaw/internal/bus"
)

func msg(content string) *bus.InboundMessage {
	return &bus.InboundMessage{Channel: "cli", ChatID: "default", Content: content}
}

func TestEnqueueAcquiresIdleSession(t *testing.T) {
	m := NewManager(t.TempDir())

	sess, acquired := m.Enqueue("cli:default", msg("first"))
	if !acquired {
		t.Fatal("idle session should be acquired")
	}
	if sess.Key != "cli:default" {
		t.Errorf("Key = %q", sess.Key)
	}
	if !m.InFlight("cli:default") {
		t.Error("session should be in flight after acquire")
	}
}

func TestEnqueueQueuesWhileBusy(t *testing.T) {
	m := NewManager(t.TempDir())

	_, acquired := m.Enqueue("cli:default", msg("first"))
	if !acquired {
		t.Fatal("first enqueue should acquire")
	}

	_, acquired = m.Enqueue("cli:default", msg("second"))
	if acquired {
		t.Error("second enqueue should queue, not acquire")
	}
	_, acquired = m.Enqueue("cli:default", msg("third"))
	if acquired {
		t.Error("third enqueue should queue")
	}
	if m.PendingLen("cli:default") != 2 {
		t.Errorf("PendingLen = %d, want 2", m.PendingLen("cli:default"))
	}
}

func TestReleaseHandsBackPendingInOrder(t *testing.T) {
	m := NewManager(t.TempDir())

	m.Enqueue("cli:default", msg("first"))
	m.Enqueue("cli:default", msg("second"))
	m.Enqueue("cli:default", msg("third"))

	next, ok := m.Release("cli:default")
	if !ok || next.Content != "second" {
		t.Fatalf("first release = (%v, %v), want the second message", next, ok)
	}
	if !m.InFlight("cli:default") {
		t.Error("session should stay in flight while pending messages remain")
	}

	next, ok = m.Release("cli:default")
	if !ok || next.Content != "third" {
		t.Fatalf("second release = (%v, %v), want the third message", next, ok)
	}

	next, ok = m.Release("cli:default")
	if ok || next != nil {
		t.Fatalf("final release = (%v, %v), want empty", next, ok)
	}
	if m.InFlight("cli:default") {
		t.Error("session should be idle after the queue drains")
	}
}

func TestIndependentSessionsDoNotBlock(t *testing.T) {
	m := NewManager(t.TempDir())

	_, a := m.Enqueue("cli:alice", msg("hi"))
	_, b := m.Enqueue("cli:bob", msg("hi"))
	if !a || !b {
		t.Error("different sessions should acquire independently")
	}
}

func TestTryAcquireBusySession(t *testing.T) {
	m := NewManager(t.TempDir())

	if _, ok := m.TryAcquire("cli:default"); !ok {
		t.Fatal("idle session should be acquirable")
	}
	if _, ok := m.TryAcquire("cli:default"); ok {
		t.Error("busy session should not be acquirable")
	}
	m.Release("cli:default")
	if _, ok := m.TryAcquire("cli:default"); !ok {
		t.Error("released session should be acquirable again")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	sess := m.GetOrCreate("cli:default")
	sess.Append(RoleUser, "remember this")
	sess.AppendTurn(Turn{Role: RoleAssistant, Content: "", ToolCalls: []ToolCall{{ID: "c1", Name: "remember", Arguments: map[string]any{"key": "x"}}}})
	sess.AppendTurn(Turn{Role: RoleTool, Content: "Saved.", ToolCallID: "c1"})
	sess.SetMetadata("last_compaction_note", "compact:1234")

	if err := m.Save(sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// New manager on the same directory simulates a restart.
	m2 := NewManager(dir)
	loaded := m2.GetOrCreate("cli:default")
	if loaded.Len() != 3 {
		t.Fatalf("loaded Len = %d, want 3", loaded.Len())
	}
	turns := loaded.History(0)
	if turns[1].ToolCalls[0].Name != "remember" {
		t.Error("tool calls should survive the round trip")
	}
	if turns[2].ToolCallID != "c1" {
		t.Error("tool call ids should survive the round trip")
	}
	if val, ok := loaded.GetMetadata("last_compaction_note"); !ok || val != "compact:1234" {
		t.Errorf("metadata = (%v, %v)", val, ok)
	}
}

func TestSessionPathSanitizesKey(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	path := m.sessionPath("cli:../../etc/passwd")
	if filepath.Dir(path) != dir {
		t.Errorf("path %q escapes the sessions dir", path)
	}
	if strings.Contains(filepath.Base(path), "..") {
		t.Errorf("path %q keeps traversal components", path)
	}
}

func TestListPersistedSessions(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	for _, key := range []string{"cli:alice", "cli:bob"} {
		sess := m.GetOrCreate(key)
		sess.Append(RoleUser, "hello")
		if err := m.Save(sess); err != nil {
			t.Fatalf("Save(%s): %v", key, err)
		}
	}

	infos := m.List()
	if len(infos) != 2 {
		t.Fatalf("List = %d sessions, want 2", len(infos))
	}
	keys := map[string]bool{}
	for _, info := range infos {
		keys[info.Key] = true
	}
	if !keys["cli:alice"] || !keys["cli:bob"] {
		t.Errorf("List keys = %v", keys)
	}
}
