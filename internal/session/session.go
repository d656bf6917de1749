// Package session provides conversation session state and the per-session
// serialization contract: one in-flight iteration at a time, FIFO pending
// queue for everything that arrives meanwhile.
package session

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// ToolCall records a model-requested action inside an assistant turn.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Turn is one entry in a session's history. History is append-only; the only
// rewrite is compaction, which folds the oldest turns into a memory note and
// replaces them with a single pointer turn.
type Turn struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp,omitempty"`
}

// Session represents a conversation session. Field access goes through the
// methods; the embedded mutex protects concurrent readers (persistence,
// status) against the single active iteration.
type Session struct {
	Key       string         `json:"key"`
	Turns     []Turn         `json:"turns"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	mu        sync.RWMutex
}

// NewSession creates a new session with the given key.
func NewSession(key string) *Session {
	now := time.Now()
	return &Session{
		Key:       key,
		Turns:     []Turn{},
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]any{},
	}
}

// AppendTurn appends a turn to the history.
func (s *Session) AppendTurn(t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	s.Turns = append(s.Turns, t)
	s.UpdatedAt = time.Now()
}

// Append is shorthand for appending a plain role/content turn.
func (s *Session) Append(role, content string) {
	s.AppendTurn(Turn{Role: role, Content: content})
}

// History returns up to maxTurns of the most recent history.
func (s *Session) History(maxTurns int) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if maxTurns <= 0 || len(s.Turns) <= maxTurns {
		result := make([]Turn, len(s.Turns))
		copy(result, s.Turns)
		return result
	}
	result := make([]Turn, maxTurns)
	copy(result, s.Turns[len(s.Turns)-maxTurns:])
	return result
}

// Len returns the number of turns in the history.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Turns)
}

// EstimatedTokens approximates the token size of the history. Four bytes per
// token is the usual rule of thumb and errs on the safe side.
func (s *Session) EstimatedTokens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chars := 0
	for _, t := range s.Turns {
		chars += len(t.Content)
		for _, tc := range t.ToolCalls {
			chars += len(tc.Name) + 64
		}
	}
	return chars / 4
}

// CompactionDigest summarizes all but the keepRecent most recent turns into
// a plain-text digest without touching the history. The digest is
// deterministic for the same turns, so repeating a compaction that already
// happened produces the same note. A zero fold count means there is nothing
// to compact.
func (s *Session) CompactionDigest(keepRecent int) (digest string, folded int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if keepRecent < 2 {
		keepRecent = 2
	}
	if len(s.Turns) <= keepRecent {
		return "", 0
	}

	old := s.Turns[:len(s.Turns)-keepRecent]
	var sb strings.Builder
	for _, t := range old {
		line := strings.TrimSpace(t.Content)
		if line == "" && len(t.ToolCalls) > 0 {
			names := make([]string, len(t.ToolCalls))
			for i, tc := range t.ToolCalls {
				names[i] = tc.Name
			}
			line = "(called " + strings.Join(names, ", ") + ")"
		}
		if line == "" {
			continue
		}
		if len(line) > 200 {
			line = line[:200] + "..."
		}
		sb.WriteString(t.Role + ": " + line + "\n")
	}
	return sb.String(), len(old)
}

// ApplyCompaction replaces all but the keepRecent most recent turns with a
// single pointer turn referencing noteID. The folded turns are preserved
// semantically by the memory note the pointer names; nothing is mutated in
// place.
func (s *Session) ApplyCompaction(keepRecent int, noteID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keepRecent < 2 {
		keepRecent = 2
	}
	if len(s.Turns) <= keepRecent {
		return 0
	}

	old := s.Turns[:len(s.Turns)-keepRecent]
	pointer := Turn{
		Role:      RoleSystem,
		Content:   fmt.Sprintf("[Earlier conversation compacted to memory note %s]", noteID),
		Timestamp: old[len(old)-1].Timestamp,
	}
	kept := make([]Turn, 0, keepRecent+1)
	kept = append(kept, pointer)
	kept = append(kept, s.Turns[len(s.Turns)-keepRecent:]...)
	s.Turns = kept
	s.UpdatedAt = time.Now()

	return len(old)
}

// DigestID derives a stable note id from a compaction digest, making the
// summarization step idempotent.
func DigestID(sessionKey, digest string) string {
	sum := sha1.Sum([]byte(sessionKey + "|" + digest))
	return "compact:" + hex.EncodeToString(sum[:8])
}

// GetMetadata returns a metadata value by key.
func (s *Session) GetMetadata(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Metadata == nil {
		return nil, false
	}
	val, ok := s.Metadata[key]
	return val, ok
}

// SetMetadata sets a metadata value by key.
func (s *Session) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	s.Metadata[key] = value
	s.UpdatedAt = time.Now()
}
