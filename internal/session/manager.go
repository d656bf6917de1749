package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/RookClaw/RookClaw/internal/bus"
)

// Manager owns per-conversation state and enforces the serialization
// invariant: at most one iteration holds a given session at a time. The
// in-flight flag is runtime-only; after a restart every session starts idle.
type Manager struct {
	sessionsDir string
	cache       map[string]*Session
	inFlight    map[string]bool
	pending     map[string][]*bus.InboundMessage
	mu          sync.Mutex
}

// NewManager creates a session manager persisting under sessionsDir.
func NewManager(sessionsDir string) *Manager {
	os.MkdirAll(sessionsDir, 0755)
	return &Manager{
		sessionsDir: sessionsDir,
		cache:       make(map[string]*Session),
		inFlight:    make(map[string]bool),
		pending:     make(map[string][]*bus.InboundMessage),
	}
}

// GetOrCreate returns an existing session or lazily creates one. Sessions
// are never explicitly destroyed; compaction bounds their size.
func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(key)
}

func (m *Manager) getOrCreateLocked(key string) *Session {
	if sess, ok := m.cache[key]; ok {
		return sess
	}
	sess := m.load(key)
	if sess == nil {
		sess = NewSession(key)
	}
	m.cache[key] = sess
	return sess
}

// Enqueue hands msg to the session identified by key. When the session is
// idle it is acquired and returned for immediate processing; when an
// iteration is already in flight the message joins the FIFO pending queue
// and nil is returned.
func (m *Manager) Enqueue(key string, msg *bus.InboundMessage) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inFlight[key] {
		m.pending[key] = append(m.pending[key], msg)
		return nil, false
	}
	m.inFlight[key] = true
	return m.getOrCreateLocked(key), true
}

// TryAcquire marks the session in flight without enqueuing a message.
// Returns the session, or nil when it is already held.
func (m *Manager) TryAcquire(key string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[key] {
		return nil, false
	}
	m.inFlight[key] = true
	return m.getOrCreateLocked(key), true
}

// Release finishes an iteration. When messages queued up meanwhile, the
// session stays held and the next message is returned so the caller starts
// the follow-up iteration immediately. That hand-off produces per-session
// FIFO ordering without polling.
func (m *Manager) Release(key string) (*bus.InboundMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := m.pending[key]
	if len(queue) > 0 {
		next := queue[0]
		if len(queue) == 1 {
			delete(m.pending, key)
		} else {
			m.pending[key] = queue[1:]
		}
		return next, true
	}
	delete(m.inFlight, key)
	return nil, false
}

// InFlight reports whether an iteration currently holds the session.
func (m *Manager) InFlight(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight[key]
}

// PendingLen returns the number of queued messages for key.
func (m *Manager) PendingLen(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[key])
}

// Save persists a session as JSONL: a metadata first line followed by one
// turn per line. The in-flight flag is deliberately not persisted.
func (m *Manager) Save(sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.sessionPath(sess.Key)

	sess.mu.RLock()
	defer sess.mu.RUnlock()

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create session file: %w", err)
	}
	defer file.Close()

	meta := map[string]any{
		"_type":      "metadata",
		"created_at": sess.CreatedAt.Format(time.RFC3339),
		"updated_at": sess.UpdatedAt.Format(time.RFC3339),
		"metadata":   sess.Metadata,
	}
	metaLine, _ := json.Marshal(meta)
	if _, err := file.WriteString(string(metaLine) + "\n"); err != nil {
		return fmt.Errorf("write session metadata: %w", err)
	}

	for _, turn := range sess.Turns {
		line, _ := json.Marshal(turn)
		if _, err := file.WriteString(string(line) + "\n"); err != nil {
			return fmt.Errorf("write session turn: %w", err)
		}
	}

	m.cache[sess.Key] = sess
	return nil
}

// SessionInfo contains metadata about a persisted session.
type SessionInfo struct {
	Key       string
	CreatedAt time.Time
	UpdatedAt time.Time
	Path      string
}

// List returns information about all persisted sessions.
func (m *Manager) List() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sessions []SessionInfo
	entries, err := os.ReadDir(m.sessionsDir)
	if err != nil {
		return sessions
	}

	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(m.sessionsDir, entry.Name())
		key := strings.TrimSuffix(entry.Name(), ".jsonl")
		key = strings.ReplaceAll(key, "_", ":")

		info := SessionInfo{Key: key, Path: path}
		if data, err := os.ReadFile(path); err == nil {
			if idx := strings.IndexByte(string(data), '\n'); idx > 0 {
				var meta map[string]any
				if json.Unmarshal(data[:idx], &meta) == nil {
					if created, ok := meta["created_at"].(string); ok {
						info.CreatedAt, _ = time.Parse(time.RFC3339, created)
					}
					if updated, ok := meta["updated_at"].(string); ok {
						info.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
					}
				}
			}
		}
		sessions = append(sessions, info)
	}

	return sessions
}

func (m *Manager) sessionPath(key string) string {
	safeKey := strings.ReplaceAll(key, ":", "_")
	// Strip path separators and traversal components to prevent path injection.
	safeKey = strings.ReplaceAll(safeKey, "/", "_")
	safeKey = strings.ReplaceAll(safeKey, "\\", "_")
	safeKey = strings.ReplaceAll(safeKey, "..", "_")
	return filepath.Join(m.sessionsDir, filepath.Base(safeKey)+".jsonl")
}

func (m *Manager) load(key string) *Session {
	path := m.sessionPath(key)

	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	sess := NewSession(key)
	decoder := json.NewDecoder(file)

	for decoder.More() {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			break
		}

		var check map[string]any
		if json.Unmarshal(raw, &check) == nil && check["_type"] == "metadata" {
			if created, ok := check["created_at"].(string); ok {
				sess.CreatedAt, _ = time.Parse(time.RFC3339, created)
			}
			if updated, ok := check["updated_at"].(string); ok {
				sess.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
			}
			if meta, ok := check["metadata"].(map[string]any); ok {
				sess.Metadata = meta
			}
			continue
		}

		var turn Turn
		if json.Unmarshal(raw, &turn) == nil {
			sess.Turns = append(sess.Turns, turn)
		}
	}

	return sess
}
