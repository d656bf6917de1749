// Package bus provides the async message bus for channel-agent communication.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message origins. System and subagent messages are synthesized inside the
// process (scheduler ticks, subagent completion reports) and flow through
// the same inbound path as human messages.
const (
	OriginHuman    = "human"
	OriginSystem   = "system"
	OriginSubagent = "subagent"
)

// InboundMessage represents a message from a channel to the agent.
// Immutable once published. ID deduplicates redeliveries.
type InboundMessage struct {
	ID        string         `json:"id"`
	Channel   string         `json:"channel"`
	SenderID  string         `json:"sender_id"`
	ChatID    string         `json:"chat_id"`
	Origin    string         `json:"origin"`
	Content   string         `json:"content"`
	Media     []string       `json:"media,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SessionKey returns the stable session key for this message. The same
// (channel, chat) pair always maps to the same key.
func (m *InboundMessage) SessionKey() string {
	return SessionKey(m.Channel, m.ChatID)
}

// SessionKey maps a channel and external conversation id to a session key.
func SessionKey(channel, chatID string) string {
	return fmt.Sprintf("%s:%s", channel, chatID)
}

// OutboundMessage represents a message from the agent to a channel.
type OutboundMessage struct {
	Channel    string `json:"channel"`
	ChatID     string `json:"chat_id"`
	SessionKey string `json:"session_key"`
	Content    string `json:"content"`
	Markdown   bool   `json:"markdown"`
}

// Journal records processed message ids so redeliveries are dropped even
// across a restart. Implementations must be safe for concurrent use.
type Journal interface {
	// MarkSeen records id and reports whether it was already present.
	MarkSeen(id string) (seen bool, err error)
}

// MessageBus decouples channels from the agent core. It is the single
// de-multiplexing point: inbound messages from any producer are serialized
// into one queue, outbound replies fan out to per-channel subscribers.
type MessageBus struct {
	inbound  chan *InboundMessage
	outbound chan *OutboundMessage
	subs     map[string][]func(*OutboundMessage)
	journal  Journal
	seen     map[string]time.Time
	mu       sync.RWMutex
}

// NewMessageBus creates a new message bus. journal may be nil, in which
// case deduplication is in-memory only.
func NewMessageBus(journal Journal) *MessageBus {
	return &MessageBus{
		inbound:  make(chan *InboundMessage, 100),
		outbound: make(chan *OutboundMessage, 100),
		subs:     make(map[string][]func(*OutboundMessage)),
		journal:  journal,
		seen:     make(map[string]time.Time),
	}
}

// PublishInbound sends a message from a channel to the agent. Publishing the
// same message id twice is a no-op; the duplicate is dropped and false is
// returned.
func (b *MessageBus) PublishInbound(msg *InboundMessage) bool {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Origin == "" {
		msg.Origin = OriginHuman
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if b.isDuplicate(msg.ID) {
		slog.Debug("Duplicate message dropped", "id", msg.ID, "channel", msg.Channel)
		return false
	}

	b.inbound <- msg
	return true
}

func (b *MessageBus) isDuplicate(id string) bool {
	b.mu.Lock()
	if _, ok := b.seen[id]; ok {
		b.mu.Unlock()
		return true
	}
	b.seen[id] = time.Now()
	b.pruneSeenLocked()
	b.mu.Unlock()

	if b.journal != nil {
		seen, err := b.journal.MarkSeen(id)
		if err != nil {
			// Journal failure degrades to in-memory dedup only.
			slog.Warn("Dedup journal unavailable", "error", err)
			return false
		}
		return seen
	}
	return false
}

// pruneSeenLocked bounds the in-memory dedup index by evicting the oldest
// entries once the cap is exceeded. The journal still catches duplicates of
// evicted ids.
func (b *MessageBus) pruneSeenLocked() {
	const maxSeen = 10000
	if len(b.seen) <= maxSeen {
		return
	}
	ids := make([]string, 0, len(b.seen))
	for id := range b.seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return b.seen[ids[i]].Before(b.seen[ids[j]]) })
	for _, id := range ids[:len(ids)-maxSeen] {
		delete(b.seen, id)
	}
}

// ConsumeInbound blocks until a message is available or context is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishOutbound sends a message from the agent to channels.
func (b *MessageBus) PublishOutbound(msg *OutboundMessage) {
	if msg.SessionKey == "" {
		msg.SessionKey = SessionKey(msg.Channel, msg.ChatID)
	}
	b.outbound <- msg
}

// Subscribe registers a callback for outbound messages to a specific channel.
// Delivery retries on adapter failure are the adapter's responsibility.
func (b *MessageBus) Subscribe(channel string, callback func(*OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = append(b.subs[channel], callback)
}

// DispatchOutbound runs the outbound message dispatcher. Subscribers for a
// channel receive messages in publish order. Run as a goroutine.
func (b *MessageBus) DispatchOutbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.outbound:
			b.mu.RLock()
			callbacks := b.subs[msg.Channel]
			b.mu.RUnlock()

			for _, cb := range callbacks {
				cb(msg)
			}
		}
	}
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int {
	return len(b.inbound)
}

// OutboundSize returns the number of pending outbound messages.
func (b *MessageBus) OutboundSize() int {
	return len(b.outbound)
}
