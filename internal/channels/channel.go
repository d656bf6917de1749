// Package channels defines the adapter boundary between external chat
// surfaces and the message bus. Adapters publish inbound messages and
// subscribe for outbound ones; the agent core never sees them directly.
package channels

import (
	"context"
	"log/slog"

	"github.com/RookClaw/RookClaw/internal/bus"
)

// Channel is one chat surface (CLI, a messaging platform, a webhook).
type Channel interface {
	// Name returns the channel name, which is also the routing key on the bus.
	Name() string
	// Start starts the channel listener.
	Start(ctx context.Context) error
	// Stop stops the channel listener.
	Stop() error
	// Send delivers an outbound message to the surface. Delivery retries are
	// the adapter's responsibility.
	Send(ctx context.Context, msg *bus.OutboundMessage) error
}

// Manager owns the registered channels, wires their outbound subscriptions
// and starts/stops them together.
type Manager struct {
	bus      *bus.MessageBus
	channels []Channel
}

// NewManager creates a channel manager over the bus.
func NewManager(b *bus.MessageBus) *Manager {
	return &Manager{bus: b}
}

// Register adds a channel and subscribes it to its outbound traffic.
func (m *Manager) Register(ch Channel) {
	m.channels = append(m.channels, ch)
	m.bus.Subscribe(ch.Name(), func(msg *bus.OutboundMessage) {
		if err := ch.Send(context.Background(), msg); err != nil {
			slog.Error("Channel send failed", "channel", ch.Name(), "chat", msg.ChatID, "error", err)
		}
	})
}

// StartAll starts every registered channel. The first failure stops the
// rollout and returns.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			return err
		}
		slog.Info("Channel started", "channel", ch.Name())
	}
	return nil
}

// StopAll stops every registered channel, continuing past failures.
func (m *Manager) StopAll() {
	for _, ch := range m.channels {
		if err := ch.Stop(); err != nil {
			slog.Warn("Channel stop failed", "channel", ch.Name(), "error", err)
		}
	}
}
