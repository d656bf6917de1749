package channels

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/RookClaw/RookClaw/internal/bus"
)

// CLIChannel reads lines from an input stream and prints replies to an
// output stream. It backs the interactive daemon console and tests.
type CLIChannel struct {
	bus    *bus.MessageBus
	in     io.Reader
	out    io.Writer
	chatID string

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewCLIChannel creates a CLI channel on stdin/stdout.
func NewCLIChannel(b *bus.MessageBus) *CLIChannel {
	return &CLIChannel{bus: b, in: os.Stdin, out: os.Stdout, chatID: "default"}
}

// NewCLIChannelIO creates a CLI channel on explicit streams.
func NewCLIChannelIO(b *bus.MessageBus, in io.Reader, out io.Writer) *CLIChannel {
	return &CLIChannel{bus: b, in: in, out: out, chatID: "default"}
}

func (c *CLIChannel) Name() string { return "cli" }

// Start begins reading lines. Empty lines are skipped; each other line is
// published as one human-origin message.
func (c *CLIChannel) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.readLoop(ctx)
	return nil
}

func (c *CLIChannel) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.bus.PublishInbound(&bus.InboundMessage{
			Channel:  c.Name(),
			ChatID:   c.chatID,
			SenderID: "cli",
			Origin:   bus.OriginHuman,
			Content:  line,
		})
	}
}

// Stop ends the read loop.
func (c *CLIChannel) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Send prints the reply.
func (c *CLIChannel) Send(_ context.Context, msg *bus.OutboundMessage) error {
	prefix := color.New(color.FgCyan, color.Bold).Sprint("rookclaw>")
	_, err := fmt.Fprintf(c.out, "%s %s\n", prefix, msg.Content)
	return err
}
