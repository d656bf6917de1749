package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RookClaw/RookClaw/internal/bus"
	"github.com/RookClaw/RookClaw/internal/provider"
	"github.com/RookClaw/RookClaw/internal/session"
)

// scriptedProvider replays canned responses and records every request.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*provider.ChatResponse
	requests  []*provider.ChatRequest
	err       error
}

func (p *scriptedProvider) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return &provider.ChatResponse{Content: "done", FinishReason: "stop"}, nil
	}
	resp := p.responses[0]
	if len(p.responses) > 1 {
		p.responses = p.responses[1:]
	}
	return resp, nil
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }

func (p *scriptedProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) *provider.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func final(content string) *provider.ChatResponse {
	return &provider.ChatResponse{Content: content, FinishReason: "stop"}
}

func withToolCalls(calls ...provider.ToolCall) *provider.ChatResponse {
	return &provider.ChatResponse{ToolCalls: calls, FinishReason: "tool_calls"}
}

func testLoop(t *testing.T, p provider.LLMProvider) *Loop {
	t.Helper()
	return NewLoop(LoopOptions{
		Bus:         bus.NewMessageBus(nil),
		Provider:    p,
		Workspace:   t.TempDir(),
		SessionsDir: t.TempDir(),
		Model:       "test-model",
	})
}

func TestProcessDirectFinalReply(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.ChatResponse{final("Hi there.")}}
	loop := testLoop(t, p)

	reply, err := loop.ProcessDirect(context.Background(), "hello", "cli:default")
	if err != nil {
		t.Fatalf("ProcessDirect: %v", err)
	}
	if reply != "Hi there." {
		t.Errorf("reply = %q", reply)
	}
	if p.requestCount() != 1 {
		t.Errorf("model calls = %d, want 1", p.requestCount())
	}

	sess := loop.Sessions().GetOrCreate("cli:default")
	if sess.Len() != 2 {
		t.Errorf("session turns = %d, want user+assistant", sess.Len())
	}
}

func TestToolRoundTrip(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.ChatResponse{
		withToolCalls(
			provider.ToolCall{ID: "c1", Name: "list_dir", Arguments: map[string]any{"path": "."}},
			provider.ToolCall{ID: "c2", Name: "exec", Arguments: map[string]any{"command": "echo round-trip"}},
		),
		final("Both tools ran."),
	}}
	loop := testLoop(t, p)

	reply, err := loop.ProcessDirect(context.Background(), "check the workspace", "cli:default")
	if err != nil {
		t.Fatalf("ProcessDirect: %v", err)
	}
	if reply != "Both tools ran." {
		t.Errorf("reply = %q", reply)
	}
	if p.requestCount() != 2 {
		t.Fatalf("model calls = %d, want 2", p.requestCount())
	}

	// The second model call must carry one tool result per call from the first.
	second := p.request(1)
	results := map[string]string{}
	for _, m := range second.Messages {
		if m.Role == "tool" {
			results[m.ToolCallID] = m.Content
		}
	}
	if len(results) != 2 {
		t.Fatalf("tool results in follow-up = %d, want 2", len(results))
	}
	if _, ok := results["c1"]; !ok {
		t.Error("missing result for call c1")
	}
	if !strings.Contains(results["c2"], "round-trip") {
		t.Errorf("exec result = %q", results["c2"])
	}
}

func TestStepBudgetAborts(t *testing.T) {
	// The provider asks for a tool on every step and never finishes.
	p := &scriptedProvider{responses: []*provider.ChatResponse{
		withToolCalls(provider.ToolCall{ID: "c1", Name: "list_dir", Arguments: map[string]any{"path": "."}}),
	}}
	loop := NewLoop(LoopOptions{
		Bus:           bus.NewMessageBus(nil),
		Provider:      p,
		Workspace:     t.TempDir(),
		SessionsDir:   t.TempDir(),
		Model:         "test-model",
		MaxIterations: 3,
	})

	reply, err := loop.ProcessDirect(context.Background(), "loop forever", "cli:default")
	if err != nil {
		t.Fatalf("ProcessDirect: %v", err)
	}
	if !strings.Contains(reply, "ran out of budget") {
		t.Errorf("reply = %q", reply)
	}
	if p.requestCount() != 3 {
		t.Errorf("model calls = %d, want 3", p.requestCount())
	}
}

func TestSandboxViolationAborts(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.ChatResponse{
		withToolCalls(provider.ToolCall{ID: "c1", Name: "read_file", Arguments: map[string]any{"path": "/etc/passwd"}}),
		final("should never be reached"),
	}}
	loop := testLoop(t, p)

	reply, err := loop.ProcessDirect(context.Background(), "read that file", "cli:default")
	if err != nil {
		t.Fatalf("ProcessDirect: %v", err)
	}
	if !strings.Contains(reply, "restricted path") {
		t.Errorf("reply = %q", reply)
	}
	if p.requestCount() != 1 {
		t.Errorf("model calls after violation = %d, want 1", p.requestCount())
	}
}

func TestDelegateAcceptsImmediately(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.ChatResponse{
		withToolCalls(provider.ToolCall{ID: "c1", Name: "delegate", Arguments: map[string]any{"goal": "research X"}}),
		final("Working on it."),
	}}
	b := bus.NewMessageBus(nil)
	loop := NewLoop(LoopOptions{
		Bus:         b,
		Provider:    p,
		Workspace:   t.TempDir(),
		SessionsDir: t.TempDir(),
		Model:       "test-model",
	})

	reply, err := loop.ProcessDirect(context.Background(), "look into X for me", "cli:default")
	if err != nil {
		t.Fatalf("ProcessDirect: %v", err)
	}
	if reply != "Working on it." {
		t.Errorf("reply = %q", reply)
	}

	// The delegate result the model saw is an acceptance, not an outcome.
	second := p.request(1)
	var accepted bool
	for _, m := range second.Messages {
		if m.Role == "tool" && strings.Contains(m.Content, "accepted") {
			accepted = true
		}
	}
	if !accepted {
		t.Error("delegate tool result did not report acceptance")
	}

	// The subagent's outcome arrives later as a bus message for the parent.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatalf("no completion message: %v", err)
	}
	if msg.Origin != bus.OriginSubagent {
		t.Errorf("completion origin = %q", msg.Origin)
	}
	if msg.SessionKey() != "cli:default" {
		t.Errorf("completion routed to %q", msg.SessionKey())
	}
}

func TestModelErrorSurfaced(t *testing.T) {
	p := &scriptedProvider{err: &provider.ModelError{StatusCode: 500, Message: "upstream down"}}
	loop := testLoop(t, p)

	reply, err := loop.ProcessDirect(context.Background(), "hello", "cli:default")
	if err != nil {
		t.Fatalf("ProcessDirect: %v", err)
	}
	if !strings.Contains(reply, "model error") {
		t.Errorf("reply = %q", reply)
	}
}

func TestProcessDirectBusySession(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.ChatResponse{final("ok")}}
	loop := testLoop(t, p)

	if _, ok := loop.Sessions().TryAcquire("cli:default"); !ok {
		t.Fatal("setup: could not acquire session")
	}
	if _, err := loop.ProcessDirect(context.Background(), "hello", "cli:default"); err == nil {
		t.Error("expected busy session error")
	}
}

// gateProvider blocks its first call until released, then replies with the
// call number.
type gateProvider struct {
	entered chan struct{}
	proceed chan struct{}
	mu      sync.Mutex
	calls   int
}

func (p *gateProvider) Chat(_ context.Context, _ *provider.ChatRequest) (*provider.ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()
	if n == 1 {
		close(p.entered)
		<-p.proceed
	}
	return &provider.ChatResponse{Content: fmt.Sprintf("reply %d", n), FinishReason: "stop"}, nil
}

func (p *gateProvider) DefaultModel() string { return "test-model" }

func (p *gateProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestProcessDirectDrainsQueuedMessages(t *testing.T) {
	p := &gateProvider{entered: make(chan struct{}), proceed: make(chan struct{})}
	loop := testLoop(t, p)

	done := make(chan string, 1)
	go func() {
		reply, err := loop.ProcessDirect(context.Background(), "first", "cli:default")
		if err != nil {
			t.Errorf("ProcessDirect: %v", err)
		}
		done <- reply
	}()

	<-p.entered
	// A bus message for the same session arrives mid-iteration and queues.
	queued := &bus.InboundMessage{Channel: "cli", ChatID: "default", Origin: bus.OriginHuman, Content: "second"}
	if _, acquired := loop.Sessions().Enqueue("cli:default", queued); acquired {
		t.Fatal("session should be held by the direct iteration")
	}
	close(p.proceed)

	var reply string
	select {
	case reply = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ProcessDirect never returned")
	}
	if reply != "reply 1" {
		t.Errorf("reply = %q", reply)
	}

	// The queued message got its own iteration before the session was let go.
	if got := p.callCount(); got != 2 {
		t.Errorf("model calls = %d, queued message never processed", got)
	}
	if loop.Sessions().InFlight("cli:default") {
		t.Error("session still in flight")
	}
	if got := loop.Sessions().PendingLen("cli:default"); got != 0 {
		t.Errorf("pending = %d", got)
	}
}

type hangTool struct{}

func (h *hangTool) Name() string        { return "wait_forever" }
func (h *hangTool) Description() string { return "Blocks until cancelled." }
func (h *hangTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (h *hangTool) Execute(ctx context.Context, _ map[string]any) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestWallClockBudgetAborts(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.ChatResponse{
		withToolCalls(provider.ToolCall{ID: "c1", Name: "wait_forever", Arguments: map[string]any{}}),
		final("should never be reached"),
	}}
	loop := NewLoop(LoopOptions{
		Bus:          bus.NewMessageBus(nil),
		Provider:     p,
		Workspace:    t.TempDir(),
		SessionsDir:  t.TempDir(),
		Model:        "test-model",
		MaxWallClock: 150 * time.Millisecond,
	})
	loop.Registry().Register(&hangTool{})

	reply, err := loop.ProcessDirect(context.Background(), "wait for me", "cli:default")
	if err != nil {
		t.Fatalf("ProcessDirect: %v", err)
	}
	if !strings.Contains(reply, "ran out of budget") {
		t.Errorf("reply = %q", reply)
	}
	if p.requestCount() != 1 {
		t.Errorf("model calls = %d, want 1", p.requestCount())
	}

	// The abort released the session for the next message.
	if _, ok := loop.Sessions().TryAcquire("cli:default"); !ok {
		t.Error("session not released after wall-clock abort")
	}
}

func TestRunDrainsQueuedMessagesInOrder(t *testing.T) {
	p := &scriptedProvider{} // replies "done" to everything
	b := bus.NewMessageBus(nil)
	loop := NewLoop(LoopOptions{
		Bus:         b,
		Provider:    p,
		Workspace:   t.TempDir(),
		SessionsDir: t.TempDir(),
		Model:       "test-model",
	})

	replies := make(chan string, 4)
	b.Subscribe("cli", func(m *bus.OutboundMessage) { replies <- m.Content })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)
	go loop.Run(ctx)

	for _, content := range []string{"first", "second", "third"} {
		b.PublishInbound(&bus.InboundMessage{Channel: "cli", ChatID: "default", Content: content})
	}

	for i := 0; i < 3; i++ {
		select {
		case <-replies:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for reply %d", i)
		}
	}
	loop.Stop()

	sess := loop.Sessions().GetOrCreate("cli:default")
	history := sess.History(0)
	var userTurns []string
	for _, turn := range history {
		if turn.Role == session.RoleUser {
			userTurns = append(userTurns, turn.Content)
		}
	}
	if len(userTurns) != 3 || userTurns[0] != "first" || userTurns[2] != "third" {
		t.Errorf("user turns = %v, want FIFO order", userTurns)
	}
}
