// Package agent implements the core agent loop: the request/response cycle
// that turns one inbound message into zero or more tool invocations and a
// final reply.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/RookClaw/RookClaw/internal/bus"
	"github.com/RookClaw/RookClaw/internal/memory"
	"github.com/RookClaw/RookClaw/internal/provider"
	"github.com/RookClaw/RookClaw/internal/session"
	"github.com/RookClaw/RookClaw/internal/tools"
)

// LoopOptions contains configuration for the agent loop.
type LoopOptions struct {
	Bus                   *bus.MessageBus
	Provider              provider.LLMProvider
	MemoryStore           *memory.Store
	Workspace             string
	SessionsDir           string
	Model                 string
	MaxIterations         int
	MaxWallClock          time.Duration
	MaxConcurrentSessions int
	ExecTimeout           time.Duration
	ToolServers           []tools.ServerConfig
	Subagents             SpawnerOptions
}

// Loop is the core agent processing engine. Different sessions run fully in
// parallel on the worker pool; within a session the manager's in-flight flag
// serializes iterations.
type Loop struct {
	bus            *bus.MessageBus
	provider       provider.LLMProvider
	memoryStore    *memory.Store
	registry       *tools.Registry
	sessions       *session.Manager
	contextBuilder *ContextBuilder
	spawner        *Spawner
	sandbox        *tools.Sandbox
	workspace      string
	model          string
	maxIterations  int
	maxWallClock   time.Duration
	execTimeout    time.Duration
	workers        chan struct{}
	running        atomic.Bool
	totalTokens    atomic.Int64
}

// NewLoop creates a new agent loop.
func NewLoop(opts LoopOptions) *Loop {
	maxIter := opts.MaxIterations
	if maxIter == 0 {
		maxIter = 20
	}
	maxWall := opts.MaxWallClock
	if maxWall == 0 {
		maxWall = 5 * time.Minute
	}
	maxSessions := opts.MaxConcurrentSessions
	if maxSessions <= 0 {
		maxSessions = 4
	}
	sessionsDir := opts.SessionsDir
	if sessionsDir == "" {
		sessionsDir = filepath.Join(tools.ExpandPath(opts.Workspace), "sessions")
	}

	registry := tools.NewRegistry()
	sandbox := tools.NewSandbox(opts.Workspace)

	loop := &Loop{
		bus:           opts.Bus,
		provider:      opts.Provider,
		memoryStore:   opts.MemoryStore,
		registry:      registry,
		sessions:      session.NewManager(sessionsDir),
		sandbox:       sandbox,
		workspace:     opts.Workspace,
		model:         opts.Model,
		maxIterations: maxIter,
		maxWallClock:  maxWall,
		execTimeout:   opts.ExecTimeout,
		workers:       make(chan struct{}, maxSessions),
	}
	loop.contextBuilder = NewContextBuilder(opts.Workspace, registry, opts.MemoryStore)
	loop.spawner = NewSpawner(opts.Subagents, opts.Bus, loop.runSubagent)

	loop.registerDefaultTools()
	loop.discoverRemoteTools(opts.ToolServers)

	return loop
}

func (l *Loop) registerDefaultTools() {
	l.registry.Register(tools.NewReadFileTool(l.sandbox))
	l.registry.Register(tools.NewWriteFileTool(l.sandbox))
	l.registry.Register(tools.NewEditFileTool(l.sandbox))
	l.registry.Register(tools.NewListDirTool(l.sandbox))
	l.registry.Register(tools.NewExecTool(l.execTimeout, l.sandbox))

	if l.memoryStore != nil {
		l.registry.Register(tools.NewRememberTool(l.memoryStore))
		l.registry.Register(tools.NewRecallTool(l.memoryStore))
		l.registry.Register(tools.NewForgetTool(l.memoryStore))
	}

	l.registry.Register(tools.NewDelegateTool(l.spawnFromTool))
	l.registry.Register(tools.NewSubagentsTool(l.spawner.List, l.spawner.Cancel))
}

// discoverRemoteTools merges tools from configured external servers into the
// registry. The loop does not distinguish them from built-ins afterwards.
func (l *Loop) discoverRemoteTools(servers []tools.ServerConfig) {
	if len(servers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	discovered, errs := tools.Discover(ctx, servers)
	for _, err := range errs {
		slog.Warn("Tool server discovery failed", "error", err)
	}
	for _, tool := range discovered {
		l.registry.Register(tool)
		slog.Info("Remote tool registered", "name", tool.Name())
	}
}

// Registry exposes the tool registry (for CLI listing).
func (l *Loop) Registry() *tools.Registry { return l.registry }

// Sessions exposes the session manager.
func (l *Loop) Sessions() *session.Manager { return l.sessions }

// TotalTokens returns the accumulated token usage since start.
func (l *Loop) TotalTokens() int64 { return l.totalTokens.Load() }

// Run starts the agent loop, consuming messages from the bus until the
// context is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.running.Store(true)
	slog.Info("Agent loop started", "model", l.model, "max_iterations", l.maxIterations)

	for l.running.Load() {
		msg, err := l.bus.ConsumeInbound(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil // normal shutdown
			}
			slog.Error("Failed to consume message", "error", err)
			continue
		}
		l.dispatch(ctx, msg)
	}

	return nil
}

// Stop signals the agent loop to stop after the current message.
func (l *Loop) Stop() {
	l.running.Store(false)
}

// dispatch routes msg to its session. An idle session is acquired and handed
// to a worker; a busy one queues the message, and the worker already holding
// the session will drain it.
func (l *Loop) dispatch(ctx context.Context, msg *bus.InboundMessage) {
	key := msg.SessionKey()
	sess, acquired := l.sessions.Enqueue(key, msg)
	if !acquired {
		slog.Debug("Session busy, message queued", "session", key)
		return
	}

	l.workers <- struct{}{}
	go func() {
		defer func() { <-l.workers }()
		l.processSession(ctx, sess, msg)
	}()
}

// processSession runs the first iteration for a freshly acquired session,
// then drains whatever queued up behind it.
func (l *Loop) processSession(ctx context.Context, sess *session.Session, msg *bus.InboundMessage) {
	reply, state := l.runIteration(ctx, sess, msg)
	l.publishReply(msg, reply)
	slog.Debug("Iteration finished", "session", sess.Key, "state", state)

	l.drainPending(ctx, sess)
}

// drainPending releases the session. Release keeps the session held while
// pending messages remain and hands them back one at a time, so every holder
// must loop here: dropping the returned message would wedge the session
// in-flight.
func (l *Loop) drainPending(ctx context.Context, sess *session.Session) {
	for {
		next, ok := l.sessions.Release(sess.Key)
		if !ok {
			return
		}
		reply, state := l.runIteration(ctx, sess, next)
		l.publishReply(next, reply)
		slog.Debug("Iteration finished", "session", sess.Key, "state", state)
	}
}

func (l *Loop) publishReply(msg *bus.InboundMessage, reply string) {
	if reply == "" {
		return
	}
	l.bus.PublishOutbound(&bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Content:  reply,
		Markdown: true,
	})
}

// ProcessDirect processes a single message synchronously (CLI usage). It
// respects the same serialization contract as bus traffic.
func (l *Loop) ProcessDirect(ctx context.Context, content, sessionKey string) (string, error) {
	parts := strings.SplitN(sessionKey, ":", 2)
	channel, chatID := "cli", "default"
	if len(parts) == 2 {
		channel, chatID = parts[0], parts[1]
	}
	msg := &bus.InboundMessage{
		Channel:   channel,
		ChatID:    chatID,
		SenderID:  "cli",
		Origin:    bus.OriginHuman,
		Content:   content,
		Timestamp: time.Now(),
	}

	sess, ok := l.sessions.TryAcquire(sessionKey)
	if !ok {
		return "", fmt.Errorf("session %s is busy", sessionKey)
	}

	reply, state := l.runIteration(ctx, sess, msg)
	// Messages that arrived via the bus while this iteration held the
	// session still get their turns.
	l.drainPending(ctx, sess)

	if state == StateAborted && reply == "" {
		return "", fmt.Errorf("iteration aborted")
	}
	return reply, nil
}

// runIteration executes one full loop iteration for a session that the
// caller holds. State machine: AwaitingModel -> (Final | AwaitingTools) ->
// AwaitingModel -> ... -> Final | Aborted.
func (l *Loop) runIteration(parent context.Context, sess *session.Session, msg *bus.InboundMessage) (string, IterationState) {
	ctx, cancel := context.WithTimeout(parent, l.maxWallClock)
	defer cancel()
	ctx = tools.WithSessionKey(ctx, sess.Key)

	// 1. Record the inbound message.
	role := session.RoleUser
	if msg.Origin == bus.OriginSystem || msg.Origin == bus.OriginSubagent {
		role = session.RoleSystem
	}
	sess.Append(role, msg.Content)

	// 2. Build the context.
	messages := l.contextBuilder.Build(ctx, sess, msg)
	toolDefs := l.buildToolDefinitions()

	reply, state := l.converse(ctx, sess, messages, toolDefs, l.maxIterations)

	sess.Append(session.RoleAssistant, reply)
	if err := l.sessions.Save(sess); err != nil {
		// Persistence failure degrades; the reply still goes out.
		slog.Warn("Session not persisted", "session", sess.Key, "error", err)
	}

	return reply, state
}

// converse runs the model/tool cycle until a final answer or a terminal
// error. Tool turns are appended to both messages and the session history.
func (l *Loop) converse(ctx context.Context, sess *session.Session, messages []provider.Message, toolDefs []provider.ToolDefinition, maxSteps int) (string, IterationState) {
	for step := 0; step < maxSteps; step++ {
		resp, err := l.provider.Chat(ctx, &provider.ChatRequest{
			Messages:    messages,
			Tools:       toolDefs,
			Model:       l.model,
			MaxTokens:   4096,
			Temperature: 0.7,
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				slog.Warn("Iteration aborted by wall-clock budget", "session", sess.Key)
				return l.abortReply(wallClockBudgetError(l.maxWallClock)), StateAborted
			}
			// Retries are exhausted at this point; surface the failure.
			slog.Error("Model call failed", "session", sess.Key, "error", err)
			return fmt.Sprintf("I hit a model error and could not finish: %v", err), StateAborted
		}

		l.totalTokens.Add(int64(resp.Usage.TotalTokens))

		if len(resp.ToolCalls) == 0 {
			return resp.Content, StateFinal
		}

		// Record the assistant turn carrying the tool calls.
		assistantTurn := session.Turn{Role: session.RoleAssistant, Content: resp.Content}
		for _, tc := range resp.ToolCalls {
			assistantTurn.ToolCalls = append(assistantTurn.ToolCalls, session.ToolCall{
				ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments,
			})
		}
		sess.AppendTurn(assistantTurn)
		messages = append(messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		results, violation := l.executeToolCalls(ctx, resp.ToolCalls)

		// Every tool call has a terminal result before the next model call.
		for i, tc := range resp.ToolCalls {
			toolTurn := session.Turn{
				Role:       session.RoleTool,
				Content:    results[i],
				ToolCallID: tc.ID,
			}
			sess.AppendTurn(toolTurn)
			messages = append(messages, provider.Message{
				Role:       "tool",
				Content:    results[i],
				ToolCallID: tc.ID,
			})
		}

		if violation != nil {
			slog.Warn("Iteration aborted by sandbox violation", "session", sess.Key, "error", violation)
			return "That action touched a restricted path, so I stopped here.", StateAborted
		}
		if ctx.Err() != nil {
			return l.abortReply(wallClockBudgetError(l.maxWallClock)), StateAborted
		}
	}

	slog.Warn("Iteration aborted by step budget", "session", sess.Key, "max_steps", maxSteps)
	return l.abortReply(stepBudgetError(maxSteps)), StateAborted
}

// executeToolCalls dispatches all calls of one step concurrently and waits
// for every result. Benign failures become error payloads the model sees on
// the next call; a sandbox violation is returned separately so the caller
// can abort.
func (l *Loop) executeToolCalls(ctx context.Context, calls []provider.ToolCall) ([]string, error) {
	results := make([]string, len(calls))
	violations := make([]error, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, tc := range calls {
		g.Go(func() error {
			start := time.Now()
			result, err := l.registry.Execute(gctx, tc.Name, tc.Arguments)
			switch {
			case err != nil && tools.IsViolation(err):
				violations[i] = err
				results[i] = fmt.Sprintf("Error: %v", err)
			case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
				results[i] = fmt.Sprintf("Error: tool %s timed out", tc.Name)
			case err != nil:
				results[i] = fmt.Sprintf("Error: %v", err)
			default:
				results[i] = result
			}
			slog.Debug("Tool executed", "name", tc.Name, "duration_ms", time.Since(start).Milliseconds(), "result_length", len(results[i]))
			return nil
		})
	}
	_ = g.Wait()

	for _, v := range violations {
		if v != nil {
			return results, v
		}
	}
	return results, nil
}

func (l *Loop) abortReply(err error) string {
	if IsBudgetExceeded(err) {
		return fmt.Sprintf("I ran out of budget for this request (%v). Try a simpler request or break it into steps.", err)
	}
	return fmt.Sprintf("I had to stop: %v", err)
}

func (l *Loop) buildToolDefinitions() []provider.ToolDefinition {
	toolList := l.registry.List()
	defs := make([]provider.ToolDefinition, 0, len(toolList))
	for _, t := range toolList {
		defs = append(defs, provider.ToolDefinition{
			Type: "function",
			Function: provider.FunctionDef{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// spawnFromTool adapts the delegate tool callback to the spawner.
func (l *Loop) spawnFromTool(ctx context.Context, req tools.SpawnRequest) (tools.SpawnResult, error) {
	parentKey := tools.SessionKeyFrom(ctx)
	if parentKey == "" {
		return tools.SpawnResult{}, fmt.Errorf("no active session")
	}
	task := l.spawner.Spawn(parentKey, req)
	return tools.SpawnResult{
		Status:  "accepted",
		TaskID:  task.ID,
		Message: "Task accepted; the result will arrive as a system message.",
	}, nil
}

// runSubagent executes a delegated goal in its own ephemeral session with
// its own budgets. Called by the spawner on its own goroutine.
func (l *Loop) runSubagent(ctx context.Context, task *SubagentTask) (string, error) {
	childKey := "subagent:" + task.ID
	sess, ok := l.sessions.TryAcquire(childKey)
	if !ok {
		return "", fmt.Errorf("subagent session %s unexpectedly busy", childKey)
	}
	defer l.drainPending(ctx, sess)

	maxSteps := task.Budget.MaxSteps
	if maxSteps <= 0 {
		maxSteps = l.maxIterations
	}
	wall := task.Budget.MaxWallClock
	if wall <= 0 {
		wall = l.maxWallClock
	}
	ctx, cancel := context.WithTimeout(ctx, wall)
	defer cancel()
	ctx = tools.WithSessionKey(ctx, childKey)

	sess.Append(session.RoleUser, task.Goal)
	messages := l.contextBuilder.Build(ctx, sess, &bus.InboundMessage{
		Channel: "subagent",
		ChatID:  task.ID,
		Origin:  bus.OriginSystem,
		Content: task.Goal,
	})

	reply, state := l.converse(ctx, sess, messages, l.buildToolDefinitions(), maxSteps)
	sess.Append(session.RoleAssistant, reply)
	if err := l.sessions.Save(sess); err != nil {
		slog.Warn("Subagent session not persisted", "session", childKey, "error", err)
	}

	if state == StateAborted {
		return reply, fmt.Errorf("subagent run aborted")
	}
	return reply, nil
}
