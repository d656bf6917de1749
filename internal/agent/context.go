package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/RookClaw/RookClaw/internal/bus"
	"github.com/RookClaw/RookClaw/internal/memory"
	"github.com/RookClaw/RookClaw/internal/provider"
	"github.com/RookClaw/RookClaw/internal/session"
	"github.com/RookClaw/RookClaw/internal/tools"
)

const (
	memoryInjectionBudgetChars = 3600
	defaultHistoryTokenBudget  = 8000
	compactionKeepRecentTurns  = 10
)

// ContextBuilder assembles the prompt for one loop iteration: persona,
// skills, relevant memory, then the trailing history window. Given the same
// session history and memory snapshot the output is identical.
type ContextBuilder struct {
	workspace          string
	registry           *tools.Registry
	memoryStore        *memory.Store
	historyTokenBudget int
}

// NewContextBuilder creates a new ContextBuilder. memoryStore may be nil;
// the builder then omits memory excerpts.
func NewContextBuilder(workspace string, registry *tools.Registry, memoryStore *memory.Store) *ContextBuilder {
	return &ContextBuilder{
		workspace:          workspace,
		registry:           registry,
		memoryStore:        memoryStore,
		historyTokenBudget: defaultHistoryTokenBudget,
	}
}

// BuildSystemPrompt constructs the full system prompt from persona files,
// skills, and runtime info.
func (b *ContextBuilder) BuildSystemPrompt(ctx context.Context, sess *session.Session, incoming string) string {
	var parts []string

	parts = append(parts, b.identity())

	if persona := b.loadPersonaFiles(); persona != "" {
		parts = append(parts, persona)
	}

	if skills := b.loadSkills(); skills != "" {
		parts = append(parts, "# Skills\n\n"+skills)
	}

	if mem := b.memoryExcerpts(ctx, sess.Key, incoming); mem != "" {
		parts = append(parts, "# Memory\n\n"+mem)
	}

	return strings.Join(parts, "\n\n---\n\n")
}

func (b *ContextBuilder) identity() string {
	now := time.Now().Format("2006-01-02 15:04 (Monday)")
	runtimeInfo := fmt.Sprintf("%s %s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())

	wsPath := tools.ExpandPath(b.workspace)
	if abs, err := filepath.Abs(wsPath); err == nil {
		wsPath = abs
	}

	return fmt.Sprintf(`# RookClaw 🐦‍⬛

You are RookClaw, a helpful, efficient AI assistant.
You have access to tools for reading and writing files, running commands,
remembering information, and delegating background work to subagents.

## Current Time
%s

## Runtime
%s

## Workspace
Your workspace is at: %s
File and shell tools are restricted to this directory.

When a request needs background research or a long-running task, use the
'delegate' tool and tell the user the work is in progress; the result will
arrive as a follow-up message.
Always be helpful, accurate, and concise.`, now, runtimeInfo, wsPath)
}

// personaFileNames are the bootstrap files loaded from the workspace root.
var personaFileNames = []string{"SOUL.md", "AGENT.md", "USER.md"}

func (b *ContextBuilder) loadPersonaFiles() string {
	var parts []string
	wsPath := tools.ExpandPath(b.workspace)

	for _, filename := range personaFileNames {
		path := filepath.Join(wsPath, filename)
		content, err := os.ReadFile(path)
		if err == nil {
			parts = append(parts, fmt.Sprintf("## %s\n\n%s", filename, string(content)))
		}
	}

	return strings.Join(parts, "\n\n")
}

// loadSkills lists registered tools and folds in skills/*/SKILL.md bundles
// from the workspace.
func (b *ContextBuilder) loadSkills() string {
	var sb strings.Builder

	if b.registry != nil {
		toolList := b.registry.List()
		if len(toolList) > 0 {
			sb.WriteString("You have the following tools available:\n")
			for _, tool := range toolList {
				sb.WriteString(fmt.Sprintf("- %s: %s\n", tool.Name(), tool.Description()))
			}
		}
	}

	skillsDir := filepath.Join(tools.ExpandPath(b.workspace), "skills")
	entries, err := os.ReadDir(skillsDir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			path := filepath.Join(skillsDir, e.Name(), "SKILL.md")
			if data, err := os.ReadFile(path); err == nil {
				sb.WriteString(fmt.Sprintf("\n## %s\n\n%s\n", e.Name(), string(data)))
			}
		}
	}

	return strings.TrimSpace(sb.String())
}

// memoryExcerpts selects entries and notes relevant to the incoming message.
// Session-scoped entries shadow global ones. A storage failure degrades to
// no excerpts instead of failing the iteration.
func (b *ContextBuilder) memoryExcerpts(ctx context.Context, sessionKey, incoming string) string {
	if b.memoryStore == nil {
		return ""
	}

	var sb strings.Builder
	budget := memoryInjectionBudgetChars
	lower := strings.ToLower(incoming)

	entries, err := b.memoryStore.List(ctx, sessionKey)
	if err != nil {
		slog.Warn("Memory unavailable, continuing without excerpts", "error", err)
		return ""
	}
	for _, e := range entries {
		relevant := strings.Contains(lower, strings.ToLower(e.Key))
		line := fmt.Sprintf("- %s = %s\n", e.Key, e.Value)
		if !relevant && len(entries) > 10 {
			continue
		}
		if budget-len(line) < 0 {
			break
		}
		sb.WriteString(line)
		budget -= len(line)
	}

	notes, err := b.memoryStore.Notes(ctx, sessionKey, 3)
	if err == nil {
		for _, n := range notes {
			line := fmt.Sprintf("- note: %s\n", n.Content)
			if budget-len(line) < 0 {
				break
			}
			sb.WriteString(line)
			budget -= len(line)
		}
	}

	return strings.TrimSpace(sb.String())
}

// Build constructs the message list for one iteration. When the history
// exceeds its token budget, the oldest turns are compacted into a memory
// note first; the compaction is idempotent and the session keeps a pointer
// turn naming the note.
func (b *ContextBuilder) Build(ctx context.Context, sess *session.Session, msg *bus.InboundMessage) []provider.Message {
	b.maybeCompact(ctx, sess)

	systemPrompt := b.BuildSystemPrompt(ctx, sess, msg.Content)
	systemPrompt += fmt.Sprintf("\n\n## Current Session\nChannel: %s\nChat ID: %s", msg.Channel, msg.ChatID)

	switch msg.Origin {
	case bus.OriginSystem:
		systemPrompt += "\n\n## Request Context\nThis is a SYSTEM message (scheduled job or heartbeat). Act on it directly; reply only if there is something worth telling the user."
	case bus.OriginSubagent:
		systemPrompt += "\n\n## Request Context\nThis is a SUBAGENT completion report. Relay the outcome to the user in your own words."
	}

	messages := []provider.Message{
		{Role: "system", Content: systemPrompt},
	}

	history := sess.History(0)
	// The current message was appended to the session before Build; keep it
	// out of the history block and add it explicitly at the end.
	if len(history) > 0 && history[len(history)-1].Content == msg.Content {
		history = history[:len(history)-1]
	}

	for _, turn := range history {
		messages = append(messages, turnToMessage(turn))
	}

	messages = append(messages, provider.Message{Role: "user", Content: msg.Content})

	return messages
}

// turnToMessage maps a stored turn to a provider message. Synthetic system
// turns are presented as user messages; most chat APIs accept system content
// only at the head of the conversation.
func turnToMessage(turn session.Turn) provider.Message {
	role := turn.Role
	content := turn.Content
	if role == session.RoleSystem {
		role = "user"
		content = "[system] " + content
	}
	msg := provider.Message{
		Role:       role,
		Content:    content,
		ToolCallID: turn.ToolCallID,
	}
	for _, tc := range turn.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, provider.ToolCall{
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: tc.Arguments,
		})
	}
	return msg
}

// maybeCompact folds the oldest turns into a memory note when the session
// outgrows its token budget. The note is written before the history is
// rewritten, so a crash in between loses nothing.
func (b *ContextBuilder) maybeCompact(ctx context.Context, sess *session.Session) {
	if sess.EstimatedTokens() <= b.historyTokenBudget {
		return
	}

	digest, folded := sess.CompactionDigest(compactionKeepRecentTurns)
	if folded == 0 {
		return
	}
	noteID := session.DigestID(sess.Key, digest)

	if b.memoryStore != nil {
		if _, err := b.memoryStore.AddNote(ctx, noteID, sess.Key, digest); err != nil {
			slog.Warn("Compaction note not persisted, keeping full history", "session", sess.Key, "error", err)
			return
		}
	}

	folded = sess.ApplyCompaction(compactionKeepRecentTurns, noteID)
	sess.SetMetadata("last_compaction_note", noteID)
	slog.Info("History compacted", "session", sess.Key, "turns_folded", folded, "note", noteID)
}
