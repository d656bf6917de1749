package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/RookClaw/RookClaw/internal/memory"
)

// RememberTool stores a key/value pair in durable memory.
type RememberTool struct {
	store *memory.Store
}

func NewRememberTool(store *memory.Store) *RememberTool {
	return &RememberTool{store: store}
}

func (t *RememberTool) Name() string { return "remember" }
func (t *RememberTool) Tier() int    { return TierWrite }

func (t *RememberTool) Description() string {
	return "Store a piece of information in long-term memory for later recall. Use this when the user asks you to remember something."
}

func (t *RememberTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key": map[string]any{
				"type":        "string",
				"description": "Short identifier for the fact (e.g. 'birthday', 'favorite-editor')",
			},
			"value": map[string]any{
				"type":        "string",
				"description": "The information to remember",
			},
			"scope": map[string]any{
				"type":        "string",
				"description": "Memory scope: 'global' (default) or 'session' (this conversation only)",
				"enum":        []string{"global", "session"},
			},
		},
		"required": []string{"key", "value"},
	}
}

func (t *RememberTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	key := strings.TrimSpace(GetString(params, "key", ""))
	value := GetString(params, "value", "")
	scope := GetString(params, "scope", memory.ScopeGlobal)

	if key == "" {
		return "Error: key is required", nil
	}
	if value == "" {
		return "Error: value is required", nil
	}

	if err := t.store.Set(ctx, key, value, scope, SessionKeyFrom(ctx)); err != nil {
		return fmt.Sprintf("Error storing memory: %v", err), nil
	}
	return fmt.Sprintf("Remembered %q (%s scope).", key, scope), nil
}

// RecallTool looks up memory entries and notes relevant to a query.
type RecallTool struct {
	store *memory.Store
}

func NewRecallTool(store *memory.Store) *RecallTool {
	return &RecallTool{store: store}
}

func (t *RecallTool) Name() string { return "recall" }
func (t *RecallTool) Tier() int    { return TierReadOnly }

func (t *RecallTool) Description() string {
	return "Search long-term memory for information relevant to a query. Returns matching entries and notes."
}

func (t *RecallTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query to find relevant memories",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of notes to return (default: 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *RecallTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	query := strings.TrimSpace(GetString(params, "query", ""))
	limit := GetInt(params, "limit", 5)

	if query == "" {
		return "Error: query is required", nil
	}

	sessionKey := SessionKeyFrom(ctx)
	var sb strings.Builder

	entries, err := t.store.List(ctx, sessionKey)
	if err != nil {
		return fmt.Sprintf("Error searching memory: %v", err), nil
	}
	lower := strings.ToLower(query)
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Key), lower) || strings.Contains(strings.ToLower(e.Value), lower) {
			sb.WriteString(fmt.Sprintf("- %s = %s [%s]\n", e.Key, e.Value, e.Scope))
		}
	}

	notes, err := t.store.SearchNotes(ctx, sessionKey, query, limit)
	if err != nil {
		return fmt.Sprintf("Error searching notes: %v", err), nil
	}
	for _, n := range notes {
		sb.WriteString(fmt.Sprintf("- note (%s): %s\n", n.CreatedAt.Format("2006-01-02"), n.Content))
	}

	if sb.Len() == 0 {
		return "No relevant memories found.", nil
	}
	return sb.String(), nil
}

// ForgetTool deletes a memory entry. Memory is never expired implicitly;
// this is the only way an entry disappears.
type ForgetTool struct {
	store *memory.Store
}

func NewForgetTool(store *memory.Store) *ForgetTool {
	return &ForgetTool{store: store}
}

func (t *ForgetTool) Name() string { return "forget" }
func (t *ForgetTool) Tier() int    { return TierWrite }

func (t *ForgetTool) Description() string {
	return "Delete a previously remembered entry by key."
}

func (t *ForgetTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key": map[string]any{
				"type":        "string",
				"description": "The key of the entry to delete",
			},
			"scope": map[string]any{
				"type":        "string",
				"description": "Memory scope: 'global' (default) or 'session'",
				"enum":        []string{"global", "session"},
			},
		},
		"required": []string{"key"},
	}
}

func (t *ForgetTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	key := strings.TrimSpace(GetString(params, "key", ""))
	scope := GetString(params, "scope", memory.ScopeGlobal)

	if key == "" {
		return "Error: key is required", nil
	}

	deleted, err := t.store.Delete(ctx, key, scope, SessionKeyFrom(ctx))
	if err != nil {
		return fmt.Sprintf("Error deleting memory: %v", err), nil
	}
	if !deleted {
		return fmt.Sprintf("No %s-scope entry named %q.", scope, key), nil
	}
	return fmt.Sprintf("Forgot %q.", key), nil
}
