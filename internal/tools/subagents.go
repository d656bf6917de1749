package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SpawnRequest describes a delegation request from the model.
type SpawnRequest struct {
	Goal           string
	Label          string
	MaxSteps       int
	TimeoutSeconds int
}

// SpawnResult is returned to the model immediately: the task is accepted,
// not completed. The outcome arrives later as a system message.
type SpawnResult struct {
	Status  string `json:"status"`
	TaskID  string `json:"taskId,omitempty"`
	Message string `json:"message,omitempty"`
}

// SubagentView is a read-only snapshot of a subagent task.
type SubagentView struct {
	TaskID        string     `json:"taskId"`
	ParentSession string     `json:"parentSession"`
	Goal          string     `json:"goal"`
	Label         string     `json:"label,omitempty"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// DelegateTool hands a goal to the subagent spawner.
type DelegateTool struct {
	spawn func(context.Context, SpawnRequest) (SpawnResult, error)
}

func NewDelegateTool(spawnFn func(context.Context, SpawnRequest) (SpawnResult, error)) *DelegateTool {
	return &DelegateTool{spawn: spawnFn}
}

func (t *DelegateTool) Name() string { return "delegate" }
func (t *DelegateTool) Tier() int    { return TierWrite }

func (t *DelegateTool) Description() string {
	return "Delegate a goal to a background subagent with its own session and budget. Returns immediately with a task id; the result arrives later as a system message."
}

func (t *DelegateTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"goal": map[string]any{
				"type":        "string",
				"description": "Goal instruction for the subagent.",
			},
			"label": map[string]any{
				"type":        "string",
				"description": "Optional short label for the task.",
			},
			"max_steps": map[string]any{
				"type":        "integer",
				"description": "Optional step budget for the subagent run.",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Optional wall-clock budget in seconds (0 uses the default).",
			},
		},
		"required": []string{"goal"},
	}
}

func (t *DelegateTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	if t.spawn == nil {
		return "", fmt.Errorf("delegate unavailable")
	}
	goal := strings.TrimSpace(GetString(params, "goal", ""))
	if goal == "" {
		return "Error: goal is required", nil
	}

	result, err := t.spawn(ctx, SpawnRequest{
		Goal:           goal,
		Label:          strings.TrimSpace(GetString(params, "label", "")),
		MaxSteps:       GetInt(params, "max_steps", 0),
		TimeoutSeconds: GetInt(params, "timeout_seconds", 0),
	})
	if err != nil {
		return fmt.Sprintf("Error spawning subagent: %v", err), nil
	}

	payload, _ := json.Marshal(result)
	return string(payload), nil
}

// SubagentsTool lists and cancels subagent tasks.
type SubagentsTool struct {
	list   func() []SubagentView
	cancel func(taskID string) error
}

func NewSubagentsTool(listFn func() []SubagentView, cancelFn func(string) error) *SubagentsTool {
	return &SubagentsTool{list: listFn, cancel: cancelFn}
}

func (t *SubagentsTool) Name() string { return "subagents" }
func (t *SubagentsTool) Tier() int    { return TierWrite }

func (t *SubagentsTool) Description() string {
	return "List running and recent subagent tasks, or cancel one by task id."
}

func (t *SubagentsTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"description": "Action to perform (list|cancel).",
				"enum":        []string{"list", "cancel"},
			},
			"task_id": map[string]any{
				"type":        "string",
				"description": "Task id for cancel.",
			},
		},
		"required": []string{"action"},
	}
}

func (t *SubagentsTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	action := GetString(params, "action", "list")

	switch action {
	case "list":
		if t.list == nil {
			return "", fmt.Errorf("subagents unavailable")
		}
		views := t.list()
		if len(views) == 0 {
			return "No subagent tasks.", nil
		}
		payload, _ := json.MarshalIndent(views, "", "  ")
		return string(payload), nil
	case "cancel":
		if t.cancel == nil {
			return "", fmt.Errorf("subagents unavailable")
		}
		taskID := strings.TrimSpace(GetString(params, "task_id", ""))
		if taskID == "" {
			return "Error: task_id is required for cancel", nil
		}
		if err := t.cancel(taskID); err != nil {
			return fmt.Sprintf("Error cancelling %s: %v", taskID, err), nil
		}
		return fmt.Sprintf("Cancelled %s.", taskID), nil
	default:
		return fmt.Sprintf("Error: unknown action %q", action), nil
	}
}
