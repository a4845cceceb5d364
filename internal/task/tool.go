package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/reeveworks/reeve-agent/internal/tools"
)

// RegisterBackgroundTask adds the background_task tool to r. Spawned
// tasks run against the worker's registry, which excludes
// background_task itself, so a task cannot queue further tasks.
func RegisterBackgroundTask(r *tools.Registry, ledger *Ledger) error {
	available := r.AllToolNames()
	return r.Register(&tools.Tool{
		Name: "background_task",
		Description: fmt.Sprintf("Queue another tool to run in the background and return immediately with a task id. "+
			"Use this for work the user does not need to wait for. Available tools: %v.", available),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tool": map[string]any{
					"type":        "string",
					"description": "Name of the tool to run.",
				},
				"arguments": map[string]any{
					"type":        "object",
					"description": "Arguments to pass to that tool.",
				},
			},
			"required": []string{"tool"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			toolName, _ := args["tool"].(string)
			if toolName == "" {
				return "", fmt.Errorf("tool is required")
			}
			if toolName == "background_task" {
				return "", fmt.Errorf("background_task cannot queue itself")
			}
			if !r.Has(toolName) {
				return "", &tools.ErrToolUnavailable{ToolName: toolName}
			}

			argsJSON := "{}"
			if nested, ok := args["arguments"]; ok && nested != nil {
				encoded, err := json.Marshal(nested)
				if err != nil {
					return "", fmt.Errorf("encode arguments: %w", err)
				}
				argsJSON = string(encoded)
			}

			owner := tools.ConversationIDFromContext(ctx)
			t, err := ledger.CreateTask(ctx, owner, toolName, argsJSON)
			if err != nil {
				return "", err
			}

			out, err := json.Marshal(map[string]string{
				"taskId": t.ID,
				"status": t.Status,
			})
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	})
}
