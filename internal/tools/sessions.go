package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/pkg/models"
)

const (
	defaultListLimit    = 25
	maxListLimit        = 500
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	// defaultSendTimeout bounds a sessions_send round trip through the
	// agent service.
	defaultSendTimeout = 2 * time.Minute
)

// NewSessionsListTool builds sessions_list over the store. Denied to
// subagent sessions by the registry.
func NewSessionsListTool(store sessions.Store) Tool {
	return Tool{
		Name:        "sessions_list",
		Description: "List recent sessions with optional kind/prefix filters.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "kind": {"type": "string", "description": "Filter by session kind (main, cron, webhook, subagent)."},
    "prefix": {"type": "string", "description": "Filter by session key prefix."},
    "limit": {"type": "integer", "description": "Max sessions to return (default: 25).", "minimum": 1}
  }
}`),
		Execute: func(ctx context.Context, tc Context, args json.RawMessage) (*Result, error) {
			var input struct {
				Kind   string `json:"kind"`
				Prefix string `json:"prefix"`
				Limit  int    `json:"limit"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return ErrorResult(fmt.Sprintf("invalid params: %v", err)), nil
			}
			limit := input.Limit
			if limit <= 0 {
				limit = defaultListLimit
			}
			if limit > maxListLimit {
				limit = maxListLimit
			}

			list, err := store.List(ctx, sessions.ListFilter{
				Kind:   models.SessionKind(strings.ToLower(strings.TrimSpace(input.Kind))),
				Prefix: strings.TrimSpace(input.Prefix),
				Limit:  limit,
			})
			if err != nil {
				return ErrorResult(fmt.Sprintf("list sessions: %v", err)), nil
			}

			out := make([]map[string]any, 0, len(list))
			for _, session := range list {
				out = append(out, map[string]any{
					"key":        session.Key,
					"kind":       session.Kind,
					"label":      session.Label,
					"metadata":   session.Metadata,
					"created_at": session.CreatedAt,
					"updated_at": session.UpdatedAt,
				})
			}
			return jsonResult(map[string]any{"sessions": out, "count": len(out)})
		},
	}
}

// NewSessionsHistoryTool builds sessions_history over the store.
func NewSessionsHistoryTool(store sessions.Store) Tool {
	return Tool{
		Name:        "sessions_history",
		Description: "Fetch recent messages from a session by key.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "session_key": {"type": "string", "description": "Session key."},
    "limit": {"type": "integer", "description": "Max messages to return (default: 50).", "minimum": 1},
    "include_tools": {"type": "boolean", "description": "Include tool result messages (default: false)."}
  },
  "required": ["session_key"]
}`),
		Execute: func(ctx context.Context, tc Context, args json.RawMessage) (*Result, error) {
			var input struct {
				SessionKey   string `json:"session_key"`
				Limit        int    `json:"limit"`
				IncludeTools bool   `json:"include_tools"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return ErrorResult(fmt.Sprintf("invalid params: %v", err)), nil
			}
			key := strings.TrimSpace(input.SessionKey)
			if key == "" {
				return ErrorResult("session_key is required"), nil
			}
			limit := input.Limit
			if limit <= 0 {
				limit = defaultHistoryLimit
			}
			if limit > maxHistoryLimit {
				limit = maxHistoryLimit
			}

			history, err := store.GetMessages(ctx, key, sessions.MessageQuery{Limit: limit})
			if err != nil {
				return ErrorResult(fmt.Sprintf("get history: %v", err)), nil
			}

			out := make([]map[string]any, 0, len(history))
			for _, msg := range history {
				if !input.IncludeTools && msg.Role == models.RoleToolResult {
					continue
				}
				out = append(out, map[string]any{
					"id":        msg.ID,
					"role":      msg.Role,
					"text":      msg.Text(),
					"timestamp": msg.Timestamp,
				})
			}
			return jsonResult(map[string]any{"session_key": key, "messages": out})
		},
	}
}

// NewSessionsSendTool builds sessions_send: dispatch a message into another
// session through the agent service and wait for its reply.
func NewSessionsSendTool() Tool {
	return Tool{
		Name:        "sessions_send",
		Description: "Send a message to another session and wait for the reply.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "session_key": {"type": "string", "description": "Target session key."},
    "message": {"type": "string", "description": "Message to send."},
    "timeout_seconds": {"type": "integer", "description": "Optional timeout in seconds.", "minimum": 1}
  },
  "required": ["session_key", "message"]
}`),
		Execute: func(ctx context.Context, tc Context, args json.RawMessage) (*Result, error) {
			var input struct {
				SessionKey     string `json:"session_key"`
				Message        string `json:"message"`
				TimeoutSeconds int    `json:"timeout_seconds"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return ErrorResult(fmt.Sprintf("invalid params: %v", err)), nil
			}
			key := strings.TrimSpace(input.SessionKey)
			if key == "" {
				return ErrorResult("session_key is required"), nil
			}
			if strings.TrimSpace(input.Message) == "" {
				return ErrorResult("message is required"), nil
			}
			if tc.Call == nil {
				return ErrorResult("bus unavailable"), nil
			}

			timeout := defaultSendTimeout
			if input.TimeoutSeconds > 0 {
				timeout = time.Duration(input.TimeoutSeconds) * time.Second
			}

			payload, err := tc.Call(ctx, "agent", "agent.run", map[string]any{
				"sessionKey": key,
				"message":    input.Message,
			}, timeout)
			if err != nil {
				return ErrorResult(fmt.Sprintf("run session: %v", err)), nil
			}

			var run struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(payload, &run); err != nil {
				return ErrorResult(fmt.Sprintf("decode reply: %v", err)), nil
			}
			return jsonResult(map[string]any{
				"status":      "completed",
				"session_key": key,
				"response":    run.Text,
			})
		},
	}
}

// NewSessionsSpawnTool builds sessions_spawn: start a sub-agent session
// under the caller's root key. The run is fire-and-forget; the runtime
// announces completion back into the parent session.
func NewSessionsSpawnTool() Tool {
	return Tool{
		Name:        "sessions_spawn",
		Description: "Spawn a sub-agent session to work on a task in the background.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "task": {"type": "string", "description": "Task for the sub-agent."},
    "label": {"type": "string", "description": "Optional label for the sub-agent session."}
  },
  "required": ["task"]
}`),
		Execute: func(ctx context.Context, tc Context, args json.RawMessage) (*Result, error) {
			var input struct {
				Task  string `json:"task"`
				Label string `json:"label"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return ErrorResult(fmt.Sprintf("invalid params: %v", err)), nil
			}
			task := strings.TrimSpace(input.Task)
			if task == "" {
				return ErrorResult("task is required"), nil
			}
			if tc.Call == nil {
				return ErrorResult("bus unavailable"), nil
			}

			childKey := models.RootSessionKey(tc.SessionKey) + ":subagent:" + uuid.NewString()[:8]
			if _, err := tc.Call(ctx, "agent", "agent.spawn", map[string]any{
				"sessionKey": childKey,
				"parentKey":  tc.SessionKey,
				"task":       task,
				"label":      strings.TrimSpace(input.Label),
			}, 0); err != nil {
				return ErrorResult(fmt.Sprintf("spawn sub-agent: %v", err)), nil
			}
			return jsonResult(map[string]any{
				"status":      "spawned",
				"session_key": childKey,
			})
		},
	}
}

func jsonResult(v any) (*Result, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ErrorResult(fmt.Sprintf("encode result: %v", err)), nil
	}
	return TextResult(string(payload)), nil
}
