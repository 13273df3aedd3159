package models

import "time"

// AgentEventType identifies a runtime lifecycle stream event.
type AgentEventType string

const (
	AgentEventAssistant  AgentEventType = "assistant"
	AgentEventTool       AgentEventType = "tool"
	AgentEventCompaction AgentEventType = "compaction"
	AgentEventLifecycle  AgentEventType = "lifecycle"
	AgentEventError      AgentEventType = "error"
)

// LifecyclePhase marks a run's progress through the lifecycle stream.
type LifecyclePhase string

const (
	PhaseStart LifecyclePhase = "start"
	PhaseEnd   LifecyclePhase = "end"
	PhaseAbort LifecyclePhase = "abort"
)

// AgentEvent is one entry of a run's lifecycle stream. Events are broadcast
// to every subscriber; consumers self-filter by RunID.
type AgentEvent struct {
	Type       AgentEventType `json:"type"`
	RunID      string         `json:"runId"`
	SessionKey string         `json:"sessionKey"`
	Phase      LifecyclePhase `json:"phase,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`

	// assistant: streamed or final text
	Text string `json:"text,omitempty"`

	// tool: start/end of one tool invocation
	ToolName   string `json:"toolName,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolDone   bool   `json:"toolDone,omitempty"`
	ToolError  bool   `json:"toolError,omitempty"`

	// compaction: tokens in context before the summary replaced history
	TokensBefore int `json:"tokensBefore,omitempty"`

	// end: total token estimate for the run
	Tokens int `json:"tokens,omitempty"`

	// error: classified user-facing message
	Message string `json:"message,omitempty"`
}
