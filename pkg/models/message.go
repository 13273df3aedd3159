// Package models defines the shared data types of the platform: sessions,
// messages, content blocks, and runtime lifecycle events.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// SessionKind classifies a session by its event source.
type SessionKind string

const (
	KindMain     SessionKind = "main"
	KindWebhook  SessionKind = "webhook"
	KindCron     SessionKind = "cron"
	KindSubagent SessionKind = "subagent"
)

// ChannelAddress names one outbound delivery target: a channel adapter plus
// the user identifier it delivers to.
type ChannelAddress struct {
	Channel string `json:"channel"`
	UserID  string `json:"userId"`
}

// Role indicates the message author type.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleSystem     Role = "system"
	RoleToolResult Role = "toolResult"
)

// Session is one conversation thread, identified by an opaque key of the
// conventional shape <kind>:<identifier>[:<epoch>].
type Session struct {
	Key       string         `json:"key"`
	Kind      SessionKind    `json:"kind"`
	Label     string         `json:"label,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Message is one append-only entry in a session's history.
type Message struct {
	ID         string         `json:"id"`
	SessionKey string         `json:"session_key"`
	Role       Role           `json:"role"`
	Content    []Block        `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewUserMessage builds a user message with plain text content.
func NewUserMessage(sessionKey, text string) *Message {
	return &Message{
		SessionKey: sessionKey,
		Role:       RoleUser,
		Content:    []Block{NewTextBlock(text)},
		Timestamp:  time.Now(),
	}
}

// NewAssistantMessage builds an assistant message from blocks.
func NewAssistantMessage(sessionKey string, blocks []Block) *Message {
	return &Message{
		SessionKey: sessionKey,
		Role:       RoleAssistant,
		Content:    blocks,
		Timestamp:  time.Now(),
	}
}

// Text returns the user-visible text of the message.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	return TextContent(m.Content)
}

// ToolCalls returns the tool call blocks of an assistant message.
func (m *Message) ToolCalls() []*ToolCallBlock {
	if m == nil || m.Role != RoleAssistant {
		return nil
	}
	var calls []*ToolCallBlock
	for i := range m.Content {
		if m.Content[i].Type == BlockToolCall && m.Content[i].ToolCall != nil {
			calls = append(calls, m.Content[i].ToolCall)
		}
	}
	return calls
}

// ToolResults returns the tool result blocks of a toolResult message.
func (m *Message) ToolResults() []*ToolResultBlock {
	if m == nil {
		return nil
	}
	var results []*ToolResultBlock
	for i := range m.Content {
		if m.Content[i].Type == BlockToolResult && m.Content[i].ToolResult != nil {
			results = append(results, m.Content[i].ToolResult)
		}
	}
	return results
}

// Clone returns a deep copy of the message. Block payloads are copied via
// JSON round-trip for arguments; metadata maps are cloned shallowly per key.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Content = CloneBlocks(m.Content)
	if m.Metadata != nil {
		clone.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// CloneBlocks deep-copies a block list.
func CloneBlocks(blocks []Block) []Block {
	if blocks == nil {
		return nil
	}
	out := make([]Block, len(blocks))
	for i, b := range blocks {
		c := Block{Type: b.Type}
		switch {
		case b.Text != nil:
			t := *b.Text
			c.Text = &t
		case b.Thinking != nil:
			t := *b.Thinking
			c.Thinking = &t
		case b.ToolCall != nil:
			t := *b.ToolCall
			if b.ToolCall.Arguments != nil {
				t.Arguments = append(json.RawMessage{}, b.ToolCall.Arguments...)
			}
			c.ToolCall = &t
		case b.ToolResult != nil:
			t := *b.ToolResult
			t.Content = CloneBlocks(b.ToolResult.Content)
			c.ToolResult = &t
		case b.Image != nil:
			t := *b.Image
			c.Image = &t
		}
		out[i] = c
	}
	return out
}

// KindOfKey derives the session kind from the key prefix.
func KindOfKey(key string) SessionKind {
	if IsSubagentKey(key) {
		return KindSubagent
	}
	prefix, _, ok := strings.Cut(key, ":")
	if !ok {
		return KindMain
	}
	switch prefix {
	case "cron":
		return KindCron
	case "webhook":
		return KindWebhook
	default:
		return KindMain
	}
}

// IsSubagentKey reports whether the key names a subagent session: either it
// contains the ":subagent:" segment or starts with "agent:".
func IsSubagentKey(key string) bool {
	return strings.Contains(key, ":subagent:") || strings.HasPrefix(key, "agent:")
}

// RootSessionKey strips the subagent suffix so a subagent inherits policy
// from its root session.
func RootSessionKey(key string) string {
	if root, _, ok := strings.Cut(key, ":subagent:"); ok {
		return root
	}
	return key
}
