// Package tools implements the tool registry and its bus surface: named
// tools with JSON-schema parameters, validated execution, and the subagent
// permission gate.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// CallFunc lets a tool reach peer services through the gateway without
// importing them. Mirrors the bus client's Call signature.
type CallFunc func(ctx context.Context, target, method string, params any, timeout time.Duration) (json.RawMessage, error)

// Context carries the per-invocation environment a tool executes in.
type Context struct {
	SessionKey string
	WorkingDir string
	Call       CallFunc
}

// Result is a tool's outcome. IsError results stay in history so the model
// can react; they never fail the run.
type Result struct {
	Content []models.Block `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// TextResult wraps plain text in a successful result.
func TextResult(text string) *Result {
	return &Result{Content: []models.Block{models.NewTextBlock(text)}}
}

// ErrorResult wraps an error message in an isError result.
func ErrorResult(text string) *Result {
	return &Result{Content: []models.Block{models.NewTextBlock(text)}, IsError: true}
}

// Tool is one registered tool descriptor. Parameters holds the JSON schema
// the arguments are validated against before Execute runs.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Execute     func(ctx context.Context, tc Context, args json.RawMessage) (*Result, error)
}

// Descriptor is the shape tool.list and tool.describe return. The execute
// hook never crosses the wire.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Descriptor returns the wire form of the tool.
func (t Tool) Descriptor() Descriptor {
	return Descriptor{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
}
