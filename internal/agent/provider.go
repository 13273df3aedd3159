// Package agent implements the runtime loop: it drains the session queue,
// prepares context through hygiene and pruning, invokes the model, dispatches
// tool calls, and streams lifecycle events.
package agent

import (
	"context"

	"github.com/haasonsaas/switchboard/internal/tools"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Usage is the token accounting a provider reports for one completion.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// CompletionRequest is one model invocation. Messages are already sanitized
// and pruned; System travels separately from the message list.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []*models.Message
	Tools     []tools.Descriptor
	MaxTokens int
}

// Completion is the model's reply: assistant content blocks plus usage.
type Completion struct {
	Blocks     []models.Block
	StopReason string
	Usage      Usage
}

// Provider is the LLM adapter the runtime calls. Implementations live in
// the providers subpackage; tests use fakes.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}
