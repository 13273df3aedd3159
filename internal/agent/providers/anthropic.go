// Package providers implements the model adapters behind the runtime's
// Provider interface: Anthropic Claude and OpenAI chat completions.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/tools"
	"github.com/haasonsaas/switchboard/pkg/models"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicConfig configures the Claude adapter.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// Anthropic implements agent.Provider over the Claude Messages API.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropic builds the adapter. The API key is required.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		client:       anthropic.NewClient(options...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns the provider identifier.
func (p *Anthropic) Name() string { return "anthropic" }

// Complete issues one non-streaming Messages call.
func (p *Anthropic) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.Completion, error) {
	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		toolParams, err := anthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = toolParams
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	return anthropicCompletion(msg), nil
}

// anthropicMessages converts the working history into API message params.
// System-role messages (compaction summaries) travel as user text; thinking
// blocks are dropped.
func anthropicMessages(messages []*models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		for _, block := range msg.Content {
			switch block.Type {
			case models.BlockText:
				if block.Text != nil && block.Text.Text != "" {
					content = append(content, anthropic.NewTextBlock(block.Text.Text))
				}
			case models.BlockToolCall:
				if block.ToolCall == nil {
					continue
				}
				var input map[string]any
				if len(block.ToolCall.Arguments) > 0 {
					if err := json.Unmarshal(block.ToolCall.Arguments, &input); err != nil {
						return nil, fmt.Errorf("invalid tool call input for %s: %w", block.ToolCall.Name, err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(block.ToolCall.ID, input, block.ToolCall.Name))
			case models.BlockToolResult:
				if block.ToolResult == nil {
					continue
				}
				content = append(content, anthropic.NewToolResultBlock(
					block.ToolResult.ToolCallID,
					models.TextContent(block.ToolResult.Content),
					block.ToolResult.IsError,
				))
			case models.BlockImage:
				if block.Image != nil {
					content = append(content, anthropic.NewImageBlockBase64(block.Image.MimeType, block.Image.Data))
				}
			case models.BlockThinking:
				// Reasoning is never replayed.
			}
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func anthropicTools(descriptors []tools.Descriptor) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, d := range descriptors {
		schema := d.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		var input anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(schema, &input); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", d.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(input, d.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s", d.Name)
		}
		toolParam.OfTool.Description = anthropic.String(d.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func anthropicCompletion(msg *anthropic.Message) *agent.Completion {
	completion := &agent.Completion{
		StopReason: string(msg.StopReason),
		Usage: agent.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				completion.Blocks = append(completion.Blocks, models.NewTextBlock(block.Text))
			}
		case "thinking":
			if block.Thinking != "" {
				completion.Blocks = append(completion.Blocks, models.NewThinkingBlock(block.Thinking))
			}
		case "tool_use":
			completion.Blocks = append(completion.Blocks,
				models.NewToolCallBlock(block.ID, block.Name, json.RawMessage(block.Input)))
		}
	}
	return completion
}
