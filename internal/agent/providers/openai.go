package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/tools"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// OpenAIConfig configures the chat-completions adapter. BaseURL covers
// OpenAI-compatible gateways.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// OpenAI implements agent.Provider over the chat completions API.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAI builds the adapter. The API key is required.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openai.GPT4o
	}
	var client *openai.Client
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		clientCfg.BaseURL = cfg.BaseURL
		client = openai.NewClientWithConfig(clientCfg)
	} else {
		client = openai.NewClient(cfg.APIKey)
	}
	return &OpenAI{client: client, defaultModel: cfg.DefaultModel}, nil
}

// Name returns the provider identifier.
func (p *OpenAI) Name() string { return "openai" }

// Complete issues one non-streaming chat completion.
func (p *OpenAI) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.Completion, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: openAIMessages(req.System, req.Messages),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = openAITools(req.Tools)
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: %w", agent.ErrEmptyResponse)
	}

	choice := resp.Choices[0]
	completion := &agent.Completion{
		StopReason: string(choice.FinishReason),
		Usage: agent.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if choice.Message.Content != "" {
		completion.Blocks = append(completion.Blocks, models.NewTextBlock(choice.Message.Content))
	}
	for _, call := range choice.Message.ToolCalls {
		completion.Blocks = append(completion.Blocks,
			models.NewToolCallBlock(call.ID, call.Function.Name, json.RawMessage(call.Function.Arguments)))
	}
	return completion, nil
}

// openAIMessages flattens the working history into chat messages. Tool
// results become one role=tool message per result block, addressed by tool
// call ID.
func openAIMessages(system string, messages []*models.Message) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: models.TextContent(msg.Content),
			}
			for _, block := range msg.Content {
				if block.Type != models.BlockToolCall || block.ToolCall == nil {
					continue
				}
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   block.ToolCall.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      block.ToolCall.Name,
						Arguments: string(block.ToolCall.Arguments),
					},
				})
			}
			if out.Content == "" && len(out.ToolCalls) == 0 {
				continue
			}
			result = append(result, out)

		case models.RoleToolResult:
			for _, block := range msg.Content {
				if block.Type != models.BlockToolResult || block.ToolResult == nil {
					continue
				}
				content := models.TextContent(block.ToolResult.Content)
				if block.ToolResult.IsError && content == "" {
					content = "tool execution failed"
				}
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: block.ToolResult.ToolCallID,
					Content:    content,
				})
			}

		default:
			// User and system-role history (compaction summaries) both travel
			// as user messages.
			if out, ok := openAIUserMessage(msg.Content); ok {
				result = append(result, out)
			}
		}
	}
	return result
}

// openAIUserMessage builds a user message, using multi-part content only
// when images are present.
func openAIUserMessage(blocks []models.Block) (openai.ChatCompletionMessage, bool) {
	hasImage := false
	for _, block := range blocks {
		if block.Type == models.BlockImage && block.Image != nil {
			hasImage = true
			break
		}
	}

	if !hasImage {
		text := models.TextContent(blocks)
		if text == "" {
			return openai.ChatCompletionMessage{}, false
		}
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text}, true
	}

	var parts []openai.ChatMessagePart
	for _, block := range blocks {
		switch block.Type {
		case models.BlockText:
			if block.Text != nil && block.Text.Text != "" {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: block.Text.Text,
				})
			}
		case models.BlockImage:
			if block.Image != nil {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: "data:" + block.Image.MimeType + ";base64," + block.Image.Data,
					},
				})
			}
		}
	}
	if len(parts) == 0 {
		return openai.ChatCompletionMessage{}, false
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}, true
}

// openAITools converts descriptors to function tools. An unparseable schema
// degrades to an empty object schema rather than failing the request.
func openAITools(descriptors []tools.Descriptor) []openai.Tool {
	result := make([]openai.Tool, 0, len(descriptors))
	for _, d := range descriptors {
		var schema map[string]any
		if len(d.Parameters) == 0 || json.Unmarshal(d.Parameters, &schema) != nil || schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  schema,
			},
		})
	}
	return result
}
