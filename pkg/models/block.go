package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BlockType discriminates the content block variants.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolCall   BlockType = "toolCall"
	BlockToolResult BlockType = "toolResult"
	BlockImage      BlockType = "image"
)

// Block is one element of a message's content list. Exactly one of the
// variant pointers is set, matching Type.
type Block struct {
	Type       BlockType        `json:"type"`
	Text       *TextBlock       `json:"-"`
	Thinking   *ThinkingBlock   `json:"-"`
	ToolCall   *ToolCallBlock   `json:"-"`
	ToolResult *ToolResultBlock `json:"-"`
	Image      *ImageBlock      `json:"-"`
}

// TextBlock is plain user-visible text.
type TextBlock struct {
	Text string `json:"text"`
}

// ThinkingBlock carries model reasoning. It is never surfaced to users and
// never counted when extracting reply text.
type ThinkingBlock struct {
	Text string `json:"text"`
}

// ToolCallBlock is the model's request to execute a tool.
type ToolCallBlock struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResultBlock addresses a tool invocation's output back to the
// originating tool call.
type ToolResultBlock struct {
	ToolCallID string  `json:"toolCallId"`
	Content    []Block `json:"content,omitempty"`
	IsError    bool    `json:"isError,omitempty"`
}

// ImageBlock is inline base64 image data.
type ImageBlock struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// NewTextBlock builds a text block.
func NewTextBlock(text string) Block {
	return Block{Type: BlockText, Text: &TextBlock{Text: text}}
}

// NewThinkingBlock builds a thinking block.
func NewThinkingBlock(text string) Block {
	return Block{Type: BlockThinking, Thinking: &ThinkingBlock{Text: text}}
}

// NewToolCallBlock builds a tool call block.
func NewToolCallBlock(id, name string, args json.RawMessage) Block {
	return Block{Type: BlockToolCall, ToolCall: &ToolCallBlock{ID: id, Name: name, Arguments: args}}
}

// NewToolResultBlock builds a tool result block with text content.
func NewToolResultBlock(toolCallID, text string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolResult: &ToolResultBlock{
		ToolCallID: toolCallID,
		Content:    []Block{NewTextBlock(text)},
		IsError:    isError,
	}}
}

// NewImageBlock builds an image block from base64 data.
func NewImageBlock(data, mimeType string) Block {
	return Block{Type: BlockImage, Image: &ImageBlock{Data: data, MimeType: mimeType}}
}

type blockEnvelope struct {
	Type BlockType `json:"type"`

	// text / thinking
	Text string `json:"text,omitempty"`

	// toolCall
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// toolResult
	ToolCallID string  `json:"toolCallId,omitempty"`
	Content    []Block `json:"content,omitempty"`
	IsError    bool    `json:"isError,omitempty"`

	// image
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// MarshalJSON flattens the active variant into a single tagged object.
func (b Block) MarshalJSON() ([]byte, error) {
	env := blockEnvelope{Type: b.Type}
	switch b.Type {
	case BlockText:
		if b.Text != nil {
			env.Text = b.Text.Text
		}
	case BlockThinking:
		if b.Thinking != nil {
			env.Text = b.Thinking.Text
		}
	case BlockToolCall:
		if b.ToolCall != nil {
			env.ID = b.ToolCall.ID
			env.Name = b.ToolCall.Name
			env.Arguments = b.ToolCall.Arguments
		}
	case BlockToolResult:
		if b.ToolResult != nil {
			env.ToolCallID = b.ToolResult.ToolCallID
			env.Content = b.ToolResult.Content
			env.IsError = b.ToolResult.IsError
		}
	case BlockImage:
		if b.Image != nil {
			env.Data = b.Image.Data
			env.MimeType = b.Image.MimeType
		}
	default:
		return nil, fmt.Errorf("unknown block type %q", b.Type)
	}
	return json.Marshal(env)
}

// UnmarshalJSON restores the variant indicated by the type tag.
func (b *Block) UnmarshalJSON(data []byte) error {
	var env blockEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	b.Type = env.Type
	switch env.Type {
	case BlockText:
		b.Text = &TextBlock{Text: env.Text}
	case BlockThinking:
		b.Thinking = &ThinkingBlock{Text: env.Text}
	case BlockToolCall:
		b.ToolCall = &ToolCallBlock{ID: env.ID, Name: env.Name, Arguments: env.Arguments}
	case BlockToolResult:
		b.ToolResult = &ToolResultBlock{ToolCallID: env.ToolCallID, Content: env.Content, IsError: env.IsError}
	case BlockImage:
		b.Image = &ImageBlock{Data: env.Data, MimeType: env.MimeType}
	default:
		return fmt.Errorf("unknown block type %q", env.Type)
	}
	return nil
}

// TextContent concatenates the text blocks of a block list, skipping
// thinking blocks.
func TextContent(blocks []Block) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == BlockText && b.Text != nil {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(b.Text.Text)
		}
	}
	return sb.String()
}

// HasImage reports whether any block in the list (including nested tool
// result content) is an image.
func HasImage(blocks []Block) bool {
	for _, b := range blocks {
		if b.Type == BlockImage {
			return true
		}
		if b.Type == BlockToolResult && b.ToolResult != nil && HasImage(b.ToolResult.Content) {
			return true
		}
	}
	return false
}

// OnlyThinking reports whether the list is non-empty and contains thinking
// blocks exclusively.
func OnlyThinking(blocks []Block) bool {
	if len(blocks) == 0 {
		return false
	}
	for _, b := range blocks {
		if b.Type != BlockThinking {
			return false
		}
	}
	return true
}
