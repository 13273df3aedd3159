// Package compaction folds old conversation history into a running summary
// when a session outgrows its context window. It implements token
// estimation, adaptive chunk sizing, staged and chunked summarization, and
// tool-failure preservation.
package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/switchboard/pkg/models"
)

const (
	// BaseChunkRatio is the default fraction of the context window used per
	// summarization chunk.
	BaseChunkRatio = 0.40

	// MinChunkRatio is the floor the adaptive ratio shrinks toward.
	MinChunkRatio = 0.15

	// SafetyMargin buffers token estimation inaccuracy by 20%.
	SafetyMargin = 1.2

	// OversizedThreshold is the fraction of the window above which a single
	// message is excluded from summarization.
	OversizedThreshold = 0.5

	// AvgShareThreshold is the fraction of the window the safety-scaled
	// average message size must exceed before the chunk ratio shrinks.
	AvgShareThreshold = 0.1

	// DefaultMaxHistoryShare caps how much of the window summarized history
	// may occupy before the oldest half is peeled off.
	DefaultMaxHistoryShare = 0.5

	// DefaultParts is the number of stages for staged summarization.
	DefaultParts = 2

	// DefaultMinMessagesForSplit is the minimum history before staging.
	DefaultMinMessagesForSplit = 4

	// CharsPerToken is the estimation heuristic for text content.
	CharsPerToken = 4

	// ImageChars is the flat character charge per image block.
	ImageChars = 8000

	// FallbackSummary is returned when every model call failed.
	FallbackSummary = "Summary unavailable due to context limits. Older messages were truncated."

	// EmptySummary is returned when there is nothing to summarize.
	EmptySummary = "No prior history."

	mergeInstructions = "Merge these partial summaries into a single coherent summary. Preserve decisions, TODOs, open questions, constraints."

	failureHeading  = "## Tool Failures"
	maxFailureLines = 8
	failureCharCap  = 240
)

// EstimateTokens estimates the token footprint of one message.
func EstimateTokens(msg *models.Message) int {
	if msg == nil {
		return 0
	}
	chars := estimateBlockChars(msg.Content)
	return (chars + CharsPerToken - 1) / CharsPerToken
}

// EstimateMessagesTokens sums EstimateTokens over a list.
func EstimateMessagesTokens(messages []*models.Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateTokens(msg)
	}
	return total
}

func estimateBlockChars(blocks []models.Block) int {
	total := 0
	for _, b := range blocks {
		switch {
		case b.Text != nil:
			total += len(b.Text.Text)
		case b.Thinking != nil:
			total += len(b.Thinking.Text)
		case b.ToolCall != nil:
			total += len(b.ToolCall.Name) + len(b.ToolCall.Arguments)
		case b.ToolResult != nil:
			total += estimateBlockChars(b.ToolResult.Content)
		case b.Image != nil:
			total += ImageChars
		}
	}
	return total
}

// AdaptiveChunkRatio shrinks the chunk ratio when messages run large. While
// the safety-scaled average message stays under a tenth of the window the
// base ratio holds; past that the ratio shrinks proportionally, floored at
// MinChunkRatio.
func AdaptiveChunkRatio(messages []*models.Message, contextWindow int) float64 {
	if len(messages) == 0 || contextWindow <= 0 {
		return BaseChunkRatio
	}
	avg := float64(EstimateMessagesTokens(messages)) / float64(len(messages))
	threshold := AvgShareThreshold * float64(contextWindow)
	scaled := avg * SafetyMargin
	if scaled <= threshold {
		return BaseChunkRatio
	}
	ratio := BaseChunkRatio * threshold / scaled
	if ratio < MinChunkRatio {
		ratio = MinChunkRatio
	}
	return ratio
}

// IsOversized reports whether a single message is too large to summarize.
func IsOversized(msg *models.Message, contextWindow int) bool {
	if msg == nil || contextWindow <= 0 {
		return false
	}
	return float64(EstimateTokens(msg))*SafetyMargin > float64(contextWindow)*OversizedThreshold
}

// SplitByTokenShare splits messages into up to parts near-equal
// token-weighted partitions.
func SplitByTokenShare(messages []*models.Message, parts int) [][]*models.Message {
	if len(messages) == 0 {
		return nil
	}
	if parts <= 0 {
		parts = DefaultParts
	}
	if parts == 1 || len(messages) < parts {
		return [][]*models.Message{messages}
	}

	target := EstimateMessagesTokens(messages) / parts
	var result [][]*models.Message
	var current []*models.Message
	currentTokens := 0
	for i, msg := range messages {
		current = append(current, msg)
		currentTokens += EstimateTokens(msg)
		last := i == len(messages)-1
		remaining := parts - len(result) - 1
		if !last && remaining > 0 && currentTokens >= target {
			result = append(result, current)
			current = nil
			currentTokens = 0
		}
	}
	if len(current) > 0 {
		result = append(result, current)
	}
	return result
}

// ChunkByMaxTokens splits messages into consecutive chunks of at most
// maxTokens each. A single message above the limit gets its own chunk.
func ChunkByMaxTokens(messages []*models.Message, maxTokens int) [][]*models.Message {
	if len(messages) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		return [][]*models.Message{messages}
	}
	var result [][]*models.Message
	var current []*models.Message
	currentTokens := 0
	for _, msg := range messages {
		tokens := EstimateTokens(msg)
		if tokens > maxTokens {
			if len(current) > 0 {
				result = append(result, current)
				current = nil
				currentTokens = 0
			}
			result = append(result, []*models.Message{msg})
			continue
		}
		if currentTokens+tokens > maxTokens && len(current) > 0 {
			result = append(result, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, msg)
		currentTokens += tokens
	}
	if len(current) > 0 {
		result = append(result, current)
	}
	return result
}

// SummaryRequest is one model call made by the engine.
type SummaryRequest struct {
	// Messages is the chunk being folded into the summary.
	Messages []*models.Message
	// PreviousSummary is the running summary to extend, possibly empty.
	PreviousSummary string
	// Instructions carries pass-specific guidance (merge passes only).
	Instructions string
}

// Summarizer generates one summary per request. Implemented by the model
// provider adapter.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
}

// Config tunes a compaction pass.
type Config struct {
	ContextWindow       int
	MaxHistoryShare     float64
	Parts               int
	MinMessagesForSplit int
}

func (c Config) withDefaults() Config {
	if c.ContextWindow <= 0 {
		c.ContextWindow = 100000
	}
	if c.MaxHistoryShare <= 0 || c.MaxHistoryShare > 1 {
		c.MaxHistoryShare = DefaultMaxHistoryShare
	}
	if c.Parts <= 0 {
		c.Parts = DefaultParts
	}
	if c.MinMessagesForSplit <= 0 {
		c.MinMessagesForSplit = DefaultMinMessagesForSplit
	}
	return c
}

// Request is the compaction input assembled by the runtime.
type Request struct {
	// Messages is the history range to fold away.
	Messages []*models.Message
	// TurnPrefix is the in-progress turn kept verbatim after the boundary.
	TurnPrefix []*models.Message
	// PreviousSummary is an earlier compaction's output, if any.
	PreviousSummary string
	Config          Config
}

// Result is the replacement summary plus the boundary marker.
type Result struct {
	Summary string
	// FirstKeptEntryID identifies the first message that survives
	// compaction: the head of the turn prefix when present.
	FirstKeptEntryID string
	TokensBefore     int
	// Degraded is set when the fallback summary was used.
	Degraded bool
}

// Compact folds Request.Messages into a summary string. Model failures
// degrade to the fallback constant rather than erroring. An empty input
// short-circuits, carrying forward the previous summary when one exists.
func Compact(ctx context.Context, req Request, summarizer Summarizer) (*Result, error) {
	cfg := req.Config.withDefaults()
	result := &Result{
		TokensBefore: EstimateMessagesTokens(req.Messages) + EstimateMessagesTokens(req.TurnPrefix),
	}
	if len(req.TurnPrefix) > 0 {
		result.FirstKeptEntryID = req.TurnPrefix[0].ID
	}

	failures := FormatToolFailures(req.Messages)

	if len(req.Messages) == 0 {
		summary := req.PreviousSummary
		if summary == "" {
			summary = EmptySummary
		}
		result.Summary = appendFailures(summary, failures)
		return result, nil
	}
	if summarizer == nil {
		return nil, fmt.Errorf("summarizer is required")
	}

	// Oversized messages are excluded up front and noted in the output.
	var normal []*models.Message
	var oversizedNotes []string
	for _, msg := range req.Messages {
		if IsOversized(msg, cfg.ContextWindow) {
			oversizedNotes = append(oversizedNotes, fmt.Sprintf(
				"[Large %s (~%dK tokens) omitted from summary]",
				msg.Role, (EstimateTokens(msg)+500)/1000))
			continue
		}
		normal = append(normal, msg)
	}

	previous := req.PreviousSummary

	// History-share guard: when the remaining content alone still exceeds
	// its window share, peel the oldest half into a separate pass whose
	// summary seeds the main one.
	budget := float64(cfg.ContextWindow) * cfg.MaxHistoryShare
	if float64(EstimateMessagesTokens(normal))*SafetyMargin > budget && len(normal) > 1 {
		mid := len(normal) / 2
		dropped := normal[:mid]
		normal = normal[mid:]
		droppedSummary, err := summarizeStaged(ctx, dropped, previous, summarizer, cfg)
		if err == nil {
			previous = droppedSummary
		}
		// A failed dropped-pass keeps the prior summary; the main pass
		// proceeds with a note.
		if err != nil {
			oversizedNotes = append(oversizedNotes,
				fmt.Sprintf("[%d older messages dropped without summary]", len(dropped)))
		}
	}

	summary, err := summarizeStaged(ctx, normal, previous, summarizer, cfg)
	if err != nil {
		// Partial failure: one more attempt on the plain chunked path.
		summary, err = summarizeChunked(ctx, normal, previous, summarizer, cfg)
	}
	if err != nil {
		summary = FallbackSummary
		result.Degraded = true
	}

	if len(oversizedNotes) > 0 {
		summary = summary + "\n\n" + strings.Join(oversizedNotes, "\n")
	}
	result.Summary = appendFailures(summary, failures)
	return result, nil
}

// summarizeStaged splits the history into near-equal stages, summarizes
// each, and merges the partials. Short histories go straight to the chunked
// path.
func summarizeStaged(ctx context.Context, messages []*models.Message, previous string, summarizer Summarizer, cfg Config) (string, error) {
	if len(messages) == 0 {
		if previous != "" {
			return previous, nil
		}
		return EmptySummary, nil
	}
	if len(messages) < cfg.MinMessagesForSplit {
		return summarizeChunked(ctx, messages, previous, summarizer, cfg)
	}

	partitions := SplitByTokenShare(messages, cfg.Parts)
	if len(partitions) <= 1 {
		return summarizeChunked(ctx, messages, previous, summarizer, cfg)
	}

	// Stages are independent; the previous summary joins the merge as the
	// first partial so it is preserved without re-folding.
	partials := make([]string, 0, len(partitions)+1)
	if previous != "" {
		partials = append(partials, previous)
	}
	for i, partition := range partitions {
		partial, err := summarizeChunked(ctx, partition, "", summarizer, cfg)
		if err != nil {
			return "", fmt.Errorf("stage %d: %w", i, err)
		}
		partials = append(partials, partial)
	}
	return mergePartials(ctx, partials, summarizer)
}

// summarizeChunked folds the messages chunk by chunk: chunk 0 extends the
// previous summary, every later chunk extends the summary so far.
func summarizeChunked(ctx context.Context, messages []*models.Message, previous string, summarizer Summarizer, cfg Config) (string, error) {
	if len(messages) == 0 {
		if previous != "" {
			return previous, nil
		}
		return EmptySummary, nil
	}
	maxChunk := int(float64(cfg.ContextWindow) * AdaptiveChunkRatio(messages, cfg.ContextWindow))
	chunks := ChunkByMaxTokens(messages, maxChunk)

	summary := previous
	for i, chunk := range chunks {
		next, err := summarizer.Summarize(ctx, SummaryRequest{
			Messages:        chunk,
			PreviousSummary: summary,
		})
		if err != nil {
			return "", fmt.Errorf("chunk %d: %w", i, err)
		}
		summary = next
	}
	return summary, nil
}

func mergePartials(ctx context.Context, partials []string, summarizer Summarizer) (string, error) {
	if len(partials) == 1 {
		return partials[0], nil
	}
	merge := make([]*models.Message, len(partials))
	for i, partial := range partials {
		merge[i] = &models.Message{
			Role:    models.RoleSystem,
			Content: []models.Block{models.NewTextBlock(fmt.Sprintf("Partial summary %d:\n%s", i+1, partial))},
		}
	}
	return summarizer.Summarize(ctx, SummaryRequest{
		Messages:     merge,
		Instructions: mergeInstructions,
	})
}

// FormatToolFailures renders the deduplicated tool-failure block preserved
// across compaction, or "" when the range holds no failed results.
func FormatToolFailures(messages []*models.Message) string {
	names := map[string]string{}
	for _, msg := range messages {
		for _, call := range msg.ToolCalls() {
			names[call.ID] = call.Name
		}
	}

	seen := map[string]bool{}
	var lines []string
	overflow := 0
	for _, msg := range messages {
		for _, res := range msg.ToolResults() {
			if !res.IsError || seen[res.ToolCallID] {
				continue
			}
			seen[res.ToolCallID] = true
			if len(lines) >= maxFailureLines {
				overflow++
				continue
			}
			name := names[res.ToolCallID]
			if name == "" {
				name = res.ToolCallID
			}
			lines = append(lines, "- "+name+": "+singleSpaced(models.TextContent(res.Content), failureCharCap))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	if overflow > 0 {
		lines = append(lines, fmt.Sprintf("...and %d more", overflow))
	}
	return failureHeading + "\n" + strings.Join(lines, "\n")
}

func singleSpaced(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}

func appendFailures(summary, failures string) string {
	if failures == "" {
		return summary
	}
	return summary + "\n\n" + failures
}

// FormatMessagesForSummary renders a chunk as plain text for the model. The
// provider adapter uses this when building its summarization prompt.
func FormatMessagesForSummary(messages []*models.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		sb.WriteString("[" + string(msg.Role) + "]: ")
		sb.WriteString(msg.Text())
		for _, call := range msg.ToolCalls() {
			sb.WriteString("\n  [tool call " + call.Name + ": " + truncate(string(call.Arguments), 200) + "]")
		}
		for _, res := range msg.ToolResults() {
			sb.WriteString("\n  [tool result: " + truncate(models.TextContent(res.Content), 200) + "]")
		}
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
