// Package prune shrinks oversized tool results just before a model call.
// Two phases: soft-trim keeps the head and tail of large results, hard-clear
// replaces whole results once trimming alone cannot bring the context under
// budget. Every function is pure: callers get a new list or the original
// reference unchanged.
package prune

import (
	"fmt"
	"unicode/utf8"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// Character cost model: 4 chars per token for text, a flat charge per image.
const (
	charsPerToken  = 4
	imageChars     = 8000
	clearedMarker  = "[Tool result cleared — context pruning]"
	trimSeparator  = "\n...\n"
	trimNoteFormat = "\n[trimmed %d chars — context pruning]"
)

// SoftTrim bounds for phase 1.
type SoftTrim struct {
	MaxChars  int
	HeadChars int
	TailChars int
}

// Config tunes the pruner. Zero-valued fields fall back to defaults.
type Config struct {
	// ContextWindow is the model's window in tokens.
	ContextWindow int
	// SoftTrimRatio is the estimated-usage ratio above which phase 1 runs.
	SoftTrimRatio float64
	// HardClearRatio is the ratio above which phase 2 runs after trimming.
	HardClearRatio float64
	// KeepLastAssistants protects everything from the N-th-last assistant
	// message onward.
	KeepLastAssistants int
	SoftTrim           SoftTrim
	// AllowTools, when non-empty, restricts pruning to results of the named
	// tools. DenyTools always wins over AllowTools.
	AllowTools []string
	DenyTools  []string
}

// DefaultConfig returns the standard pruning thresholds for a window.
func DefaultConfig(contextWindow int) Config {
	return Config{
		ContextWindow:      contextWindow,
		SoftTrimRatio:      0.30,
		HardClearRatio:     0.50,
		KeepLastAssistants: 3,
		SoftTrim:           SoftTrim{MaxChars: 4000, HeadChars: 1500, TailChars: 1500},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.ContextWindow)
	if c.SoftTrimRatio == 0 {
		c.SoftTrimRatio = d.SoftTrimRatio
	}
	if c.HardClearRatio == 0 {
		c.HardClearRatio = d.HardClearRatio
	}
	if c.KeepLastAssistants == 0 {
		c.KeepLastAssistants = d.KeepLastAssistants
	}
	if c.SoftTrim.MaxChars == 0 {
		c.SoftTrim.MaxChars = d.SoftTrim.MaxChars
	}
	if c.SoftTrim.HeadChars == 0 {
		c.SoftTrim.HeadChars = d.SoftTrim.HeadChars
	}
	if c.SoftTrim.TailChars == 0 {
		c.SoftTrim.TailChars = d.SoftTrim.TailChars
	}
	return c
}

// Report describes what a Prune pass did.
type Report struct {
	SoftTrimmed int
	HardCleared int
	CharsBefore int
	CharsAfter  int
}

// Changed reports whether the pass modified anything.
func (r Report) Changed() bool { return r.SoftTrimmed > 0 || r.HardCleared > 0 }

// EstimateChars estimates the character footprint of a message list under
// the cost model above.
func EstimateChars(messages []*models.Message) int {
	total := 0
	for _, msg := range messages {
		total += estimateBlocks(msg.Content)
	}
	return total
}

func estimateBlocks(blocks []models.Block) int {
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
			total += estimateBlocks(b.ToolResult.Content)
		case b.Image != nil:
			total += imageChars
		}
	}
	return total
}

// Prune applies both phases as needed and returns the resulting list with a
// report. The input list is never mutated; untouched messages are shared.
func Prune(messages []*models.Message, cfg Config) ([]*models.Message, Report) {
	cfg = cfg.withDefaults()
	report := Report{CharsBefore: EstimateChars(messages)}
	report.CharsAfter = report.CharsBefore

	windowChars := cfg.ContextWindow * charsPerToken
	if windowChars <= 0 || report.CharsBefore <= int(float64(windowChars)*cfg.SoftTrimRatio) {
		return messages, report
	}

	prunable := prunableIndices(messages, cfg)
	if len(prunable) == 0 {
		return messages, report
	}

	out := make([]*models.Message, len(messages))
	copy(out, messages)

	// Phase 1: soft-trim oversized results in place.
	for _, idx := range prunable {
		trimmed, did := softTrimMessage(out[idx], cfg.SoftTrim)
		if did {
			out[idx] = trimmed
			report.SoftTrimmed++
		}
	}
	report.CharsAfter = EstimateChars(out)
	if report.CharsAfter < int(float64(windowChars)*cfg.HardClearRatio) {
		if !report.Changed() {
			return messages, report
		}
		return out, report
	}

	// Phase 2: hard-clear oldest first until under the hard ratio.
	for _, idx := range prunable {
		cleared, did := clearMessage(out[idx])
		if !did {
			continue
		}
		out[idx] = cleared
		report.HardCleared++
		report.CharsAfter = EstimateChars(out)
		if report.CharsAfter < int(float64(windowChars)*cfg.HardClearRatio) {
			break
		}
	}
	if !report.Changed() {
		return messages, report
	}
	return out, report
}

// prunableIndices returns, oldest first, the toolResult messages eligible
// for pruning: between the first user message and the cutoff protecting the
// last KeepLastAssistants assistant turns, filtered by tool name, with no
// image content.
func prunableIndices(messages []*models.Message, cfg Config) []int {
	cutoff := assistantCutoff(messages, cfg.KeepLastAssistants)

	pruneStart := -1
	for i, msg := range messages {
		if msg.Role == models.RoleUser {
			pruneStart = i
			break
		}
	}
	if pruneStart < 0 {
		return nil
	}

	toolNames := toolNamesByCallID(messages)
	var out []int
	for i := pruneStart; i < cutoff; i++ {
		msg := messages[i]
		if msg.Role != models.RoleToolResult {
			continue
		}
		eligible := len(msg.Content) > 0
		for _, res := range msg.ToolResults() {
			if !toolAllowed(toolNames[res.ToolCallID], cfg) || hasImage(res.Content) {
				eligible = false
				break
			}
		}
		if eligible {
			out = append(out, i)
		}
	}
	return out
}

// assistantCutoff finds the index of the n-th-most-recent assistant message.
// Everything at or after it is untouchable.
func assistantCutoff(messages []*models.Message, n int) int {
	seen := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleAssistant {
			seen++
			if seen == n {
				return i
			}
		}
	}
	return 0
}

func toolNamesByCallID(messages []*models.Message) map[string]string {
	names := map[string]string{}
	for _, msg := range messages {
		for _, call := range msg.ToolCalls() {
			names[call.ID] = call.Name
		}
	}
	return names
}

func toolAllowed(name string, cfg Config) bool {
	for _, denied := range cfg.DenyTools {
		if name == denied {
			return false
		}
	}
	if len(cfg.AllowTools) == 0 {
		return true
	}
	for _, allowed := range cfg.AllowTools {
		if name == allowed {
			return true
		}
	}
	return false
}

func hasImage(blocks []models.Block) bool {
	for _, b := range blocks {
		if b.Type == models.BlockImage {
			return true
		}
		if b.ToolResult != nil && hasImage(b.ToolResult.Content) {
			return true
		}
	}
	return false
}

// softTrimMessage shortens each tool result whose text exceeds MaxChars to
// head + separator + tail plus a trim note.
func softTrimMessage(msg *models.Message, limits SoftTrim) (*models.Message, bool) {
	changed := false
	clone := msg.Clone()
	for i := range clone.Content {
		res := clone.Content[i].ToolResult
		if res == nil {
			continue
		}
		text := models.TextContent(res.Content)
		if len(text) <= limits.MaxChars {
			continue
		}
		head := headBytes(text, limits.HeadChars)
		tail := tailBytes(text, limits.TailChars)
		trimmed := head + trimSeparator + tail +
			fmt.Sprintf(trimNoteFormat, len(text)-len(head)-len(tail))
		res.Content = []models.Block{models.NewTextBlock(trimmed)}
		changed = true
	}
	if !changed {
		return msg, false
	}
	return clone, true
}

// headBytes takes at most n leading bytes without splitting a UTF-8 rune.
func headBytes(text string, n int) string {
	if n >= len(text) {
		return text
	}
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}

// tailBytes takes at most n trailing bytes without splitting a UTF-8 rune.
func tailBytes(text string, n int) string {
	if n >= len(text) {
		return text
	}
	start := len(text) - n
	for start < len(text) && !utf8.RuneStart(text[start]) {
		start++
	}
	return text[start:]
}

// clearMessage replaces every tool result body with the cleared marker.
func clearMessage(msg *models.Message) (*models.Message, bool) {
	changed := false
	clone := msg.Clone()
	for i := range clone.Content {
		res := clone.Content[i].ToolResult
		if res == nil {
			continue
		}
		if models.TextContent(res.Content) == clearedMarker {
			continue
		}
		res.Content = []models.Block{models.NewTextBlock(clearedMarker)}
		changed = true
	}
	if !changed {
		return msg, false
	}
	return clone, true
}
