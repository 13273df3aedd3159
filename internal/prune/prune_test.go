package prune

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/haasonsaas/switchboard/pkg/models"
)

func textMsg(role models.Role, text string) *models.Message {
	return &models.Message{Role: role, Content: []models.Block{models.NewTextBlock(text)}}
}

func callMsg(id, name string) *models.Message {
	return &models.Message{Role: models.RoleAssistant, Content: []models.Block{
		models.NewToolCallBlock(id, name, json.RawMessage(`{}`)),
	}}
}

func resultMsg(id, text string) *models.Message {
	return &models.Message{Role: models.RoleToolResult, Content: []models.Block{
		models.NewToolResultBlock(id, text, false),
	}}
}

func TestEstimateChars(t *testing.T) {
	messages := []*models.Message{
		textMsg(models.RoleUser, strings.Repeat("a", 100)),
		{Role: models.RoleAssistant, Content: []models.Block{
			models.NewImageBlock("ZGF0YQ==", "image/png"),
		}},
	}
	if got := EstimateChars(messages); got != 100+8000 {
		t.Errorf("EstimateChars = %d, want 8100", got)
	}
}

func TestPruneNoopUnderBudget(t *testing.T) {
	messages := []*models.Message{
		textMsg(models.RoleUser, "short"),
		textMsg(models.RoleAssistant, "reply"),
	}
	out, report := Prune(messages, DefaultConfig(200000))
	if report.Changed() {
		t.Errorf("report = %+v, want unchanged", report)
	}
	// Under budget the original slice comes back untouched.
	for i := range messages {
		if out[i] != messages[i] {
			t.Errorf("message %d was copied", i)
		}
	}
}

// Scenario: one giant tool result over budget. Soft-trim keeps head and
// tail; recent assistant turns are untouched.
func TestPruneSoftTrimsOldResults(t *testing.T) {
	big := strings.Repeat("x", 10000)
	messages := []*models.Message{
		textMsg(models.RoleUser, "go"),
		callMsg("t1", "read_file"),
		resultMsg("t1", big),
		textMsg(models.RoleAssistant, "a1"),
		textMsg(models.RoleAssistant, "a2"),
		textMsg(models.RoleAssistant, "a3"),
		textMsg(models.RoleAssistant, "a4"),
	}
	// Window small enough that the big result blows the soft ratio but
	// trimming alone recovers it.
	cfg := DefaultConfig(8000)
	out, report := Prune(messages, cfg)

	if report.SoftTrimmed != 1 {
		t.Fatalf("report = %+v, want one soft trim", report)
	}
	trimmed := models.TextContent(out[2].ToolResults()[0].Content)
	if !strings.Contains(trimmed, "\n...\n") {
		t.Errorf("trimmed text missing separator: %q", trimmed[:80])
	}
	if !strings.HasPrefix(trimmed, strings.Repeat("x", 1500)) {
		t.Error("head not preserved")
	}
	if !strings.Contains(trimmed, "context pruning") {
		t.Error("trim note missing")
	}
	// Original list untouched.
	if got := models.TextContent(messages[2].ToolResults()[0].Content); got != big {
		t.Error("input mutated")
	}
}

// Multibyte text whose rune boundaries do not land on the head and tail byte
// offsets must still trim to valid UTF-8.
func TestPruneSoftTrimKeepsRunesIntact(t *testing.T) {
	// The leading and trailing ASCII bytes shift the default 1500-byte head
	// and tail cut points into the middle of a multibyte rune.
	big := "a" + strings.Repeat("é", 5000) + strings.Repeat("世", 5000) + "a"
	messages := []*models.Message{
		textMsg(models.RoleUser, "go"),
		callMsg("t1", "read_file"),
		resultMsg("t1", big),
		textMsg(models.RoleAssistant, "a1"),
		textMsg(models.RoleAssistant, "a2"),
		textMsg(models.RoleAssistant, "a3"),
		textMsg(models.RoleAssistant, "a4"),
	}
	cfg := DefaultConfig(8000)
	out, report := Prune(messages, cfg)

	if report.SoftTrimmed != 1 {
		t.Fatalf("report = %+v, want one soft trim", report)
	}
	trimmed := models.TextContent(out[2].ToolResults()[0].Content)
	if !utf8.ValidString(trimmed) {
		t.Fatalf("trimmed text is not valid UTF-8: %q", trimmed[:40])
	}
	if !strings.Contains(trimmed, "é") || !strings.Contains(trimmed, "世") {
		t.Error("head or tail content lost")
	}
}

func TestPruneHardClearsWhenTrimInsufficient(t *testing.T) {
	big := strings.Repeat("y", 20000)
	messages := []*models.Message{
		textMsg(models.RoleUser, "go"),
		callMsg("t1", "read_file"),
		resultMsg("t1", big),
		callMsg("t2", "read_file"),
		resultMsg("t2", big),
		textMsg(models.RoleAssistant, "a1"),
		textMsg(models.RoleAssistant, "a2"),
		textMsg(models.RoleAssistant, "a3"),
	}
	// Tiny window: even after soft-trim (two results at ~3k chars each) the
	// ratio stays above hardClearRatio, forcing phase 2.
	cfg := DefaultConfig(1000)
	out, report := Prune(messages, cfg)

	if report.HardCleared == 0 {
		t.Fatalf("report = %+v, want hard clears", report)
	}
	cleared := models.TextContent(out[2].ToolResults()[0].Content)
	if cleared != "[Tool result cleared — context pruning]" {
		t.Errorf("cleared text = %q", cleared)
	}
}

func TestPruneProtectsRecentAssistantsAndImages(t *testing.T) {
	big := strings.Repeat("z", 10000)
	imageResult := &models.Message{Role: models.RoleToolResult, Content: []models.Block{
		{Type: models.BlockToolResult, ToolResult: &models.ToolResultBlock{
			ToolCallID: "t2",
			Content:    []models.Block{models.NewImageBlock("ZGF0YQ==", "image/png")},
		}},
	}}
	messages := []*models.Message{
		textMsg(models.RoleUser, "go"),
		callMsg("t1", "read_file"),
		resultMsg("t1", big),
		callMsg("t2", "screenshot"),
		imageResult,
		textMsg(models.RoleAssistant, "a1"),
		textMsg(models.RoleAssistant, "a2"),
		// Recent result inside the protected window.
		callMsg("t3", "read_file"),
		resultMsg("t3", big),
	}
	cfg := DefaultConfig(1000)
	out, _ := Prune(messages, cfg)

	// Image results are never pruned.
	if !models.HasImage(out[4].Content) {
		t.Error("image result was pruned")
	}
	// The result after the cutoff keeps its full text.
	if got := models.TextContent(out[8].ToolResults()[0].Content); got != big {
		t.Error("protected recent result was pruned")
	}
}

func TestPruneRespectsDenyList(t *testing.T) {
	big := strings.Repeat("w", 10000)
	messages := []*models.Message{
		textMsg(models.RoleUser, "go"),
		callMsg("t1", "precious_tool"),
		resultMsg("t1", big),
		textMsg(models.RoleAssistant, "a1"),
		textMsg(models.RoleAssistant, "a2"),
		textMsg(models.RoleAssistant, "a3"),
	}
	cfg := DefaultConfig(1000)
	cfg.DenyTools = []string{"precious_tool"}
	out, report := Prune(messages, cfg)

	if report.Changed() {
		t.Fatalf("denied tool was pruned: %+v", report)
	}
	if got := models.TextContent(out[2].ToolResults()[0].Content); got != big {
		t.Error("denied tool result modified")
	}
}

func TestPruneNeverTouchesBootstrapPrefix(t *testing.T) {
	big := strings.Repeat("b", 10000)
	messages := []*models.Message{
		// Bootstrap reads before the first user message.
		callMsg("t0", "read_file"),
		resultMsg("t0", big),
		textMsg(models.RoleUser, "go"),
		callMsg("t1", "read_file"),
		resultMsg("t1", big),
		textMsg(models.RoleAssistant, "a1"),
		textMsg(models.RoleAssistant, "a2"),
		textMsg(models.RoleAssistant, "a3"),
	}
	cfg := DefaultConfig(1000)
	out, _ := Prune(messages, cfg)

	if got := models.TextContent(out[1].ToolResults()[0].Content); got != big {
		t.Error("bootstrap tool result was pruned")
	}
}
