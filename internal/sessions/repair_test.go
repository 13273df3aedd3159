package sessions

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/switchboard/pkg/models"
)

func userMsg(text string) *models.Message {
	return &models.Message{Role: models.RoleUser, Content: []models.Block{models.NewTextBlock(text)}}
}

func assistantMsg(blocks ...models.Block) *models.Message {
	return &models.Message{Role: models.RoleAssistant, Content: blocks}
}

func toolResultMsg(blocks ...models.Block) *models.Message {
	return &models.Message{Role: models.RoleToolResult, Content: blocks}
}

func toolCall(id, name string) models.Block {
	return models.NewToolCallBlock(id, name, json.RawMessage(`{}`))
}

func TestRepairPadsMissingResult(t *testing.T) {
	// Assistant calls t1 and t2, only t1 is answered before the next user turn.
	history := []*models.Message{
		userMsg("go"),
		assistantMsg(models.NewTextBlock("working"), toolCall("t1", "read_file"), toolCall("t2", "write_file")),
		toolResultMsg(models.NewToolResultBlock("t1", "contents", false)),
		userMsg("and then?"),
	}

	repaired := RepairToolResultPairing(history)
	if len(repaired) != 5 {
		t.Fatalf("got %d messages, want 5: %v", len(repaired), repaired)
	}
	synthetic := repaired[3]
	if synthetic.Role != models.RoleToolResult {
		t.Fatalf("message 3 role = %s, want toolResult", synthetic.Role)
	}
	results := synthetic.ToolResults()
	if len(results) != 1 || results[0].ToolCallID != "t2" {
		t.Fatalf("synthetic results = %+v", results)
	}
	if !results[0].IsError {
		t.Error("synthetic result must carry isError")
	}
	if got := models.TextContent(results[0].Content); got != lostResultText {
		t.Errorf("synthetic text = %q", got)
	}
	if repaired[4].Role != models.RoleUser {
		t.Errorf("user turn must follow the padding")
	}
}

func TestRepairPadsTrailingOpenCalls(t *testing.T) {
	history := []*models.Message{
		userMsg("go"),
		assistantMsg(toolCall("t1", "exec")),
	}
	repaired := RepairToolResultPairing(history)
	if len(repaired) != 3 {
		t.Fatalf("got %d messages, want 3", len(repaired))
	}
	results := repaired[2].ToolResults()
	if len(results) != 1 || results[0].ToolCallID != "t1" || !results[0].IsError {
		t.Errorf("trailing pad = %+v", results)
	}
}

func TestRepairDropsOrphanResults(t *testing.T) {
	history := []*models.Message{
		userMsg("go"),
		toolResultMsg(models.NewToolResultBlock("ghost", "no such call", false)),
		assistantMsg(models.NewTextBlock("hello")),
	}
	repaired := RepairToolResultPairing(history)
	if len(repaired) != 2 {
		t.Fatalf("orphan result survived: %v", repaired)
	}
	for _, msg := range repaired {
		if msg.Role == models.RoleToolResult {
			t.Error("orphan toolResult message kept")
		}
	}
}

func TestRepairKeepsWellFormedHistory(t *testing.T) {
	history := []*models.Message{
		userMsg("go"),
		assistantMsg(toolCall("t1", "read_file")),
		toolResultMsg(models.NewToolResultBlock("t1", "ok", false)),
		assistantMsg(models.NewTextBlock("done")),
	}
	repaired := RepairToolResultPairing(history)
	if len(repaired) != len(history) {
		t.Fatalf("well-formed history changed length: %d", len(repaired))
	}
	for i := range history {
		if repaired[i] != history[i] {
			t.Errorf("message %d was copied unnecessarily", i)
		}
	}
}

func TestMergeConsecutiveRoles(t *testing.T) {
	history := []*models.Message{
		userMsg("part one"),
		userMsg("part two"),
		assistantMsg(models.NewTextBlock("reply")),
		toolResultMsg(models.NewToolResultBlock("a", "r1", false)),
		toolResultMsg(models.NewToolResultBlock("b", "r2", false)),
	}
	merged := MergeConsecutiveRoles(history)
	if len(merged) != 4 {
		t.Fatalf("got %d messages, want 4", len(merged))
	}
	if got := merged[0].Text(); got != "part one\npart two" {
		t.Errorf("merged user text = %q", got)
	}
	// toolResult messages stay separate even when adjacent.
	if merged[2].Role != models.RoleToolResult || merged[3].Role != models.RoleToolResult {
		t.Errorf("toolResult messages were merged: %v", merged)
	}
}

// Compaction-interrupted tool call: the dangling call is padded with a
// synthetic error result and the transcript passes pairing validation.
func TestSanitizeRepairsCompactionGap(t *testing.T) {
	history := []*models.Message{
		userMsg("start"),
		assistantMsg(models.NewTextBlock("calling"), toolCall("t9", "exec")),
		// Result lost to compaction.
		userMsg("continue"),
		assistantMsg(models.NewTextBlock("sure")),
	}
	clean := Sanitize("main", history)

	open := map[string]bool{}
	for _, msg := range clean {
		switch msg.Role {
		case models.RoleAssistant:
			for id := range open {
				t.Fatalf("tool call %s still open at next assistant turn", id)
			}
			for _, call := range msg.ToolCalls() {
				open[call.ID] = true
			}
		case models.RoleToolResult:
			for _, res := range msg.ToolResults() {
				if !open[res.ToolCallID] {
					t.Fatalf("result %s has no open call", res.ToolCallID)
				}
				delete(open, res.ToolCallID)
			}
		default:
			if len(open) != 0 {
				t.Fatalf("open calls %v before %s turn", open, msg.Role)
			}
		}
	}
	if len(open) != 0 {
		t.Fatalf("trailing open calls: %v", open)
	}
}

func TestLimitHistoryTurns(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		turns int
		want  int
	}{
		{"cron sessions keep 10", "cron:daily:1", 10, 10},
		{"channel sessions keep 30", "whatsapp:+1555", 30, 30},
		{"main keeps 50", "main", 50, 50},
		{"agent keeps 50", "agent:researcher", 50, 50},
		{"subagent inherits root", "whatsapp:+1555:subagent:x", 30, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HistoryTurnLimit(tt.key); got != tt.turns {
				t.Fatalf("HistoryTurnLimit(%q) = %d, want %d", tt.key, got, tt.turns)
			}
		})
	}

	// 60 user turns trimmed to the last 12: cut starts at the 12th-last user message.
	var history []*models.Message
	for i := 0; i < 60; i++ {
		history = append(history, userMsg("q"), assistantMsg(models.NewTextBlock("a")))
	}
	trimmed := LimitHistoryTurns(history, 12)
	users := 0
	for _, msg := range trimmed {
		if msg.Role == models.RoleUser {
			users++
		}
	}
	if users != 12 {
		t.Errorf("trimmed history has %d user turns, want 12", users)
	}
	if trimmed[0].Role != models.RoleUser {
		t.Error("trimmed history must start at a user message")
	}

	// Short histories pass through untouched.
	short := []*models.Message{userMsg("only")}
	if got := LimitHistoryTurns(short, 50); len(got) != 1 {
		t.Errorf("short history trimmed: %v", got)
	}
}
