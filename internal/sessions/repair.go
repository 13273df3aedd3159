package sessions

import (
	"github.com/haasonsaas/switchboard/pkg/models"
)

// lostResultText is the synthetic body inserted for a tool call whose result
// never made it into history.
const lostResultText = "[result lost during session compaction]"

// Sanitize applies the hygiene passes in their required order: trim to the
// session's turn limit, repair tool-call pairing, then merge consecutive
// roles. Pure over an append-only history.
func Sanitize(sessionKey string, messages []*models.Message) []*models.Message {
	trimmed := LimitHistoryTurns(messages, HistoryTurnLimit(sessionKey))
	return MergeConsecutiveRoles(RepairToolResultPairing(trimmed))
}

// RepairToolResultPairing enforces the provider invariant that every
// assistant tool call is answered before the next non-toolResult message.
// Walking forward it tracks the open tool-call IDs of the most recent
// assistant turn: matching results close their ID, orphan results are
// dropped, and still-open IDs are padded with a synthetic error result
// before the next turn begins (or at end of history).
func RepairToolResultPairing(messages []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(messages))
	var openIDs []string

	flushOpen := func() {
		if len(openIDs) == 0 {
			return
		}
		out = append(out, syntheticResults(out, openIDs))
		openIDs = nil
	}

	for _, msg := range messages {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case models.RoleToolResult:
			kept := make([]models.Block, 0, len(msg.Content))
			for _, block := range msg.Content {
				if block.Type != models.BlockToolResult || block.ToolResult == nil {
					kept = append(kept, block)
					continue
				}
				id := block.ToolResult.ToolCallID
				if idx := indexOf(openIDs, id); idx >= 0 {
					openIDs = append(openIDs[:idx], openIDs[idx+1:]...)
					kept = append(kept, block)
				}
				// Orphan result: dropped.
			}
			if len(kept) == 0 {
				continue
			}
			if len(kept) == len(msg.Content) {
				out = append(out, msg)
			} else {
				clone := msg.Clone()
				clone.Content = kept
				out = append(out, clone)
			}

		case models.RoleAssistant:
			flushOpen()
			for _, call := range msg.ToolCalls() {
				openIDs = append(openIDs, call.ID)
			}
			out = append(out, msg)

		default:
			flushOpen()
			out = append(out, msg)
		}
	}
	flushOpen()
	return out
}

// syntheticResults builds one toolResult message padding every open ID.
func syntheticResults(history []*models.Message, ids []string) *models.Message {
	blocks := make([]models.Block, 0, len(ids))
	for _, id := range ids {
		blocks = append(blocks, models.NewToolResultBlock(id, lostResultText, true))
	}
	sessionKey := ""
	if len(history) > 0 {
		sessionKey = history[len(history)-1].SessionKey
	}
	return &models.Message{
		SessionKey: sessionKey,
		Role:       models.RoleToolResult,
		Content:    blocks,
	}
}

// MergeConsecutiveRoles folds adjacent messages sharing a role into the
// earlier one. toolResult messages stay separate; their blocks are keyed by
// tool-call ID.
func MergeConsecutiveRoles(messages []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		if len(out) > 0 {
			prev := out[len(out)-1]
			if prev.Role == msg.Role && msg.Role != models.RoleToolResult {
				merged := prev.Clone()
				merged.Content = append(merged.Content, models.CloneBlocks(msg.Content)...)
				out[len(out)-1] = merged
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}

func indexOf(ids []string, id string) int {
	for i, candidate := range ids {
		if candidate == id {
			return i
		}
	}
	return -1
}
