package sessions

import (
	"strings"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// Per-kind history limits, counted in user turns.
const (
	cronHistoryTurns    = 10
	channelHistoryTurns = 30
	defaultHistoryTurns = 50
)

// HistoryTurnLimit returns how many user turns of history a session keeps.
// Subagent sessions inherit the limit of their root session.
func HistoryTurnLimit(sessionKey string) int {
	key := models.RootSessionKey(sessionKey)
	prefix, _, ok := strings.Cut(key, ":")
	if !ok {
		return defaultHistoryTurns
	}
	switch prefix {
	case "cron":
		return cronHistoryTurns
	case "main", "agent":
		return defaultHistoryTurns
	default:
		// whatsapp:, telegram:, and any other channel prefix.
		return channelHistoryTurns
	}
}

// LimitHistoryTurns trims the history to the last n user turns: everything
// from the n-th-last user message onward. Histories with fewer user turns
// pass through unchanged.
func LimitHistoryTurns(messages []*models.Message, n int) []*models.Message {
	if n <= 0 {
		return messages
	}
	seen := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			seen++
			if seen == n {
				if i == 0 {
					return messages
				}
				return messages[i:]
			}
		}
	}
	return messages
}
