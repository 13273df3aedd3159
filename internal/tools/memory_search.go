package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/switchboard/internal/memory"
)

const memorySnippetLen = 200

// NewMemorySearchTool builds the memory_search tool over the hybrid index.
// Results carry citations so the model can point at the source lines.
func NewMemorySearchTool(ix *memory.Index) Tool {
	return Tool{
		Name:        "memory_search",
		Description: "Search memory files and session transcripts for relevant notes.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "Search query"},
    "max_results": {"type": "integer", "description": "Max results to return", "minimum": 1}
  },
  "required": ["query"]
}`),
		Execute: func(ctx context.Context, tc Context, args json.RawMessage) (*Result, error) {
			var input struct {
				Query      string `json:"query"`
				MaxResults int    `json:"max_results"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return ErrorResult(fmt.Sprintf("invalid params: %v", err)), nil
			}
			query := strings.TrimSpace(input.Query)
			if query == "" {
				return ErrorResult("query is required"), nil
			}

			// Pick up files changed since the last sync; throttled internally.
			if err := ix.Sync(ctx, false); err != nil {
				return ErrorResult(fmt.Sprintf("memory sync: %v", err)), nil
			}

			hits, err := ix.Search(ctx, query)
			if err != nil {
				return ErrorResult(fmt.Sprintf("memory search: %v", err)), nil
			}
			if input.MaxResults > 0 && len(hits) > input.MaxResults {
				hits = hits[:input.MaxResults]
			}

			type entry struct {
				Citation string  `json:"citation"`
				Snippet  string  `json:"snippet"`
				Score    float64 `json:"score"`
			}
			out := make([]entry, 0, len(hits))
			for _, hit := range hits {
				out = append(out, entry{
					Citation: hit.Citation,
					Snippet:  clampSnippet(hit.Chunk.Content, memorySnippetLen),
					Score:    hit.Score,
				})
			}

			payload, err := json.MarshalIndent(map[string]any{
				"query":   query,
				"results": out,
			}, "", "  ")
			if err != nil {
				return ErrorResult(fmt.Sprintf("encode results: %v", err)), nil
			}
			return TextResult(string(payload)), nil
		},
	}
}

func clampSnippet(text string, max int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if max <= 0 || len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}
