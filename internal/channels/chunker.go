package channels

import (
	"strings"
	"unicode"
)

// Chunker splits outbound text into pieces that fit a channel's size limit.
// It breaks at natural boundaries, in order: paragraph break, newline,
// sentence ending, word boundary, hard cut. A fenced code block that would
// be split is closed at the cut and reopened in the next chunk.
type Chunker struct {
	Limit int
}

// NewChunker builds a chunker for the given limit. Non-positive limits fall
// back to the default.
func NewChunker(limit int) *Chunker {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	return &Chunker{Limit: limit}
}

// Split chunks text. Empty input yields no chunks.
func (c *Chunker) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if len(text) <= c.Limit {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > c.Limit {
		fences := fenceSpans(remaining)
		cut := c.breakPoint(remaining, fences)
		if cut <= 0 {
			cut = c.Limit
		}

		chunk := remaining[:cut]
		if open := openFenceAt(fences, cut); open != nil {
			chunk = strings.TrimRightFunc(chunk, unicode.IsSpace) + "\n" + open.marker
			remaining = open.openLine + "\n" + strings.TrimLeftFunc(remaining[cut:], unicode.IsSpace)
		} else {
			remaining = strings.TrimLeftFunc(remaining[cut:], unicode.IsSpace)
		}

		if chunk = strings.TrimSpace(chunk); chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	if remaining = strings.TrimSpace(remaining); remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// breakPoint picks the best cut position within the limit window.
func (c *Chunker) breakPoint(text string, fences []fenceSpan) int {
	window := text[:c.Limit]

	// Inside a code block the only acceptable cut is a newline within it.
	if open := openFenceAt(fences, c.Limit); open != nil {
		body := open.start + len(open.openLine) + 1
		if body < len(window) {
			if idx := strings.LastIndex(window[body:], "\n"); idx > 0 {
				return body + idx + 1
			}
		}
		return c.Limit
	}

	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx + 1
	}
	if idx := strings.LastIndex(window, "\n"); idx > 0 {
		return idx + 1
	}
	for _, ending := range []string{". ", "! ", "? "} {
		if idx := strings.LastIndex(window, ending); idx > 0 {
			return idx + 1
		}
	}
	if idx := strings.LastIndexFunc(window, unicode.IsSpace); idx > 0 {
		return idx
	}
	return c.Limit
}

// fenceSpan is one fenced code block within a text.
type fenceSpan struct {
	start    int
	end      int // len(text) when unclosed
	marker   string
	openLine string
}

// fenceSpans scans for ``` and ~~~ blocks line by line.
func fenceSpans(text string) []fenceSpan {
	var spans []fenceSpan
	var current *fenceSpan

	pos := 0
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case current == nil && (strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")):
			current = &fenceSpan{start: pos, end: len(text), marker: trimmed[:3], openLine: line}
		case current != nil && strings.HasPrefix(trimmed, current.marker):
			current.end = pos + len(line)
			spans = append(spans, *current)
			current = nil
		}
		pos += len(line) + 1
	}
	if current != nil {
		spans = append(spans, *current)
	}
	return spans
}

// openFenceAt returns the fence that is still open at the cut position.
func openFenceAt(spans []fenceSpan, cut int) *fenceSpan {
	for i := range spans {
		if spans[i].start < cut && spans[i].end >= cut {
			return &spans[i]
		}
	}
	return nil
}
