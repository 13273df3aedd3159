// Package memory implements the hybrid recall index over markdown memory
// files and JSONL session transcripts: incremental (mtime, size) syncing,
// vector plus lexical search with citations, and an optional filesystem
// watcher for auto-reindexing.
package memory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// Chunking defaults, in tokens at 4 chars each.
const (
	DefaultChunkSize    = 400
	DefaultChunkOverlap = 80
	charsPerToken       = 4
)

// ChunkMetadata carries the indexed file state plus transcript context.
type ChunkMetadata struct {
	MtimeISO   string `json:"mtimeIso"`
	Size       int64  `json:"size"`
	SessionKey string `json:"sessionKey,omitempty"`
	Label      string `json:"label,omitempty"`
	Role       string `json:"role,omitempty"`
}

// Chunk is one indexed span of a source file. Immutable per generation;
// the whole file's chunk set is replaced when (mtime, size) changes.
type Chunk struct {
	ID        string
	Path      string
	Content   string
	StartLine int
	EndLine   int
	Embedding []float32
	Metadata  ChunkMetadata
}

// Citation renders the chunk's source reference.
func (c Chunk) Citation() string {
	if c.EndLine > c.StartLine {
		return fmt.Sprintf("%s#L%d-L%d", c.Path, c.StartLine, c.EndLine)
	}
	return fmt.Sprintf("%s#L%d", c.Path, c.StartLine)
}

// ChunkMarkdown splits a markdown file into overlapping chunks. Lines fill
// a chunk until it reaches chunkSize tokens worth of characters; the tail
// of each emitted chunk seeds the next one for context overlap.
func ChunkMarkdown(relPath, content string, chunkSize, chunkOverlap int) []Chunk {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 {
		chunkOverlap = DefaultChunkOverlap
	}
	maxChars := chunkSize * charsPerToken
	overlapChars := chunkOverlap * charsPerToken

	lines := strings.Split(content, "\n")
	var chunks []Chunk
	var sb strings.Builder
	startLine := 1
	fresh := false // whether the buffer holds content beyond the overlap seed

	emit := func(endLine int) {
		text := sb.String()
		sb.Reset()
		fresh = false
		if strings.TrimSpace(text) == "" {
			startLine = endLine + 1
			return
		}
		chunks = append(chunks, Chunk{
			ID:        fmt.Sprintf("%s:%d", relPath, startLine),
			Path:      relPath,
			Content:   text,
			StartLine: startLine,
			EndLine:   endLine,
		})
		// Seed the next chunk with the emitted tail.
		if overlapChars > 0 {
			tail := text
			if len(tail) > overlapChars {
				tail = tail[len(tail)-overlapChars:]
			}
			sb.WriteString(tail)
		}
		startLine = endLine + 1
	}

	for i, line := range lines {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(line)
		if strings.TrimSpace(line) != "" {
			fresh = true
		}
		if sb.Len() >= maxChars {
			emit(i + 1)
		}
	}
	if fresh {
		text := sb.String()
		if strings.TrimSpace(text) != "" {
			chunks = append(chunks, Chunk{
				ID:        fmt.Sprintf("%s:%d", relPath, startLine),
				Path:      relPath,
				Content:   text,
				StartLine: startLine,
				EndLine:   len(lines),
			})
		}
	}
	return chunks
}

// transcriptHeader mirrors the first line of a session transcript.
type transcriptHeader struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// transcriptLine is the subset of a message line the index cares about.
type transcriptLine struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ChunkTranscript splits a JSONL session transcript: the first line is the
// session header, every later line becomes one chunk whose content carries
// a [role] prefix. Line numbers are 1-based.
func ChunkTranscript(relPath, content string) []Chunk {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 {
		return nil
	}

	var header transcriptHeader
	_ = json.Unmarshal([]byte(lines[0]), &header)

	var chunks []Chunk
	for i := 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var msg transcriptLine
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		text := transcriptText(msg.Content)
		if text == "" {
			continue
		}
		lineNo := i + 1
		chunks = append(chunks, Chunk{
			ID:        fmt.Sprintf("%s:%d", relPath, lineNo),
			Path:      relPath,
			Content:   "[" + msg.Role + "] " + text,
			StartLine: lineNo,
			EndLine:   lineNo,
			Metadata: ChunkMetadata{
				SessionKey: header.Key,
				Label:      header.Label,
				Role:       msg.Role,
			},
		})
	}
	return chunks
}

// transcriptText extracts the text of a message content field, which is
// either a plain string or a block list.
func transcriptText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return strings.TrimSpace(plain)
	}
	var blocks []models.Block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	return strings.TrimSpace(models.TextContent(blocks))
}
