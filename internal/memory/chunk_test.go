package memory

import (
	"strings"
	"testing"
)

func TestChunkMarkdownSmallFileSingleChunk(t *testing.T) {
	content := "# Notes\n\nRemember the deploy runbook.\n"
	chunks := ChunkMarkdown("notes.md", content, 400, 80)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	c := chunks[0]
	if c.ID != "notes.md:1" || c.StartLine != 1 {
		t.Errorf("chunk = %+v", c)
	}
	if !strings.Contains(c.Content, "deploy runbook") {
		t.Errorf("content lost: %q", c.Content)
	}
}

func TestChunkMarkdownSplitsWithOverlap(t *testing.T) {
	// 100 lines of 60 chars: ~6000 chars against a 1600-char chunk target.
	line := strings.Repeat("x", 59)
	content := strings.Repeat(line+"\n", 100)
	chunks := ChunkMarkdown("big.md", content, 400, 80)

	if len(chunks) < 3 {
		t.Fatalf("got %d chunks, want several", len(chunks))
	}
	for i, c := range chunks {
		if c.StartLine < 1 || c.EndLine < c.StartLine {
			t.Errorf("chunk %d has bad line range %d-%d", i, c.StartLine, c.EndLine)
		}
		if i > 0 {
			// Each chunk after the first starts with the previous tail.
			tail := chunks[i-1].Content
			if len(tail) > 320 {
				tail = tail[len(tail)-320:]
			}
			if !strings.HasPrefix(c.Content, tail) {
				t.Errorf("chunk %d missing overlap seed", i)
			}
		}
	}
}

func TestChunkMarkdownSkipsBlankContent(t *testing.T) {
	if got := ChunkMarkdown("empty.md", "\n\n\n", 400, 80); len(got) != 0 {
		t.Errorf("blank file produced %d chunks", len(got))
	}
}

func TestChunkTranscript(t *testing.T) {
	content := strings.Join([]string{
		`{"type":"session","key":"main","kind":"main","label":"Main"}`,
		`{"role":"user","content":[{"type":"text","text":"hello there"}]}`,
		`{"role":"assistant","content":[{"type":"text","text":"hi!"},{"type":"thinking","text":"hmm"}]}`,
		``,
		`{"role":"toolResult","content":[]}`,
	}, "\n")

	chunks := ChunkTranscript("transcripts/main.jsonl", content)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2: %+v", len(chunks), chunks)
	}

	first := chunks[0]
	if first.Content != "[user] hello there" {
		t.Errorf("first chunk content = %q", first.Content)
	}
	if first.StartLine != 2 || first.EndLine != 2 {
		t.Errorf("first chunk lines = %d-%d, want 2-2", first.StartLine, first.EndLine)
	}
	if first.Metadata.SessionKey != "main" || first.Metadata.Label != "Main" || first.Metadata.Role != "user" {
		t.Errorf("metadata = %+v", first.Metadata)
	}

	// Thinking text never reaches the index.
	if strings.Contains(chunks[1].Content, "hmm") {
		t.Errorf("thinking leaked into chunk: %q", chunks[1].Content)
	}
}

func TestCitation(t *testing.T) {
	single := Chunk{Path: "a.md", StartLine: 5, EndLine: 5}
	if got := single.Citation(); got != "a.md#L5" {
		t.Errorf("single-line citation = %q", got)
	}
	span := Chunk{Path: "b.md", StartLine: 3, EndLine: 9}
	if got := span.Citation(); got != "b.md#L3-L9" {
		t.Errorf("span citation = %q", got)
	}
}
