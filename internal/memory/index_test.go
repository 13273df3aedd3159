package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return full
}

func TestSyncIndexesMarkdownAndTranscripts(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "notes.md", "# Deploys\nThe staging deploy requires the blue token.\n")
	writeFile(t, root, "transcripts/main.jsonl",
		`{"type":"session","key":"main","kind":"main"}`+"\n"+
			`{"role":"user","content":[{"type":"text","text":"remind me about the blue token"}]}`+"\n")

	ix := NewIndex(Config{Root: root}, nil)
	if err := ix.Sync(context.Background(), true); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if ix.ChunkCount() != 2 {
		t.Fatalf("chunk count = %d, want 2", ix.ChunkCount())
	}
}

func TestSyncSkipsUnchangedFiles(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "a.md", "alpha content here\n")

	ix := NewIndex(Config{Root: root}, nil)
	if err := ix.Sync(context.Background(), true); err != nil {
		t.Fatalf("sync: %v", err)
	}
	before := ix.files[filepath.ToSlash("a.md")]

	if err := ix.Sync(context.Background(), true); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	after := ix.files["a.md"]
	if before != after {
		t.Error("unchanged file was reindexed")
	}

	// A content change with a new mtime triggers reindexing.
	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(path, []byte("alpha content here, now longer\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ix.Sync(context.Background(), true); err != nil {
		t.Fatalf("third sync: %v", err)
	}
	if ix.files["a.md"] == before {
		t.Error("changed file was not reindexed")
	}
}

func TestSyncThrottle(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.md", "first version\n")

	current := time.Now()
	ix := NewIndex(Config{Root: root}, nil, WithNow(func() time.Time { return current }))
	if err := ix.Sync(context.Background(), false); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// New file appears, but the unforced sync inside the window is a no-op.
	writeFile(t, root, "b.md", "second file\n")
	current = current.Add(2 * time.Second)
	if err := ix.Sync(context.Background(), false); err != nil {
		t.Fatalf("throttled sync: %v", err)
	}
	if ix.ChunkCount() != 1 {
		t.Errorf("throttled sync indexed anyway: %d chunks", ix.ChunkCount())
	}

	// Force overrides the throttle.
	if err := ix.Sync(context.Background(), true); err != nil {
		t.Fatalf("forced sync: %v", err)
	}
	if ix.ChunkCount() != 2 {
		t.Errorf("forced sync missed the new file: %d chunks", ix.ChunkCount())
	}

	// Past the window, unforced syncs run again.
	writeFile(t, root, "c.md", "third file\n")
	current = current.Add(6 * time.Second)
	if err := ix.Sync(context.Background(), false); err != nil {
		t.Fatalf("post-window sync: %v", err)
	}
	if ix.ChunkCount() != 3 {
		t.Errorf("post-window sync missed the new file: %d chunks", ix.ChunkCount())
	}
}

func TestSyncFileRemovesDeleted(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "a.md", "doomed content\n")

	ix := NewIndex(Config{Root: root}, nil)
	if err := ix.Sync(context.Background(), true); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if ix.ChunkCount() != 1 {
		t.Fatalf("chunk count = %d", ix.ChunkCount())
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := ix.SyncFile(context.Background(), path); err != nil {
		t.Fatalf("sync deleted file: %v", err)
	}
	if ix.ChunkCount() != 0 {
		t.Errorf("deleted file still indexed: %d chunks", ix.ChunkCount())
	}
}

func TestSearchRanksAndCites(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "deploys.md", "The staging deploy needs the blue token and a db migration.\n")
	writeFile(t, root, "recipes.md", "Pancakes: flour, milk, eggs, butter.\n")

	ix := NewIndex(Config{Root: root}, nil)
	if err := ix.Sync(context.Background(), true); err != nil {
		t.Fatalf("sync: %v", err)
	}

	results, err := ix.Search(context.Background(), "staging deploy blue token")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	top := results[0]
	if top.Chunk.Path != "deploys.md" {
		t.Errorf("top result = %s", top.Chunk.Path)
	}
	if top.Citation != "deploys.md#L1" && top.Citation != "deploys.md#L1-L2" {
		t.Errorf("citation = %q", top.Citation)
	}
	for _, r := range results {
		if r.Score < DefaultMinScore {
			t.Errorf("result below min score: %v", r.Score)
		}
		if r.Chunk.Path == "recipes.md" && r.Score >= top.Score {
			t.Error("unrelated file outranked the relevant one")
		}
	}
}

func TestSearchMaxResults(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 10; i++ {
		writeFile(t, root, filepath.Join("n", string(rune('a'+i))+".md"),
			"release checklist item for the deploy pipeline\n")
	}
	ix := NewIndex(Config{Root: root}, nil)
	if err := ix.Sync(context.Background(), true); err != nil {
		t.Fatalf("sync: %v", err)
	}
	results, err := ix.Search(context.Background(), "release checklist deploy pipeline")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) > DefaultMaxResults {
		t.Errorf("got %d results, cap is %d", len(results), DefaultMaxResults)
	}
}
