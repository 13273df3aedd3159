package memory

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/switchboard/internal/memory/embeddings"
)

// Search defaults.
const (
	DefaultVectorWeight = 0.7
	DefaultTextWeight   = 0.3
	DefaultMinScore     = 0.3
	DefaultMaxResults   = 6

	// syncThrottle suppresses unforced syncs within this window.
	syncThrottle = 5 * time.Second
)

// Config tunes the index.
type Config struct {
	// Root is the memory directory holding *.md files and *.jsonl
	// transcripts (possibly nested).
	Root         string
	ChunkSize    int
	ChunkOverlap int
	VectorWeight float64
	TextWeight   float64
	MinScore     float64
	MaxResults   int
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkOverlap <= 0 {
		c.ChunkOverlap = DefaultChunkOverlap
	}
	if c.VectorWeight == 0 {
		c.VectorWeight = DefaultVectorWeight
	}
	if c.TextWeight == 0 {
		c.TextWeight = DefaultTextWeight
	}
	if c.MinScore == 0 {
		c.MinScore = DefaultMinScore
	}
	if c.MaxResults <= 0 {
		c.MaxResults = DefaultMaxResults
	}
	return c
}

// fileRecord is the indexed generation marker for one source file.
type fileRecord struct {
	mtime time.Time
	size  int64
}

// Result is one search hit.
type Result struct {
	Chunk    Chunk
	Score    float64
	Citation string
}

// Index owns the chunk maps and the vector store. The source files stay the
// authoritative record; the index is rebuilt from them at any time.
type Index struct {
	cfg      Config
	provider embeddings.Provider
	logger   *slog.Logger

	mu       sync.RWMutex
	chunks   map[string][]Chunk // by relative path
	files    map[string]fileRecord
	lastSync time.Time

	now func() time.Time
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ix *Index) { ix.logger = logger.With("component", "memory") }
}

// WithNow overrides the clock for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(ix *Index) { ix.now = now }
}

// NewIndex creates an index over cfg.Root using the given embedding
// provider. A nil provider falls back to the local trigram hash.
func NewIndex(cfg Config, provider embeddings.Provider, opts ...Option) *Index {
	if provider == nil {
		provider = embeddings.NewFallback()
	}
	ix := &Index{
		cfg:      cfg.withDefaults(),
		provider: provider,
		logger:   slog.Default().With("component", "memory"),
		chunks:   map[string][]Chunk{},
		files:    map[string]fileRecord{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Sync walks the memory root and reindexes every changed file. Unforced
// syncs within the throttle window are no-ops.
func (ix *Index) Sync(ctx context.Context, force bool) error {
	ix.mu.Lock()
	if !force && !ix.lastSync.IsZero() && ix.now().Sub(ix.lastSync) < syncThrottle {
		ix.mu.Unlock()
		return nil
	}
	ix.mu.Unlock()

	seen := map[string]bool{}
	err := filepath.WalkDir(ix.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !indexable(path) {
			return nil
		}
		rel, err := filepath.Rel(ix.cfg.Root, path)
		if err != nil {
			return err
		}
		seen[filepath.ToSlash(rel)] = true
		return ix.syncOne(ctx, rel)
	})
	if err != nil {
		return err
	}

	// Drop chunks of deleted files.
	ix.mu.Lock()
	for rel := range ix.files {
		if !seen[rel] {
			delete(ix.files, rel)
			delete(ix.chunks, rel)
		}
	}
	ix.lastSync = ix.now()
	ix.mu.Unlock()
	return nil
}

// SyncFile reindexes a single file by absolute or root-relative path,
// removing its chunks when the file is gone. Used by the watcher.
func (ix *Index) SyncFile(ctx context.Context, path string) error {
	rel := path
	if filepath.IsAbs(path) {
		var err error
		rel, err = filepath.Rel(ix.cfg.Root, path)
		if err != nil {
			return err
		}
	}
	if !indexable(rel) {
		return nil
	}
	if _, err := os.Stat(filepath.Join(ix.cfg.Root, rel)); os.IsNotExist(err) {
		ix.mu.Lock()
		delete(ix.files, filepath.ToSlash(rel))
		delete(ix.chunks, filepath.ToSlash(rel))
		ix.mu.Unlock()
		return nil
	}
	return ix.syncOne(ctx, rel)
}

func indexable(path string) bool {
	switch filepath.Ext(path) {
	case ".md", ".jsonl":
		return true
	}
	return false
}

// syncOne reindexes one file when its (mtime, size) generation changed.
func (ix *Index) syncOne(ctx context.Context, rel string) error {
	full := filepath.Join(ix.cfg.Root, rel)
	rel = filepath.ToSlash(rel)
	info, err := os.Stat(full)
	if err != nil {
		return err
	}

	ix.mu.RLock()
	record, known := ix.files[rel]
	ix.mu.RUnlock()
	if known && record.mtime.Equal(info.ModTime()) && record.size == info.Size() {
		return nil
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return err
	}
	var chunks []Chunk
	if strings.HasSuffix(rel, ".jsonl") {
		chunks = ChunkTranscript(rel, string(data))
	} else {
		chunks = ChunkMarkdown(rel, string(data), ix.cfg.ChunkSize, ix.cfg.ChunkOverlap)
	}

	mtimeISO := info.ModTime().UTC().Format(time.RFC3339)
	for i := range chunks {
		chunks[i].Metadata.MtimeISO = mtimeISO
		chunks[i].Metadata.Size = info.Size()
	}

	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, chunk := range chunks {
			texts[i] = chunk.Content
		}
		vectors, err := ix.provider.EmbedBatch(ctx, texts)
		if err != nil {
			// Degrade to the local hash so search keeps working.
			ix.logger.Warn("embedding failed, using fallback vectors", "path", rel, "error", err)
			for i := range chunks {
				chunks[i].Embedding = embeddings.HashEmbedding(chunks[i].Content)
			}
		} else {
			for i := range chunks {
				chunks[i].Embedding = vectors[i]
			}
		}
	}

	ix.mu.Lock()
	ix.chunks[rel] = chunks
	ix.files[rel] = fileRecord{mtime: info.ModTime(), size: info.Size()}
	ix.mu.Unlock()
	ix.logger.Debug("indexed file", "path", rel, "chunks", len(chunks))
	return nil
}

// ChunkCount reports the number of indexed chunks.
func (ix *Index) ChunkCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	total := 0
	for _, list := range ix.chunks {
		total += len(list)
	}
	return total
}

// Search runs the hybrid query: cosine similarity on embeddings weighted
// against lexical term overlap, filtered by the minimum score.
func (ix *Index) Search(ctx context.Context, query string) ([]Result, error) {
	queryVec, err := ix.provider.Embed(ctx, query)
	if err != nil {
		queryVec = embeddings.HashEmbedding(query)
	}
	terms := queryTerms(query)

	ix.mu.RLock()
	var results []Result
	for _, list := range ix.chunks {
		for _, chunk := range list {
			score := ix.cfg.VectorWeight*embeddings.Cosine(queryVec, chunk.Embedding) +
				ix.cfg.TextWeight*lexicalScore(terms, chunk.Content)
			if score < ix.cfg.MinScore {
				continue
			}
			results = append(results, Result{Chunk: chunk, Score: score, Citation: chunk.Citation()})
		}
	}
	ix.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > ix.cfg.MaxResults {
		results = results[:ix.cfg.MaxResults]
	}
	return results, nil
}

// queryTerms lowercases and keeps tokens longer than two characters.
func queryTerms(query string) []string {
	var terms []string
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]{}")
		if len(tok) > 2 {
			terms = append(terms, tok)
		}
	}
	return terms
}

// lexicalScore is the fraction of query terms present in the content.
func lexicalScore(terms []string, content string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lowered := strings.ToLower(content)
	hits := 0
	for _, term := range terms {
		if strings.Contains(lowered, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
