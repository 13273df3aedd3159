package sessions

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// sessionHeader is the first line of every transcript file.
type sessionHeader struct {
	Type      string         `json:"type"`
	Key       string         `json:"key"`
	Kind      string         `json:"kind"`
	Label     string         `json:"label,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// JSONLStore persists each session as one append-only JSONL transcript under
// a root directory: the first line is a session header, every following line
// is one message. The on-disk format is the same one the memory index reads,
// so transcripts become searchable without an export step.
type JSONLStore struct {
	root string
	mu   sync.Mutex
	now  func() time.Time
}

// JSONLOption configures a JSONLStore.
type JSONLOption func(*JSONLStore)

// WithJSONLNow overrides the clock for deterministic tests.
func WithJSONLNow(now func() time.Time) JSONLOption {
	return func(s *JSONLStore) { s.now = now }
}

// NewJSONLStore creates a file-backed store rooted at dir.
func NewJSONLStore(dir string, opts ...JSONLOption) (*JSONLStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	s := &JSONLStore{root: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the transcript directory.
func (s *JSONLStore) Root() string { return s.root }

// pathForKey maps a session key to its transcript file. Colons are the key
// separator and are not portable in filenames.
func (s *JSONLStore) pathForKey(key string) string {
	name := strings.ReplaceAll(key, ":", "__") + ".jsonl"
	return filepath.Join(s.root, name)
}

func keyForPath(name string) string {
	return strings.ReplaceAll(strings.TrimSuffix(name, ".jsonl"), "__", ":")
}

func (s *JSONLStore) List(ctx context.Context, filter ListFilter) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var out []*models.Session
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		key := keyForPath(entry.Name())
		if filter.Prefix != "" && !strings.HasPrefix(key, filter.Prefix) {
			continue
		}
		session, err := s.readHeader(filepath.Join(s.root, entry.Name()))
		if err != nil {
			continue
		}
		if filter.Kind != "" && session.Kind != filter.Kind {
			continue
		}
		if info, err := entry.Info(); err == nil {
			session.UpdatedAt = info.ModTime()
		}
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *JSONLStore) Get(ctx context.Context, key string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

func (s *JSONLStore) getLocked(key string) (*models.Session, error) {
	path := s.pathForKey(key)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	session, err := s.readHeader(path)
	if err != nil {
		return nil, err
	}
	session.UpdatedAt = info.ModTime()
	return session, nil
}

func (s *JSONLStore) readHeader(path string) (*models.Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxTranscriptLine)
	if !scanner.Scan() {
		return nil, fmt.Errorf("transcript %s has no header", filepath.Base(path))
	}
	var header sessionHeader
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		return nil, fmt.Errorf("parse transcript header: %w", err)
	}
	return &models.Session{
		Key:       header.Key,
		Kind:      models.SessionKind(header.Kind),
		Label:     header.Label,
		Metadata:  header.Metadata,
		CreatedAt: header.CreatedAt,
		UpdatedAt: header.CreatedAt,
	}, nil
}

// maxTranscriptLine caps a single transcript line at 10MB. Image blocks are
// base64 and can run large.
const maxTranscriptLine = 10 << 20

func (s *JSONLStore) Create(ctx context.Context, key string, kind models.SessionKind, label string, metadata map[string]any) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.getLocked(key); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.now()
	header := sessionHeader{
		Type:      "session",
		Key:       key,
		Kind:      string(kind),
		Label:     label,
		Metadata:  metadata,
		CreatedAt: now,
	}
	line, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(s.pathForKey(key), append(line, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("write transcript: %w", err)
	}
	return &models.Session{
		Key:       key,
		Kind:      kind,
		Label:     label,
		Metadata:  deepCloneMap(metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *JSONLStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathForKey(key)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *JSONLStore) AddMessage(ctx context.Context, key string, role models.Role, content []models.Block, metadata map[string]any) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathForKey(key)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	msg := &models.Message{
		ID:         uuid.NewString(),
		SessionKey: key,
		Role:       role,
		Content:    models.CloneBlocks(content),
		Metadata:   deepCloneMap(metadata),
		Timestamp:  s.now(),
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("append transcript: %w", err)
	}
	return msg.Clone(), nil
}

func (s *JSONLStore) GetMessages(ctx context.Context, key string, q MessageQuery) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.pathForKey(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxTranscriptLine)
	var messages []*models.Message
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if first {
			first = false
			continue
		}
		if len(line) == 0 {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// Torn trailing write: skip the line, keep the transcript usable.
			continue
		}
		if !q.Before.IsZero() && !msg.Timestamp.Before(q.Before) {
			continue
		}
		messages = append(messages, &msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	if q.Limit > 0 && len(messages) > q.Limit {
		messages = messages[len(messages)-q.Limit:]
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	return messages, nil
}
