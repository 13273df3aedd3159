package sessions

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// maxMessagesPerSession bounds stored history per session. When exceeded,
// the oldest messages are trimmed.
const maxMessagesPerSession = 1000

// MemoryStore is an in-memory Store for testing and local runs. All reads
// and writes cross a clone boundary so callers never share internal state.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	messages map[string][]*models.Message
	now      func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithNow overrides the clock for deterministic tests.
func WithNow(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		sessions: map[string]*models.Session{},
		messages: map[string][]*models.Message{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		if filter.Kind != "" && session.Kind != filter.Kind {
			continue
		}
		if filter.Prefix != "" && !strings.HasPrefix(session.Key, filter.Prefix) {
			continue
		}
		out = append(out, cloneSession(session))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(session), nil
}

func (m *MemoryStore) Create(ctx context.Context, key string, kind models.SessionKind, label string, metadata map[string]any) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[key]; ok {
		return cloneSession(existing), nil
	}
	now := m.now()
	session := &models.Session{
		Key:       key,
		Kind:      kind,
		Label:     label,
		Metadata:  deepCloneMap(metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[key] = session
	return cloneSession(session), nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[key]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, key)
	delete(m.messages, key)
	return nil
}

func (m *MemoryStore) AddMessage(ctx context.Context, key string, role models.Role, content []models.Block, metadata map[string]any) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	msg := &models.Message{
		ID:         uuid.NewString(),
		SessionKey: key,
		Role:       role,
		Content:    models.CloneBlocks(content),
		Metadata:   deepCloneMap(metadata),
		Timestamp:  m.now(),
	}
	m.messages[key] = append(m.messages[key], msg)
	if excess := len(m.messages[key]) - maxMessagesPerSession; excess > 0 {
		m.messages[key] = m.messages[key][excess:]
	}
	session.UpdatedAt = msg.Timestamp
	return msg.Clone(), nil
}

func (m *MemoryStore) GetMessages(ctx context.Context, key string, q MessageQuery) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[key]; !ok {
		return nil, ErrNotFound
	}
	messages := m.messages[key]
	filtered := make([]*models.Message, 0, len(messages))
	for _, msg := range messages {
		if !q.Before.IsZero() && !msg.Timestamp.Before(q.Before) {
			continue
		}
		filtered = append(filtered, msg)
	}
	if q.Limit > 0 && len(filtered) > q.Limit {
		filtered = filtered[len(filtered)-q.Limit:]
	}
	out := make([]*models.Message, len(filtered))
	for i, msg := range filtered {
		out[i] = msg.Clone()
	}
	return out, nil
}

// deepCloneMap copies a metadata map so callers and the store never share
// nested references.
func deepCloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	clone := make(map[string]any, len(m))
	for k, v := range m {
		clone[k] = deepCloneValue(v)
	}
	return clone
}

func deepCloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCloneMap(val)
	case []any:
		cloned := make([]any, len(val))
		for i, item := range val {
			cloned[i] = deepCloneValue(item)
		}
		return cloned
	case []string:
		cloned := make([]string, len(val))
		copy(cloned, val)
		return cloned
	default:
		return v
	}
}

func cloneSession(session *models.Session) *models.Session {
	if session == nil {
		return nil
	}
	clone := *session
	if session.Metadata != nil {
		clone.Metadata = deepCloneMap(session.Metadata)
	}
	return &clone
}
