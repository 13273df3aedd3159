// Package sessions provides the session store and the history hygiene
// passes that run before every model call. The store owns message history;
// everything else in the platform goes through it.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// ErrNotFound is returned when a session key has no record.
var ErrNotFound = errors.New("session not found")

// ListFilter narrows List results.
type ListFilter struct {
	Kind   models.SessionKind
	Prefix string
	Limit  int
}

// MessageQuery narrows GetMessages results. Zero values mean unbounded.
type MessageQuery struct {
	// Limit keeps only the most recent N messages.
	Limit int
	// Before excludes messages at or after the given instant.
	Before time.Time
}

// Store is the persistent per-session message log. Messages are append-only;
// GetMessages returns them in timestamp-ascending order.
type Store interface {
	List(ctx context.Context, filter ListFilter) ([]*models.Session, error)
	Get(ctx context.Context, key string) (*models.Session, error)
	Create(ctx context.Context, key string, kind models.SessionKind, label string, metadata map[string]any) (*models.Session, error)
	Delete(ctx context.Context, key string) error
	AddMessage(ctx context.Context, key string, role models.Role, content []models.Block, metadata map[string]any) (*models.Message, error)
	GetMessages(ctx context.Context, key string, q MessageQuery) ([]*models.Message, error)
}

// GetOrCreate returns the session for key, creating it when absent. The kind
// is derived from the key prefix.
func GetOrCreate(ctx context.Context, store Store, key, label string, metadata map[string]any) (*models.Session, error) {
	session, err := store.Get(ctx, key)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return store.Create(ctx, key, models.KindOfKey(key), label, metadata)
}
