// Package webhook owns the inbound HTTP hook listener: authenticated POSTs
// become webhook.trigger events for the agent service.
package webhook

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// Hook is one configured webhook endpoint. Notify lists the addresses the
// hook's agent reply is announced to; an empty list defers to the
// platform-wide notification targets.
type Hook struct {
	ID          string                  `json:"id"`
	Token       string                  `json:"token"`
	Transform   string                  `json:"transform,omitempty"`
	Notify      []models.ChannelAddress `json:"notify,omitempty"`
	Description string                  `json:"description,omitempty"`
}

// HookInfo is the listing shape. It deliberately omits the token.
type HookInfo struct {
	ID          string                  `json:"id"`
	Transform   string                  `json:"transform,omitempty"`
	Notify      []models.ChannelAddress `json:"notify,omitempty"`
	Description string                  `json:"description,omitempty"`
}

// Registry is the hook table.
type Registry struct {
	mu    sync.RWMutex
	hooks map[string]Hook
}

// NewRegistry builds a registry from an initial hook list. Invalid hooks are
// rejected.
func NewRegistry(initial []Hook) (*Registry, error) {
	r := &Registry{hooks: make(map[string]Hook)}
	for _, hook := range initial {
		if err := r.Add(hook); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// validateID enforces URL-safe hook ids.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("hook id required")
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.':
		default:
			return fmt.Errorf("hook id %q is not URL-safe", id)
		}
	}
	return nil
}

// Add inserts a hook.
func (r *Registry) Add(hook Hook) error {
	if err := validateID(hook.ID); err != nil {
		return err
	}
	if strings.TrimSpace(hook.Token) == "" {
		return fmt.Errorf("hook %s: token required", hook.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hooks[hook.ID]; exists {
		return fmt.Errorf("hook already exists: %s", hook.ID)
	}
	r.hooks[hook.ID] = hook
	return nil
}

// Remove deletes a hook.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hooks[id]; !exists {
		return fmt.Errorf("hook not found: %s", id)
	}
	delete(r.hooks, id)
	return nil
}

// Get returns a hook by id.
func (r *Registry) Get(id string) (Hook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hook, ok := r.hooks[id]
	return hook, ok
}

// List returns the table without tokens, sorted by id.
func (r *Registry) List() []HookInfo {
	r.mu.RLock()
	out := make([]HookInfo, 0, len(r.hooks))
	for _, hook := range r.hooks {
		out = append(out, HookInfo{
			ID:          hook.ID,
			Transform:   hook.Transform,
			Notify:      hook.Notify,
			Description: hook.Description,
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
