// Package transforms holds the named payload-to-task renderers webhooks
// pipe inbound payloads through. Transforms are plain Go functions compiled
// into the binary and registered at startup; there is no dynamic loading.
package transforms

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Func renders a webhook payload into the task prompt handed to the agent.
// payload is the parsed body (empty map when the body was malformed); raw is
// the body as received.
type Func func(hookID string, payload map[string]any, raw []byte) (string, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]Func)
)

// Register binds a transform under a name. Registering an existing name
// replaces it.
func Register(name string, fn Func) {
	if name == "" || fn == nil {
		return
	}
	mu.Lock()
	registry[name] = fn
	mu.Unlock()
}

// Lookup returns the transform registered under name.
func Lookup(name string) (Func, bool) {
	mu.RLock()
	defer mu.RUnlock()
	fn, ok := registry[name]
	return fn, ok
}

// Names lists the registered transform names.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// Passthrough is the default transform: the parsed payload pretty-printed
// as JSON.
func Passthrough(hookID string, payload map[string]any, _ []byte) (string, error) {
	rendered, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("render payload for hook %s: %w", hookID, err)
	}
	return string(rendered), nil
}
