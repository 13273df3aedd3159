package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/switchboard/internal/bus"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolArgsSize is the maximum size of tool arguments JSON (10MB).
	MaxToolArgsSize = 10 << 20
)

// subagentDenied lists the tools a subagent session may not call. Denial is
// keyed on the caller's session key, root-inherited.
var subagentDenied = map[string]bool{
	"sessions_list":    true,
	"sessions_history": true,
	"sessions_send":    true,
	"sessions_spawn":   true,
}

// Registry manages available tools with thread-safe registration and lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry ready for tool registration.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool by name, replacing any previous tool of that name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name and whether it was found.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Descriptors returns every registered tool's wire form, sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DescriptorsFor filters Descriptors by the caller's session key, hiding
// tools a subagent may not call.
func (r *Registry) DescriptorsFor(sessionKey string) []Descriptor {
	all := r.Descriptors()
	if !models.IsSubagentKey(sessionKey) {
		return all
	}
	out := make([]Descriptor, 0, len(all))
	for _, d := range all {
		if !subagentDenied[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

// Execute runs a tool by name with the given JSON arguments. Invalid names,
// oversized or schema-invalid arguments, and tool failures come back as
// isError results; a subagent calling a denied tool is rejected with a
// PERMISSION_DENIED error instead.
func (r *Registry) Execute(ctx context.Context, tc Context, name string, args json.RawMessage) (*Result, error) {
	if len(name) > MaxToolNameLength {
		return ErrorResult(fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength)), nil
	}
	if len(args) > MaxToolArgsSize {
		return ErrorResult(fmt.Sprintf("tool arguments exceed maximum size of %d bytes", MaxToolArgsSize)), nil
	}

	if subagentDenied[name] && models.IsSubagentKey(tc.SessionKey) {
		return nil, &bus.Error{
			Code:    bus.CodePermissionDenied,
			Message: "tool not available to sub-agent sessions: " + name,
		}
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return ErrorResult("tool not found: " + name), nil
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := validateArgs(tool.Parameters, args); err != nil {
		return ErrorResult("invalid arguments: " + err.Error()), nil
	}

	return tool.Execute(ctx, tc, args)
}

var schemaCache sync.Map

// validateArgs checks args against the tool's parameter schema. A tool with
// no schema accepts anything.
func validateArgs(schema, args json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return fmt.Errorf("compile parameter schema: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return compiled.Validate(decoded)
}

func compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("tool.parameters.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
