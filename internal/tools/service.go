package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/haasonsaas/switchboard/internal/bus"
)

// ServiceName is the registered bus name of the tools service.
const ServiceName = "tools"

// Methods is the method surface the service registers with the broker.
var Methods = []string{"tool.list", "tool.describe", "tool.execute"}

// Caller issues RPCs to peer services. The bus client satisfies it.
type Caller interface {
	Call(ctx context.Context, target, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// Service exposes a registry over the bus. It implements bus.Handler.
type Service struct {
	registry *Registry
	caller   Caller
	logger   *slog.Logger
}

// NewService wraps the registry. The caller backs each tool's Call closure;
// a nil caller makes peer calls fail with DISCONNECTED.
func NewService(registry *Registry, caller Caller, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry: registry,
		caller:   caller,
		logger:   logger.With("component", "tools"),
	}
}

// executeParams is the wire shape of tool.execute.
type executeParams struct {
	Name    string          `json:"name"`
	Args    json.RawMessage `json:"args,omitempty"`
	Context executeContext  `json:"context"`
}

type executeContext struct {
	SessionKey string `json:"sessionKey"`
	WorkingDir string `json:"workingDir,omitempty"`
}

type describeParams struct {
	Name string `json:"name"`
}

type listParams struct {
	SessionKey string `json:"sessionKey,omitempty"`
}

// HandleMethod dispatches the tool.* methods.
func (s *Service) HandleMethod(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "tool.list":
		var p listParams
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, &bus.Error{Code: bus.CodeBadRequest, Message: "malformed params: " + err.Error()}
			}
		}
		return s.registry.DescriptorsFor(p.SessionKey), nil

	case "tool.describe":
		var p describeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &bus.Error{Code: bus.CodeBadRequest, Message: "malformed params: " + err.Error()}
		}
		tool, ok := s.registry.Get(p.Name)
		if !ok {
			return nil, &bus.Error{Code: bus.CodeBadRequest, Message: "unknown tool: " + p.Name}
		}
		return tool.Descriptor(), nil

	case "tool.execute":
		var p executeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &bus.Error{Code: bus.CodeBadRequest, Message: "malformed params: " + err.Error()}
		}
		tc := Context{
			SessionKey: p.Context.SessionKey,
			WorkingDir: p.Context.WorkingDir,
			Call:       s.call,
		}
		result, err := s.registry.Execute(ctx, tc, p.Name, p.Args)
		if err != nil {
			return nil, err
		}
		if result.IsError {
			s.logger.Debug("tool returned error result", "tool", p.Name, "session", p.Context.SessionKey)
		}
		return result, nil

	default:
		return nil, bus.ErrNoMethod
	}
}

// HandleEvent is a no-op; the tools service subscribes to nothing.
func (s *Service) HandleEvent(ctx context.Context, event string, payload json.RawMessage) {}

func (s *Service) call(ctx context.Context, target, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if s.caller == nil {
		return nil, bus.ErrDisconnected
	}
	return s.caller.Call(ctx, target, method, params, timeout)
}
