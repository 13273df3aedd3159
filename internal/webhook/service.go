package webhook

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/switchboard/internal/bus"
)

// ServiceName is the registered bus name of the webhook service.
const ServiceName = "webhook"

// Methods is the method surface the service registers with the broker.
var Methods = []string{"webhook.add", "webhook.remove", "webhook.list"}

// Service exposes the hook table over the bus.
type Service struct {
	registry *Registry
}

// NewService wraps a registry.
func NewService(registry *Registry) *Service {
	return &Service{registry: registry}
}

type removeParams struct {
	ID string `json:"id"`
}

// HandleMethod serves the webhook.* methods.
func (s *Service) HandleMethod(_ context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "webhook.add":
		var hook Hook
		if err := json.Unmarshal(params, &hook); err != nil {
			return nil, &bus.Error{Code: bus.CodeBadRequest, Message: "malformed params: " + err.Error()}
		}
		if err := s.registry.Add(hook); err != nil {
			return nil, &bus.Error{Code: bus.CodeBadRequest, Message: err.Error()}
		}
		return map[string]any{"added": hook.ID}, nil

	case "webhook.remove":
		var p removeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &bus.Error{Code: bus.CodeBadRequest, Message: "malformed params: " + err.Error()}
		}
		if err := s.registry.Remove(p.ID); err != nil {
			return nil, &bus.Error{Code: bus.CodeBadRequest, Message: err.Error()}
		}
		return map[string]any{"removed": p.ID}, nil

	case "webhook.list":
		return map[string]any{"hooks": s.registry.List()}, nil

	default:
		return nil, bus.ErrNoMethod
	}
}

// HandleEvent implements bus.Handler; the service consumes no events.
func (s *Service) HandleEvent(context.Context, string, json.RawMessage) {}
