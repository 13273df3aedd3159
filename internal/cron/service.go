package cron

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/switchboard/internal/bus"
)

// ServiceName is the registered bus name of the cron service.
const ServiceName = "cron"

// Methods is the method surface the service registers with the broker.
var Methods = []string{"cron.add", "cron.remove", "cron.update", "cron.run", "cron.list"}

// Service exposes the scheduler's task table over the bus.
type Service struct {
	scheduler *Scheduler
}

// NewService wraps a scheduler.
func NewService(scheduler *Scheduler) *Service {
	return &Service{scheduler: scheduler}
}

type idParams struct {
	ID string `json:"id"`
}

// HandleMethod serves the cron.* methods.
func (s *Service) HandleMethod(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "cron.add":
		var task Task
		if err := json.Unmarshal(params, &task); err != nil {
			return nil, &bus.Error{Code: bus.CodeBadRequest, Message: "malformed params: " + err.Error()}
		}
		if err := s.scheduler.Add(ctx, task); err != nil {
			return nil, &bus.Error{Code: bus.CodeBadRequest, Message: err.Error()}
		}
		return map[string]any{"added": task.ID}, nil

	case "cron.update":
		var task Task
		if err := json.Unmarshal(params, &task); err != nil {
			return nil, &bus.Error{Code: bus.CodeBadRequest, Message: "malformed params: " + err.Error()}
		}
		if err := s.scheduler.Update(ctx, task); err != nil {
			return nil, &bus.Error{Code: bus.CodeBadRequest, Message: err.Error()}
		}
		return map[string]any{"updated": task.ID}, nil

	case "cron.remove":
		var p idParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &bus.Error{Code: bus.CodeBadRequest, Message: "malformed params: " + err.Error()}
		}
		if err := s.scheduler.Remove(ctx, p.ID); err != nil {
			return nil, &bus.Error{Code: bus.CodeBadRequest, Message: err.Error()}
		}
		return map[string]any{"removed": p.ID}, nil

	case "cron.run":
		var p idParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &bus.Error{Code: bus.CodeBadRequest, Message: "malformed params: " + err.Error()}
		}
		if err := s.scheduler.Fire(ctx, p.ID); err != nil {
			return nil, &bus.Error{Code: bus.CodeBadRequest, Message: err.Error()}
		}
		return map[string]any{"fired": p.ID}, nil

	case "cron.list":
		return map[string]any{"tasks": s.scheduler.Tasks()}, nil

	default:
		return nil, bus.ErrNoMethod
	}
}

// HandleEvent implements bus.Handler; the service consumes no events.
func (s *Service) HandleEvent(context.Context, string, json.RawMessage) {}
