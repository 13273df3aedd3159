package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/haasonsaas/switchboard/internal/bus"
	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// ServiceName is the registered bus name of the agent service.
const ServiceName = "agent"

// Methods is the method surface the service registers with the broker.
var Methods = []string{"agent.run", "agent.spawn", "agent.abort", "agent.clear"}

// Subscriptions lists the trigger events the service consumes.
var Subscriptions = []string{"message.received", "cron.trigger", "webhook.trigger"}

// deliverTimeout bounds one channel.send call.
const deliverTimeout = 30 * time.Second

// Caller issues RPCs to peer services; satisfied by the bus client.
type Caller interface {
	Call(ctx context.Context, target, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// Service is the orchestration layer: it turns trigger events into runs and
// delivers replies back over the channel service.
type Service struct {
	runtime *Runtime
	store   sessions.Store
	caller  Caller
	notify  []models.ChannelAddress
	workdir string
	logger  *slog.Logger
}

// NewService wires the agent service. notify lists the fallback channel
// addresses cron and webhook results are announced to when a trigger carries
// no addresses of its own.
func NewService(runtime *Runtime, store sessions.Store, caller Caller, notify []models.ChannelAddress, workdir string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		runtime: runtime,
		store:   store,
		caller:  caller,
		notify:  notify,
		workdir: workdir,
		logger:  logger.With("component", "agent-service"),
	}
}

type runParams struct {
	SessionKey string `json:"sessionKey"`
	Message    string `json:"message"`
	Channel    string `json:"channel,omitempty"`
}

type spawnParams struct {
	SessionKey string `json:"sessionKey"`
	ParentKey  string `json:"parentKey"`
	Task       string `json:"task"`
	Label      string `json:"label,omitempty"`
}

type abortParams struct {
	RunID  string `json:"runId"`
	Reason string `json:"reason,omitempty"`
}

type clearParams struct {
	SessionKey string `json:"sessionKey"`
}

// HandleMethod serves the agent.* methods.
func (s *Service) HandleMethod(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "agent.run":
		var p runParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &bus.Error{Code: bus.CodeBadRequest, Message: "malformed params: " + err.Error()}
		}
		if p.SessionKey == "" || p.Message == "" {
			return nil, &bus.Error{Code: bus.CodeBadRequest, Message: "sessionKey and message are required"}
		}
		result, err := s.runTask(ctx, p.SessionKey, p.Message, p.Channel)
		if err != nil {
			return nil, err
		}
		return map[string]any{"runId": result.RunID, "text": result.Text}, nil

	case "agent.spawn":
		var p spawnParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &bus.Error{Code: bus.CodeBadRequest, Message: "malformed params: " + err.Error()}
		}
		if p.SessionKey == "" || p.Task == "" {
			return nil, &bus.Error{Code: bus.CodeBadRequest, Message: "sessionKey and task are required"}
		}
		s.spawn(p)
		return map[string]any{"sessionKey": p.SessionKey, "status": "spawned"}, nil

	case "agent.abort":
		var p abortParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &bus.Error{Code: bus.CodeBadRequest, Message: "malformed params: " + err.Error()}
		}
		return map[string]any{"aborted": s.runtime.AbortRun(p.RunID, p.Reason)}, nil

	case "agent.clear":
		var p clearParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &bus.Error{Code: bus.CodeBadRequest, Message: "malformed params: " + err.Error()}
		}
		return map[string]any{"cleared": s.runtime.ClearQueue(p.SessionKey)}, nil

	default:
		return nil, bus.ErrNoMethod
	}
}

type messageReceived struct {
	Channel    string `json:"channel"`
	UserID     string `json:"userId"`
	SessionKey string `json:"sessionKey"`
	Content    string `json:"content"`
}

type cronTrigger struct {
	TaskID     string                  `json:"taskId"`
	Task       string                  `json:"task"`
	Name       string                  `json:"name"`
	SessionKey string                  `json:"sessionKey"`
	Notify     []models.ChannelAddress `json:"notify,omitempty"`
}

type webhookTrigger struct {
	HookID     string                  `json:"hookId"`
	Task       string                  `json:"task"`
	SessionKey string                  `json:"sessionKey"`
	Notify     []models.ChannelAddress `json:"notify,omitempty"`
}

// HandleEvent consumes trigger events. Each trigger becomes a run; runs for
// the same session serialize on the queue, so handling stays asynchronous.
func (s *Service) HandleEvent(ctx context.Context, event string, payload json.RawMessage) {
	switch event {
	case "message.received":
		var p messageReceived
		if err := json.Unmarshal(payload, &p); err != nil {
			s.logger.Warn("malformed message.received", "error", err)
			return
		}
		go s.handleMessage(ctx, p)

	case "cron.trigger":
		var p cronTrigger
		if err := json.Unmarshal(payload, &p); err != nil {
			s.logger.Warn("malformed cron.trigger", "error", err)
			return
		}
		go s.handleTrigger(ctx, p.SessionKey, p.Task, p.Notify, "cron task "+p.Name)

	case "webhook.trigger":
		var p webhookTrigger
		if err := json.Unmarshal(payload, &p); err != nil {
			s.logger.Warn("malformed webhook.trigger", "error", err)
			return
		}
		go s.handleTrigger(ctx, p.SessionKey, p.Task, p.Notify, "webhook "+p.HookID)
	}
}

// handleMessage runs the already-persisted inbound message and replies to
// the originating user.
func (s *Service) handleMessage(ctx context.Context, p messageReceived) {
	result, err := s.runtime.Run(ctx, RunConfig{
		SessionKey:   p.SessionKey,
		WorkspaceDir: s.workdir,
		Channel:      p.Channel,
	})
	if err != nil {
		s.deliver(ctx, p.Channel, p.UserID, "Something went wrong: "+ClassifyModelError(err))
		return
	}
	s.deliver(ctx, p.Channel, p.UserID, result.Text)
}

// handleTrigger appends the task message, runs it, and announces the result
// to the trigger's notify addresses. A trigger without addresses falls back
// to the platform-wide list; when both are empty the run stays silent.
func (s *Service) handleTrigger(ctx context.Context, sessionKey, task string, notify []models.ChannelAddress, origin string) {
	targets := notify
	if len(targets) == 0 {
		targets = s.notify
	}
	if task == "" {
		task = defaultTask
	}
	if _, err := sessions.GetOrCreate(ctx, s.store, sessionKey, origin, nil); err != nil {
		s.logger.Error("create trigger session failed", "session", sessionKey, "error", err)
		return
	}
	if _, err := s.store.AddMessage(ctx, sessionKey, models.RoleUser,
		[]models.Block{models.NewTextBlock(task)}, map[string]any{"type": "task"}); err != nil {
		s.logger.Error("persist trigger task failed", "session", sessionKey, "error", err)
		return
	}

	result, err := s.runtime.Run(ctx, RunConfig{SessionKey: sessionKey, WorkspaceDir: s.workdir})
	if err != nil {
		s.announce(ctx, targets, "Something went wrong: "+ClassifyModelError(err))
		s.logger.Warn("trigger run failed", "session", sessionKey, "origin", origin, "error", err)
		return
	}
	s.announce(ctx, targets, result.Text)
}

// runTask persists the task message and executes a run synchronously.
func (s *Service) runTask(ctx context.Context, sessionKey, message, channel string) (*RunResult, error) {
	if _, err := sessions.GetOrCreate(ctx, s.store, sessionKey, "", nil); err != nil {
		return nil, err
	}
	if _, err := s.store.AddMessage(ctx, sessionKey, models.RoleUser,
		[]models.Block{models.NewTextBlock(message)}, map[string]any{"type": "task"}); err != nil {
		return nil, err
	}
	return s.runtime.Run(ctx, RunConfig{
		SessionKey:   sessionKey,
		WorkspaceDir: s.workdir,
		Channel:      channel,
	})
}

// spawn runs a sub-agent session in the background and announces completion
// into the parent session.
func (s *Service) spawn(p spawnParams) {
	go func() {
		ctx := context.Background()
		label := p.Label
		if label == "" {
			label = "Sub-agent"
		}
		if _, err := sessions.GetOrCreate(ctx, s.store, p.SessionKey, label, nil); err != nil {
			s.logger.Error("create subagent session failed", "session", p.SessionKey, "error", err)
			return
		}
		if _, err := s.store.AddMessage(ctx, p.SessionKey, models.RoleUser,
			[]models.Block{models.NewTextBlock(p.Task)}, map[string]any{"type": "task"}); err != nil {
			s.logger.Error("persist subagent task failed", "session", p.SessionKey, "error", err)
			return
		}

		status := "completed"
		resultText := ""
		result, err := s.runtime.Run(ctx, RunConfig{SessionKey: p.SessionKey, WorkspaceDir: s.workdir})
		if err != nil {
			status = "failed"
			resultText = ClassifyModelError(err)
		} else {
			resultText = result.Text
		}

		if p.ParentKey == "" {
			return
		}
		announcement := SubagentAnnouncement(p.SessionKey, status, resultText)
		if _, err := s.store.AddMessage(ctx, p.ParentKey, models.RoleSystem,
			[]models.Block{models.NewTextBlock(announcement)}, nil); err != nil {
			s.logger.Error("announce subagent completion failed", "parent", p.ParentKey, "error", err)
		}
	}()
}

func (s *Service) deliver(ctx context.Context, channel, userID, text string) {
	if s.caller == nil || text == "" {
		return
	}
	_, err := s.caller.Call(ctx, "channels", "channel.send", map[string]any{
		"channel": channel,
		"userId":  userID,
		"text":    text,
	}, deliverTimeout)
	if err != nil {
		s.logger.Warn("deliver reply failed", "channel", channel, "user", userID, "error", err)
	}
}

func (s *Service) announce(ctx context.Context, targets []models.ChannelAddress, text string) {
	for _, addr := range targets {
		s.deliver(ctx, addr.Channel, addr.UserID, text)
	}
}
