package channels

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/bus"
	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// ServiceName is the registered bus name of the channel service.
const ServiceName = "channels"

// Methods is the method surface the service registers with the broker.
var Methods = []string{"channel.send", "channel.list"}

// Publisher emits bus events; satisfied by the bus client.
type Publisher interface {
	Emit(event string, payload any) error
}

// Service bridges adapters and the rest of the platform. Inbound messages
// become persisted tasks plus a message.received event; channel.send fans
// outbound text through the owning adapter.
type Service struct {
	store     sessions.Store
	publisher Publisher
	logger    *slog.Logger

	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewService wires the channel service.
func NewService(store sessions.Store, publisher Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger.With("component", "channels"),
		adapters:  make(map[string]Adapter),
	}
}

// Register adds an adapter. A later adapter with the same name replaces the
// earlier one.
func (s *Service) Register(a Adapter) {
	s.mu.Lock()
	s.adapters[a.Name()] = a
	s.mu.Unlock()
}

func (s *Service) adapter(name string) (Adapter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.adapters[name]
	return a, ok
}

// HandleInbound records one inbound message and announces it. The session is
// created on first contact; the message is tagged as the session's task.
func (s *Service) HandleInbound(ctx context.Context, in Inbound) error {
	if in.Channel == "" || in.UserID == "" || strings.TrimSpace(in.Content) == "" {
		return &bus.Error{Code: bus.CodeBadRequest, Message: "channel, userId and content are required"}
	}
	sessionKey := in.Channel + ":" + in.UserID
	if _, err := sessions.GetOrCreate(ctx, s.store, sessionKey, "", nil); err != nil {
		return err
	}
	if _, err := s.store.AddMessage(ctx, sessionKey, models.RoleUser,
		[]models.Block{models.NewTextBlock(in.Content)}, map[string]any{"type": "task"}); err != nil {
		return err
	}
	if s.publisher != nil {
		if err := s.publisher.Emit("message.received", map[string]any{
			"channel":    in.Channel,
			"userId":     in.UserID,
			"sessionKey": sessionKey,
			"content":    in.Content,
		}); err != nil {
			s.logger.Warn("emit message.received failed", "session", sessionKey, "error", err)
		}
	}
	return nil
}

type sendParams struct {
	Channel string `json:"channel"`
	UserID  string `json:"userId"`
	Text    string `json:"text"`
}

// HandleMethod serves the channel.* methods.
func (s *Service) HandleMethod(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "channel.send":
		var p sendParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &bus.Error{Code: bus.CodeBadRequest, Message: "malformed params: " + err.Error()}
		}
		return s.send(ctx, p)

	case "channel.list":
		s.mu.RLock()
		names := make([]string, 0, len(s.adapters))
		for name := range s.adapters {
			names = append(names, name)
		}
		s.mu.RUnlock()
		sort.Strings(names)
		return map[string]any{"channels": names}, nil

	default:
		return nil, bus.ErrNoMethod
	}
}

// HandleEvent implements bus.Handler; the service consumes no events.
func (s *Service) HandleEvent(context.Context, string, json.RawMessage) {}

// send delivers text to one user, chunked to the adapter's limit. Heartbeat
// tokens are stripped first; a pure-heartbeat reply is not delivered at all.
func (s *Service) send(ctx context.Context, p sendParams) (any, error) {
	if p.Channel == "" || p.UserID == "" {
		return nil, &bus.Error{Code: bus.CodeBadRequest, Message: "channel and userId are required"}
	}
	text := StripHeartbeat(p.Text)
	if text == "" {
		s.logger.Debug("suppressed heartbeat reply", "channel", p.Channel, "user", p.UserID)
		return map[string]any{"delivered": false, "reason": "heartbeat"}, nil
	}

	adapter, ok := s.adapter(p.Channel)
	if !ok {
		return nil, &bus.Error{Code: bus.CodeBadRequest, Message: "unknown channel: " + p.Channel}
	}

	chunks := NewChunker(adapter.MaxMessageLength()).Split(text)
	for _, chunk := range chunks {
		if err := adapter.Send(ctx, p.UserID, chunk); err != nil {
			return nil, &bus.Error{Code: bus.CodeHandlerError, Message: "send failed: " + err.Error()}
		}
	}
	return map[string]any{"delivered": true, "chunks": len(chunks)}, nil
}

// StripHeartbeat removes heartbeat tokens from outbound text. A reply that
// carries nothing else collapses to the empty string.
func StripHeartbeat(text string) string {
	if !strings.Contains(text, agent.HeartbeatToken) {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(strings.ReplaceAll(text, agent.HeartbeatToken, ""))
}
