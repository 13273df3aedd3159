package channels

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/bus"
	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/pkg/models"
)

type fakeAdapter struct {
	name  string
	limit int
	sent  []string
	users []string
	err   error
}

func (f *fakeAdapter) Name() string          { return f.name }
func (f *fakeAdapter) MaxMessageLength() int { return f.limit }

func (f *fakeAdapter) Send(_ context.Context, userID, text string) error {
	if f.err != nil {
		return f.err
	}
	f.users = append(f.users, userID)
	f.sent = append(f.sent, text)
	return nil
}

type recordingPublisher struct {
	events   []string
	payloads []map[string]any
}

func (p *recordingPublisher) Emit(event string, payload any) error {
	raw, _ := json.Marshal(payload)
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	p.events = append(p.events, event)
	p.payloads = append(p.payloads, decoded)
	return nil
}

func TestHandleInbound(t *testing.T) {
	store := sessions.NewMemoryStore()
	pub := &recordingPublisher{}
	svc := NewService(store, pub, nil)

	err := svc.HandleInbound(context.Background(), Inbound{
		Channel: "whatsapp", UserID: "alice", Content: "what's on today?",
	})
	if err != nil {
		t.Fatal(err)
	}

	session, err := store.Get(context.Background(), "whatsapp:alice")
	if err != nil {
		t.Fatal(err)
	}
	if session.Kind != models.KindMain {
		t.Errorf("session kind = %q", session.Kind)
	}

	history, _ := store.GetMessages(context.Background(), "whatsapp:alice", sessions.MessageQuery{})
	if len(history) != 1 || history[0].Role != models.RoleUser {
		t.Fatalf("history = %v", history)
	}
	if kind, _ := history[0].Metadata["type"].(string); kind != "task" {
		t.Errorf("message metadata = %v", history[0].Metadata)
	}

	if len(pub.events) != 1 || pub.events[0] != "message.received" {
		t.Fatalf("events = %v", pub.events)
	}
	payload := pub.payloads[0]
	if payload["sessionKey"] != "whatsapp:alice" || payload["content"] != "what's on today?" {
		t.Errorf("payload = %v", payload)
	}
}

func TestHandleInboundValidates(t *testing.T) {
	svc := NewService(sessions.NewMemoryStore(), &recordingPublisher{}, nil)
	for _, in := range []Inbound{
		{},
		{Channel: "whatsapp"},
		{Channel: "whatsapp", UserID: "alice", Content: "   "},
	} {
		err := svc.HandleInbound(context.Background(), in)
		var busErr *bus.Error
		if !errors.As(err, &busErr) || busErr.Code != bus.CodeBadRequest {
			t.Errorf("inbound %+v: expected BAD_REQUEST, got %v", in, err)
		}
	}
}

func TestChannelSend(t *testing.T) {
	adapter := &fakeAdapter{name: "telegram", limit: 4096}
	svc := NewService(sessions.NewMemoryStore(), nil, nil)
	svc.Register(adapter)

	raw, err := svc.HandleMethod(context.Background(), "channel.send",
		json.RawMessage(`{"channel":"telegram","userId":"bob","text":"hello bob"}`))
	if err != nil {
		t.Fatal(err)
	}
	result := raw.(map[string]any)
	if result["delivered"] != true || result["chunks"] != 1 {
		t.Errorf("result = %v", result)
	}
	if len(adapter.sent) != 1 || adapter.sent[0] != "hello bob" || adapter.users[0] != "bob" {
		t.Errorf("adapter sent = %v to %v", adapter.sent, adapter.users)
	}
}

func TestChannelSendChunksLongText(t *testing.T) {
	adapter := &fakeAdapter{name: "sms", limit: 100}
	svc := NewService(sessions.NewMemoryStore(), nil, nil)
	svc.Register(adapter)

	text := strings.Repeat("a", 90) + "\n\n" + strings.Repeat("b", 90)
	params, _ := json.Marshal(sendParams{Channel: "sms", UserID: "bob", Text: text})
	raw, err := svc.HandleMethod(context.Background(), "channel.send", params)
	if err != nil {
		t.Fatal(err)
	}
	if raw.(map[string]any)["chunks"] != 2 {
		t.Errorf("result = %v", raw)
	}
	if len(adapter.sent) != 2 {
		t.Fatalf("sent %d chunks", len(adapter.sent))
	}
}

func TestChannelSendSuppressesHeartbeat(t *testing.T) {
	adapter := &fakeAdapter{name: "whatsapp", limit: 4000}
	svc := NewService(sessions.NewMemoryStore(), nil, nil)
	svc.Register(adapter)

	raw, err := svc.HandleMethod(context.Background(), "channel.send",
		json.RawMessage(`{"channel":"whatsapp","userId":"alice","text":"  `+agent.HeartbeatToken+`  "}`))
	if err != nil {
		t.Fatal(err)
	}
	result := raw.(map[string]any)
	if result["delivered"] != false || result["reason"] != "heartbeat" {
		t.Errorf("result = %v", result)
	}
	if len(adapter.sent) != 0 {
		t.Errorf("heartbeat reply must not be delivered, sent %v", adapter.sent)
	}
}

func TestChannelSendStripsEmbeddedHeartbeat(t *testing.T) {
	adapter := &fakeAdapter{name: "whatsapp", limit: 4000}
	svc := NewService(sessions.NewMemoryStore(), nil, nil)
	svc.Register(adapter)

	if _, err := svc.HandleMethod(context.Background(), "channel.send",
		json.RawMessage(`{"channel":"whatsapp","userId":"alice","text":"All clear. `+agent.HeartbeatToken+`"}`)); err != nil {
		t.Fatal(err)
	}
	if len(adapter.sent) != 1 || adapter.sent[0] != "All clear." {
		t.Errorf("sent = %v", adapter.sent)
	}
}

func TestChannelSendUnknownChannel(t *testing.T) {
	svc := NewService(sessions.NewMemoryStore(), nil, nil)
	_, err := svc.HandleMethod(context.Background(), "channel.send",
		json.RawMessage(`{"channel":"carrier-pigeon","userId":"alice","text":"hi"}`))
	var busErr *bus.Error
	if !errors.As(err, &busErr) || busErr.Code != bus.CodeBadRequest {
		t.Errorf("expected BAD_REQUEST, got %v", err)
	}
}

func TestChannelSendAdapterFailure(t *testing.T) {
	svc := NewService(sessions.NewMemoryStore(), nil, nil)
	svc.Register(&fakeAdapter{name: "whatsapp", err: errors.New("socket closed")})

	_, err := svc.HandleMethod(context.Background(), "channel.send",
		json.RawMessage(`{"channel":"whatsapp","userId":"alice","text":"hi"}`))
	var busErr *bus.Error
	if !errors.As(err, &busErr) || busErr.Code != bus.CodeHandlerError {
		t.Errorf("expected HANDLER_ERROR, got %v", err)
	}
}

func TestChannelList(t *testing.T) {
	svc := NewService(sessions.NewMemoryStore(), nil, nil)
	svc.Register(&fakeAdapter{name: "whatsapp"})
	svc.Register(&fakeAdapter{name: "telegram"})

	raw, err := svc.HandleMethod(context.Background(), "channel.list", json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	names := raw.(map[string]any)["channels"].([]string)
	if len(names) != 2 || names[0] != "telegram" || names[1] != "whatsapp" {
		t.Errorf("channels = %v", names)
	}
}

func TestUnknownMethod(t *testing.T) {
	svc := NewService(sessions.NewMemoryStore(), nil, nil)
	if _, err := svc.HandleMethod(context.Background(), "channel.dance", nil); !errors.Is(err, bus.ErrNoMethod) {
		t.Errorf("expected ErrNoMethod, got %v", err)
	}
}
