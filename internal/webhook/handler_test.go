package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/switchboard/internal/webhook/transforms"
	"github.com/haasonsaas/switchboard/pkg/models"
)

type capturedTrigger struct {
	Event   string
	Payload map[string]any
}

type fakePublisher struct {
	mu       sync.Mutex
	triggers []capturedTrigger
	notify   chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{notify: make(chan struct{}, 16)}
}

func (p *fakePublisher) Emit(event string, payload any) error {
	raw, _ := json.Marshal(payload)
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	p.mu.Lock()
	p.triggers = append(p.triggers, capturedTrigger{Event: event, Payload: decoded})
	p.mu.Unlock()
	p.notify <- struct{}{}
	return nil
}

func (p *fakePublisher) waitForTrigger(t *testing.T, within time.Duration) capturedTrigger {
	t.Helper()
	select {
	case <-p.notify:
	case <-time.After(within):
		t.Fatalf("no trigger within %v", within)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.triggers[len(p.triggers)-1]
}

func newTestHandler(t *testing.T, hooks ...Hook) (*Handler, *fakePublisher) {
	t.Helper()
	if hooks == nil {
		hooks = []Hook{{ID: "gh-push", Token: "secret-token",
			Notify: []models.ChannelAddress{{Channel: "telegram", UserID: "oncall"}}}}
	}
	registry, err := NewRegistry(hooks)
	if err != nil {
		t.Fatal(err)
	}
	pub := newFakePublisher()
	return NewHandler(registry, pub, nil), pub
}

func postHook(h *Handler, path, auth, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookFires(t *testing.T) {
	h, pub := newTestHandler(t)

	start := time.Now()
	rec := postHook(h, "/hooks/gh-push", "Bearer secret-token", `{"ref":"main","commits":3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Errorf("body = %q", rec.Body.String())
	}

	trigger := pub.waitForTrigger(t, 500*time.Millisecond)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("trigger took %v", elapsed)
	}
	if trigger.Event != "webhook.trigger" {
		t.Fatalf("event = %q", trigger.Event)
	}
	if trigger.Payload["hookId"] != "gh-push" || trigger.Payload["sessionKey"] != "webhook:gh-push" {
		t.Errorf("payload = %v", trigger.Payload)
	}
	notify, _ := trigger.Payload["notify"].([]any)
	if len(notify) != 1 {
		t.Fatalf("notify = %v", trigger.Payload["notify"])
	}
	if addr, _ := notify[0].(map[string]any); addr["channel"] != "telegram" || addr["userId"] != "oncall" {
		t.Errorf("notify[0] = %v", notify[0])
	}

	// Passthrough renders the payload as pretty JSON.
	task, _ := trigger.Payload["task"].(string)
	var parsed map[string]any
	if err := json.Unmarshal([]byte(task), &parsed); err != nil {
		t.Fatalf("task is not JSON: %q", task)
	}
	if parsed["ref"] != "main" || parsed["commits"] != float64(3) {
		t.Errorf("task payload = %v", parsed)
	}
}

func TestWebhookAuth(t *testing.T) {
	h, pub := newTestHandler(t)

	tests := []struct {
		name string
		auth string
	}{
		{"missing", ""},
		{"wrong token", "Bearer wrong"},
		{"wrong scheme", "Basic secret-token"},
		{"bare token", "secret-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postHook(h, "/hooks/gh-push", tt.auth, `{}`)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
	if len(pub.triggers) != 0 {
		t.Errorf("unauthorized requests must not fire: %v", pub.triggers)
	}
}

func TestWebhookRouting(t *testing.T) {
	h, _ := newTestHandler(t)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"unknown hook", http.MethodPost, "/hooks/nope", http.StatusNotFound},
		{"GET", http.MethodGet, "/hooks/gh-push", http.StatusNotFound},
		{"missing id", http.MethodPost, "/hooks/", http.StatusNotFound},
		{"nested path", http.MethodPost, "/hooks/gh-push/extra", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(`{}`))
			req.Header.Set("Authorization", "Bearer secret-token")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestWebhookOversizedBody(t *testing.T) {
	h, pub := newTestHandler(t)
	rec := postHook(h, "/hooks/gh-push", "Bearer secret-token", strings.Repeat("x", maxBodyBytes+1))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
	if len(pub.triggers) != 0 {
		t.Error("oversized request must not fire")
	}
}

func TestWebhookMalformedBodyBecomesEmptyObject(t *testing.T) {
	h, pub := newTestHandler(t)
	rec := postHook(h, "/hooks/gh-push", "Bearer secret-token", `this is not json`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	trigger := pub.waitForTrigger(t, 500*time.Millisecond)
	if task := trigger.Payload["task"]; task != "{}" {
		t.Errorf("task = %q, want empty object", task)
	}
}

func TestWebhookNamedTransform(t *testing.T) {
	transforms.Register("push-summary", func(hookID string, payload map[string]any, _ []byte) (string, error) {
		ref, _ := payload["ref"].(string)
		return "A push landed on " + ref + ". Summarize it.", nil
	})

	h, pub := newTestHandler(t, Hook{ID: "gh-push", Token: "secret-token", Transform: "push-summary"})
	rec := postHook(h, "/hooks/gh-push", "Bearer secret-token", `{"ref":"main"}`)
	if rec.Code != http.StatusOK {
		t.Fatal(rec.Code)
	}
	trigger := pub.waitForTrigger(t, 500*time.Millisecond)
	if trigger.Payload["task"] != "A push landed on main. Summarize it." {
		t.Errorf("task = %v", trigger.Payload["task"])
	}
}
