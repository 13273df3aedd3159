package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/haasonsaas/switchboard/internal/webhook/transforms"
)

// maxBodyBytes caps an inbound hook body at 1 MiB.
const maxBodyBytes = 1 << 20

// Publisher emits bus events; satisfied by the bus client.
type Publisher interface {
	Emit(event string, payload any) error
}

// Handler serves POST /hooks/<id>. The fire is asynchronous: the response is
// written as soon as the body is read and authenticated.
type Handler struct {
	registry  *Registry
	publisher Publisher
	logger    *slog.Logger
}

// NewHandler wires the hook HTTP handler.
func NewHandler(registry *Registry, publisher Publisher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry:  registry,
		publisher: publisher,
		logger:    logger.With("component", "webhook"),
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := strings.CutPrefix(r.URL.Path, "/hooks/")
	if !ok || id == "" || strings.Contains(id, "/") || r.Method != http.MethodPost {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	hook, found := h.registry.Get(id)
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if !authorized(r.Header.Get("Authorization"), hook.Token) {
		h.logger.Warn("webhook auth failed", "hook", id)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		h.logger.Warn("webhook body too large", "hook", id, "size", len(body))
		http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
		return
	}

	// Acknowledge before the fire; the trigger is async.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))

	go h.fire(context.Background(), hook, body)
}

// fire renders the task through the hook's transform and emits the trigger.
func (h *Handler) fire(_ context.Context, hook Hook, body []byte) {
	payload := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			// Malformed bodies are treated as an empty object.
			payload = map[string]any{}
		}
	}

	transform := transforms.Passthrough
	if hook.Transform != "" {
		if fn, ok := transforms.Lookup(hook.Transform); ok {
			transform = fn
		} else {
			h.logger.Warn("unknown webhook transform, using passthrough",
				"hook", hook.ID, "transform", hook.Transform)
		}
	}

	task, err := transform(hook.ID, payload, body)
	if err != nil {
		h.logger.Error("webhook transform failed", "hook", hook.ID, "error", err)
		return
	}

	if h.publisher == nil {
		return
	}
	if err := h.publisher.Emit("webhook.trigger", map[string]any{
		"hookId":     hook.ID,
		"task":       task,
		"sessionKey": "webhook:" + hook.ID,
		"notify":     hook.Notify,
	}); err != nil {
		h.logger.Warn("webhook trigger emit failed", "hook", hook.ID, "error", err)
	}
}

// authorized checks the bearer token in constant time.
func authorized(header, token string) bool {
	bearer, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(bearer), []byte(token)) == 1
}
