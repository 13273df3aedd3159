package app

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/switchboard/internal/bus"
)

// lateCaller breaks the construction cycle between a service and its bus
// client: the service is built against the shim, the client is bound after
// it exists. Calls before binding fail with DISCONNECTED.
type lateCaller struct {
	client atomic.Pointer[bus.Client]
}

func (l *lateCaller) set(c *bus.Client) { l.client.Store(c) }

func (l *lateCaller) Call(ctx context.Context, target, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c := l.client.Load()
	if c == nil {
		return nil, bus.ErrDisconnected
	}
	return c.Call(ctx, target, method, params, timeout)
}

// lateEmitter is the event-only counterpart. Events before binding are
// dropped, matching the client's own behavior while disconnected.
type lateEmitter struct {
	client atomic.Pointer[bus.Client]
}

func (l *lateEmitter) set(c *bus.Client) { l.client.Store(c) }

func (l *lateEmitter) Emit(event string, payload any) error {
	if c := l.client.Load(); c != nil {
		c.Emit(event, payload)
	}
	return nil
}
