package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/switchboard/internal/backoff"
)

const (
	clientWriteWait  = 10 * time.Second
	clientSendBuffer = 64

	// Reconnect policy: start ~200ms, cap ~30s, up to 20 attempts.
	reconnectMaxAttempts = 20
)

var reconnectPolicy = backoff.Default()

// Handler receives inbound requests and events for a connected service.
// HandleMethod must return within the caller's deadline or the caller is
// answered with TIMEOUT regardless of the eventual result.
type Handler interface {
	HandleMethod(ctx context.Context, method string, params json.RawMessage) (any, error)
	HandleEvent(ctx context.Context, event string, payload json.RawMessage)
}

// HandlerFuncs adapts plain functions to a Handler. Nil fields answer
// NO_METHOD and ignore events respectively.
type HandlerFuncs struct {
	Method func(ctx context.Context, method string, params json.RawMessage) (any, error)
	Event  func(ctx context.Context, event string, payload json.RawMessage)
}

func (h HandlerFuncs) HandleMethod(ctx context.Context, method string, params json.RawMessage) (any, error) {
	if h.Method == nil {
		return nil, ErrNoMethod
	}
	return h.Method(ctx, method, params)
}

func (h HandlerFuncs) HandleEvent(ctx context.Context, event string, payload json.RawMessage) {
	if h.Event != nil {
		h.Event(ctx, event, payload)
	}
}

// pendingCall is one in-flight RPC awaiting its response frame. Resolved or
// rejected exactly once.
type pendingCall struct {
	done chan *Frame
}

// Client is a long-lived connection to the broker shared by every service.
// It performs the registration handshake, correlates responses through the
// pending-request table, and reconnects with exponential backoff.
type Client struct {
	name          string
	version       string
	methods       []string
	events        []string
	subscriptions []string
	url           string
	handler       Handler
	logger        *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	send chan []byte
	// sendDone is closed when the connection is replaced, releasing the
	// write loop tied to the old connection.
	sendDone chan struct{}
	pending  map[string]*pendingCall
	seq      atomic.Uint64

	connected atomic.Bool
	closing   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// ClientConfig describes the service this client registers as.
type ClientConfig struct {
	Name          string
	Version       string
	Methods       []string
	Events        []string
	Subscriptions []string
	URL           string
	Handler       Handler
	Logger        *slog.Logger
}

// NewClient creates a client. Call Connect to dial the broker.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		name:          cfg.Name,
		version:       cfg.Version,
		methods:       cfg.Methods,
		events:        cfg.Events,
		subscriptions: cfg.Subscriptions,
		url:           cfg.URL,
		handler:       cfg.Handler,
		logger:        logger.With("component", "bus-client", "service", cfg.Name),
		pending:       make(map[string]*pendingCall),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Name returns the registered service name.
func (c *Client) Name() string { return c.name }

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool { return c.connected.Load() }

// Connect dials the broker, sends the registration frame, and starts the
// receive loop. On unexpected disconnect the client reconnects on its own.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	go c.readLoop()
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}

	reg := &Frame{
		Type:          FrameRegister,
		Service:       c.name,
		Version:       c.version,
		Methods:       c.methods,
		Events:        c.events,
		Subscriptions: c.subscriptions,
	}
	data, err := EncodeFrame(reg)
	if err != nil {
		conn.Close()
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return err
	}

	send := make(chan []byte, clientSendBuffer)
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.send = send
	prevDone := c.sendDone
	c.sendDone = done
	c.mu.Unlock()
	if prevDone != nil {
		close(prevDone)
	}
	c.connected.Store(true)

	go c.writeLoop(conn, send, done)
	return nil
}

// Close tears the connection down without reconnecting. Outstanding calls
// reject with DISCONNECTED.
func (c *Client) Close() error {
	c.closing.Store(true)
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.rejectPending(ErrDisconnected)
	return nil
}

// Call sends a request to target.method and awaits the matching response.
// A zero timeout uses the broker default. Fails with DISCONNECTED, TIMEOUT,
// or the remote error.
func (c *Client) Call(ctx context.Context, target, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if !c.connected.Load() {
		return nil, ErrDisconnected
	}

	id := c.name + "-" + strconv.FormatUint(c.seq.Add(1), 10)
	frame, err := NewRequest(id, target, method, params)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		frame.TimeoutMs = timeout.Milliseconds()
	}

	call := &pendingCall{done: make(chan *Frame, 1)}
	c.mu.Lock()
	c.pending[id] = call
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if !c.enqueue(frame) {
		return nil, ErrDisconnected
	}

	deadline := timeout
	if deadline <= 0 {
		deadline = DefaultRequestTimeout + 5*time.Second
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	case res := <-call.done:
		if res == nil {
			return nil, ErrDisconnected
		}
		if !res.Succeeded() {
			if res.Error != nil {
				return nil, res.Error
			}
			return nil, &Error{Code: CodeHandlerError, Message: "request failed"}
		}
		return res.Payload, nil
	}
}

// Emit publishes an event. Fire-and-forget; silently dropped when
// disconnected.
func (c *Client) Emit(event string, payload any) {
	if !c.connected.Load() {
		return
	}
	frame, err := NewEvent(c.name, event, payload)
	if err != nil {
		c.logger.Warn("emit encode failed", "event", event, "error", err)
		return
	}
	c.enqueue(frame)
}

func (c *Client) enqueue(f *Frame) bool {
	data, err := EncodeFrame(f)
	if err != nil {
		return false
	}
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return false
	}
	select {
	case send <- data:
		return true
	default:
		c.logger.Warn("send buffer full, dropping frame")
		return false
	}
}

func (c *Client) writeLoop(conn *websocket.Conn, send chan []byte, done chan struct{}) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-done:
			return
		case msg, ok := <-send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if messageType != websocket.TextMessage {
				continue
			}
			f, err := DecodeFrame(data)
			if err != nil {
				continue
			}
			c.dispatch(f)
		}

		c.connected.Store(false)
		c.rejectPending(ErrDisconnected)
		if c.closing.Load() {
			return
		}
		if !c.reconnect() {
			return
		}
	}
}

// dispatch handles one inbound frame: responses resolve pending calls,
// requests invoke the method hook, events invoke the event hook.
func (c *Client) dispatch(f *Frame) {
	switch f.Type {
	case FrameResponse:
		c.mu.Lock()
		call := c.pending[f.ID]
		c.mu.Unlock()
		if call == nil {
			// Response with no pending request: dropped.
			return
		}
		select {
		case call.done <- f:
		default:
		}

	case FrameRequest:
		go c.handleRequest(f)

	case FrameEvent:
		if c.handler != nil {
			// Subscriber panics must not take the read loop down.
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.logger.Error("event handler panic", "event", f.Event, "panic", r)
					}
				}()
				c.handler.HandleEvent(c.ctx, f.Event, f.Payload)
			}()
		}
	}
}

func (c *Client) handleRequest(f *Frame) {
	var res *Frame
	if c.handler == nil {
		res = NewErrorResponse(f.ID, CodeNoMethod, "no handler")
	} else {
		payload, err := func() (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &Error{Code: CodeHandlerError, Message: "handler panic"}
					c.logger.Error("method handler panic", "method", f.Method, "panic", r)
				}
			}()
			return c.handler.HandleMethod(c.ctx, f.Method, f.Params)
		}()
		if err != nil {
			if busErr, ok := err.(*Error); ok {
				res = NewErrorResponse(f.ID, busErr.Code, busErr.Message)
			} else {
				res = NewErrorResponse(f.ID, CodeHandlerError, err.Error())
			}
		} else {
			var encErr error
			res, encErr = NewResponse(f.ID, payload)
			if encErr != nil {
				res = NewErrorResponse(f.ID, CodeHandlerError, encErr.Error())
			}
		}
	}
	c.enqueue(res)
}

// reconnect retries the dial with exponential backoff. Returns false once
// the attempt budget is exhausted or the client is closing.
func (c *Client) reconnect() bool {
	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		if c.closing.Load() {
			return false
		}
		delay := backoff.Compute(reconnectPolicy, attempt)
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(delay):
		}
		if err := c.dial(c.ctx); err != nil {
			c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}
		c.logger.Info("reconnected", "attempt", attempt)
		return true
	}
	c.logger.Error("reconnect attempts exhausted")
	return false
}

// rejectPending fails every outstanding call with the given error.
func (c *Client) rejectPending(err *Error) {
	c.mu.Lock()
	calls := make([]*pendingCall, 0, len(c.pending))
	for id, call := range c.pending {
		calls = append(calls, call)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	ok := false
	for _, call := range calls {
		select {
		case call.done <- &Frame{Type: FrameResponse, OK: &ok, Error: err}:
		default:
		}
	}
}
