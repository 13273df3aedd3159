package bus

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultRequestTimeout bounds how long a routed request may stay
	// unresolved before the caller receives TIMEOUT.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultPingInterval is the keepalive cadence. A connection silent
	// through two intervals is closed.
	DefaultPingInterval = 60 * time.Second

	brokerWriteWait      = 10 * time.Second
	brokerMaxPayload     = 1 << 20
	brokerSendBuffer     = 64
	registrationDeadline = 10 * time.Second
)

// Broker is the process-local hub. It owns the service descriptor map and
// the table of in-flight routed requests.
type Broker struct {
	logger         *slog.Logger
	requestTimeout time.Duration
	pingInterval   time.Duration
	upgrader       websocket.Upgrader

	mu       sync.Mutex
	services map[string]*serviceConn
	pending  map[string]*hopRequest
	hopSeq   atomic.Uint64

	listener net.Listener
	server   *http.Server
}

// hopRequest correlates a forwarded request with its caller. IDs are
// rewritten to a globally-unique hop ID on the way to the callee and
// translated back on the response.
type hopRequest struct {
	caller   *serviceConn
	callerID string
	callee   string
	timer    *time.Timer
}

// BrokerOption configures the broker.
type BrokerOption func(*Broker)

// WithLogger configures the broker logger.
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger.With("component", "bus-broker")
		}
	}
}

// WithRequestTimeout overrides the default request timeout.
func WithRequestTimeout(d time.Duration) BrokerOption {
	return func(b *Broker) {
		if d > 0 {
			b.requestTimeout = d
		}
	}
}

// WithPingInterval overrides the keepalive interval.
func WithPingInterval(d time.Duration) BrokerOption {
	return func(b *Broker) {
		if d > 0 {
			b.pingInterval = d
		}
	}
}

// NewBroker creates a broker. Call Start to begin accepting connections.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		logger:         slog.Default().With("component", "bus-broker"),
		requestTimeout: DefaultRequestTimeout,
		pingInterval:   DefaultPingInterval,
		services:       make(map[string]*serviceConn),
		pending:        make(map[string]*hopRequest),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start binds the listener and serves connections until ctx is cancelled
// or Close is called. Addr "host:0" picks an ephemeral port.
func (b *Broker) Start(ctx context.Context, addr string) error {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bus listen: %w", err)
	}
	b.listener = ln
	b.server = &http.Server{
		Handler:           b,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := b.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			b.logger.Error("broker serve error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = b.Close()
	}()

	b.logger.Info("broker listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address.
func (b *Broker) Addr() string {
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// URL returns the WebSocket URL services dial.
func (b *Broker) URL() string {
	return "ws://" + b.Addr()
}

// Close shuts the broker down and closes every service connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	conns := make([]*serviceConn, 0, len(b.services))
	for _, c := range b.services {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.closeWithReason("shutdown")
	}
	if b.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return b.server.Shutdown(ctx)
	}
	return nil
}

// ServeHTTP upgrades the connection and runs its receive loop. Each
// connection is handled by one goroutine plus a writer goroutine feeding
// from the outbound queue.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sc := &serviceConn{
		broker: b,
		conn:   conn,
		send:   make(chan []byte, brokerSendBuffer),
		done:   make(chan struct{}),
	}
	go sc.writeLoop()
	sc.readLoop()
	sc.shutdown()
}

// Services returns the names of currently registered services.
func (b *Broker) Services() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.services))
	for name := range b.services {
		names = append(names, name)
	}
	return names
}

// register installs a descriptor, preempting any prior connection holding
// the same service name.
func (b *Broker) register(sc *serviceConn, f *Frame) {
	b.mu.Lock()
	prior := b.services[f.Service]
	sc.name = f.Service
	sc.methods = make(map[string]struct{}, len(f.Methods))
	for _, m := range f.Methods {
		sc.methods[m] = struct{}{}
	}
	sc.subscriptions = make(map[string]struct{}, len(f.Subscriptions))
	for _, e := range f.Subscriptions {
		sc.subscriptions[e] = struct{}{}
	}
	b.services[f.Service] = sc
	b.mu.Unlock()

	if prior != nil && prior != sc {
		prior.closeWithReason("preempted")
	}
	b.logger.Info("service registered",
		"service", f.Service, "version", f.Version,
		"methods", len(f.Methods), "subscriptions", len(f.Subscriptions))
}

// route forwards a request to its target service, or answers the caller
// with a routing error. The descriptor map mutex is held only for lookup.
func (b *Broker) route(from *serviceConn, f *Frame) {
	b.mu.Lock()
	target, ok := b.services[f.Target]
	var declared bool
	if ok {
		_, declared = target.methods[f.Method]
	}
	b.mu.Unlock()

	if !ok {
		from.sendFrame(NewErrorResponse(f.ID, CodeNoService, "no service "+f.Target))
		return
	}
	if !declared {
		from.sendFrame(NewErrorResponse(f.ID, CodeNoMethod, f.Target+" does not handle "+f.Method))
		return
	}

	timeout := b.requestTimeout
	if f.TimeoutMs > 0 {
		timeout = time.Duration(f.TimeoutMs) * time.Millisecond
	}

	hopID := "h" + strconv.FormatUint(b.hopSeq.Add(1), 10)
	hop := &hopRequest{caller: from, callerID: f.ID, callee: f.Target}
	hop.timer = time.AfterFunc(timeout, func() { b.expire(hopID) })

	b.mu.Lock()
	b.pending[hopID] = hop
	b.mu.Unlock()

	forward := *f
	forward.ID = hopID
	forward.TimeoutMs = 0
	if !target.sendFrame(&forward) {
		b.resolve(hopID, NewErrorResponse("", CodeDisconnected, f.Target+" unavailable"))
	}
}

// resolve translates a response back to the caller. A response without a
// matching pending request is dropped.
func (b *Broker) resolve(hopID string, res *Frame) {
	b.mu.Lock()
	hop, ok := b.pending[hopID]
	if ok {
		delete(b.pending, hopID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	hop.timer.Stop()
	out := *res
	out.ID = hop.callerID
	hop.caller.sendFrame(&out)
}

// expire resolves a stranded request with TIMEOUT.
func (b *Broker) expire(hopID string) {
	b.resolve(hopID, NewErrorResponse("", CodeTimeout, "request timed out"))
}

// fanout delivers an event to every subscriber except the publisher.
// Delivery is best-effort and ordered per receiver.
func (b *Broker) fanout(from *serviceConn, f *Frame) {
	b.mu.Lock()
	receivers := make([]*serviceConn, 0)
	for _, sc := range b.services {
		if sc == from {
			continue
		}
		if _, ok := sc.subscriptions[f.Event]; ok {
			receivers = append(receivers, sc)
		}
	}
	b.mu.Unlock()

	out := *f
	out.Source = from.name
	for _, sc := range receivers {
		sc.sendFrame(&out)
	}
}

// dropConn removes a connection's descriptor and fails the in-flight
// requests it was serving or awaiting.
func (b *Broker) dropConn(sc *serviceConn) {
	b.mu.Lock()
	if sc.name != "" && b.services[sc.name] == sc {
		delete(b.services, sc.name)
	}
	var orphaned []string
	for hopID, hop := range b.pending {
		if hop.callee == sc.name || hop.caller == sc {
			orphaned = append(orphaned, hopID)
		}
	}
	b.mu.Unlock()

	for _, hopID := range orphaned {
		b.resolve(hopID, NewErrorResponse("", CodeDisconnected, "peer disconnected"))
	}
}

// serviceConn is one registered service's connection. Sends go through the
// buffered outbound queue drained by writeLoop.
type serviceConn struct {
	broker *Broker
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}

	name          string
	methods       map[string]struct{}
	subscriptions map[string]struct{}

	closed atomic.Bool
}

func (sc *serviceConn) readLoop() {
	b := sc.broker
	sc.conn.SetReadLimit(brokerMaxPayload)
	deadline := 2 * b.pingInterval
	_ = sc.conn.SetReadDeadline(time.Now().Add(registrationDeadline))
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	registered := false
	for {
		messageType, data, err := sc.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = sc.conn.SetReadDeadline(time.Now().Add(deadline))

		f, err := DecodeFrame(data)
		if err != nil {
			continue
		}

		if !registered {
			if f.Type != FrameRegister || f.Service == "" {
				continue
			}
			b.register(sc, f)
			registered = true
			continue
		}

		switch f.Type {
		case FrameRegister:
			if f.Service == sc.name {
				b.register(sc, f)
			}
		case FrameRequest:
			b.route(sc, f)
		case FrameResponse:
			b.resolve(f.ID, f)
		case FrameEvent:
			b.fanout(sc, f)
		default:
			// Unrecognized frames are dropped.
		}
	}
}

func (sc *serviceConn) writeLoop() {
	ticker := time.NewTicker(sc.broker.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sc.done:
			return
		case msg, ok := <-sc.send:
			if !ok {
				return
			}
			_ = sc.conn.SetWriteDeadline(time.Now().Add(brokerWriteWait))
			if err := sc.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = sc.conn.SetWriteDeadline(time.Now().Add(brokerWriteWait))
			if err := sc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendFrame enqueues a frame for delivery. Returns false when the
// connection is closed or its buffer is full.
func (sc *serviceConn) sendFrame(f *Frame) bool {
	if sc.closed.Load() {
		return false
	}
	data, err := EncodeFrame(f)
	if err != nil {
		return false
	}
	select {
	case sc.send <- data:
		return true
	default:
		sc.broker.logger.Warn("dropping frame, send buffer full", "service", sc.name)
		return false
	}
}

func (sc *serviceConn) closeWithReason(reason string) {
	if !sc.closed.CompareAndSwap(false, true) {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	_ = sc.conn.SetWriteDeadline(time.Now().Add(brokerWriteWait))
	_ = sc.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(brokerWriteWait))
	close(sc.done)
	_ = sc.conn.Close()
}

func (sc *serviceConn) shutdown() {
	sc.closeWithReason("connection closed")
	sc.broker.dropConn(sc)
}
