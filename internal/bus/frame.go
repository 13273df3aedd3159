// Package bus implements the in-process message gateway: a small WebSocket
// broker that registers services, routes requests to exactly one handler per
// target service, fans events out to subscribers, and times out stranded
// requests. Services connect through Client, which handles the registration
// handshake, the pending-request table, and reconnection.
package bus

import (
	"encoding/json"
	"fmt"
)

// FrameType discriminates the four wire frames.
type FrameType string

const (
	FrameRequest  FrameType = "req"
	FrameResponse FrameType = "res"
	FrameEvent    FrameType = "event"
	FrameRegister FrameType = "reg"
)

// Error codes carried on response frames.
const (
	CodeNoService    = "NO_SERVICE"
	CodeNoMethod     = "NO_METHOD"
	CodeTimeout      = "TIMEOUT"
	CodeDisconnected = "DISCONNECTED"
	CodeHandlerError = "HANDLER_ERROR"
	CodeBadRequest   = "BAD_REQUEST"
	CodeQueueCleared = "QUEUE_CLEARED"

	// CodePermissionDenied marks a tool call a subagent is not allowed to
	// make.
	CodePermissionDenied = "PERMISSION_DENIED"
)

// Frame is the self-describing envelope exchanged between the broker and
// services. One frame per socket message; field presence follows Type.
type Frame struct {
	Type FrameType `json:"type"`

	// req / res
	ID        string          `json:"id,omitempty"`
	Target    string          `json:"target,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
	OK        *bool           `json:"ok,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *Error          `json:"error,omitempty"`

	// event
	Source string `json:"source,omitempty"`
	Event  string `json:"event,omitempty"`

	// reg
	Service       string   `json:"service,omitempty"`
	Version       string   `json:"version,omitempty"`
	Methods       []string `json:"methods,omitempty"`
	Events        []string `json:"events,omitempty"`
	Subscriptions []string `json:"subscriptions,omitempty"`
}

// Error is a structured failure attached to a response frame.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface so remote failures propagate as
// ordinary Go errors at the caller.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Is matches bus errors by code so callers can use errors.Is with the
// sentinel values below.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Code == e.Code
}

// Sentinel errors for the common failure codes.
var (
	ErrNoService    = &Error{Code: CodeNoService}
	ErrNoMethod     = &Error{Code: CodeNoMethod}
	ErrTimeout      = &Error{Code: CodeTimeout}
	ErrDisconnected = &Error{Code: CodeDisconnected}
	ErrQueueCleared = &Error{Code: CodeQueueCleared, Message: "enqueued message discarded before run"}
)

// EncodeFrame serializes a frame for the wire.
func EncodeFrame(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("frame is nil")
	}
	return json.Marshal(f)
}

// DecodeFrame parses a wire message. Frames with an unknown type decode
// without error; the broker drops them silently.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &f, nil
}

// NewRequest builds a request frame, marshaling params to JSON.
func NewRequest(id, target, method string, params any) (*Frame, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: FrameRequest, ID: id, Target: target, Method: method, Params: raw}, nil
}

// NewResponse builds a success response frame.
func NewResponse(id string, payload any) (*Frame, error) {
	raw, err := marshalParams(payload)
	if err != nil {
		return nil, err
	}
	ok := true
	return &Frame{Type: FrameResponse, ID: id, OK: &ok, Payload: raw}, nil
}

// NewErrorResponse builds a failure response frame.
func NewErrorResponse(id, code, message string) *Frame {
	ok := false
	return &Frame{Type: FrameResponse, ID: id, OK: &ok, Error: &Error{Code: code, Message: message}}
}

// NewEvent builds an event frame, marshaling the payload to JSON.
func NewEvent(source, event string, payload any) (*Frame, error) {
	raw, err := marshalParams(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: FrameEvent, Source: source, Event: event, Payload: raw}, nil
}

func marshalParams(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(v)
	}
}

// Succeeded reports whether a response frame carries a success flag.
func (f *Frame) Succeeded() bool {
	return f.OK != nil && *f.OK
}
