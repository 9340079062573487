package protocol

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnauthorized is returned by handlers when the authenticated
// principal lacks permission for the requested resource. The server
// maps it to the same response as a failed authentication so the two
// are indistinguishable to clients.
var ErrUnauthorized = errors.New("unauthorized")

// Principal is the transient per-request identity extracted from one
// packet header. It lives for the duration of request handling and is
// never logged.
type Principal struct {
	Username string
	Password string
}

// HandlerFunc executes one request kind. The returned value is
// JSON-encoded into the success response.
type HandlerFunc func(ctx context.Context, principal Principal, args map[string]json.RawMessage) (interface{}, error)

// Dispatcher routes validated packets to their handlers by request
// kind.
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// Register binds a request kind to a handler.
func (d *Dispatcher) Register(kind string, fn HandlerFunc) {
	d.handlers[kind] = fn
}

// Dispatch runs the handler for the packet's request kind. Unknown
// kinds are a protocol violation.
func (d *Dispatcher) Dispatch(ctx context.Context, pkt *Packet) (interface{}, error) {
	fn, ok := d.handlers[pkt.Header.Request]
	if !ok {
		return nil, &ProtocolError{Reason: "unknown request kind " + pkt.Header.Request}
	}
	principal := Principal{Username: pkt.Header.User, Password: pkt.Header.Password}
	return fn(ctx, principal, pkt.Args)
}

// StringArg decodes one required string argument.
func StringArg(args map[string]json.RawMessage, name string) (string, error) {
	raw, ok := args[name]
	if !ok {
		return "", &ProtocolError{Reason: "missing argument " + name}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &ProtocolError{Reason: "argument " + name + " must be a string"}
	}
	return s, nil
}
