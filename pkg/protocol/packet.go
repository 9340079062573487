package protocol

import (
	"encoding/json"
	"fmt"
)

// Request kinds understood by the server.
const (
	RequestGetCredential = "GET_CR"
)

// Response codes. The ASCII code is the first thing on the wire;
// nothing precedes it.
const (
	CodeOK         = "200"
	CodeAuthFailed = "400"
	CodeError      = "500"
)

// ProtocolError reports a packet that does not follow the protocol:
// bad JSON, missing keys, wrong types, or an oversize read.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "invalid packet: " + e.Reason }

// ErrOversize marks a packet that exceeded the configured read bound.
var ErrOversize = &ProtocolError{Reason: "oversize"}

// Header carries the principal and request kind of one packet.
type Header struct {
	User     string
	Password string
	Request  string
}

// Packet is one validated request. Args hold the raw payload
// arguments for the handler to decode.
type Packet struct {
	Header Header
	Args   map[string]json.RawMessage
}

// wire mirrors the JSON schema with pointer fields so missing keys
// and wrong types are both detectable.
type wire struct {
	Header *struct {
		User     *string `json:"cmUser"`
		Password *string `json:"cmPassword"`
		Request  *string `json:"cmRequest"`
	} `json:"header"`
	Payload *struct {
		Args map[string]json.RawMessage `json:"args"`
	} `json:"payload"`
}

// Parse validates one packet against the protocol schema. Every
// violation comes back as a ProtocolError.
func Parse(data []byte) (*Packet, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if w.Header == nil {
		return nil, &ProtocolError{Reason: "missing header"}
	}
	if w.Header.User == nil || w.Header.Password == nil || w.Header.Request == nil {
		return nil, &ProtocolError{Reason: "header missing required keys"}
	}
	if w.Payload == nil {
		return nil, &ProtocolError{Reason: "missing payload"}
	}
	if w.Payload.Args == nil {
		return nil, &ProtocolError{Reason: "payload missing args"}
	}

	return &Packet{
		Header: Header{
			User:     *w.Header.User,
			Password: *w.Header.Password,
			Request:  *w.Header.Request,
		},
		Args: w.Payload.Args,
	}, nil
}

// BuildPacket assembles the wire form of one request. Used by the
// client helper.
func BuildPacket(user, password, request string, args map[string]string) ([]byte, error) {
	rawArgs := make(map[string]json.RawMessage, len(args))
	for k, v := range args {
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode arg %q: %w", k, err)
		}
		rawArgs[k] = encoded
	}

	packet := map[string]interface{}{
		"header": map[string]string{
			"cmUser":     user,
			"cmPassword": password,
			"cmRequest":  request,
		},
		"payload": map[string]interface{}{
			"args": rawArgs,
		},
	}
	return json.Marshal(packet)
}

// OKResponse builds a success response: the code, one space, then the
// JSON-encoded result.
func OKResponse(result interface{}) ([]byte, error) {
	body, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return append([]byte(CodeOK+" "), body...), nil
}

// ErrorResponse builds a failure response. The message is opaque to
// the client; details stay in the server log.
func ErrorResponse(code, message string) []byte {
	return []byte(code + " " + message)
}
