package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValid(t *testing.T) {
	data := []byte(`{
		"header":  {"cmUser": "alice", "cmPassword": "hunter2", "cmRequest": "GET_CR"},
		"payload": {"args": {"label": "web"}}
	}`)

	pkt, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "alice", pkt.Header.User)
	assert.Equal(t, "hunter2", pkt.Header.Password)
	assert.Equal(t, "GET_CR", pkt.Header.Request)

	label, err := StringArg(pkt.Args, "label")
	require.NoError(t, err)
	assert.Equal(t, "web", label)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not JSON", data: `GET_CR web`},
		{name: "empty object", data: `{}`},
		{name: "missing payload", data: `{"header":{"cmUser":"a","cmPassword":"b","cmRequest":"c"}}`},
		{name: "missing header", data: `{"payload":{"args":{}}}`},
		{name: "header missing password", data: `{"header":{"cmUser":"alice","cmRequest":"GET_CR"},"payload":{"args":{}}}`},
		{name: "header missing user", data: `{"header":{"cmPassword":"x","cmRequest":"GET_CR"},"payload":{"args":{}}}`},
		{name: "payload missing args", data: `{"header":{"cmUser":"a","cmPassword":"b","cmRequest":"c"},"payload":{}}`},
		{name: "user wrong type", data: `{"header":{"cmUser":7,"cmPassword":"b","cmRequest":"c"},"payload":{"args":{}}}`},
		{name: "args wrong type", data: `{"header":{"cmUser":"a","cmPassword":"b","cmRequest":"c"},"payload":{"args":[1,2]}}`},
		{name: "header wrong type", data: `{"header":"nope","payload":{"args":{}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			require.Error(t, err)
			var perr *ProtocolError
			assert.True(t, errors.As(err, &perr), "error should be a *ProtocolError, got %T", err)
		})
	}
}

func TestBuildPacketRoundtrip(t *testing.T) {
	data, err := BuildPacket("alice", "hunter2", "GET_CR", map[string]string{"label": "web"})
	require.NoError(t, err)

	pkt, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "alice", pkt.Header.User)
	label, err := StringArg(pkt.Args, "label")
	require.NoError(t, err)
	assert.Equal(t, "web", label)
}

func TestOKResponse(t *testing.T) {
	resp, err := OKResponse(`{"host":"db"}`)
	require.NoError(t, err)

	// The code is the first thing on the wire, followed by exactly
	// one space and the JSON-encoded result.
	assert.Equal(t, `200 "{\"host\":\"db\"}"`, string(resp))
}

func TestErrorResponseCodesLeadTheWire(t *testing.T) {
	for _, code := range []string{CodeAuthFailed, CodeError} {
		resp := ErrorResponse(code, "message")
		assert.Equal(t, code+" message", string(resp))
	}
}

func TestDispatcher(t *testing.T) {
	d := NewDispatcher()
	d.Register("GET_CR", func(_ context.Context, principal Principal, args map[string]json.RawMessage) (interface{}, error) {
		label, err := StringArg(args, "label")
		if err != nil {
			return nil, err
		}
		return principal.Username + ":" + label, nil
	})

	pkt, err := Parse([]byte(`{"header":{"cmUser":"alice","cmPassword":"pw","cmRequest":"GET_CR"},"payload":{"args":{"label":"web"}}}`))
	require.NoError(t, err)

	result, err := d.Dispatch(context.Background(), pkt)
	require.NoError(t, err)
	assert.Equal(t, "alice:web", result)
}

func TestDispatchUnknownKind(t *testing.T) {
	d := NewDispatcher()
	pkt, err := Parse([]byte(`{"header":{"cmUser":"a","cmPassword":"b","cmRequest":"PUT_CR"},"payload":{"args":{}}}`))
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), pkt)
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
}

func TestStringArg(t *testing.T) {
	args := map[string]json.RawMessage{
		"label": json.RawMessage(`"web"`),
		"count": json.RawMessage(`3`),
	}

	label, err := StringArg(args, "label")
	require.NoError(t, err)
	assert.Equal(t, "web", label)

	_, err = StringArg(args, "missing")
	assert.Error(t, err)

	_, err = StringArg(args, "count")
	assert.Error(t, err)
}
