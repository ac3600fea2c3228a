package pulsar

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJsonSocketRequest(t *testing.T) {
	rt := NewRouter()
	rt.Handle(func(c *Context) (any, error) {
		name, _ := GetParam[string](c, "name")
		assert.Equal(t, true, c.GetObject("@injected"))
		return map[string]any{"hello": name, "path": c.GetPath()}, nil
	})

	srv, cli := net.Pipe()
	defer cli.Close()
	go rt.handleJsonClient(srv, map[string]any{"@injected": true})

	enc := json.NewEncoder(cli)
	dec := json.NewDecoder(cli)

	require.NoError(t, enc.Encode(map[string]any{
		"id":     1,
		"path":   "greet",
		"params": map[string]any{"name": "bob"},
	}))

	var res map[string]any
	require.NoError(t, dec.Decode(&res))

	assert.Equal(t, StatusSuccess, res["status"])
	assert.EqualValues(t, 1, res["id"], "request id echoes back for multiplexing")
	data, ok := res["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "bob", data["hello"])
	assert.Equal(t, "greet", data["path"])
}

func TestJsonSocketInterimEnvelopes(t *testing.T) {
	// controllers on a socket transport can push envelopes through the
	// context's sink before returning their final result
	rt := NewRouter()
	rt.Handle(func(c *Context) (any, error) {
		require.NotNil(t, c.ResponseSink())
		require.NoError(t, c.ResponseSink().SendResponse(&Response{Status: "event", Data: "progress"}))
		return "done", nil
	})

	srv, cli := net.Pipe()
	defer cli.Close()
	go rt.handleJsonClient(srv, nil)

	enc := json.NewEncoder(cli)
	dec := json.NewDecoder(cli)

	require.NoError(t, enc.Encode(map[string]any{"path": "job"}))

	var interim, final map[string]any
	require.NoError(t, dec.Decode(&interim))
	require.NoError(t, dec.Decode(&final))

	assert.Equal(t, "event", interim["status"])
	assert.Equal(t, "progress", interim["data"])
	assert.Equal(t, StatusSuccess, final["status"])
	assert.Equal(t, "done", final["data"])
}

func TestJsonSocketBroadcast(t *testing.T) {
	rt := NewRouter()
	rt.Handle(func(c *Context) (any, error) { return "ok", nil })

	srv, cli := net.Pipe()
	defer cli.Close()
	go rt.handleJsonClient(srv, nil)

	enc := json.NewEncoder(cli)
	dec := json.NewDecoder(cli)

	// a first round trip guarantees the peer is registered with the hub
	require.NoError(t, enc.Encode(map[string]any{"path": "warmup"}))
	var res map[string]any
	require.NoError(t, dec.Decode(&res))
	require.Equal(t, StatusSuccess, res["status"])
	assert.Len(t, rt.jsonHub.list(), 1)

	// peers belong to their router, not to a process-wide registry
	other := NewRouter()
	assert.Empty(t, other.jsonHub.list())

	require.NoError(t, rt.BroadcastJson(context.Background(), map[string]any{"status": "event", "data": "refresh"}))

	var ev map[string]any
	require.NoError(t, dec.Decode(&ev))
	assert.Equal(t, "event", ev["status"])
	assert.Equal(t, "refresh", ev["data"])
}

func TestJsonSocketError(t *testing.T) {
	rt := NewRouter()
	rt.Handle(func(c *Context) (any, error) {
		return nil, ErrAccessDenied
	})

	srv, cli := net.Pipe()
	defer cli.Close()
	go rt.handleJsonClient(srv, nil)

	enc := json.NewEncoder(cli)
	dec := json.NewDecoder(cli)

	require.NoError(t, enc.Encode(map[string]any{"path": "secret"}))

	var res map[string]any
	require.NoError(t, dec.Decode(&res))

	assert.Equal(t, StatusFailed, res["status"])
	assert.Equal(t, "error_access_denied", res["token"])
	assert.EqualValues(t, 403, res["code"])
}
