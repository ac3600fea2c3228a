package pulsar

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTestWs(t *testing.T, rt *Router) (context.Context, *websocket.Conn) {
	t.Helper()
	srv := httptest.NewServer(rt)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/@ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return ctx, conn
}

func wsRoundTrip(t *testing.T, ctx context.Context, conn *websocket.Conn, req string) map[string]any {
	t.Helper()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(req)))
	_, dat, err := conn.Read(ctx)
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, json.Unmarshal(dat, &res))
	return res
}

func TestWebsocketCall(t *testing.T) {
	rt := NewRouter()
	ctx, conn := dialTestWs(t, rt)

	res := wsRoundTrip(t, ctx, conn, `{"id":"a","path":"@ping"}`)

	assert.Equal(t, StatusSuccess, res["status"])
	assert.Equal(t, "a", res["id"])
	data, ok := res["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "pong", data["ping"])
}

func TestWebsocketBadFrame(t *testing.T) {
	rt := NewRouter()
	ctx, conn := dialTestWs(t, rt)

	res := wsRoundTrip(t, ctx, conn, `this is not json`)

	assert.Equal(t, StatusFailed, res["status"])
	assert.Equal(t, "error_bad_request", res["token"])
}

func TestWebsocketInheritsIdentity(t *testing.T) {
	// requests multiplexed over an upgraded socket keep the upgrading
	// caller's identity
	rt := NewRouter()
	rt.Use(func(c *Context) error {
		c.SetIdentity(&Identity{UserID: 42, Method: AuthAPIKey})
		return nil
	})
	rt.Handle(func(c *Context) (any, error) {
		if strings.HasPrefix(c.GetPath(), "@") {
			// let the upgrade request reach the built-in dispatch
			return c.CallSpecial()
		}
		return GetIdentity(c).UserID, nil
	})

	ctx, conn := dialTestWs(t, rt)

	res := wsRoundTrip(t, ctx, conn, `{"path":"whoami"}`)

	assert.Equal(t, StatusSuccess, res["status"])
	assert.EqualValues(t, 42, res["data"])
}

func TestWebsocketBroadcast(t *testing.T) {
	rt := NewRouter()
	ctx, conn := dialTestWs(t, rt)

	// a first round trip guarantees the peer is registered with the hub
	wsRoundTrip(t, ctx, conn, `{"path":"@ping"}`)

	require.NoError(t, rt.BroadcastWS(ctx, map[string]any{"status": "event", "data": "refresh"}))

	_, dat, err := conn.Read(ctx)
	require.NoError(t, err)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(dat, &ev))
	assert.Equal(t, "event", ev["status"])
	assert.Equal(t, "refresh", ev["data"])
}
