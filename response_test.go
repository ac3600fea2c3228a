package pulsar

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveJSON(t *testing.T, rt *Router, req *http.Request) (map[string]any, *httptest.ResponseRecorder) {
	t.Helper()
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return body, rec
}

func TestSuccessEnvelope(t *testing.T) {
	rt := NewRouter()
	rt.Handle(func(c *Context) (any, error) {
		return map[string]any{"hello": "world"}, nil
	})

	body, rec := serveJSON(t, rt, httptest.NewRequest("GET", "/users/1", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusSuccess, body["status"])
	assert.NotEmpty(t, body["request_id"])
	assert.Contains(t, body, "time")

	data, ok := body["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "world", data["hello"])

	// no session, so no anti-forgery token in the envelope
	assert.NotContains(t, body, "csrf_token")
	assert.NotContains(t, body, "error")
}

func TestRequestHookShortCircuit(t *testing.T) {
	var controllerCalls, responseHookCalls int

	rt := NewRouter()
	rt.Use(func(c *Context) error {
		return ErrUnauthenticated
	})
	rt.UseResponse(func(r *Response) error {
		responseHookCalls++
		return nil
	})
	rt.Handle(func(c *Context) (any, error) {
		controllerCalls++
		return "never", nil
	})

	body, rec := serveJSON(t, rt, httptest.NewRequest("GET", "/users", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, StatusFailed, body["status"])
	assert.Equal(t, "Invalid authorization.", body["error"])
	assert.Equal(t, "error_unauthenticated", body["token"])
	assert.Equal(t, 0, controllerCalls, "controller must not run on a rejected request")
	assert.Equal(t, 1, responseHookCalls, "response hooks run on rejections too")
}

func TestHookOrder(t *testing.T) {
	var order []string

	rt := NewRouter()
	rt.Use(func(c *Context) error {
		order = append(order, "first")
		return nil
	})
	rt.Use(func(c *Context) error {
		order = append(order, "second")
		return ErrAccessDenied
	})
	rt.Use(func(c *Context) error {
		order = append(order, "third")
		return nil
	})
	rt.Handle(func(c *Context) (any, error) { return nil, nil })

	_, rec := serveJSON(t, rt, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestControllerError(t *testing.T) {
	rt := NewRouter()
	rt.Handle(func(c *Context) (any, error) {
		return nil, ErrAccessDenied
	})

	body, rec := serveJSON(t, rt, httptest.NewRequest("GET", "/secret", nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, StatusFailed, body["status"])
	assert.Equal(t, "error_access_denied", body["token"])
}

func TestMasqueradedError(t *testing.T) {
	rt := NewRouter()
	rt.Handle(func(c *Context) (any, error) {
		return nil, Masquerade(ErrAccessDenied)
	})

	body, rec := serveJSON(t, rt, httptest.NewRequest("GET", "/hidden", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Resource does not exist.", body["error"])
	assert.Equal(t, "error_not_found", body["token"])
}

func TestPanicRecovery(t *testing.T) {
	rt := NewRouter()
	rt.Handle(func(c *Context) (any, error) {
		panic("boom")
	})

	body, rec := serveJSON(t, rt, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, StatusFailed, body["status"])
	assert.Equal(t, ErrInternal.Message, body["error"])
	assert.Contains(t, body["debug"], "boom")
}

func TestResponseHookFailureReplacesEnvelope(t *testing.T) {
	rt := NewRouter()
	rt.UseResponse(func(r *Response) error {
		return ErrForbidden("error_response_hook", "hook rejected the response")
	})
	rt.Handle(func(c *Context) (any, error) { return "ok", nil })

	body, rec := serveJSON(t, rt, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, StatusFailed, body["status"])
	assert.Equal(t, "hook rejected the response", body["error"])
}

func TestExtraResponseValues(t *testing.T) {
	rt := NewRouter()
	rt.Use(func(c *Context) error {
		c.SetExtraResponse("notice", "maintenance at noon")
		return nil
	})
	rt.Handle(func(c *Context) (any, error) { return nil, nil })

	body, _ := serveJSON(t, rt, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, "maintenance at noon", body["notice"])
}

func TestRawResponse(t *testing.T) {
	rt := NewRouter()
	rt.Handle(func(c *Context) (any, error) {
		c.SetExtraResponse("mime", "text/plain")
		return "raw body", nil
	})

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest("GET", "/file?raw", nil))

	assert.Equal(t, "raw body", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
}

func TestPrettyResponse(t *testing.T) {
	rt := NewRouter()
	rt.Handle(func(c *Context) (any, error) {
		return map[string]any{"a": 1}, nil
	})

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest("GET", "/?pretty", nil))

	assert.True(t, strings.Contains(rec.Body.String(), "\n    \"status\""), "expected indented output: %s", rec.Body.String())
}

func TestEncodeFailureFallback(t *testing.T) {
	rt := NewRouter()
	rt.Handle(func(c *Context) (any, error) {
		// channels cannot be serialized
		return map[string]any{"ch": make(chan int)}, nil
	})

	body, rec := serveJSON(t, rt, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, StatusFailed, body["status"])
	assert.Equal(t, "Could not encode response.", body["error"])
}

func TestPingBuiltin(t *testing.T) {
	rt := NewRouter()

	body, rec := serveJSON(t, rt, httptest.NewRequest("GET", "/@ping", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusSuccess, body["status"])
	data, ok := body["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "pong", data["ping"])
}

func TestUnknownPathNotFound(t *testing.T) {
	rt := NewRouter()

	body, rec := serveJSON(t, rt, httptest.NewRequest("GET", "/NoSuchClass", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "error_not_found", body["token"])
}

func TestNoCacheHeaders(t *testing.T) {
	rt := NewRouter()
	rt.Handle(func(c *Context) (any, error) { return nil, nil })

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCorsOriginEcho(t *testing.T) {
	rt := NewRouter()
	rt.Handle(func(c *Context) (any, error) { return nil, nil })

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}
