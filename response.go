package pulsar

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/KarpelesLab/pjson"
	"github.com/KarpelesLab/webutil"
)

// Response is the normalized envelope placed around every controller result.
// Status is always present; CsrfToken is set only for session-authenticated
// requests; CacheKeys only for callers holding the cache debug permission.
type Response struct {
	Status       string              `json:"status"` // success|failed|redirect
	Error        string              `json:"error,omitempty"`
	Token        string              `json:"token,omitempty"`
	Code         int                 `json:"code,omitempty"`
	Debug        string              `json:"debug,omitempty"`
	CsrfToken    string              `json:"csrf_token,omitempty"`
	CacheKeys    map[string][]string `json:"cache_keys,omitempty"`
	RequestId    string              `json:"request_id,omitempty"`
	Time         float64             `json:"time"`
	Data         any                 `json:"data"`
	RedirectURL  *url.URL            `json:"redirect_url,omitempty"`
	RedirectCode int                 `json:"redirect_code,omitempty"`
	err          error
	ctx          *Context
	subhandler   http.HandlerFunc
}

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

func (c *Context) errorResponse(start time.Time, err error) *Response {
	code := webutil.HTTPStatus(err)
	if code == 0 {
		code = http.StatusInternalServerError
	}
	if e, ok := err.(*webutil.Redirect); ok {
		res := &Response{
			Status:       "redirect",
			RedirectURL:  e.URL,
			RedirectCode: e.Code,
			Time:         float64(time.Since(start)) / float64(time.Second),
			RequestId:    c.reqid,
			err:          e,
			ctx:          c,
		}
		return res
	}

	res := &Response{
		Status:    StatusFailed,
		Error:     err.Error(),
		Code:      code,
		Time:      float64(time.Since(start)) / float64(time.Second),
		RequestId: c.reqid,
		err:       err,
		ctx:       c,
	}
	if obj, ok := err.(*Error); ok {
		res.Token = obj.Token
	}
	return res
}

// Response runs the full pipeline for this context: request hooks in order
// (the first failure rejects the request without invoking the controller),
// then the controller, then response hooks on whichever envelope resulted.
// Both the authorized and rejected paths converge here, so the caller always
// receives a well-formed envelope.
func (c *Context) Response() (res *Response, err error) {
	start := time.Now()

	defer func() {
		if e := recover(); e != nil {
			stack := debug.Stack()
			slog.Error("panic in api handler", "path", c.path, "error", e, "stack", string(stack))
			res = &Response{
				Status:    StatusFailed,
				Error:     ErrInternal.Message,
				Token:     ErrInternal.Token,
				Code:      http.StatusInternalServerError,
				Debug:     fmt.Sprintf("panic: %s", e),
				Time:      float64(time.Since(start)) / float64(time.Second),
				RequestId: c.reqid,
				err:       fmt.Errorf("panic: %s", e),
				ctx:       c,
			}
			err = res.err
		}
	}()

	var reqHooks []RequestHook
	var respHooks []ResponseHook
	if c.router != nil {
		reqHooks = c.router.requestHooks
		respHooks = c.router.responseHooks
	}

	for _, h := range reqHooks {
		if err = h(c); err != nil {
			// rejected before the controller; still normalize through the
			// response hooks so rejections carry the same envelope shape
			res = c.errorResponse(start, err)
			res = c.applyResponseHooks(start, respHooks, res)
			return res, err
		}
	}

	var val any
	if c.router != nil && c.router.controller != nil {
		val, err = c.router.controller(c)
	} else {
		val, err = c.Call() // dispatch through the object registry
	}

	if err != nil {
		res = c.errorResponse(start, err)
		res = c.applyResponseHooks(start, respHooks, res)
		return res, err
	}

	if obj, ok := val.(*Response); ok {
		// already a response object
		res = obj
		if res.ctx == nil {
			res.ctx = c
		}
		res.Time = float64(time.Since(start)) / float64(time.Second)
		res = c.applyResponseHooks(start, respHooks, res)
		return res, nil
	}

	res = &Response{
		Status:    StatusSuccess,
		Code:      http.StatusOK,
		Time:      float64(time.Since(start)) / float64(time.Second),
		RequestId: c.reqid,
		Data:      val,
		ctx:       c,
	}
	res = c.applyResponseHooks(start, respHooks, res)
	return res, nil
}

func (c *Context) applyResponseHooks(start time.Time, hooks []ResponseHook, res *Response) *Response {
	for _, h := range hooks {
		if err := h(res); err != nil {
			// a failing response hook replaces the envelope, it never
			// propagates as a transport fault
			return c.errorResponse(start, err)
		}
	}
	return res
}

func (r *Response) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	if r.subhandler != nil {
		r.subhandler(rw, req)
		return
	}
	r.serveWithContext(r.ctx, rw, req)
}

func (r *Response) getResponseData() any {
	res := make(map[string]any)
	if r.ctx != nil && r.ctx.extra != nil {
		for k, v := range r.ctx.extra {
			res[k] = v
		}
	}
	res["status"] = r.Status
	if r.Error != "" {
		res["error"] = r.Error
		res["code"] = r.Code
	}
	res["time"] = r.Time
	res["data"] = r.Data
	if r.RequestId != "" {
		res["request_id"] = r.RequestId
	}
	if r.RedirectURL != nil {
		res["redirect_url"] = r.RedirectURL
		if r.RedirectCode != 0 {
			res["redirect_code"] = r.RedirectCode
		}
	}
	if r.Token != "" {
		res["token"] = r.Token
	}
	if r.CsrfToken != "" {
		res["csrf_token"] = r.CsrfToken
	}
	if r.CacheKeys != nil {
		res["cache_keys"] = r.CacheKeys
	}

	return res
}

// encodeFailure is the envelope of last resort, produced when the payload
// itself cannot be serialized.
func (r *Response) encodeFailure() *Response {
	return &Response{
		Status:    StatusFailed,
		Error:     "Could not encode response.",
		Token:     ErrInternal.Token,
		Code:      http.StatusInternalServerError,
		Time:      r.Time,
		RequestId: r.RequestId,
		ctx:       r.ctx,
	}
}

func (r *Response) GetContext() *Context {
	return r.ctx
}

//go:noinline
func (r *Response) serveWithContext(ctx context.Context, rw http.ResponseWriter, req *http.Request) {
	// check req for HTTP Query flags: raw & pretty
	_, raw := r.ctx.flags["raw"]
	_, pretty := r.ctx.flags["pretty"]

	// add standard headers for API responses (no cache, cors)
	rw.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	rw.Header().Set("Expires", time.Now().Add(-365*86400*time.Second).Format(time.RFC1123))
	rw.Header().Set("Access-Control-Allow-Credentials", "true")
	if origin := req.Header.Get("Origin"); origin != "" {
		rw.Header().Set("Vary", "Accept-Encoding,Origin")
		rw.Header().Set("Access-Control-Allow-Origin", origin)
	} else {
		rw.Header().Set("Access-Control-Allow-Origin", "*")
	}

	if raw {
		if r.err != nil {
			webutil.ErrorToHttpHandler(r.err).ServeHTTP(rw, req)
			return
		}
		if mime, ok := r.ctx.extra["mime"].(string); ok {
			rw.Header().Set("Content-Type", mime)
		}

		switch v := r.Data.(type) {
		case string:
			rw.Write([]byte(v))
			return
		case []byte:
			rw.Write(v)
			return
		case io.Reader:
			_, err := io.Copy(rw, v)
			if fc, ok := v.(io.Closer); ok {
				fc.Close()
			}
			if err != nil {
				webutil.ErrorToHttpHandler(err).ServeHTTP(rw, req)
			}
			return
		default:
			// encode to json
			rw.Header().Set("Content-Type", "application/json; charset=utf-8")
			enc := pjson.NewEncoderContext(r.ctx, rw)
			if pretty {
				enc.SetIndent("", "    ")
			}
			err := enc.Encode(v)
			if err != nil {
				webutil.ErrorToHttpHandler(err).ServeHTTP(rw, req)
			}
			return
		}
	}

	// marshal before writing headers so an unencodable payload can still be
	// reported through the standard failure envelope
	body, err := pjson.MarshalContext(r.ctx, r.getResponseData())
	if err != nil {
		fallback := r.encodeFailure()
		body, err = pjson.MarshalContext(r.ctx, fallback.getResponseData())
		if err != nil {
			// fallback envelope contains only plain values, this should not happen
			webutil.ErrorToHttpHandler(err).ServeHTTP(rw, req)
			return
		}
		r = fallback
	}

	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	if r.Code != 0 {
		rw.WriteHeader(r.Code)
	}
	if pretty {
		// marshal already succeeded above, re-encoding with indent cannot fail
		enc := pjson.NewEncoderContext(r.ctx, rw)
		enc.SetIndent("", "    ")
		enc.Encode(r.getResponseData())
		runtime.KeepAlive(ctx)
		return
	}
	rw.Write(body)
	runtime.KeepAlive(ctx)
}
