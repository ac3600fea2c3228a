package pulsar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"mime/multipart"
	"net/http"
	"reflect"
	"strings"

	"github.com/KarpelesLab/pjson"
	"github.com/KarpelesLab/pobj"
	"github.com/KarpelesLab/typutil"
	"github.com/KarpelesLab/webutil"
	"github.com/coder/websocket"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/sharebears/pulsar-core/cache"
)

// Context represents one inbound call as it travels through the hook pipeline.
// It is created per request, mutated only by request hooks, and discarded once
// the response has been serialized.
type Context struct {
	context.Context

	path  string // eg. "users/1:sessions"
	verb  string // "GET", etc
	reqid string // request ID

	req    *http.Request       // can be nil
	rw     http.ResponseWriter // can be nil
	params map[string]any      // parameters passed from POST?
	get    map[string]any      // GET parameters
	flags  map[string]bool     // flags, such as "raw" or "pretty"
	extra  map[string]any      // extra values in response

	objects    map[string]any
	inputJson  pjson.RawMessage
	identity   *Identity // resolved caller identity, set by the auth hook
	csrfOk     bool      // is csrf token OK?
	showProt   bool      // show protected fields?
	remoteAddr string    // effective source address, overrides the transport's
	accept     []string
	sink       ResponseSink
	router     *Router
	wsc        *websocket.Conn
}

const (
	MaxJsonDataLength       = int64(10<<20) + 1 // JSON max body size = 10MB
	MaxUrlEncodedDataLength = int64(1<<20) + 1  // urlencoded max body size = 1MB
	MaxMultipartFormLength  = int64(1<<28) + 1  // multipart form max size = 256MB
)

// New returns a bare context attached to this router, typically for calls
// originating outside HTTP (sockets, internal dispatch).
func (rt *Router) New(ctx context.Context, path, verb string) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	var reqid string
	if r, ok := ctx.Value("request_id").(string); ok && r != "" {
		reqid = r
	} else {
		reqid = uuid.Must(uuid.NewRandom()).String()
	}

	res := &Context{
		Context: cache.WithTracker(ctx),
		path:    strings.TrimLeft(path, "/"),
		verb:    verb,
		objects: make(map[string]any),
		flags:   make(map[string]bool),
		extra:   make(map[string]any),
		reqid:   reqid,
		router:  rt,
	}

	// collect objects injected upstream via WithObject
	for k, v := range getPreObjects(ctx) {
		res.objects[k] = v
	}

	return res
}

// NewHttp builds a context from an inbound HTTP request, parsing its
// parameters according to the request content type.
func (rt *Router) NewHttp(rw http.ResponseWriter, req *http.Request) (*Context, error) {
	res := rt.New(req.Context(), req.URL.Path, req.Method)
	err := res.SetHttp(rw, req)
	return res, err
}

func (c *Context) Value(v any) any {
	switch k := v.(type) {
	case **Context:
		*k = c
		return c
	case **http.Request:
		*k = c.req
		return c.req
	case **Identity:
		*k = c.identity
		return c.identity
	case string:
		switch k {
		case "input_json":
			return c.getInputJson()
		case "http_request":
			return c.req
		case "user_object":
			if c.identity == nil {
				return nil
			}
			return c.identity.User
		case "request_id":
			return c.reqid
		case "remote_addr":
			return c.RemoteAddr()
		}
		return c.Context.Value(v)
	default:
		return c.Context.Value(v)
	}
}

// SetIdentity records the resolved caller identity for this request. This is
// typically called by the authentication request hook.
func (c *Context) SetIdentity(id *Identity) {
	c.identity = id
}

// Identity returns the resolved caller identity, or nil for anonymous requests.
func (c *Context) Identity() *Identity {
	return c.identity
}

// SetCsrfValidated is used by request hooks to record whether the request came
// with a valid anti-forgery token for its session.
func (c *Context) SetCsrfValidated(ok bool) {
	c.csrfOk = ok
}

// SetRemoteAddr overrides the source address observed by all downstream
// collaborators. The auth hook uses this to suppress IP history.
func (c *Context) SetRemoteAddr(ip string) {
	c.remoteAddr = ip
}

// RemoteAddr returns the effective source address for this request.
func (c *Context) RemoteAddr() string {
	if c.remoteAddr != "" {
		return c.remoteAddr
	}
	if req := c.req; req != nil {
		ipp := webutil.ParseIPPort(req.RemoteAddr)
		if ipp != nil {
			return ipp.IP.String()
		}
	}

	return "127.0.0.1"
}

// SetParams sets the params passed to the API
func (c *Context) SetParams(v map[string]any) {
	c.params = v
}

// SetShowProtectedFields allows defining if fields flagged as protected should be shown or not
func (c *Context) SetShowProtectedFields(p bool) {
	c.showProt = p
}

// SetParam allows setting one individual parameter to the request
func (c *Context) SetParam(name string, v any) {
	if c.params == nil {
		c.params = make(map[string]any)
	}
	c.params[name] = v
}

// GetParams returns all the parameters associated with this request
func (c *Context) GetParams() map[string]any {
	return c.params
}

// GetParam returns one individual value from the current parameters, and can
// lookup values in submaps/etc by adding a dot between keys.
func (c *Context) GetParam(v string) any {
	if v == "" {
		return c.params
	}
	s := strings.Split(v, ".")
	var res any
	res = c.params

	for _, k := range s {
		if sub, ok := res.(map[string]any); ok {
			if res, ok = sub[k]; ok {
				continue
			} else {
				return nil
			}
		} else {
			return nil
		}
	}
	return res
}

func GetParam[T any](ctx context.Context, v string) (T, bool) {
	// use the pointer to nil → elem method to have the typ corresponding to T
	typ := reflect.TypeOf((*T)(nil)).Elem()

	var c *Context
	ctx.Value(&c)

	if c == nil {
		return reflect.Zero(typ).Interface().(T), false
	}

	res := c.GetParam(v)
	if res == nil {
		// not found, return empty value
		return reflect.Zero(typ).Interface().(T), false
	}
	// easy path, can be returned as is
	if rv, ok := res.(T); ok {
		return rv, true
	}

	final := reflect.Zero(typ).Interface().(T)
	err := typutil.Assign(&final, res)
	return final, err == nil
}

func (c *Context) GetQuery(v string) any {
	return c.get[v]
}

func (c *Context) GetQueryFull() map[string]any {
	return c.get
}

func (c *Context) GetParamTo(v string, obj any) error {
	sv := c.GetParam(v)
	if sv == nil {
		// variable not found
		return fs.ErrNotExist
	}

	// perform assign
	return typutil.Assign(obj, sv)
}

func (c *Context) SetPath(p string) {
	c.path = p
}

func (c *Context) GetPath() string {
	return c.path
}

func (c *Context) SetExtraResponse(k string, v any) {
	c.extra[k] = v
}

func (c *Context) GetExtraResponse(k string) any {
	return c.extra[k]
}

func (c *Context) SetFlag(flag string, val bool) {
	c.flags[flag] = val
}

// SetObject injects an object into the context that can be fetched with
// GetObject, bypassing the object registry.
func (c *Context) SetObject(typ string, obj any) {
	c.objects[typ] = obj
}

// SetResponseSink overrides where the final envelope is delivered. Used by
// the socket transports.
func (c *Context) SetResponseSink(s ResponseSink) {
	c.sink = s
}

// ResponseSink returns the sink envelopes for this request are delivered to,
// or nil when the request is served over plain HTTP. Controllers on a socket
// transport may use it to push interim envelopes before returning.
func (c *Context) ResponseSink() ResponseSink {
	return c.sink
}

func (c *Context) GetObject(typ string) any {
	obj, ok := c.objects[typ]
	if ok {
		return obj
	}
	o := pobj.Get(typ)
	if o == nil {
		return nil
	}
	paramName := strings.ReplaceAll(typ, "/", "_") + "__"
	id, ok := c.GetParam(paramName).(string)
	if !ok {
		return nil
	}
	res, _ := o.ById(c, id)
	if res != nil {
		// cache result
		c.objects[typ] = res
	}
	return res
}

func GetObject[T any](ctx context.Context, typ string) *T {
	var c *Context
	ctx.Value(&c)
	if c == nil {
		return nil
	}
	v, ok := c.GetObject(typ).(*T)
	if ok {
		return v
	}
	return nil
}

func (c *Context) RequestId() string {
	return c.reqid
}

func (c *Context) SetHttp(rw http.ResponseWriter, req *http.Request) error {
	c.req = req
	c.rw = rw
	c.verb = req.Method
	c.get = webutil.ParsePhpQuery(req.URL.RawQuery)

	if _, raw := c.get["raw"]; raw {
		c.flags["raw"] = true
	}
	if _, pretty := c.get["pretty"]; pretty {
		c.flags["pretty"] = true
	}

	// try to parse params
	if c.params != nil {
		return nil
	}

	switch c.req.Method {
	case "POST", "PATCH", "PUT":
		ct, params, err := mime.ParseMediaType(c.req.Header.Get("Content-Type"))
		if err != nil {
			return err
		}
		if req.ContentLength == 0 {
			if _, found := req.Header["Content-Length"]; !found {
				return ErrLengthRequired
			}
			// body is empty, ignore it
			// we do not fallback to get _ param because of request method
			return nil
		}

		body := c.req.Body
		if c.req.GetBody != nil {
			body, err = c.req.GetBody()
			if err != nil {
				return err
			}
		} else if req.ContentLength > 0 && req.ContentLength < MaxJsonDataLength {
			// store body for optional future use only up to maximum JSON data length
			b, e := io.ReadAll(c.req.Body)
			if e != nil {
				return e
			}
			c.req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(b)), nil }
			body, _ = c.req.GetBody()
		}

		switch ct {
		case "application/json":
			// parse json
			if req.ContentLength > MaxJsonDataLength {
				// reject body
				return ErrRequestEntityTooLarge
			}
			dec := pjson.NewDecoder(io.LimitReader(body, MaxJsonDataLength))
			dec.UseNumber()
			err := dec.Decode(&c.params)
			if err != nil {
				return fmt.Errorf("while reading json request body: %w", err)
			}
			return nil
		case "application/x-www-form-urlencoded":
			// parse url encoded
			if req.ContentLength > MaxUrlEncodedDataLength {
				// reject body
				return ErrRequestEntityTooLarge
			}
			b, e := io.ReadAll(io.LimitReader(body, MaxUrlEncodedDataLength))
			if e != nil {
				return e
			}
			p := webutil.ParsePhpQuery(string(b))
			if v, ok := p["_"]; ok {
				// _ contains json data, and overwrites any other parameter
				if v, ok := v.(string); ok {
					err := pjson.Unmarshal([]byte(v), &c.params)
					if err != nil {
						return fmt.Errorf("while reading json request body: %w", err)
					}
					return nil
				}
			}
			c.params = p
			return nil
		case "multipart/form-data":
			if req.ContentLength > MaxMultipartFormLength {
				// reject body
				return ErrRequestEntityTooLarge
			}
			// params should contain boundary
			boundary, ok := params["boundary"]
			if !ok {
				return http.ErrMissingBoundary
			}
			r := multipart.NewReader(io.LimitReader(body, MaxMultipartFormLength), boundary)

			p := make(map[string]any)

			for {
				part, err := r.NextPart()
				if err == io.EOF {
					break
				}
				if err != nil {
					return fmt.Errorf("while reading multipart form data: %w", err)
				}
				name := part.FormName()
				if name == "" {
					// ignore?
					continue
				}

				filename := part.FileName()

				b := &bytes.Buffer{}
				_, err = io.Copy(b, part)
				if err != nil {
					return err
				}

				if filename == "" {
					// normal value
					p[name] = b.String()
					continue
				}

				p[name] = map[string]any{"filename": filename, "data": b.Bytes()}
			}
			if v, ok := p["_"]; ok {
				// _ contains json data, and overwrites any other parameter
				if v, ok := v.(string); ok {
					err := pjson.Unmarshal([]byte(v), &c.params)
					if err != nil {
						return fmt.Errorf("while reading json request body: %w", err)
					}
					return nil
				}
			}
			c.params = p
			return nil
		default:
			// unsupported body
			return nil
		}
	}

	// use GET
	if v, ok := c.get["_"]; ok {
		// _ contains json data, and overwrites any other parameter
		if v, ok := v.(string); ok {
			return pjson.Unmarshal([]byte(v), &c.params)
		}
	} else {
		// fallback to this
		c.params = c.get
	}
	return nil
}

// wireRequest is the shape of one request as read from a socket transport.
type wireRequest struct {
	Id     any            `json:"id,omitempty" cbor:"id,omitempty"`
	Path   string         `json:"path" cbor:"path"`
	Verb   string         `json:"verb,omitempty" cbor:"verb,omitempty"`
	Params map[string]any `json:"params,omitempty" cbor:"params,omitempty"`
}

func (c *Context) applyWire(w *wireRequest) {
	c.path = strings.TrimLeft(w.Path, "/")
	if w.Verb != "" {
		c.verb = w.Verb
	} else {
		c.verb = "GET"
	}
	c.params = w.Params
	if w.Id != nil {
		c.extra["id"] = w.Id
	}
}

// NewChild spawns a sub-request sharing this context's identity and effective
// source address, decoding one wire request from data. Used by the websocket
// transport where a single authenticated connection multiplexes many calls.
func (c *Context) NewChild(data []byte, contentType string) (*Context, error) {
	n := c.router.New(c.Context, "", "")
	n.req = c.req
	n.identity = c.identity
	n.csrfOk = c.csrfOk
	n.showProt = c.showProt
	n.remoteAddr = c.RemoteAddr()
	for k, v := range c.objects {
		n.objects[k] = v
	}

	var w wireRequest
	var err error
	switch contentType {
	case "application/cbor":
		err = cbor.Unmarshal(data, &w)
	default:
		err = pjson.Unmarshal(data, &w)
	}
	if err != nil {
		return n, ErrBadRequest("error_bad_request", "unable to decode request: %w", err)
	}
	n.applyWire(&w)
	return n, nil
}

// SetDecoder blocks to read one wire request from the decoder and sets the
// context state from it. Used by the json socket transport.
func (c *Context) SetDecoder(dec *json.Decoder) error {
	var w wireRequest
	if err := dec.Decode(&w); err != nil {
		return err
	}
	c.applyWire(&w)
	return nil
}

// selectAcceptedType picks the first of options present in the request's
// Accept header, defaulting to the first option.
func (c *Context) selectAcceptedType(options ...string) string {
	if c.req != nil {
		accept := c.req.Header.Get("Accept")
		for _, o := range options {
			if strings.Contains(accept, o) {
				return o
			}
		}
	}
	return options[0]
}

func (c *Context) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	res, _ := c.Response()
	res.ServeHTTP(rw, req)
}
