package pulsar

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/KarpelesLab/pjson"
	"github.com/coder/websocket"
	"github.com/fxamacker/cbor/v2"
)

// wsHub tracks the websocket peers attached to one router so events can be
// fanned out to them.
type wsHub struct {
	mu      sync.RWMutex
	clients map[string]*wsClient
}

type wsClient struct {
	ctx    *Context
	wsc    *websocket.Conn
	binary bool // cbor framing
	events chan any
	wlk    sync.Mutex // write lock, responses and broadcasts share the conn
}

func (cl *wsClient) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	cl.wlk.Lock()
	defer cl.wlk.Unlock()
	return cl.wsc.Write(ctx, typ, data)
}

func (h *wsHub) register(id string, cl *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients == nil {
		h.clients = make(map[string]*wsClient)
	}
	h.clients[id] = cl
}

func (h *wsHub) release(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
}

func (h *wsHub) list() []*wsClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	res := make([]*wsClient, 0, len(h.clients))
	for _, cl := range h.clients {
		res = append(res, cl)
	}
	return res
}

// BroadcastWS sends a message to ALL peers connected to this router's
// websocket endpoint. It should be formatted with at least something similar
// to: map[string]any{"status": "event", "data": ...}
func (rt *Router) BroadcastWS(ctx context.Context, data any) error {
	for _, cl := range rt.wsHub.list() {
		select {
		case cl.events <- data:
		default:
			// slow consumer, drop the event rather than stall the broadcaster
		}
	}
	return nil
}

// prepareWebsocket returns the upgrade response for the @ws built-in path.
// The upgrade inherits the context's resolved identity, so every call made
// over the socket is authenticated as the upgrading caller.
func (c *Context) prepareWebsocket() (any, error) {
	var opts *websocket.AcceptOptions
	if c.csrfOk {
		// csrf token is valid, so we accept any host
		opts = &websocket.AcceptOptions{InsecureSkipVerify: true}
	}

	res := &Response{
		Status: "upgrade",
		Code:   http.StatusSwitchingProtocols,
		ctx:    c,
		subhandler: func(rw http.ResponseWriter, req *http.Request) {
			wsc, err := websocket.Accept(rw, req, opts)
			if err != nil {
				// in this case, we already have a response sent to the client
				return
			}
			// determine if we should use binary or text protocol
			typ := c.selectAcceptedType("application/json", "application/cbor")
			c.accept = []string{typ}
			// switch rw to wsc
			c.rw = nil
			c.wsc = wsc
			c.handleWebsocket()
		},
	}

	return res, nil
}

func (c *Context) handleWebsocket() {
	defer c.wsc.CloseNow()

	cl := &wsClient{
		ctx:    c,
		wsc:    c.wsc,
		binary: c.accept[0] == "application/cbor",
		events: make(chan any, 32),
	}
	hub := &c.router.wsHub
	hub.register(c.reqid, cl)
	defer hub.release(c.reqid)

	var cancel func()
	c.Context, cancel = context.WithCancel(c.Context)
	defer cancel()

	go cl.eventLoop(c)

	c.wsc.SetReadLimit(128 * 1024)

	for {
		mt, dat, err := c.wsc.Read(c)
		if err != nil {
			return
		}

		switch mt {
		case websocket.MessageBinary:
			// handle as cbor
			if !c.serveWsMessage(cl, dat, "application/cbor", true) {
				return
			}
		case websocket.MessageText:
			// handle as json
			if !c.serveWsMessage(cl, dat, "application/json", false) {
				return
			}
		default:
		}
	}
}

// serveWsMessage runs one frame through the pipeline and delivers its
// envelope through the sub-request's sink. Returns false when the connection
// is no longer usable.
func (c *Context) serveWsMessage(cl *wsClient, dat []byte, contentType string, binary bool) bool {
	sub, err := c.NewChild(dat, contentType)
	sub.SetResponseSink(&websocketSink{ctx: c, cl: cl, cbor: binary})

	var res *Response
	if err != nil {
		res = sub.errorResponse(time.Now(), err)
	} else {
		res, _ = sub.Response()
	}

	if err := sub.ResponseSink().SendResponse(res); err != nil {
		c.wsc.Close(websocket.StatusInvalidFramePayloadData, err.Error())
		return false
	}
	return true
}

// eventLoop delivers broadcast events to one peer, encoded per its framing.
func (cl *wsClient) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-cl.events:
			if cl.binary {
				bin, err := cbor.Marshal(ev)
				if err != nil {
					continue
				}
				cl.write(ctx, websocket.MessageBinary, bin)
			} else {
				str, err := pjson.Marshal(ev)
				if err != nil {
					continue
				}
				cl.write(ctx, websocket.MessageText, str)
			}
		}
	}
}
