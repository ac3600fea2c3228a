package pulsar

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// jsonHub tracks the json-socket peers attached to one router, mirroring the
// websocket hub so each router is its own broadcast domain.
type jsonHub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*jsonclient
}

func (h *jsonHub) register(cl *jsonclient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients == nil {
		h.clients = make(map[uuid.UUID]*jsonclient)
	}
	h.clients[cl.id] = cl
}

func (h *jsonHub) release(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
}

func (h *jsonHub) list() []*jsonclient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	res := make([]*jsonclient, 0, len(h.clients))
	for _, c := range h.clients {
		res = append(res, c)
	}
	return res
}

// BroadcastJson sends a message to ALL peers connected to this router's json
// sockets. It should be formatted with at least something similar to:
// map[string]any{"status": "event", "data": ...}
func (rt *Router) BroadcastJson(ctx context.Context, data any) error {
	for _, c := range rt.jsonHub.list() {
		go c.Encode(data)
	}
	return nil
}

// MakeJsonUnixListener creates a UNIX socket at the given path and listens to
// it, running the full hook pipeline for each request received on it.
func (rt *Router) MakeJsonUnixListener(socketName string, extraObjects map[string]any) error {
	socketName, err := filepath.Abs(socketName)
	if err != nil {
		return err
	}
	// create a socket at path socketName
	os.Remove(socketName)
	if d := filepath.Dir(socketName); d != "." {
		os.MkdirAll(d, 0755)
	}
	s, err := net.ListenUnix("unix", &net.UnixAddr{Name: socketName})
	if err != nil {
		return err
	}

	go rt.listenJsonSocket(s, extraObjects)

	return nil
}

// listenJsonSocket listens to the given listener and instanciates a socket for each new connection
func (rt *Router) listenJsonSocket(l net.Listener, extraObjects map[string]any) {
	defer l.Close()

	for {
		c, err := l.Accept()
		if err != nil {
			slog.Error("json socket listen failed", "error", err)
			return
		}
		go rt.handleJsonClient(c, extraObjects)
	}
}

type jsonclient struct {
	c   net.Conn
	enc *json.Encoder
	wlk sync.Mutex // write lock
	id  uuid.UUID
}

func (cl *jsonclient) Encode(obj any) error {
	cl.wlk.Lock()
	defer cl.wlk.Unlock()

	return cl.enc.Encode(obj)
}

func (cl *jsonclient) run(obj *Context) {
	resp, _ := obj.Response()
	err := obj.ResponseSink().SendResponse(resp)
	if err != nil {
		slog.Error("failed to write json socket response", "error", err)
		cl.c.Close()
	}
}

// handleJsonClient is a goroutine that handles one end of a json socket
// connection, running each decoded request through the pipeline.
func (rt *Router) handleJsonClient(c net.Conn, extraObjects map[string]any) {
	defer c.Close()

	defer func() {
		if e := recover(); e != nil {
			slog.Error("recovered from panic in json client", "error", e)
		}
	}()

	cl := &jsonclient{
		c:   c,
		enc: json.NewEncoder(c),
		id:  uuid.Must(uuid.NewRandom()),
	}
	rt.jsonHub.register(cl)
	defer rt.jsonHub.release(cl.id)

	dec := json.NewDecoder(c)

	for {
		obj := rt.New(context.Background(), "", "")
		for k, v := range extraObjects {
			obj.SetObject(k, v)
		}
		obj.SetObject("@client", cl)
		obj.SetResponseSink(EncoderSink(cl))

		// SetDecoder will block to read and set context state based on one object read from the decoder
		err := obj.SetDecoder(dec)
		if err != nil {
			slog.Debug("json socket client closed", "error", err)
			return
		}
		// execute in background
		go cl.run(obj)
	}
}
