package pulsar

// RequestHook is a function type for intercepting requests before they are processed.
// Hooks can be used for authentication, authorization, logging, or request modification.
// Return an error to abort the request and return an error response to the client;
// the controller is never invoked in that case.
type RequestHook func(c *Context) error

// ResponseHook is a function type for intercepting responses before they are sent.
// Hooks are executed for all responses including error responses, so they see both
// the authorized and rejected paths of the pipeline.
type ResponseHook func(r *Response) error

// Controller produces the domain result for a request. When no controller is
// registered on a router, dispatch falls back to the object registry.
type Controller func(c *Context) (any, error)

// Router holds the ordered pipeline stages applied to each request. Hooks are
// registered explicitly at setup time; registration is not safe for concurrent
// use with serving.
type Router struct {
	requestHooks  []RequestHook
	responseHooks []ResponseHook
	controller    Controller
	wsHub         wsHub
	jsonHub       jsonHub
}

// NewRouter returns an empty router. Requests dispatch through the object
// registry until hooks and an optional controller are registered.
func NewRouter() *Router {
	return &Router{}
}

// Use appends a hook executed before each request, in registration order. The
// first hook returning an error short-circuits the pipeline.
func (rt *Router) Use(h RequestHook) {
	rt.requestHooks = append(rt.requestHooks, h)
}

// UseResponse appends a hook executed after a response envelope is built,
// including failure envelopes.
func (rt *Router) UseResponse(h ResponseHook) {
	rt.responseHooks = append(rt.responseHooks, h)
}

// Handle sets the controller invoked for requests on this router, replacing
// object-registry dispatch.
func (rt *Router) Handle(fn Controller) {
	rt.controller = fn
}
