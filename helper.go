package pulsar

import (
	"context"
	"io"
	"io/fs"
	"net/http"
)

// GetRequestBody returns the current request's body if any, or an error
func GetRequestBody(ctx context.Context) (io.ReadCloser, error) {
	req, ok := ctx.Value("http_request").(*http.Request)
	if !ok || req == nil {
		return nil, fs.ErrNotExist
	}
	if req.GetBody == nil {
		return nil, fs.ErrNotExist
	}
	return req.GetBody()
}

// GetHeader returns the requested header or an empty string if not found
func GetHeader(ctx context.Context, hdr string) string {
	req, ok := ctx.Value("http_request").(*http.Request)
	if !ok || req == nil {
		return ""
	}
	return req.Header.Get(hdr)
}

// Cookie returns the value of the named request cookie, or an empty string.
func (c *Context) Cookie(name string) string {
	if c.req == nil {
		return ""
	}
	ck, err := c.req.Cookie(name)
	if err != nil {
		return ""
	}
	return ck.Value
}

// SecurePost ensures the request was a POST and carried a valid anti-forgery
// token. State-changing session endpoints call this before acting.
func SecurePost(ctx context.Context) error {
	var c *Context
	ctx.Value(&c)

	if c == nil {
		return ErrInsecureRequest
	}
	if c.verb != "POST" {
		return ErrInsecureRequest
	}
	if !c.csrfOk {
		return ErrInsecureRequest
	}
	return nil
}

// RequirePermission rejects the request unless the resolved identity holds
// perm. Anonymous requests are reported as unauthenticated rather than
// unauthorized.
func RequirePermission(ctx context.Context, perm string) error {
	id := GetIdentity(ctx)
	if id == nil {
		return ErrUnauthenticated
	}
	if !id.HasPermission(perm) {
		return ErrAccessDenied
	}
	return nil
}

// RequirePermissionMasquerade is RequirePermission for hidden endpoints: a
// permission failure is reported as a missing resource.
func RequirePermissionMasquerade(ctx context.Context, perm string) error {
	err := RequirePermission(ctx, perm)
	if e, ok := err.(*Error); ok && e == ErrAccessDenied {
		return Masquerade(e)
	}
	return err
}
