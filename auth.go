package pulsar

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sharebears/pulsar-core/cache"
)

// AuthMethod identifies how a request authenticated.
type AuthMethod int

const (
	AuthNone AuthMethod = iota
	AuthAPIKey
	AuthSession
)

// NoIPSentinel replaces the source address of callers whose IP history must
// not be recorded.
const NoIPSentinel = "0.0.0.0"

// Permissions consumed by the pipeline itself.
const (
	PermNoIPHistory   = "no_ip_history"
	PermViewCacheKeys = "view_cache_keys"
)

// Identity is the resolved principal associated with a request's credential.
// It is produced by an IdentityResolver and only read by the hook layer.
type Identity struct {
	User        any    // domain user object, available via GetUser[T]
	UserID      int64  // unique identifier of the principal
	KeyID       string // identifier of the credential used (key hash / session id)
	Method      AuthMethod
	CSRFToken   string // session anti-forgery token, session auth only
	Permissions map[string]bool
}

// HasPermission reports whether the identity carries the given permission.
func (id *Identity) HasPermission(perm string) bool {
	return id != nil && perm != "" && id.Permissions[perm]
}

// RequestMeta carries the request attributes an identity resolver may record
// against a credential. IP holds the effective address, already masked when
// the caller suppresses IP history.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// IdentityResolver turns raw credential material into a caller identity.
// Implementations return *Error values (ErrUnauthenticated, ErrAccountDisabled,
// ErrAccountLocked) to describe resolution failures.
type IdentityResolver interface {
	APIKey(ctx context.Context, raw string, meta RequestMeta) (*Identity, error)
	Session(ctx context.Context, raw string, meta RequestMeta) (*Identity, error)
}

// Quota is a request allowance over a rolling window.
type Quota struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// AuthHook gates access before any controller executes and decorates outbound
// envelopes with authentication metadata. Register attaches both halves to a
// router.
type AuthHook struct {
	Resolver IdentityResolver
	Cache    *cache.Cache // rate limit counters; nil disables rate limiting
	Config   *Config
	// AllowAnonymous admits requests without credentials, subject to the
	// harsher anonymous rate limit. When false a missing credential rejects
	// the request before the controller.
	AllowAnonymous bool
}

// Register attaches the hook pair to a router.
func (h *AuthHook) Register(rt *Router) {
	rt.Use(h.Request)
	rt.UseResponse(h.Response)
}

// Request is the pre-request stage: it resolves the caller's credential,
// applies the IP history override, and enforces rate limits. A returned error
// short-circuits the pipeline before the controller runs.
func (h *AuthHook) Request(c *Context) error {
	meta := RequestMeta{IP: c.RemoteAddr(), UserAgent: GetHeader(c, "User-Agent")}

	if raw, ok := parseTokenHeader(GetHeader(c, "Authorization")); ok {
		id, err := h.Resolver.APIKey(c, raw, meta)
		if err != nil {
			return asAuthError(err)
		}
		return h.admit(c, id)
	}

	if ck := c.Cookie("session"); ck != "" {
		id, err := h.Resolver.Session(c, ck, meta)
		if err != nil {
			return asAuthError(err)
		}
		if id.CSRFToken != "" &&
			subtle.ConstantTimeCompare([]byte(GetHeader(c, "X-CSRF-Token")), []byte(id.CSRFToken)) == 1 {
			c.SetCsrfValidated(true)
		}
		return h.admit(c, id)
	}

	if !h.AllowAnonymous {
		return ErrUnauthenticated
	}
	return h.limit(c, "rate_limit_unauth_"+meta.IP, h.anonQuota(), "Unauthenticated")
}

func (h *AuthHook) admit(c *Context, id *Identity) error {
	if id.HasPermission(PermNoIPHistory) {
		// privacy override, not an error: downstream collaborators must only
		// ever observe the sentinel address
		c.SetRemoteAddr(NoIPSentinel)
	}
	if h.Config != nil {
		if err := h.limit(c, fmt.Sprintf("rate_limit_api_key_%s", id.KeyID), h.Config.RateLimitPerKey, "Client"); err != nil {
			return err
		}
		if err := h.limit(c, fmt.Sprintf("rate_limit_user_%d", id.UserID), h.Config.RateLimitPerUser, "User"); err != nil {
			return err
		}
	}
	c.SetIdentity(id)
	return nil
}

func (h *AuthHook) anonQuota() Quota {
	if h.Config != nil {
		return h.Config.RateLimitAnon
	}
	return Quota{}
}

func (h *AuthHook) limit(ctx context.Context, key string, q Quota, scope string) error {
	if h.Cache == nil || q.Requests <= 0 {
		return nil
	}
	n, err := h.Cache.Inc(ctx, key, 1, q.Window)
	if err != nil {
		// a degraded counter backend must not reject traffic
		slog.Warn("rate limit backend unavailable", "key", key, "error", err)
		return nil
	}
	if n > int64(q.Requests) {
		ttl, _ := h.Cache.TTL(ctx, key)
		return ErrTooManyRequests("error_rate_limit",
			"%s rate limit exceeded. %d seconds until lock expires.", scope, int(ttl/time.Second))
	}
	return nil
}

// Response is the post-response stage: it attaches the session anti-forgery
// token and, for operators holding the debug permission, the cache keys
// touched while serving the request. It runs for every envelope, including
// rejections, and never fails the pipeline.
func (h *AuthHook) Response(r *Response) error {
	c := r.GetContext()
	if c == nil {
		return nil
	}
	id := c.Identity()
	if id == nil {
		return nil
	}
	if id.Method == AuthSession {
		r.CsrfToken = id.CSRFToken
	}
	if id.HasPermission(PermViewCacheKeys) {
		if t := cache.TrackerFrom(c); t != nil {
			if keys := t.Keys(); len(keys) > 0 {
				r.CacheKeys = keys
			}
		}
	}
	return nil
}

// GetIdentity returns the resolved caller identity for the request, or nil.
func GetIdentity(ctx context.Context) *Identity {
	var id *Identity
	ctx.Value(&id)
	return id
}

// parseTokenHeader extracts an API key from an Authorization header in the
// form "Token <api key>".
func parseTokenHeader(auth string) (string, bool) {
	if auth == "" {
		return "", false
	}
	parts := strings.Fields(auth)
	if len(parts) == 2 && parts[0] == "Token" {
		return parts[1], true
	}
	return "", false
}

func asAuthError(err error) error {
	if _, ok := err.(*Error); ok {
		return err
	}
	return ErrUnauthenticated
}
