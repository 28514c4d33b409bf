package session

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const DefaultSessionKeyForContext = "artlot-default-session-context"

var ErrSessionNotFound = fmt.Errorf("session not found")

// cookieSpec holds the attributes of the session cookie.
type cookieSpec struct {
	name     string
	maxAge   time.Duration
	path     string
	domain   string
	secure   bool
	httpOnly bool
}

type middlewareConfig struct {
	contextKey string
	cookie     cookieSpec
}

type MiddlewareOption func(*middlewareConfig)

func WithSessionKeyForCookie(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.cookie.name = name
	}
}

func WithSessionKeyForContext(key string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.contextKey = key
	}
}

func WithCookieMaxAge(maxAge time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.cookie.maxAge = maxAge
	}
}

func WithCookiePath(path string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.cookie.path = path
	}
}

func WithCookieDomain(domain string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.cookie.domain = domain
	}
}

func WithCookieSecure(secure bool) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.cookie.secure = secure
	}
}

func WithCookieHTTPOnly(httpOnly bool) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.cookie.httpOnly = httpOnly
	}
}

func defaultConfig() middlewareConfig {
	return middlewareConfig{
		contextKey: DefaultSessionKeyForContext,
		cookie: cookieSpec{
			name:     "session",
			maxAge:   24 * time.Hour,
			path:     "/",
			secure:   true,
			httpOnly: true,
		},
	}
}

// GinMiddleware attaches a lazily-loaded session to each request and
// refreshes the session cookie after the handler chain runs.
func GinMiddleware(store IStore, opts ...MiddlewareOption) gin.HandlerFunc {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(c *gin.Context) {
		sessionID, err := c.Cookie(cfg.cookie.name)
		if err != nil || sessionID == "" {
			sessionID = uuid.New().String()
		}

		c.Set(cfg.contextKey, NewSession(c.Request.Context(), sessionID, store))

		c.Next()

		// Sliding expiry: every response pushes the cookie out again.
		c.SetCookie(
			cfg.cookie.name,
			sessionID,
			int(cfg.cookie.maxAge/time.Second),
			cfg.cookie.path,
			cfg.cookie.domain,
			cfg.cookie.secure,
			cfg.cookie.httpOnly,
		)
	}
}

// GetSession pulls the request session out of the context and ensures
// it is loaded before returning it.
func GetSession(ctx context.Context, opts ...MiddlewareOption) (ISession, error) {
	const op = "session.GetSession"
	cfg := middlewareConfig{contextKey: DefaultSessionKeyForContext}
	for _, opt := range opts {
		opt(&cfg)
	}

	v := ctx.Value(cfg.contextKey)
	if v == nil {
		return nil, ErrSessionNotFound
	}
	sess, ok := v.(ISession)
	if !ok {
		return nil, fmt.Errorf("%s: invalid session type in context", op)
	}
	if err := sess.Load(); err != nil {
		return nil, fmt.Errorf("%s: failed to load session: %w", op, err)
	}
	return sess, nil
}
