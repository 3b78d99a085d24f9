package requestctx

import (
	"context"

	"github.com/google/uuid"

	"github.com/mheaton/tollgate/internal/limits"
)

type contextKey string

const fiberLocalsKey = "requestctx"

// Key is the typed context key used for storing the RequestContext.
var Key contextKey = "tollgate/requestctx"

// Context captures the caller identity and limits resolved from the API key
// during authentication.
type Context struct {
	AccountID   uuid.UUID
	KeyID       uuid.UUID
	KeyRedacted string
	Plan        string
	Scopes      []string
	RateLimit   limits.Config
}

// LimiterKey is the Redis key space this caller's counters live under.
func (rc *Context) LimiterKey() string {
	return "key:" + rc.KeyID.String()
}

// HasScope reports whether the key grants a scope, with "*" as a wildcard.
func (rc *Context) HasScope(scope string) bool {
	for _, s := range rc.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

// WithContext embeds the request context into the parent context.
func WithContext(parent context.Context, rc *Context) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, Key, rc)
}

// FromContext retrieves the request context if present.
func FromContext(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	rc, ok := ctx.Value(Key).(*Context)
	return rc, ok
}

// FiberLocalsKey returns the key used in fiber.Locals for request context storage.
func FiberLocalsKey() string {
	return fiberLocalsKey
}
