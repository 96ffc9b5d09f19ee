// Package ctxutil carries the request-scoped values the middleware stack
// stamps onto every context: the authenticated user and the trace ids.
package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

// Default returns context.Background() when ctx is nil, so accessors stay
// safe on contexts that never passed through the middleware.
func Default(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

type userKeyType struct{}

var userKey userKeyType

// WithUserID stamps the authenticated user onto the context.
func WithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(Default(ctx), userKey, id)
}

// UserID returns the authenticated user, or uuid.Nil when the context does
// not carry one.
func UserID(ctx context.Context) uuid.UUID {
	if ctx == nil {
		return uuid.Nil
	}
	id, _ := ctx.Value(userKey).(uuid.UUID)
	return id
}
