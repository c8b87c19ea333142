// Package trace carries client correlation ids through contexts and HTTP headers.
package trace

import (
	"context"

	"github.com/google/uuid"
)

// Header is the HTTP header a client sets so server logs can be matched to client logs.
const Header = "X-Client-Trace-Id"

type ctxKey struct{}

// NewID returns a fresh correlation id.
func NewID() string {
	return uuid.NewString()
}

// WithID returns a copy of ctx carrying id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the id carried by ctx, or "".
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Ensure returns ctx and its id, attaching a new id when ctx has none.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := NewID()
	return WithID(ctx, id), id
}
