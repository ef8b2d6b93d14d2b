package reqid

import (
	"context"

	"github.com/google/uuid"
)

type requestKey struct{}

type connectionKey struct{}

// NewContext returns a copy of parent with a fresh request ID stored.
// It also returns the generated ID.
func NewContext(parent context.Context) (context.Context, string) {
	id := uuid.NewString()
	return context.WithValue(parent, requestKey{}, id), id
}

// FromContext extracts the request ID from ctx.
// It returns the ID and whether it was present.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestKey{}).(string)
	return id, ok
}

// NewConnectionContext returns a copy of parent tagged with a fresh
// connection-scoped ID. Operation contexts derived from it inherit the
// connection ID alongside their own request IDs.
func NewConnectionContext(parent context.Context) (context.Context, string) {
	id := uuid.NewString()
	return context.WithValue(parent, connectionKey{}, id), id
}

// ConnectionFromContext extracts the connection ID from ctx.
func ConnectionFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(connectionKey{}).(string)
	return id, ok
}
