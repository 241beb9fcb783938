// Package trace provides correlation ID generation and context propagation so
// that every audit record and log line produced while serving one request can
// be tied back to it.
package trace

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Header is the inbound HTTP header a caller may use to supply its own
// correlation ID. Absent or empty, the broker generates one.
const Header = "X-Correlation-Id"

// corrKey is the unexported context key used to store the correlation ID.
type corrKey struct{}

// NewID generates a fresh correlation ID.
func NewID() string {
	return "c_" + uuid.NewString()
}

// WithID returns a child context carrying the given correlation ID.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey{}, id)
}

// FromContext extracts the correlation ID from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(corrKey{}).(string); ok {
		return v
	}
	return ""
}

// FromRequest returns the request's correlation ID, preferring the caller's
// X-Correlation-Id header over a freshly generated one.
func FromRequest(r *http.Request) string {
	if id := r.Header.Get(Header); id != "" && len(id) <= 128 {
		return id
	}
	return NewID()
}
