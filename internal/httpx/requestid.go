package httpx

import (
	"context"

	"github.com/google/uuid"
)

// RequestIDHeader carries the ID that ties a client call to the server's log line.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 128

type requestIDKey struct{}

// WithRequestID returns a copy of ctx carrying id. Requests sent through
// RequestIDTransport with this context reuse it.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request ID stored in ctx, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func newRequestID() string {
	return uuid.NewString()
}

// validRequestID accepts IDs a peer may choose: non-empty, bounded, and made of
// visible ASCII so they cannot break a log line.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}
