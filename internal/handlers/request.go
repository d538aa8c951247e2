package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	// multipart boundaries and part headers on top of the file itself
	formOverhead = 64 << 10
	maxMemory    = 8 << 20

	RequestIDHeader = "X-Request-Id"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID tags each request with a uuid, echoed in the response header
// and carried in the context for log fields.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
