package rotation

import (
	"context"
	"net/http"
)

// Ensurer is satisfied by *Engine.
type Ensurer interface {
	EnsureTodayEncryption(ctx context.Context)
}

// Middleware runs the daily rotation check before every request is served.
func Middleware(e Ensurer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			e.EnsureTodayEncryption(r.Context())
			next.ServeHTTP(w, r)
		})
	}
}
