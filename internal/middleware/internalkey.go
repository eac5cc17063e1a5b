// Package middleware provides HTTP middleware for the reporting service.
package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/stellarbeauty/relatorios/pkg/logger"
)

// InternalKeyHeader carries the shared secret for internal endpoints.
const InternalKeyHeader = "X-Internal-Key"

// InternalAuth guards the internal API surface with a shared key.
type InternalAuth struct {
	key []byte
	log *logger.Logger
}

// NewInternalAuth creates the guard. An empty key disables the protected
// endpoints entirely rather than leaving them open.
func NewInternalAuth(key string, log *logger.Logger) *InternalAuth {
	if log == nil {
		log = logger.NewDefault("internal-auth")
	}
	return &InternalAuth{key: []byte(key), log: log}
}

// Handler returns the auth middleware handler. Comparison is constant time.
func (a *InternalAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.key) == 0 {
			a.log.WithField("path", r.URL.Path).Warn("internal endpoint called with no key configured")
			http.Error(w, `{"error":"internal API disabled"}`, http.StatusServiceUnavailable)
			return
		}

		presented := []byte(r.Header.Get(InternalKeyHeader))
		if len(presented) != len(a.key) || subtle.ConstantTimeCompare(presented, a.key) != 1 {
			a.log.WithField("path", r.URL.Path).
				WithField("remote", r.RemoteAddr).
				Warn("internal endpoint rejected")
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
