// Package middleware provides the ingress HTTP middleware chain: panic
// recovery, request logging, body limiting, and timeout enforcement,
// wrapped around the pipeline controller (spec §4.1, §7).
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/aegis-network/aegis-node/internal/aegiserr"
	"github.com/aegis-network/aegis-node/internal/aegislog"
	"github.com/aegis-network/aegis-node/internal/httputil"
)

// Recovery turns a panic anywhere downstream into a 500 response instead
// of killing the connection, so one misbehaving Wasm binding or route
// handler cannot take the whole node down.
func Recovery(logger *aegislog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					stack := debug.Stack()
					logger.WithContext(r.Context()).WithFields(map[string]interface{}{
						"panic":  fmt.Sprintf("%v", rec),
						"stack":  string(stack),
						"path":   r.URL.Path,
						"method": r.Method,
					}).Error("panic recovered")

					httputil.WriteError(w, r, aegiserr.Internal("internal server error", fmt.Errorf("%v", rec)))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
