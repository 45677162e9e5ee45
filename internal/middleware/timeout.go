package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aegis-network/aegis-node/internal/aegiserr"
	"github.com/aegis-network/aegis-node/internal/httputil"
)

const defaultRequestTimeout = 10 * time.Second

// Timeout bounds how long a single request may occupy the pipeline,
// surfacing aegiserr.DeadlineExceeded (spec §6.2 504) when the deadline
// passes before a response is written.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			tw := &timeoutResponseWriter{ResponseWriter: w, done: done}

			go func() {
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					tw.mu.Lock()
					wrote := tw.wroteHeader
					tw.mu.Unlock()
					if !wrote {
						httputil.WriteError(w, r, aegiserr.DeadlineExceeded())
					}
				}
			}
		})
	}
}

type timeoutResponseWriter struct {
	http.ResponseWriter
	mu          sync.Mutex
	wroteHeader bool
	done        chan struct{}
}

func (tw *timeoutResponseWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if !tw.wroteHeader {
		tw.wroteHeader = true
		tw.ResponseWriter.WriteHeader(code)
	}
}

func (tw *timeoutResponseWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	if !tw.wroteHeader {
		tw.wroteHeader = true
	}
	tw.mu.Unlock()
	return tw.ResponseWriter.Write(b)
}
