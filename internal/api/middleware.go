package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/parleyhq/parley/internal/admission"
	"github.com/parleyhq/parley/internal/log"
)

type identityKey struct{}

var ctxKeyIdentity = identityKey{}

// identityFromContext retrieves the authenticated identity from the
// request context. Empty string and false if absent.
func identityFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyIdentity).(string)
	return id, ok
}

// loggingWriter wraps http.ResponseWriter to capture status and size.
type loggingWriter struct {
	w            http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (lw *loggingWriter) Header() http.Header {
	return lw.w.Header()
}

func (lw *loggingWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.w.WriteHeader(code)
}

func (lw *loggingWriter) Write(b []byte) (int, error) {
	if lw.statusCode == 0 {
		lw.statusCode = http.StatusOK
	}
	n, err := lw.w.Write(b)
	lw.bytesWritten += int64(n)
	return n, err
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController.
// The websocket upgrade needs the raw Hijacker underneath.
func (lw *loggingWriter) Unwrap() http.ResponseWriter {
	return lw.w
}

// recoveryMiddleware recovers from handler panics.
func recoveryMiddleware(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapper := &loggingWriter{w: w}

			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						"error", err,
						"path", r.URL.Path,
						"headers_sent", wrapper.statusCode != 0)

					if wrapper.statusCode == 0 {
						writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
					}
				}
			}()
			next.ServeHTTP(wrapper, r)
		})
	}
}

// loggingMiddleware logs request latency, status, and response size.
func loggingMiddleware(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapper, ok := w.(*loggingWriter)
			if !ok {
				wrapper = &loggingWriter{w: w}
			}

			next.ServeHTTP(wrapper, r)

			status := wrapper.statusCode
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", wrapper.bytesWritten,
				"duration", time.Since(start))
		})
	}
}

// authMiddleware resolves the caller's identity and stores it in the
// request context. Requests without a resolvable identity get 401.
func authMiddleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := auth.Authenticate(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyIdentity, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// admit wraps a handler with an admission check of the given cost.
// Denials become 429 with X-RateLimit-* and Retry-After headers; allowed
// requests carry the same X-RateLimit-* headers for client pacing.
func admit(ctrl Admitter, pol admission.Policy, cost int, logger log.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := identityFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}

		dec, err := ctrl.Check(r.Context(), identity, pol, cost)
		setRateLimitHeaders(w, dec)
		if err != nil {
			var denied *admission.DeniedError
			if errors.As(err, &denied) {
				w.Header().Set("Retry-After", strconv.Itoa(int(denied.Decision.RetryAfter.Seconds())))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			logger.Error("admission check failed", "identity", identity, "error", err)
			writeError(w, http.StatusServiceUnavailable, "admission_unavailable", "admission check failed")
			return
		}
		next(w, r)
	}
}

func setRateLimitHeaders(w http.ResponseWriter, dec admission.Decision) {
	if dec.Limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.Reset.Unix(), 10))
}
