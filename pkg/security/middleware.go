package security

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"runtime"
	"slices"
	"time"

	"github.com/codeGROOVE-dev/chatsock/pkg/logger"
)

// CombinedMiddleware applies request logging, panic recovery, security
// headers, per-IP rate limiting and CORS with an origin allowlist.
// A nil rl disables rate limiting. With a non-empty allowlist, requests
// carrying any other Origin (including WebSocket upgrades) get 403;
// requests without an Origin header pass.
func CombinedMiddleware(rl *RateLimiter, allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ip := ClientIP(r)
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			defer func() {
				if err := recover(); err != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)
					logger.Error(ctx, "panic recovered", nil, logger.Fields{
						"panic": err,
						"ip":    ip,
						"path":  r.URL.Path,
						"stack": string(buf[:n]),
					})
					if !wrapped.hijacked {
						http.Error(wrapped, "internal server error", http.StatusInternalServerError)
					}
				}

				fields := logger.Fields{
					"status":   wrapped.statusCode,
					"method":   r.Method,
					"path":     r.URL.Path,
					"ip":       ip,
					"duration": time.Since(start),
				}
				switch {
				case wrapped.hijacked:
					fields["upgraded"] = true
					logger.Debug(ctx, "http connection upgraded", fields)
				case wrapped.statusCode >= 400:
					fields["user_agent"] = r.UserAgent()
					logger.Warn(ctx, "http request failed", fields)
				default:
					logger.Debug(ctx, "http request", fields)
				}
			}()

			if rl != nil && !rl.Allow(ip) {
				logger.Warn(ctx, "rate limit exceeded", logger.Fields{"ip": ip, "path": r.URL.Path})
				http.Error(wrapped, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			wrapped.Header().Set("X-Content-Type-Options", "nosniff")
			wrapped.Header().Set("X-Frame-Options", "DENY")
			wrapped.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

			if origin := r.Header.Get("Origin"); origin != "" && len(allowedOrigins) > 0 {
				if slices.Contains(allowedOrigins, origin) {
					wrapped.Header().Set("Access-Control-Allow-Origin", origin)
					wrapped.Header().Set("Access-Control-Allow-Credentials", "true")
				} else {
					logger.Warn(ctx, "origin not allowed", logger.Fields{"origin": origin, "ip": ip, "path": r.URL.Path})
					http.Error(wrapped, "origin not allowed", http.StatusForbidden)
					return
				}
			}

			if r.Method == http.MethodOptions {
				wrapped.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				wrapped.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				wrapped.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(wrapped, r)
		})
	}
}

// responseWriter captures the status code. It passes Hijack through so
// WebSocket upgrades work behind the middleware.
type responseWriter struct {
	http.ResponseWriter

	statusCode int
	written    bool
	hijacked   bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.written = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, brw, err := h.Hijack()
	if err == nil {
		rw.hijacked = true
		rw.statusCode = http.StatusSwitchingProtocols
	}
	return conn, brw, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
