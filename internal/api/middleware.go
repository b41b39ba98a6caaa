package api

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"grimm.is/gatekeep/internal/logging"
	"grimm.is/gatekeep/internal/metrics"
)

// metricsMiddleware records request counts and latency per route.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		if r.URL.Path == "/metrics" {
			return
		}
		path := routeLabel(r)
		m := metrics.Get()
		m.APIRequests.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		m.APILatency.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())

		if wrapped.statusCode >= 500 {
			s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", wrapped.statusCode)
		} else {
			s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", wrapped.statusCode,
				"duration", time.Since(start).Round(time.Millisecond).String())
		}
	})
}

// routeLabel collapses path parameters so metric cardinality stays bounded.
func routeLabel(r *http.Request) string {
	if p := r.Pattern; p != "" {
		// Pattern includes the method prefix, e.g. "GET /api/v1/...".
		if _, path, found := strings.Cut(p, " "); found {
			return path
		}
		return p
	}
	return r.URL.Path
}

// authMiddleware enforces the configured bearer token on /api routes.
// Health, metrics, and branding stay open for monitoring.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if s.Config != nil && s.Config.Auth != nil {
			token = s.Config.Auth.Token
		}
		if token == "" || !strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/api/v1/brand" {
			next.ServeHTTP(w, r)
			return
		}

		presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		// Websocket clients cannot set headers from browsers, so the event
		// stream also accepts the token as a query parameter.
		if presented == "" && r.URL.Path == "/api/v1/events" {
			presented = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			s.logger.Warn("rejected unauthenticated request", "path", r.URL.Path, "ip", getClientIP(r))
			WriteError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// auditMiddleware logs all state-changing operations
func (s *Server) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only audit mutating methods
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		logging.Audit(r.Method, r.URL.Path, map[string]any{
			"ip":         getClientIP(r),
			"status":     wrapped.statusCode,
			"user_agent": r.UserAgent(),
		})
	})
}

// maxBodyMiddleware limits the size of request bodies to prevent memory exhaustion.
func (s *Server) maxBodyMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			if r.ContentLength > maxBytes {
				http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Implement http.Flusher for streaming support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Implement http.Hijacker for websocket support
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijack not supported")
}
