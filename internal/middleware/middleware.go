package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"emberwatch/internal/logger"
	"emberwatch/internal/metrics"
	"emberwatch/internal/models"
	"emberwatch/internal/storage"
)

// DefaultAPIKeyHeader carries node and admin API keys.
const DefaultAPIKeyHeader = "X-API-Key"

// responseWriter wraps http.ResponseWriter to capture status and size
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Logging middleware logs all HTTP requests with structured logging
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
			r.Header.Set("X-Request-ID", requestID)
		}
		w.Header().Set("X-Request-ID", requestID)

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		log := logger.WithRequestID(requestID).With().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Logger()

		log.Debug().
			Int64("content_length", r.ContentLength).
			Str("user_agent", r.UserAgent()).
			Msg("request received")

		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		log.Info().
			Int("status", rw.status).
			Int("response_size", rw.size).
			Dur("duration_ms", duration).
			Msg("request completed")

		endpoint := routePattern(r)
		status := strconv.Itoa(rw.status)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, endpoint, status).Observe(duration.Seconds())
	})
}

// routePattern keeps path parameters out of metric labels.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// Recovery middleware recovers from panics and logs them
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log := logger.WithRequestID(r.Header.Get("X-Request-ID"))
				log.Error().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Interface("panic", err).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				metrics.PanicsRecovered.WithLabelValues("http_handler").Inc()

				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// Chain applies middlewares in order
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// NodeResolver looks up the node owning an API key.
type NodeResolver interface {
	NodeByAPIKey(ctx context.Context, apiKey string) (*models.Node, error)
}

type nodeKey struct{}

// NodeFromContext returns the node authenticated by NodeAuth.
func NodeFromContext(ctx context.Context) (*models.Node, bool) {
	n, ok := ctx.Value(nodeKey{}).(*models.Node)
	return n, ok
}

// WithNode stores n in ctx the way NodeAuth does.
func WithNode(ctx context.Context, n *models.Node) context.Context {
	return context.WithValue(ctx, nodeKey{}, n)
}

// NodeAuth authenticates the calling node by its API key and stores it in
// the request context. Unknown or inactive keys get 401.
func NodeAuth(nodes NodeResolver, header string) func(http.Handler) http.Handler {
	if header == "" {
		header = DefaultAPIKeyHeader
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := logger.WithComponent("auth")

			key := r.Header.Get(header)
			if key == "" {
				log.Warn().Str("path", r.URL.Path).Msg("missing node API key")
				writeError(w, http.StatusUnauthorized, "missing API key")
				return
			}

			node, err := nodes.NodeByAPIKey(r.Context(), key)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					log.Warn().Str("key_prefix", keyPrefix(key)).Msg("invalid node API key")
					writeError(w, http.StatusUnauthorized, "invalid API key")
					return
				}
				log.Error().Err(err).Msg("node lookup failed")
				writeError(w, http.StatusInternalServerError, "internal server error")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithNode(r.Context(), node)))
		})
	}
}

// AdminKey guards diagnostic endpoints with a static key. An empty key
// disables the check.
func AdminKey(key, header string) func(http.Handler) http.Handler {
	if header == "" {
		header = DefaultAPIKeyHeader
	}

	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(header)
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func keyPrefix(key string) string {
	if len(key) > 6 {
		return key[:6] + "..."
	}
	return "..."
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
