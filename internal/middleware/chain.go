// Package middleware holds the HTTP middleware stack of the API server.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conneroisu/strata/internal/errors"
	"github.com/conneroisu/strata/internal/logging"
	"github.com/conneroisu/strata/internal/validation"
)

// Chain is an ordered middleware stack. The first middleware added is the
// outermost wrapper.
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a chain from the given middlewares, outermost first.
func NewChain(middlewares ...Middleware) *Chain {
	c := &Chain{middlewares: make([]Middleware, 0, len(middlewares))}
	for _, m := range middlewares {
		c.Add(m)
	}
	return c
}

// Add appends a middleware inside the ones already added. Nil is ignored.
func (c *Chain) Add(m Middleware) {
	if m != nil {
		c.middlewares = append(c.middlewares, m)
	}
}

// Count returns the number of middlewares in the chain.
func (c *Chain) Count() int {
	return len(c.middlewares)
}

// Apply wraps handler with every middleware.
//
// With middlewares [A, B, C] the request flows A -> B -> C -> handler.
func (c *Chain) Apply(handler http.Handler) http.Handler {
	if handler == nil {
		panic("middleware.Chain.Apply: handler cannot be nil")
	}

	wrapped := handler
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		wrapped = c.middlewares[i](wrapped)
		if wrapped == nil {
			panic(fmt.Sprintf("middleware.Chain.Apply: middleware at index %d returned nil handler", i))
		}
	}
	return wrapped
}

// RequestID assigns every request an id, reusing a well-formed incoming one.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if _, err := uuid.Parse(id); err != nil {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
		})
	}
}

// Logging logs one line per request.
func Logging(logger logging.Logger) Middleware {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			fields := []interface{}{
				"method", r.Method,
				"path", logging.SanitizeForLog(r.URL.Path),
				"status", status,
				"bytes", rec.bytes,
				"duration", time.Since(start),
				"request_id", RequestIDFromContext(r.Context()),
			}
			if status >= http.StatusInternalServerError {
				logger.Warn(r.Context(), nil, "HTTP request failed", fields...)
				return
			}
			logger.Debug(r.Context(), "HTTP request", fields...)
		})
	}
}

// Recover turns a handler panic into a 500 response.
func Recover(logger logging.Logger) Middleware {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					if v == http.ErrAbortHandler {
						panic(v)
					}
					err := errors.NewInternalError(errors.ErrCodeInternalError, fmt.Sprintf("panic: %v", v), nil)
					logger.Error(r.Context(), err, "Handler panicked",
						"path", logging.SanitizeForLog(r.URL.Path),
						"stack", string(debug.Stack()),
					)
					WriteFailure(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORS answers preflight requests and echoes allowed origins. An empty list
// allows no cross-origin callers; "*" allows every origin.
func CORS(allowedOrigins []string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && validation.ValidateOrigin(origin, allowedOrigins) == nil {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
				h.Set("Access-Control-Allow-Headers", strings.Join([]string{
					"Authorization", "Content-Type", "If-None-Match", RequestIDHeader,
				}, ", "))
				h.Set("Access-Control-Expose-Headers", "ETag, "+RequestIDHeader)
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders sets the response headers every API response carries.
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cross-Origin-Resource-Policy", "same-site")
			next.ServeHTTP(w, r)
		})
	}
}
