package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/conneroisu/strata/internal/logging"
)

// Authenticator guards mutating endpoints with a shared bearer token.
type Authenticator struct {
	token  []byte
	logger logging.Logger
}

// NewAuthenticator creates an authenticator. An empty token disables the
// check.
func NewAuthenticator(token string, logger logging.Logger) *Authenticator {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Authenticator{token: []byte(token), logger: logger.WithComponent("auth")}
}

// Enabled reports whether a token is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.token) > 0
}

// Authorized reports whether r carries the configured token in an
// "Authorization: Bearer" header.
func (a *Authenticator) Authorized(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return false
	}
	presented := []byte(strings.TrimSpace(header[len(prefix):]))
	return subtle.ConstantTimeCompare(presented, a.token) == 1
}

// Require rejects unauthorized requests with 401.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Authorized(r) {
			a.logger.Warn(r.Context(), nil, "Unauthorized request",
				"method", r.Method,
				"path", logging.SanitizeForLog(r.URL.Path),
				"client_ip", ClientIP(r),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="strata"`)
			WriteFailure(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
