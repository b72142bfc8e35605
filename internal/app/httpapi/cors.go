package httpapi

import (
	"net/http"
	"strconv"
	"strings"
)

// corsConfig mirrors the teacher's infrastructure/middleware.CORSConfig,
// trimmed to the fields the operator control surface actually needs: an
// allow-list of origins (or "*"), plus fixed method/header sets.
type corsConfig struct {
	allowedOrigins []string
	allowAll       bool
}

func newCORSConfig(allowedOrigins []string) corsConfig {
	cfg := corsConfig{allowedOrigins: allowedOrigins}
	for _, o := range allowedOrigins {
		if o == "*" {
			cfg.allowAll = true
			break
		}
	}
	return cfg
}

func (c corsConfig) isAllowed(origin string) bool {
	if c.allowAll {
		return true
	}
	for _, allowed := range c.allowedOrigins {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}

// wrapWithCORS handles preflight short-circuiting and response headers.
// Preflight OPTIONS requests are answered here, before auth ever sees them,
// matching the teacher's stated ordering rationale in httpapi/service.go.
func wrapWithCORS(next http.Handler, cfg corsConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := origin != "" && cfg.isAllowed(origin)
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", strings.Join([]string{
				http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions,
			}, ", "))
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-ID")
			w.Header().Set("Access-Control-Max-Age", strconv.Itoa(3600))
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
