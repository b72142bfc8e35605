package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const ctxTenantKey ctxKey = "httpapi.tenant"

// publicPaths never require a bearer token.
var publicPaths = map[string]struct{}{
	"/healthz":               {},
	"/v1/system/descriptors": {},
	"/metrics":               {},
}

// wrapWithAuth enforces a static bearer-token allow-list (config.AuthConfig.
// Tokens), mirroring the token-set branch of the teacher's httpapi/auth.go
// wrapWithAuth (this control surface has no end-user JWT issuance, so the
// JWTValidator branch is not carried over). An empty token set makes every
// non-public route unreachable, logged once at startup rather than per
// request.
func wrapWithAuth(next http.Handler, tokens []string, log *logrus.Entry) http.Handler {
	tokenSet := normaliseTokens(tokens)
	if len(tokenSet) == 0 && log != nil {
		log.Warn("httpapi: no auth tokens configured; all authenticated routes will reject requests")
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := publicPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		token := extractToken(r)
		if token == "" {
			unauthorised(w)
			return
		}
		if _, ok := tokenSet[token]; !ok {
			unauthorised(w)
			return
		}
		ctx := withTenant(r.Context(), r)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func withTenant(ctx context.Context, r *http.Request) context.Context {
	tenant := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
	if tenant == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxTenantKey, tenant)
}

func tenantFromCtx(ctx context.Context) string {
	tenant, _ := ctx.Value(ctxTenantKey).(string)
	return tenant
}

func extractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.Fields(header)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func normaliseTokens(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		set[t] = struct{}{}
	}
	return set
}

func unauthorised(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, fmt.Errorf("unauthorised"))
}
