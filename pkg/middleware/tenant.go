package middleware

import (
	"net/http"
	"strings"

	"github.com/leakytokens/tokend/pkg/contextkeys"
)

// Identity headers set by the edge proxy. Requests reach this service
// only through the gateway, which authenticates the caller and stamps
// these headers; the service trusts them as-is.
const (
	TenantIDHeader = "X-Tenant-ID"
	ScopesHeader   = "X-Tenant-Scopes"
)

// Tenant is the caller identity resolved for a request.
type Tenant struct {
	ID     string
	Scopes []string
}

// TenantMiddleware resolves tenant identity from the trusted gateway
// headers.
type TenantMiddleware struct {
	optional bool // If true, allow requests without a tenant
}

// NewTenantMiddleware creates a tenant identity middleware. With
// optional set, requests without a tenant header pass through without
// an identity; handlers that need one reject those themselves.
func NewTenantMiddleware(optional bool) *TenantMiddleware {
	return &TenantMiddleware{optional: optional}
}

// Handler wraps an HTTP handler with tenant resolution
func (m *TenantMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(TenantIDHeader))
		if tenantID == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			m.unauthorizedResponse(w, "missing tenant identity")
			return
		}

		tenant := &Tenant{
			ID:     tenantID,
			Scopes: parseScopes(r.Header.Get(ScopesHeader)),
		}

		ctx := contextkeys.WithTenant(r.Context(), tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *TenantMiddleware) unauthorizedResponse(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + message + `"}`))
}

// parseScopes splits the comma-separated scopes header, dropping empty
// entries.
func parseScopes(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	scopes := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

// GetTenant extracts the tenant identity from the request
func GetTenant(r *http.Request) *Tenant {
	ctx := r.Context().Value(contextkeys.TenantKey)
	if ctx == nil {
		return nil
	}
	tenant, ok := ctx.(*Tenant)
	if !ok {
		return nil
	}
	return tenant
}

// HasScope reports whether the tenant carries the given scope. The
// comparison ignores case and a ROLE_ prefix on either side.
func (t *Tenant) HasScope(scope string) bool {
	want := normalizeScope(scope)
	for _, s := range t.Scopes {
		if normalizeScope(s) == want {
			return true
		}
	}
	return false
}

// RequireScope creates middleware that checks for a specific scope
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := GetTenant(r)
			if tenant == nil {
				forbiddenResponse(w, "tenant identity required")
				return
			}

			if !tenant.HasScope(scope) {
				forbiddenResponse(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func forbiddenResponse(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	w.Write([]byte(`{"error":"` + message + `"}`))
}

func normalizeScope(scope string) string {
	s := strings.ToUpper(strings.TrimSpace(scope))
	return strings.TrimPrefix(s, "ROLE_")
}
