// Package middleware provides HTTP middleware for tenant identity.
//
// # Overview
//
// Requests reach this service through an edge gateway that authenticates
// the caller and stamps trusted identity headers. This package resolves
// those headers into a Tenant carried on the request context:
//
//	X-Tenant-ID: tenant-1
//	X-Tenant-Scopes: ROLE_PRO, reporting
//
// # Usage Example
//
// Wrap a router with tenant resolution:
//
//	tenantMW := middleware.NewTenantMiddleware(false)
//	handler := tenantMW.Handler(router)
//
// Read the identity in a handler:
//
//	tenant := middleware.GetTenant(r)
//	if tenant == nil {
//		httputil.WriteUnauthorized(w, "tenant identity required")
//		return
//	}
//
// Scopes feed quota tier resolution; see pkg/quota.
package middleware
