// Package api provides the tenant-facing HTTP API for quota decisions
// and token purchases.
//
// # Overview
//
// All routes are tenant-scoped; the tenant identity comes from trusted
// gateway headers resolved by pkg/middleware. Mutating routes require an
// Idempotency-Key header so retries never double-apply.
//
// # Routes
//
// Quota:
//
//	GET  /api/v1/quota              current balance
//	POST /api/v1/quota/check        advisory decision, no deduction
//	POST /api/v1/quota/consume      deduct tokens (Idempotency-Key required)
//	GET  /api/v1/quota/history      recent ledger entries
//
// Purchases:
//
//	POST /api/v1/purchases          start a purchase saga (Idempotency-Key required)
//	GET  /api/v1/purchases/{id}     saga state
//
// # Response Headers
//
// Quota decisions carry the conventional headers:
//
//	X-RateLimit-Limit: 1000
//	X-RateLimit-Remaining: 940
//	Retry-After: 6
//
// # Status Codes
//
// A denied consume answers 429 (insufficient balance or admission
// denied) or 400 (amount over the tier cap). Contention that exhausted
// retries answers 503; the caller re-sends with the same idempotency
// key. A purchase that parks mid-flight answers 202 and is finished by
// the recovery sweep.
package api
