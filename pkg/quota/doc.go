// Package quota enforces token consumption for tenants.
//
// The engine layers three checks in front of the ledger: a configurable
// admission strategy (leaky bucket, token bucket, or fixed window) that
// smooths request bursts, an advisory balance cache that rejects
// obviously-exhausted tenants cheaply, and finally the ledger's atomic
// ApplyDelta, which is the only authority on whether a consume succeeds.
// Version conflicts from the ledger are retried up to a fixed bound.
package quota
