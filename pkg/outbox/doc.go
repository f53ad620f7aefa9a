// Package outbox guarantees that usage and purchase events survive the gap
// between a ledger commit and external publication.
//
// Records are staged in the same transaction as their triggering ledger
// entry, then a dispatcher loop delivers them to the event channel in
// per-tenant creation order and marks them sent. Delivery is at-least-once:
// a crash between send and mark causes a redelivery, and consumers
// deduplicate by the embedded idempotency key. Exhausted retries mark the
// record failed and raise an operator alert instead of dropping it.
package outbox
