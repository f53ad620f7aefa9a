// Package saga runs the token purchase workflow as a durable state
// machine.
//
// A purchase moves INITIATED -> PAYMENT_PENDING -> PAYMENT_CONFIRMED ->
// CREDITED, with PAYMENT_FAILED as the terminal decline branch and
// CREDIT_FAILED -> COMPENSATING -> COMPENSATED as the refund branch when
// the ledger credit cannot land after a confirmed payment. Every external
// call is keyed by the saga ID, so resuming a saga after a crash
// re-issues idempotent steps and converges on exactly one terminal
// state: a confirmed payment ends with either a credit or a refund,
// never both and never neither.
//
// Transitions are compare-and-swap updates on the persisted state, so a
// caller retry and the background recovery sweep can race on the same
// saga without double-driving a step.
package saga
