// Package payment wraps the external payment provider behind a small
// client interface.
//
// Charges and refunds both carry an idempotency key so a retried call
// after a timeout cannot double-bill. The provider's answer is reduced to
// confirmed or declined; transport and server failures surface as errors
// and leave the outcome unknown, which the purchase saga treats as
// retryable.
package payment
