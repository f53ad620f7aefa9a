// Package cli implements the tokend command line client.
//
// The CLI talks to a running tokend server over its HTTP API and is
// meant for operators and local development:
//
//	tokend status -tenant acme
//	tokend consume -tenant acme -amount 50
//	tokend consume -tenant acme -amount 50 -check
//	tokend history -tenant acme -limit 10
//	tokend purchase -tenant acme -tokens 1000 -amount-cents 999
//	tokend purchase -tenant acme -id <purchase-id>
//
// Mutating commands generate an idempotency key when -key is not given;
// pass -key to retry a specific operation safely.
package cli
