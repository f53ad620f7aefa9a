// Package ledger is the single source of truth for tenant token balances.
//
// It stores per-tenant balances with an optimistic-concurrency version
// counter and an append-only entry history. Every balance mutation goes
// through ApplyDelta, which commits the balance update, the ledger entry,
// and any staged outbox record in one transaction.
package ledger
