// Package quotacache provides a fast, advisory view of tenant balances.
//
// The cache is never authoritative: a stale entry may cause an early deny
// (the ledger is then consulted on retry paths), but it can never grant
// quota the ledger would refuse, because every admit is confirmed by the
// ledger's atomic ApplyDelta. Entries carry a short TTL and are invalidated
// on every successful local mutation.
package quotacache
