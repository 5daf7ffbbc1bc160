// Package store provides SQLite-backed persistence for the root authority.
//
// A single SQLiteStore owns every table: devices, consents, device codes,
// QR sessions, CSR requests, hub channels, the idempotency cache and the
// audit event ledger. All timestamps are stored as RFC 3339 UTC text.
// Callers receive sentinel errors (ErrNotFound, ErrDuplicate, ErrConflict)
// rather than driver errors.
//
// The store is the transactional boundary for every identity-affecting
// mutation: rotation revokes and inserts in one transaction, and the
// idempotency cache relies on a unique index for insert-or-conflict
// single-flight semantics.
package store
