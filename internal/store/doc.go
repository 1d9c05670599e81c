// Package store provides the SQLite transaction manager and the attempts
// audit trail.
//
// # Transactions
//
// Store implements txn.Manager. Readwrite transactions:
//   - take a writer slot first; when every slot is taken Begin fails with
//     txn.ErrCapacity (backpressure, never retried)
//   - start with BEGIN IMMEDIATE, so a second writer learns about the lock
//     at begin time; SQLITE_BUSY and SQLITE_LOCKED become *txn.ConflictError
//
// Readonly transactions use deferred BEGIN on a separate pool and never take
// a writer slot. Tx.ExecContext refuses to run in them.
//
// # Audit trail
//
// Every attempt the engine makes is appended to the attempts table by the
// observer from AuditObserver, tagged with the correlation id and both
// identities of the authctx frame. Rows are ordered by id, which is
// insertion order.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout: how long a writer waits before reporting a conflict
//   - foreign_keys=ON: Enforce referential integrity
package store
