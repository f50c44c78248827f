// Package store provides SQLite-backed durable storage for knowledge-base
// trees.
//
// Three tables hold the forest:
//   - items: root records (Incident or Instruction)
//   - pages: ordered steps, owned by an item (ON DELETE CASCADE)
//   - actions: ordered instructions, owned by a page (ON DELETE CASCADE)
//
// # Ordering
//
// Children carry an explicit position column. All reads return children
// ORDER BY position ASC, id ASC so that results are deterministic even if
// a caller managed to persist duplicate positions. The reconcile engine is
// the only writer and keeps positions dense.
//
// # Image ownership
//
// pages.image_key is UNIQUE: no two pages can reference the same stored
// image. The payloads themselves live in the content store (package blob).
//
// # Transactions
//
// Writes happen only inside WithTx. The pool is limited to one connection,
// so transactions are serialized and a read issued through Store while a
// transaction is open from the same goroutine would deadlock; code running
// inside WithTx must read through the Tx.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity and cascades
package store
