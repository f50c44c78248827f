// Package reconcile implements the tree reconciliation engine.
//
// The engine is the only writer of the tree store. Callers describe the
// desired state of an Item's whole subtree (see model.ItemInput) and the
// engine converts the persisted rows into that state inside one SQLite
// transaction:
//
//	desired pages ──┬── matched (id persisted under this item) → update changed fields
//	                ├── new     (no id)                        → insert with actions
//	                └── removed (persisted, absent from input)  → delete, cascade actions
//
// The same partition is applied to each page's actions. Positions are
// recomputed from desired list order, so siblings always occupy 0..n-1.
//
// Images are the one non-transactional seam. Pending payloads are ingested
// into the content store before the transaction opens; keys that lose their
// last reference (or were ingested by a reconciliation that then failed)
// are handed to the Sweeper, which deletes them once it has confirmed no
// page refers to them. SweepAll is the periodic backstop.
//
// Concurrency: the engine holds an RWMutex. Reconciliations take it shared
// and rely on SQLite's single connection for serialization; forest-wide
// writes (ReplaceAll, Clear) and sweep deletions take it exclusively.
package reconcile
