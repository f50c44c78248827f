// Package model defines the knowledge-base tree types shared by every other
// package: persisted Items, Pages and Actions, the desired-state inputs
// accepted by reconciliation, the portable export Document and the error
// taxonomy.
//
// This package imports nothing internal. Storage, reconciliation and
// transport layers all depend on it, never the other way round.
//
// Ownership is strictly hierarchical: an Item owns its Pages, a Page owns
// its Actions. Children are kept in slices ordered by Position, and
// positions always form the dense sequence 0..n-1.
package model
