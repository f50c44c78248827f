// Package transfer implements bulk export and import of the whole forest.
//
// Export produces a model.Document: every Item in creation order with its
// full subtree and identifiers, optionally embedding image bytes so the
// document restores into an empty database.
//
// Import validates a document and applies it in one of two modes:
//
//   - Replace discards the persisted forest and recreates every document
//     Item as new, in one transaction.
//   - Merge reconciles each document Item on its own: ids that name an
//     existing Item update it, anything else is created. A failing Item is
//     recorded in the Report and does not stop the rest.
//
// Documents are read and written as JSON (goccy/go-json) or YAML
// (yaml.v3). The grouped {"incidents": [...], "instructions": [...]}
// shape produced by earlier releases is accepted on import and can be
// produced on export.
package transfer
