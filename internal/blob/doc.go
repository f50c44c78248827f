// Package blob implements the content store: durable keyed storage for
// image payloads, kept as flat files in a single directory.
//
// Keys are generated by the store on Put and are never reused. Writes go to
// a temporary file first and are renamed into place, so a key is either
// fully readable or absent. Deletes are not transactional with the tree
// store; callers that remove references hand keys to the orphan sweeper
// instead of deleting inline.
package blob
