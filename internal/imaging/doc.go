// Package imaging validates uploaded images, normalizes them to a bounded
// canonical JPEG and writes the result to the content store.
//
// Pipeline: size check → header decode (format allow-list, pixel budget) →
// full decode → alpha flattened onto white → Catmull-Rom downscale into the
// bounding box (never upscale) → JPEG at a fixed quality → blob.Put.
//
// Nothing is written unless every step succeeds.
package imaging
