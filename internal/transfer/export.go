package transfer

import (
	"context"
	"log/slog"

	"github.com/roach88/kbase/internal/blob"
	"github.com/roach88/kbase/internal/model"
	"github.com/roach88/kbase/internal/reconcile"
)

// Forest reads every Item with its full subtree in creation order.
// *reconcile.Engine is the production implementation.
type Forest interface {
	All(ctx context.Context) ([]model.Item, error)
}

// ExportOptions controls Export.
type ExportOptions struct {
	// EmbedImages inlines each page's image bytes as base64.
	EmbedImages bool
}

// Exporter serializes the forest.
type Exporter struct {
	forest Forest
	blobs  blob.Blobs
	clock  reconcile.Clock
	logger *slog.Logger
}

// NewExporter creates an Exporter. A nil clock uses the system clock.
func NewExporter(forest Forest, blobs blob.Blobs, clock reconcile.Clock, logger *slog.Logger) *Exporter {
	if clock == nil {
		clock = reconcile.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{forest: forest, blobs: blobs, clock: clock, logger: logger}
}

// Export returns every Item in creation order. It only fails when the tree
// store or, with EmbedImages, the content store is unreadable. A page whose
// image has vanished from the content store is exported without it.
func (x *Exporter) Export(ctx context.Context, opts ExportOptions) (*model.Document, error) {
	items, err := x.forest.All(ctx)
	if err != nil {
		return nil, err
	}

	doc := &model.Document{
		Version:    model.DocumentVersion,
		ExportedAt: x.clock.Now().UTC(),
		Items:      make([]model.DocItem, len(items)),
	}
	embedded := 0
	for i := range items {
		d := model.NewDocItem(&items[i])
		if opts.EmbedImages {
			for j := range d.Pages {
				p := &d.Pages[j]
				if p.ImageKey == "" {
					continue
				}
				data, err := x.blobs.Get(ctx, p.ImageKey)
				if blob.ErrNotFound.Has(err) {
					x.logger.Warn("exported page references a missing image", "page", p.ID, "key", p.ImageKey)
					p.ImageKey = ""
					continue
				}
				if err != nil {
					return nil, model.NewStorageError("read image "+p.ImageKey, err)
				}
				p.ImageData = data
				embedded++
			}
		}
		doc.Items[i] = d
	}

	x.logger.Info("forest exported", "items", len(doc.Items), "embedded_images", embedded)
	return doc, nil
}
