package transfer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/kbase/internal/blob"
	"github.com/roach88/kbase/internal/model"
	"github.com/roach88/kbase/internal/reconcile"
)

// Writer is the subset of *reconcile.Engine the importer drives.
type Writer interface {
	Get(ctx context.Context, id string) (*model.Item, error)
	Apply(ctx context.Context, itemID string, desired model.ItemInput) (reconcile.Result, error)
	ReplaceAll(ctx context.Context, inputs []model.ItemInput) ([]*model.Item, error)
}

// Importer applies documents through the reconciliation engine.
type Importer struct {
	writer Writer
	blobs  blob.Blobs
	logger *slog.Logger
}

// NewImporter creates an Importer.
func NewImporter(writer Writer, blobs blob.Blobs, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{writer: writer, blobs: blobs, logger: logger}
}

// Import validates doc and applies it in the given mode.
//
// A malformed document fails with a validation error before anything is
// applied. Replace is all-or-nothing and returns an error if any Item
// fails. Merge records per-Item failures in the Report and only returns an
// error when it could not continue at all.
func (x *Importer) Import(ctx context.Context, doc *model.Document, mode Mode) (*Report, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if verr := doc.Validate(); verr != nil {
		return nil, verr
	}

	report := newReport(mode)
	inputs := make([]model.ItemInput, len(doc.Items))
	for i := range doc.Items {
		inputs[i] = doc.Items[i].Input(mode == ModeMerge)
	}
	if err := x.checkImageKeys(ctx, inputs, report); err != nil {
		return nil, err
	}

	var err error
	switch mode {
	case ModeReplace:
		err = x.replace(ctx, doc, inputs, report)
	case ModeMerge:
		err = x.merge(ctx, doc, inputs, report)
	}
	if err != nil {
		return nil, err
	}

	x.logger.Info("document imported",
		"mode", mode,
		"items", len(doc.Items),
		"created", report.Counts[OutcomeCreated],
		"updated", report.Counts[OutcomeUpdated],
		"unchanged", report.Counts[OutcomeUnchanged],
		"failed", report.Failed(),
		"warnings", len(report.Warnings),
	)
	return report, nil
}

func (x *Importer) replace(ctx context.Context, doc *model.Document, inputs []model.ItemInput, report *Report) error {
	items, err := x.writer.ReplaceAll(ctx, inputs)
	if err != nil {
		return err
	}
	for i, it := range items {
		report.add(ItemResult{
			Index:    i,
			SourceID: doc.Items[i].ID,
			ID:       it.ID,
			Title:    it.Title,
			Kind:     it.Kind,
			Outcome:  OutcomeCreated,
		})
	}
	return nil
}

func (x *Importer) merge(ctx context.Context, doc *model.Document, inputs []model.ItemInput, report *Report) error {
	for i := range inputs {
		if err := ctx.Err(); err != nil {
			return model.NewStorageError("import aborted", err)
		}

		in := inputs[i]
		res := ItemResult{Index: i, SourceID: doc.Items[i].ID, Title: in.Title, Kind: in.Kind}

		target := ""
		if in.ID != "" {
			existing, err := x.writer.Get(ctx, in.ID)
			switch {
			case err == nil:
				target = in.ID
				scopeIDs(&in, &doc.Items[i], existing)
			case model.IsNotFound(err):
				dropIDs(&in)
			default:
				report.fail(res, err)
				continue
			}
		} else {
			dropIDs(&in)
		}

		applied, err := x.writer.Apply(ctx, target, in)
		if err != nil {
			report.fail(res, err)
			x.logger.Debug("import item failed", "index", i, "error", err)
			continue
		}

		res.ID = applied.Item.ID
		switch {
		case applied.Created:
			res.Outcome = OutcomeCreated
		case applied.Changed:
			res.Outcome = OutcomeUpdated
		default:
			res.Outcome = OutcomeUnchanged
		}
		report.add(res)
	}
	return nil
}

// checkImageKeys drops image references that cannot be honored: keys the
// content store never produced, keys it no longer holds and second uses of
// the same key within the document. Each drop is reported as a warning.
func (x *Importer) checkImageKeys(ctx context.Context, inputs []model.ItemInput, report *Report) error {
	used := make(map[string]string)
	for i := range inputs {
		for j := range inputs[i].Pages {
			p := &inputs[i].Pages[j]
			if p.ImageKey == "" {
				continue
			}
			where := fmt.Sprintf("items[%d].pages[%d]", i, j)

			if prev, dup := used[p.ImageKey]; dup {
				report.warnf("%s: image %s already used by %s, dropped", where, p.ImageKey, prev)
				p.ImageKey = ""
				continue
			}
			if !blob.ValidKey(p.ImageKey) {
				report.warnf("%s: image reference %q is not a stored image, dropped", where, p.ImageKey)
				p.ImageKey = ""
				continue
			}
			_, err := x.blobs.Stat(ctx, p.ImageKey)
			if blob.ErrNotFound.Has(err) {
				report.warnf("%s: image %s is not in the content store, dropped", where, p.ImageKey)
				p.ImageKey = ""
				continue
			}
			if err != nil {
				return model.NewStorageError("stat image", err)
			}
			used[p.ImageKey] = where
		}
	}
	return nil
}

// scopeIDs keeps only the page and action ids that belong to existing, so
// foreign ids in a merged document create new nodes instead of conflicting.
// An embedded image whose key the matched page already holds is not
// ingested again.
func scopeIDs(in *model.ItemInput, d *model.DocItem, existing *model.Item) {
	pages := make(map[string]*model.Page, len(existing.Pages))
	for i := range existing.Pages {
		pages[existing.Pages[i].ID] = &existing.Pages[i]
	}

	for i := range in.Pages {
		p := &in.Pages[i]
		cur, ok := pages[p.ID]
		if !ok {
			p.ID = ""
			for j := range p.Actions {
				p.Actions[j].ID = ""
			}
			continue
		}

		own := make(map[string]bool, len(cur.Actions))
		for _, a := range cur.Actions {
			own[a.ID] = true
		}
		for j := range p.Actions {
			if !own[p.Actions[j].ID] {
				p.Actions[j].ID = ""
			}
		}

		if p.Image != nil && cur.ImageKey != "" && d.Pages[i].ImageKey == cur.ImageKey {
			p.Image = nil
			p.ImageKey = cur.ImageKey
		}
	}
}

func dropIDs(in *model.ItemInput) {
	in.ID = ""
	for i := range in.Pages {
		in.Pages[i].ID = ""
		for j := range in.Pages[i].Actions {
			in.Pages[i].Actions[j].ID = ""
		}
	}
}
