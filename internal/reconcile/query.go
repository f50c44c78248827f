package reconcile

import (
	"context"
	"strings"

	"github.com/roach88/kbase/internal/model"
	"github.com/roach88/kbase/internal/store"
)

// ListQuery selects item summaries.
type ListQuery struct {
	Kind   model.Kind // empty for every kind
	Limit  int        // <= 0 for no limit
	Offset int
}

// Get returns the full subtree of one Item.
func (e *Engine) Get(ctx context.Context, id string) (*model.Item, error) {
	it, err := e.store.GetItem(ctx, id)
	if err != nil {
		return nil, model.AsError("get item", notFoundOr(err, "item", id))
	}
	return it, nil
}

// List returns item summaries, most recently updated first.
func (e *Engine) List(ctx context.Context, q ListQuery) ([]model.ItemSummary, error) {
	if err := checkKind(q.Kind, true); err != nil {
		return nil, err
	}
	if q.Offset < 0 {
		return nil, fieldError("offset", "must not be negative")
	}
	summaries, err := e.store.ListSummaries(ctx, store.ListFilter{
		Kind:   q.Kind,
		Limit:  q.Limit,
		Offset: q.Offset,
	})
	if err != nil {
		return nil, model.AsError("list items", err)
	}
	return summaries, nil
}

// ByKind returns the full trees of every Item of one kind in creation order.
func (e *Engine) ByKind(ctx context.Context, kind model.Kind) ([]model.Item, error) {
	if err := checkKind(kind, false); err != nil {
		return nil, err
	}
	items, err := e.store.ListItems(ctx, kind)
	if err != nil {
		return nil, model.AsError("list items by kind", err)
	}
	return items, nil
}

// All returns the full trees of every Item in creation order.
func (e *Engine) All(ctx context.Context) ([]model.Item, error) {
	items, err := e.store.ListItems(ctx, "")
	if err != nil {
		return nil, model.AsError("list items", err)
	}
	return items, nil
}

// Search returns summaries of Items whose title contains q, compared
// case-insensitively, ordered by title. An empty kind searches every kind.
func (e *Engine) Search(ctx context.Context, q string, kind model.Kind) ([]model.ItemSummary, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, fieldError("q", "must not be empty")
	}
	if err := checkKind(kind, true); err != nil {
		return nil, err
	}
	summaries, err := e.store.Search(ctx, q, kind)
	if err != nil {
		return nil, model.AsError("search items", err)
	}
	return summaries, nil
}

func checkKind(kind model.Kind, allowEmpty bool) error {
	if kind == "" && allowEmpty {
		return nil
	}
	if !kind.Valid() {
		return fieldError("kind", "must be one of %v, got %q", model.Kinds, kind)
	}
	return nil
}
