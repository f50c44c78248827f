package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/kbase/internal/blob"
	"github.com/roach88/kbase/internal/model"
	"github.com/roach88/kbase/internal/store"
)

// pagePlan is the resolved target state of one desired page.
type pagePlan struct {
	in      *model.PageInput
	index   int         // position in the desired list
	current *model.Page // nil for new pages
	key     string      // desired image key, "" for none
}

// apply performs one reconciliation inside tx. in has been normalized,
// validated and had its pending payloads replaced by keys listed in fresh.
// It returns the reloaded item and the image keys that lost their page.
func (e *Engine) apply(ctx context.Context, tx *store.Tx, itemID string, in *model.ItemInput, fresh map[string]struct{}) (Result, []string, error) {
	now := stamp(e.clock)
	res := Result{}

	var cur *model.Item
	if itemID == "" {
		cur = &model.Item{
			ID:        e.ids.Generate(),
			Title:     in.Title,
			Kind:      in.Kind,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertItem(ctx, cur); err != nil {
			return res, nil, err
		}
		res.Created = true
		res.Changed = true
	} else {
		var err error
		cur, err = tx.GetItem(ctx, itemID)
		if err != nil {
			return res, nil, notFoundOr(err, "item", itemID)
		}
		if cur.Kind != in.Kind {
			return res, nil, model.NewConflictError("item", itemID,
				fmt.Sprintf("kind is immutable: cannot change %s to %s", cur.Kind, in.Kind))
		}
		if cur.Title != in.Title {
			res.Changed = true
		}
	}

	plans, removed, err := e.partitionPages(ctx, tx, cur, in)
	if err != nil {
		return res, nil, err
	}
	if err := e.checkImages(ctx, tx, cur, plans, fresh); err != nil {
		return res, nil, err
	}

	// Keys held by the persisted item that no desired page keeps.
	claimed := make(map[string]bool)
	for _, pl := range plans {
		if pl.key != "" {
			claimed[pl.key] = true
		}
	}
	var orphans []string
	for _, p := range cur.Pages {
		if p.ImageKey != "" && !claimed[p.ImageKey] {
			orphans = append(orphans, p.ImageKey)
		}
	}

	for _, p := range removed {
		if err := tx.DeletePage(ctx, p.ID); err != nil {
			return res, nil, err
		}
		res.Changed = true
	}

	// A key moving between two surviving pages of this item would trip the
	// UNIQUE index mid-way; release it from its old page first.
	for _, pl := range plans {
		c := pl.current
		if c == nil || c.ImageKey == "" || c.ImageKey == pl.key || !claimed[c.ImageKey] {
			continue
		}
		released := *c
		released.ImageKey = ""
		if err := tx.UpdatePage(ctx, &released); err != nil {
			return res, nil, err
		}
		c.ImageKey = ""
		res.Changed = true
	}

	for _, pl := range plans {
		changed, err := e.writePage(ctx, tx, cur.ID, pl)
		if err != nil {
			return res, nil, err
		}
		res.Changed = res.Changed || changed
	}

	if res.Changed && !res.Created {
		if err := tx.UpdateItem(ctx, cur.ID, in.Title, nextUpdate(cur.UpdatedAt, now)); err != nil {
			return res, nil, err
		}
	}

	item, err := tx.GetItem(ctx, cur.ID)
	if err != nil {
		return res, nil, fmt.Errorf("reload item: %w", err)
	}
	res.Item = item
	return res, orphans, nil
}

// partitionPages correlates desired pages with the persisted pages of cur.
// Unknown ids fail with NotFound, ids owned by another item with Conflict.
func (e *Engine) partitionPages(ctx context.Context, tx *store.Tx, cur *model.Item, in *model.ItemInput) ([]pagePlan, []model.Page, error) {
	existing := make(map[string]*model.Page, len(cur.Pages))
	for i := range cur.Pages {
		existing[cur.Pages[i].ID] = &cur.Pages[i]
	}

	plans := make([]pagePlan, len(in.Pages))
	kept := make(map[string]bool)
	for i := range in.Pages {
		pin := &in.Pages[i]
		pl := pagePlan{in: pin, index: i, key: desiredKey(pin)}
		if pin.ID != "" {
			p, ok := existing[pin.ID]
			if !ok {
				return nil, nil, foreignNode(ctx, "page", pin.ID, cur.ID, tx.PageOwner)
			}
			pl.current = p
			kept[pin.ID] = true
		}
		if err := checkActionIDs(ctx, tx, pl); err != nil {
			return nil, nil, err
		}
		plans[i] = pl
	}

	var removed []model.Page
	for _, p := range cur.Pages {
		if !kept[p.ID] {
			removed = append(removed, p)
		}
	}
	return plans, removed, nil
}

// checkActionIDs requires every desired action id to be a current action
// of the planned page. New pages have no actions to match.
func checkActionIDs(ctx context.Context, tx *store.Tx, pl pagePlan) error {
	own := make(map[string]bool)
	parent := "a new page"
	if pl.current != nil {
		parent = pl.current.ID
		for _, a := range pl.current.Actions {
			own[a.ID] = true
		}
	}
	for _, ain := range pl.in.Actions {
		if ain.ID != "" && !own[ain.ID] {
			return foreignNode(ctx, "action", ain.ID, parent, tx.ActionOwner)
		}
	}
	return nil
}

// foreignNode explains why id is not a child of parentID: NotFound when it
// does not exist at all, Conflict when another parent owns it.
func foreignNode(ctx context.Context, entity, id, parentID string, owner func(context.Context, string) (string, error)) error {
	ownerID, err := owner(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewNotFoundError(entity, id)
	}
	if err != nil {
		return err
	}
	return model.NewConflictError(entity, id,
		fmt.Sprintf("%s belongs to %s, not %s; nodes cannot be reparented", entity, ownerID, parentID))
}

// checkImages verifies every newly attached key: it must be unique within
// the desired item, exist in the content store and not belong to a page of
// another item.
func (e *Engine) checkImages(ctx context.Context, tx *store.Tx, cur *model.Item, plans []pagePlan, fresh map[string]struct{}) error {
	seen := make(map[string]int)
	for _, pl := range plans {
		if pl.key == "" {
			continue
		}
		if j, dup := seen[pl.key]; dup {
			return fieldError(pageField(pl.index)+".imageKey", "image %s is already used by %s", pl.key, pageField(j))
		}
		seen[pl.key] = pl.index
	}

	for _, pl := range plans {
		if pl.key == "" {
			continue
		}
		if _, ok := fresh[pl.key]; ok {
			continue
		}
		if pl.current != nil && pl.current.ImageKey == pl.key {
			continue
		}

		if _, err := e.blobs.Stat(ctx, pl.key); err != nil {
			if blob.ErrNotFound.Has(err) || blob.ErrInvalidKey.Has(err) {
				return fieldError(pageField(pl.index)+".imageKey", "image %s does not exist", pl.key)
			}
			return model.NewStorageError("stat image", err)
		}

		ownerPage, err := tx.ImageOwner(ctx, pl.key)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return err
		}
		if _, sameItem := pageOf(cur, ownerPage); sameItem {
			continue // moves between pages of this item, or off a removed page
		}
		return model.NewConflictError("image", pl.key, fmt.Sprintf("image is attached to page %s", ownerPage))
	}
	return nil
}

// writePage inserts or updates one page and reconciles its actions.
func (e *Engine) writePage(ctx context.Context, tx *store.Tx, itemID string, pl pagePlan) (bool, error) {
	want := model.Page{
		ItemID:       itemID,
		Title:        pl.in.Title,
		TimeEstimate: pl.in.TimeEstimate,
		ImageKey:     pl.key,
		Position:     pl.index,
	}

	var currentActions []model.Action
	changed := false
	if pl.current == nil {
		want.ID = e.ids.Generate()
		if err := tx.InsertPage(ctx, &want); err != nil {
			return false, err
		}
		changed = true
	} else {
		want.ID = pl.current.ID
		currentActions = pl.current.Actions
		if !samePage(pl.current, &want) {
			if err := tx.UpdatePage(ctx, &want); err != nil {
				return false, err
			}
			changed = true
		}
	}

	actionsChanged, err := e.writeActions(ctx, tx, want.ID, currentActions, pl.in.Actions)
	if err != nil {
		return false, err
	}
	return changed || actionsChanged, nil
}

// writeActions applies the matched/new/removed partition to one page's
// actions. Positions follow the desired order.
func (e *Engine) writeActions(ctx context.Context, tx *store.Tx, pageID string, current []model.Action, desired []model.ActionInput) (bool, error) {
	existing := make(map[string]*model.Action, len(current))
	for i := range current {
		existing[current[i].ID] = &current[i]
	}

	changed := false
	kept := make(map[string]bool)
	for i, ain := range desired {
		want := model.Action{PageID: pageID, Text: ain.Text, Position: i}
		if ain.ID == "" {
			want.ID = e.ids.Generate()
			if err := tx.InsertAction(ctx, &want); err != nil {
				return false, err
			}
			changed = true
			continue
		}

		a, ok := existing[ain.ID]
		if !ok {
			return false, foreignNode(ctx, "action", ain.ID, pageID, tx.ActionOwner)
		}
		kept[ain.ID] = true
		want.ID = a.ID
		if a.Text != want.Text || a.Position != want.Position {
			if err := tx.UpdateAction(ctx, &want); err != nil {
				return false, err
			}
			changed = true
		}
	}

	for _, a := range current {
		if kept[a.ID] {
			continue
		}
		if err := tx.DeleteAction(ctx, a.ID); err != nil {
			return false, err
		}
		changed = true
	}
	return changed, nil
}

// desiredKey is the image key a page input asks for.
func desiredKey(p *model.PageInput) string {
	if p.ClearImage {
		return ""
	}
	return p.ImageKey
}

func samePage(a, b *model.Page) bool {
	return a.Title == b.Title &&
		a.ImageKey == b.ImageKey &&
		a.Position == b.Position &&
		sameEstimate(a.TimeEstimate, b.TimeEstimate)
}

func sameEstimate(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func pageOf(it *model.Item, pageID string) (*model.Page, bool) {
	for i := range it.Pages {
		if it.Pages[i].ID == pageID {
			return &it.Pages[i], true
		}
	}
	return nil, false
}

func pageField(i int) string {
	return fmt.Sprintf("pages[%d]", i)
}

func itemField(i int) string {
	return fmt.Sprintf("items[%d]", i)
}
