package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/kbase/internal/model"
)

// Tx is an open transaction against the tree store.
// Obtain one through Store.WithTx.
type Tx struct {
	tx *sql.Tx
}

// InsertItem inserts the item row only; pages are inserted separately.
func (t *Tx) InsertItem(ctx context.Context, it *model.Item) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO items (id, title, title_fold, kind, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		it.ID,
		it.Title,
		foldTitle(it.Title),
		string(it.Kind),
		toMicros(it.CreatedAt),
		toMicros(it.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

// UpdateItem sets the mutable item fields. Kind and created_at never change.
func (t *Tx) UpdateItem(ctx context.Context, id, title string, updatedAt time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE items SET title = ?, title_fold = ?, updated_at = ?
		WHERE id = ?
	`, title, foldTitle(title), toMicros(updatedAt), id)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	return expectOneRow(res, "update item")
}

// DeleteItem removes an item; pages and actions go with it via cascade.
// Returns false if the item did not exist.
func (t *Tx) DeleteItem(ctx context.Context, id string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete item: rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteAllItems removes the whole forest and returns the number of items removed.
func (t *Tx) DeleteAllItems(ctx context.Context) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM items`)
	if err != nil {
		return 0, fmt.Errorf("delete all items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete all items: rows affected: %w", err)
	}
	return n, nil
}

// InsertPage inserts the page row only; actions are inserted separately.
func (t *Tx) InsertPage(ctx context.Context, p *model.Page) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO pages (id, item_id, title, time_estimate, image_key, position)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		p.ID,
		p.ItemID,
		p.Title,
		nullEstimate(p.TimeEstimate),
		nullKey(p.ImageKey),
		p.Position,
	)
	if err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

// UpdatePage rewrites the mutable page fields. The owning item never changes.
func (t *Tx) UpdatePage(ctx context.Context, p *model.Page) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE pages SET title = ?, time_estimate = ?, image_key = ?, position = ?
		WHERE id = ? AND item_id = ?
	`,
		p.Title,
		nullEstimate(p.TimeEstimate),
		nullKey(p.ImageKey),
		p.Position,
		p.ID,
		p.ItemID,
	)
	if err != nil {
		return fmt.Errorf("update page: %w", err)
	}
	return expectOneRow(res, "update page")
}

// DeletePage removes a page; its actions go with it via cascade.
func (t *Tx) DeletePage(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM pages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete page: %w", err)
	}
	return nil
}

// InsertAction inserts one action row.
func (t *Tx) InsertAction(ctx context.Context, a *model.Action) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO actions (id, page_id, text, position)
		VALUES (?, ?, ?, ?)
	`, a.ID, a.PageID, a.Text, a.Position)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// UpdateAction rewrites the mutable action fields. The owning page never changes.
func (t *Tx) UpdateAction(ctx context.Context, a *model.Action) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE actions SET text = ?, position = ?
		WHERE id = ? AND page_id = ?
	`, a.Text, a.Position, a.ID, a.PageID)
	if err != nil {
		return fmt.Errorf("update action: %w", err)
	}
	return expectOneRow(res, "update action")
}

// DeleteAction removes one action.
func (t *Tx) DeleteAction(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM actions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete action: %w", err)
	}
	return nil
}

func expectOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n != 1 {
		return fmt.Errorf("%s: %w", op, sql.ErrNoRows)
	}
	return nil
}
