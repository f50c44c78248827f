package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/kbase/internal/model"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ListFilter selects item summaries.
type ListFilter struct {
	Kind   model.Kind // empty for all kinds
	Limit  int        // <= 0 for no limit
	Offset int
}

// GetItem loads an item with its full subtree.
// Returns sql.ErrNoRows if not found.
func (s *Store) GetItem(ctx context.Context, id string) (*model.Item, error) {
	return loadItem(ctx, s.db, id)
}

// GetItem loads an item with its full subtree inside the transaction.
// Returns sql.ErrNoRows if not found.
func (t *Tx) GetItem(ctx context.Context, id string) (*model.Item, error) {
	return loadItem(ctx, t.tx, id)
}

// ListItems returns full trees ordered by creation time, then id.
// An empty kind selects every item.
func (s *Store) ListItems(ctx context.Context, kind model.Kind) ([]model.Item, error) {
	return loadForest(ctx, s.db, kind)
}

// ListItems returns full trees inside the transaction.
func (t *Tx) ListItems(ctx context.Context, kind model.Kind) ([]model.Item, error) {
	return loadForest(ctx, t.tx, kind)
}

// ListSummaries returns item summaries, most recently updated first.
func (s *Store) ListSummaries(ctx context.Context, f ListFilter) ([]model.ItemSummary, error) {
	query := summarySelect
	var args []any
	if f.Kind != "" {
		query += ` WHERE i.kind = ?`
		args = append(args, string(f.Kind))
	}
	query += ` ORDER BY i.updated_at DESC, i.id ASC`
	switch {
	case f.Limit > 0:
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	case f.Offset > 0:
		// SQLite requires a LIMIT before OFFSET; -1 means unbounded.
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, f.Offset)
	}
	return querySummaries(ctx, s.db, query, args...)
}

// Search returns summaries of items whose title contains q, ignoring case.
// Results are ordered by title.
func (s *Store) Search(ctx context.Context, q string, kind model.Kind) ([]model.ItemSummary, error) {
	query := summarySelect + ` WHERE i.title_fold LIKE ? ESCAPE '\'`
	args := []any{likePattern(q)}
	if kind != "" {
		query += ` AND i.kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY i.title_fold ASC, i.id ASC`
	return querySummaries(ctx, s.db, query, args...)
}

// ReferencedImageKeys returns every image key currently owned by a page.
func (s *Store) ReferencedImageKeys(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT image_key FROM pages WHERE image_key IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query image keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan image key: %w", err)
		}
		keys[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate image keys: %w", err)
	}
	return keys, nil
}

// ImageReferenced reports whether any page owns key.
func (s *Store) ImageReferenced(ctx context.Context, key string) (bool, error) {
	_, err := imageOwner(ctx, s.db, key)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PageOwner returns the id of the item owning page id.
// Returns sql.ErrNoRows if the page does not exist.
func (t *Tx) PageOwner(ctx context.Context, id string) (string, error) {
	var itemID string
	err := t.tx.QueryRowContext(ctx, `SELECT item_id FROM pages WHERE id = ?`, id).Scan(&itemID)
	if err != nil {
		return "", wrapRead("page owner", err)
	}
	return itemID, nil
}

// ActionOwner returns the page owning action id.
// Returns sql.ErrNoRows if the action does not exist.
func (t *Tx) ActionOwner(ctx context.Context, id string) (string, error) {
	var pageID string
	err := t.tx.QueryRowContext(ctx, `SELECT page_id FROM actions WHERE id = ?`, id).Scan(&pageID)
	if err != nil {
		return "", wrapRead("action owner", err)
	}
	return pageID, nil
}

// ImageOwner returns the id of the page owning image key.
// Returns sql.ErrNoRows if no page references it.
func (t *Tx) ImageOwner(ctx context.Context, key string) (string, error) {
	return imageOwner(ctx, t.tx, key)
}

func imageOwner(ctx context.Context, q querier, key string) (string, error) {
	var pageID string
	err := q.QueryRowContext(ctx, `SELECT id FROM pages WHERE image_key = ?`, key).Scan(&pageID)
	if err != nil {
		return "", wrapRead("image owner", err)
	}
	return pageID, nil
}

// wrapRead passes sql.ErrNoRows through unwrapped so callers can compare
// it directly, and wraps anything else.
func wrapRead(op string, err error) error {
	if err == sql.ErrNoRows {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

const itemColumns = `i.id, i.title, i.kind, i.created_at, i.updated_at`

const summarySelect = `
	SELECT ` + itemColumns + `,
		(SELECT COUNT(*) FROM pages p WHERE p.item_id = i.id)
	FROM items i`

func loadItem(ctx context.Context, q querier, id string) (*model.Item, error) {
	row := q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items i WHERE i.id = ?`, id)
	it, err := scanItem(row)
	if err != nil {
		return nil, wrapRead("load item", err)
	}

	forest := []model.Item{it}
	if err := attachChildren(ctx, q, forest, `i.id = ?`, id); err != nil {
		return nil, err
	}
	return &forest[0], nil
}

// loadForest loads items and their subtrees with three queries, then
// stitches pages and actions onto their parents.
func loadForest(ctx context.Context, q querier, kind model.Kind) ([]model.Item, error) {
	where := `1 = 1`
	var args []any
	if kind != "" {
		where = `i.kind = ?`
		args = append(args, string(kind))
	}

	rows, err := q.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM items i
		WHERE `+where+`
		ORDER BY i.created_at ASC, i.id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	items := []model.Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	rows.Close()

	if len(items) == 0 {
		return items, nil
	}
	if err := attachChildren(ctx, q, items, where, args...); err != nil {
		return nil, err
	}
	return items, nil
}

// attachChildren loads pages and actions for items selected by the
// condition on alias i and attaches them in position order.
func attachChildren(ctx context.Context, q querier, items []model.Item, where string, args ...any) error {
	itemIdx := make(map[string]int, len(items))
	for i := range items {
		items[i].Pages = []model.Page{}
		itemIdx[items[i].ID] = i
	}

	pageRows, err := q.QueryContext(ctx, `
		SELECT p.id, p.item_id, p.title, p.time_estimate, p.image_key, p.position
		FROM pages p JOIN items i ON p.item_id = i.id
		WHERE `+where+`
		ORDER BY p.item_id, p.position ASC, p.id ASC
	`, args...)
	if err != nil {
		return fmt.Errorf("query pages: %w", err)
	}
	defer pageRows.Close()

	type pageRef struct{ item, page int }
	pageIdx := make(map[string]pageRef)
	for pageRows.Next() {
		var p model.Page
		var est sql.NullFloat64
		var key sql.NullString
		if err := pageRows.Scan(&p.ID, &p.ItemID, &p.Title, &est, &key, &p.Position); err != nil {
			return fmt.Errorf("scan page: %w", err)
		}
		p.TimeEstimate = estimatePtr(est)
		p.ImageKey = key.String
		p.Actions = []model.Action{}

		i, ok := itemIdx[p.ItemID]
		if !ok {
			continue
		}
		items[i].Pages = append(items[i].Pages, p)
		pageIdx[p.ID] = pageRef{item: i, page: len(items[i].Pages) - 1}
	}
	if err := pageRows.Err(); err != nil {
		return fmt.Errorf("iterate pages: %w", err)
	}
	pageRows.Close()

	actionRows, err := q.QueryContext(ctx, `
		SELECT a.id, a.page_id, a.text, a.position
		FROM actions a
		JOIN pages p ON a.page_id = p.id
		JOIN items i ON p.item_id = i.id
		WHERE `+where+`
		ORDER BY a.page_id, a.position ASC, a.id ASC
	`, args...)
	if err != nil {
		return fmt.Errorf("query actions: %w", err)
	}
	defer actionRows.Close()

	for actionRows.Next() {
		var a model.Action
		if err := actionRows.Scan(&a.ID, &a.PageID, &a.Text, &a.Position); err != nil {
			return fmt.Errorf("scan action: %w", err)
		}
		ref, ok := pageIdx[a.PageID]
		if !ok {
			continue
		}
		page := &items[ref.item].Pages[ref.page]
		page.Actions = append(page.Actions, a)
	}
	if err := actionRows.Err(); err != nil {
		return fmt.Errorf("iterate actions: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (model.Item, error) {
	var it model.Item
	var kind string
	var created, updated int64
	if err := row.Scan(&it.ID, &it.Title, &kind, &created, &updated); err != nil {
		return model.Item{}, err
	}
	it.Kind = model.Kind(kind)
	it.CreatedAt = fromMicros(created)
	it.UpdatedAt = fromMicros(updated)
	return it, nil
}

func querySummaries(ctx context.Context, q querier, query string, args ...any) ([]model.ItemSummary, error) {
	rows, err := q.QueryContext(ctx, strings.TrimSpace(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	summaries := []model.ItemSummary{}
	for rows.Next() {
		var s model.ItemSummary
		var kind string
		var created, updated int64
		if err := rows.Scan(&s.ID, &s.Title, &kind, &created, &updated, &s.PageCount); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.Kind = model.Kind(kind)
		s.CreatedAt = fromMicros(created)
		s.UpdatedAt = fromMicros(updated)
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	return summaries, nil
}
