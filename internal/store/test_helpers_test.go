package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/kbase/internal/model"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var baseTime = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// createTestItem builds an item tree with ids derived from prefix.
// Each page gets the given number of actions.
func createTestItem(prefix string, kind model.Kind, actionsPerPage ...int) *model.Item {
	it := &model.Item{
		ID:        prefix,
		Title:     "Item " + prefix,
		Kind:      kind,
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
	}
	for pi, n := range actionsPerPage {
		p := model.Page{
			ID:       prefix + "-p" + string(rune('0'+pi)),
			ItemID:   it.ID,
			Title:    "Page " + string(rune('A'+pi)),
			Position: pi,
		}
		for ai := 0; ai < n; ai++ {
			p.Actions = append(p.Actions, model.Action{
				ID:       p.ID + "-a" + string(rune('0'+ai)),
				PageID:   p.ID,
				Text:     "Action " + string(rune('0'+ai)),
				Position: ai,
			})
		}
		it.Pages = append(it.Pages, p)
	}
	return it
}

// insertTree writes a whole item tree in one transaction.
func insertTree(t *testing.T, s *Store, it *model.Item) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		ctx := context.Background()
		if err := tx.InsertItem(ctx, it); err != nil {
			return err
		}
		for i := range it.Pages {
			if err := tx.InsertPage(ctx, &it.Pages[i]); err != nil {
				return err
			}
			for j := range it.Pages[i].Actions {
				if err := tx.InsertAction(ctx, &it.Pages[i].Actions[j]); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insertTree(%s) failed: %v", it.ID, err)
	}
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
