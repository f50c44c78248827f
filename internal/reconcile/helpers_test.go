package reconcile

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/kbase/internal/blob"
	"github.com/roach88/kbase/internal/imaging"
	"github.com/roach88/kbase/internal/model"
	"github.com/roach88/kbase/internal/store"
	"github.com/roach88/kbase/internal/testutil"
)

type fixture struct {
	eng   *Engine
	store *store.Store
	blobs *blob.Store
	clock *testutil.DeterministicClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "kbase.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	blobs, err := blob.NewAt(filepath.Join(dir, "uploads"))
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	clock := testutil.NewDeterministicClock()
	eng := New(st, blobs, imaging.New(blobs, imaging.Config{}, logger), Options{
		Clock:  clock,
		IDs:    NewSequenceGenerator("id"),
		Logger: logger,
	})
	return &fixture{eng: eng, store: st, blobs: blobs, clock: clock}
}

func (f *fixture) countRows(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, f.store.DB().QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func (f *fixture) blobCount(t *testing.T) int {
	t.Helper()
	infos, err := f.blobs.List(context.Background())
	require.NoError(t, err)
	return len(infos)
}

func (f *fixture) blobExists(t *testing.T, key string) bool {
	t.Helper()
	_, err := f.blobs.Stat(context.Background(), key)
	if blob.ErrNotFound.Has(err) {
		return false
	}
	require.NoError(t, err)
	return true
}

func (f *fixture) create(t *testing.T, in model.ItemInput) *model.Item {
	t.Helper()
	it, err := f.eng.Reconcile(context.Background(), "", in)
	require.NoError(t, err)
	return it
}

func (f *fixture) upload(t *testing.T) string {
	t.Helper()
	key, err := f.eng.Attach(context.Background(), testutil.PNG(t, 16, 16), "image/png")
	require.NoError(t, err)
	return key
}

// lineStoppage is the canonical two-action incident.
func lineStoppage() model.ItemInput {
	return model.ItemInput{
		Title: "Line stoppage",
		Kind:  model.KindIncident,
		Pages: []model.PageInput{{
			Title: "Step 1",
			Actions: []model.ActionInput{
				{Text: "Stop conveyor"},
				{Text: "Notify supervisor"},
			},
		}},
	}
}

func pageTitles(it *model.Item) []string {
	titles := make([]string, len(it.Pages))
	for i, p := range it.Pages {
		titles[i] = p.Title
	}
	return titles
}

func actionTexts(p model.Page) []string {
	texts := make([]string, len(p.Actions))
	for i, a := range p.Actions {
		texts[i] = a.Text
	}
	return texts
}

// requireDense asserts positions are exactly 0..n-1 at both levels.
func requireDense(t *testing.T, it *model.Item) {
	t.Helper()
	for i, p := range it.Pages {
		require.Equal(t, i, p.Position, "page %s", p.ID)
		for j, a := range p.Actions {
			require.Equal(t, j, a.Position, "action %s", a.ID)
		}
	}
}

func ptr[T any](v T) *T { return &v }
