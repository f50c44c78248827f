package transfer

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/kbase/internal/blob"
	"github.com/roach88/kbase/internal/imaging"
	"github.com/roach88/kbase/internal/model"
	"github.com/roach88/kbase/internal/reconcile"
	"github.com/roach88/kbase/internal/store"
	"github.com/roach88/kbase/internal/testutil"
)

type env struct {
	eng      *reconcile.Engine
	blobs    *blob.Store
	exporter *Exporter
	importer *Importer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "kbase.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	blobs, err := blob.NewAt(filepath.Join(dir, "uploads"))
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	clock := testutil.NewDeterministicClock()
	eng := reconcile.New(st, blobs, imaging.New(blobs, imaging.Config{}, logger), reconcile.Options{
		Clock:  clock,
		Logger: logger,
	})
	return &env{
		eng:      eng,
		blobs:    blobs,
		exporter: NewExporter(eng, blobs, clock, logger),
		importer: NewImporter(eng, blobs, logger),
	}
}

// seed creates an incident with an image and an instruction without one.
func (e *env) seed(t *testing.T) (incident, instruction *model.Item) {
	t.Helper()
	ctx := context.Background()

	incident, err := e.eng.Reconcile(ctx, "", model.ItemInput{
		Title: "Line stoppage",
		Kind:  model.KindIncident,
		Pages: []model.PageInput{
			{
				Title:        "Step 1",
				TimeEstimate: ptr(5.0),
				Image:        &model.ImagePayload{Data: testutil.PNG(t, 24, 16), MediaType: "image/png"},
				Actions:      []model.ActionInput{{Text: "Stop conveyor"}, {Text: "Notify supervisor"}},
			},
			{Title: "Step 2", Actions: []model.ActionInput{{Text: "Inspect belt"}}},
		},
	})
	require.NoError(t, err)

	instruction, err = e.eng.Reconcile(ctx, "", model.ItemInput{
		Title: "Boiler restart",
		Kind:  model.KindInstruction,
		Pages: []model.PageInput{{Title: "Ignite", Actions: []model.ActionInput{{Text: "Press start"}}}},
	})
	require.NoError(t, err)
	return incident, instruction
}

// shape strips identifiers and timestamps so forests from different
// databases can be compared.
type shapePage struct {
	Title    string
	Estimate *float64
	Image    string // sha256 of the stored bytes
	Actions  []string
}

type shapeItem struct {
	Title string
	Kind  model.Kind
	Pages []shapePage
}

func (e *env) shape(t *testing.T) []shapeItem {
	t.Helper()
	ctx := context.Background()
	items, err := e.eng.All(ctx)
	require.NoError(t, err)

	out := []shapeItem{}
	for _, it := range items {
		si := shapeItem{Title: it.Title, Kind: it.Kind, Pages: []shapePage{}}
		for i, p := range it.Pages {
			require.Equal(t, i, p.Position)
			sp := shapePage{Title: p.Title, Estimate: p.TimeEstimate, Actions: []string{}}
			if p.ImageKey != "" {
				data, err := e.blobs.Get(ctx, p.ImageKey)
				require.NoError(t, err)
				sp.Image = fmt.Sprintf("%x", sha256.Sum256(data))
			}
			for j, a := range p.Actions {
				require.Equal(t, j, a.Position)
				sp.Actions = append(sp.Actions, a.Text)
			}
			si.Pages = append(si.Pages, sp)
		}
		out = append(out, si)
	}
	return out
}

func ptr[T any](v T) *T { return &v }
