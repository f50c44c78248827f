package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kbase/internal/blob"
	"github.com/roach88/kbase/internal/imaging"
	"github.com/roach88/kbase/internal/model"
	"github.com/roach88/kbase/internal/testutil"
)

func TestReconcile_CreatesTree(t *testing.T) {
	f := newFixture(t)

	it := f.create(t, lineStoppage())

	assert.Equal(t, "id-0001", it.ID)
	assert.Equal(t, "Line stoppage", it.Title)
	assert.Equal(t, model.KindIncident, it.Kind)
	assert.Equal(t, testutil.Epoch, it.CreatedAt)
	assert.Equal(t, it.CreatedAt, it.UpdatedAt)
	require.Len(t, it.Pages, 1)
	assert.Equal(t, 0, it.Pages[0].Position)
	assert.Equal(t, []string{"Stop conveyor", "Notify supervisor"}, actionTexts(it.Pages[0]))
	requireDense(t, it)

	assert.Equal(t, 1, f.countRows(t, "items"))
	assert.Equal(t, 1, f.countRows(t, "pages"))
	assert.Equal(t, 2, f.countRows(t, "actions"))
}

func TestReconcile_ReversedActionsKeepIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.create(t, lineStoppage())
	first, second := it.Pages[0].Actions[0], it.Pages[0].Actions[1]

	in := it.Input()
	acts := in.Pages[0].Actions
	acts[0], acts[1] = acts[1], acts[0]

	got, err := f.eng.Reconcile(ctx, it.ID, in)
	require.NoError(t, err)

	actions := got.Pages[0].Actions
	require.Len(t, actions, 2)
	assert.Equal(t, second.ID, actions[0].ID)
	assert.Equal(t, first.ID, actions[1].ID)
	assert.Equal(t, []string{"Notify supervisor", "Stop conveyor"}, actionTexts(got.Pages[0]))
	requireDense(t, got)
	assert.Equal(t, 2, f.countRows(t, "actions"))
	assert.True(t, got.UpdatedAt.After(it.UpdatedAt))
}

func TestReconcile_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := lineStoppage()
	in.Pages[0].TimeEstimate = ptr(5.0)
	in.Pages[0].Image = &model.ImagePayload{Data: testutil.PNG(t, 32, 32), MediaType: "image/png"}
	it := f.create(t, in)
	require.NotEmpty(t, it.Pages[0].ImageKey)
	blobsBefore := f.blobCount(t)

	res, err := f.eng.Apply(ctx, it.ID, it.Input())
	require.NoError(t, err)

	assert.False(t, res.Created)
	assert.False(t, res.Changed)
	assert.Equal(t, it, res.Item)
	assert.Equal(t, blobsBefore, f.blobCount(t))
	assert.Empty(t, f.eng.Sweeper().Pending())
}

func TestReconcile_KindIsImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.create(t, lineStoppage())

	in := it.Input()
	in.Kind = model.KindInstruction
	in.Title = "Renamed"

	_, err := f.eng.Reconcile(ctx, it.ID, in)
	require.Error(t, err)
	assert.True(t, model.IsConflict(err), "got %v", err)

	got, err := f.eng.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, it, got)
}

func TestReconcile_UnknownItem(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.Reconcile(context.Background(), "missing", lineStoppage())
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
	assert.Equal(t, 0, f.countRows(t, "pages"))
}

func TestReconcile_MismatchedBodyID(t *testing.T) {
	f := newFixture(t)
	it := f.create(t, lineStoppage())

	in := it.Input()
	in.ID = "other"
	_, err := f.eng.Reconcile(context.Background(), it.ID, in)
	assert.True(t, model.IsValidation(err))
}

func TestReconcile_UnknownChildIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.create(t, lineStoppage())

	t.Run("page", func(t *testing.T) {
		in := it.Input()
		in.Pages[0].ID = "no-such-page"
		_, err := f.eng.Reconcile(ctx, it.ID, in)
		assert.True(t, model.IsNotFound(err), "got %v", err)
	})

	t.Run("action", func(t *testing.T) {
		in := it.Input()
		in.Pages[0].Actions[0].ID = "no-such-action"
		_, err := f.eng.Reconcile(ctx, it.ID, in)
		assert.True(t, model.IsNotFound(err), "got %v", err)
	})

	got, err := f.eng.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, it, got)
}

func TestReconcile_NoReparenting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, lineStoppage())
	b := f.create(t, model.ItemInput{
		Title: "Shift handover",
		Kind:  model.KindInstruction,
		Pages: []model.PageInput{{Title: "Checklist", Actions: []model.ActionInput{{Text: "Sign log"}}}},
	})

	t.Run("page from another item", func(t *testing.T) {
		in := b.Input()
		in.Pages = append(in.Pages, a.Input().Pages[0])
		_, err := f.eng.Reconcile(ctx, b.ID, in)
		require.Error(t, err)
		assert.True(t, model.IsConflict(err), "got %v", err)
	})

	t.Run("action from another page", func(t *testing.T) {
		in := b.Input()
		in.Pages[0].Actions = append(in.Pages[0].Actions, model.ActionInput{
			ID:   a.Pages[0].Actions[0].ID,
			Text: "Stop conveyor",
		})
		_, err := f.eng.Reconcile(ctx, b.ID, in)
		require.Error(t, err)
		assert.True(t, model.IsConflict(err), "got %v", err)
	})

	t.Run("action id on a new page", func(t *testing.T) {
		in := a.Input()
		in.Pages[0].Actions = in.Pages[0].Actions[1:]
		in.Pages = append(in.Pages, model.PageInput{
			Title:   "Step 2",
			Actions: []model.ActionInput{{ID: a.Pages[0].Actions[0].ID, Text: "Stop conveyor"}},
		})
		_, err := f.eng.Reconcile(ctx, a.ID, in)
		assert.True(t, model.IsConflict(err), "got %v", err)
	})

	gotA, err := f.eng.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a, gotA)
	gotB, err := f.eng.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b, gotB)
}

func TestReconcile_ValidationWritesNothing(t *testing.T) {
	f := newFixture(t)

	in := lineStoppage()
	in.Pages[0].TimeEstimate = ptr(-1.0)
	in.Pages = append(in.Pages, model.PageInput{
		Title:   "With image",
		Image:   &model.ImagePayload{Data: testutil.PNG(t, 8, 8)},
		Actions: []model.ActionInput{},
	})

	_, err := f.eng.Reconcile(context.Background(), "", in)
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
	assert.Equal(t, 0, f.countRows(t, "items"))
	assert.Equal(t, 0, f.blobCount(t))
}

func TestReconcile_BadImageIsFieldError(t *testing.T) {
	f := newFixture(t)

	in := lineStoppage()
	in.Pages = append(in.Pages, model.PageInput{
		Title: "Broken",
		Image: &model.ImagePayload{Data: []byte("not an image")},
	})

	_, err := f.eng.Reconcile(context.Background(), "", in)
	require.Error(t, err)

	var me *model.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, model.ErrCodeValidation, me.Code)
	require.NotEmpty(t, me.Fields)
	assert.Equal(t, "pages[1].image", me.Fields[0].Field)
	assert.Equal(t, 0, f.countRows(t, "items"))
}

func TestReconcile_PartitionsAndReorders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.create(t, model.ItemInput{
		Title: "Boiler restart",
		Kind:  model.KindInstruction,
		Pages: []model.PageInput{
			{Title: "A", Actions: []model.ActionInput{{Text: "a1"}}},
			{Title: "B", Actions: []model.ActionInput{{Text: "b1"}, {Text: "b2"}}},
			{Title: "C", Actions: []model.ActionInput{{Text: "c1"}}},
		},
	})

	in := it.Input()
	pageA, pageC := in.Pages[0], in.Pages[2]
	pageC.Title = "C (edited)"
	pageC.Actions = append(pageC.Actions, model.ActionInput{Text: "c2"})
	in.Pages = []model.PageInput{
		pageC,
		{Title: "New", Actions: []model.ActionInput{}},
		pageA,
	}

	got, err := f.eng.Reconcile(ctx, it.ID, in)
	require.NoError(t, err)

	assert.Equal(t, []string{"C (edited)", "New", "A"}, pageTitles(got))
	assert.Equal(t, it.Pages[2].ID, got.Pages[0].ID)
	assert.Equal(t, it.Pages[0].ID, got.Pages[2].ID)
	assert.Equal(t, []string{"c1", "c2"}, actionTexts(got.Pages[0]))
	assert.Empty(t, got.Pages[1].Actions)
	requireDense(t, got)

	// Page B and its two actions are gone.
	assert.Equal(t, 3, f.countRows(t, "pages"))
	assert.Equal(t, 3, f.countRows(t, "actions"))
}

func TestReconcile_EmptyItemIsValid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.create(t, lineStoppage())

	in := it.Input()
	in.Pages = nil
	got, err := f.eng.Reconcile(ctx, it.ID, in)
	require.NoError(t, err)
	assert.Empty(t, got.Pages)
	assert.Equal(t, 0, f.countRows(t, "actions"))
}

func TestReconcile_UpdatedAtStrictlyIncreases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.clock.Freeze()
	it := f.create(t, lineStoppage())

	prev := it.UpdatedAt
	for i, title := range []string{"One", "Two", "Three"} {
		if i == 2 {
			f.clock.Set(testutil.Epoch.Add(-time.Hour)) // wall clock stepped back
		}
		in := it.Input()
		in.Title = title
		got, err := f.eng.Reconcile(ctx, it.ID, in)
		require.NoError(t, err)
		assert.True(t, got.UpdatedAt.After(prev), "update %d: %v not after %v", i, got.UpdatedAt, prev)
		assert.Equal(t, it.CreatedAt, got.CreatedAt)
		prev = got.UpdatedAt
		it = got
	}
}

func TestReconcile_ReplacingImageOrphansOldKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := lineStoppage()
	in.Pages[0].Image = &model.ImagePayload{Data: testutil.PNG(t, 16, 16)}
	it := f.create(t, in)
	oldKey := it.Pages[0].ImageKey

	next := it.Input()
	next.Pages[0].Image = &model.ImagePayload{Data: testutil.JPEG(t, 16, 16), MediaType: "image/jpeg"}
	got, err := f.eng.Reconcile(ctx, it.ID, next)
	require.NoError(t, err)
	newKey := got.Pages[0].ImageKey
	require.NotEqual(t, oldKey, newKey)
	assert.Equal(t, []string{oldKey}, f.eng.Sweeper().Pending())

	stats, err := f.eng.Sweeper().Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)
	assert.False(t, f.blobExists(t, oldKey))
	assert.True(t, f.blobExists(t, newKey))
}

func TestReconcile_ClearImage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := lineStoppage()
	in.Pages[0].Image = &model.ImagePayload{Data: testutil.PNG(t, 16, 16)}
	it := f.create(t, in)
	key := it.Pages[0].ImageKey

	for name, mutate := range map[string]func(*model.PageInput){
		"explicit clear": func(p *model.PageInput) { p.ImageKey = ""; p.ClearImage = true },
		"absent key":     func(p *model.PageInput) { p.ImageKey = "" },
	} {
		t.Run(name, func(t *testing.T) {
			next := it.Input()
			mutate(&next.Pages[0])
			got, err := f.eng.Reconcile(ctx, it.ID, next)
			require.NoError(t, err)
			assert.Empty(t, got.Pages[0].ImageKey)
			assert.Contains(t, f.eng.Sweeper().Pending(), key)

			// Put it back for the next case.
			restore := got.Input()
			restore.Pages[0].ImageKey = key
			it, err = f.eng.Reconcile(ctx, it.ID, restore)
			require.NoError(t, err)
			assert.Equal(t, key, it.Pages[0].ImageKey)
		})
	}

	_, err := f.eng.Sweeper().Flush(ctx)
	require.NoError(t, err)
	assert.True(t, f.blobExists(t, key), "reattached key must survive the sweep")
}

func TestReconcile_AttachUploadedKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.upload(t)

	in := lineStoppage()
	in.Pages[0].ImageKey = key
	it := f.create(t, in)
	assert.Equal(t, key, it.Pages[0].ImageKey)

	t.Run("missing key", func(t *testing.T) {
		bad := lineStoppage()
		bad.Pages[0].ImageKey = blob.NewKey(imaging.Suffix)
		_, err := f.eng.Reconcile(ctx, "", bad)
		assert.True(t, model.IsValidation(err), "got %v", err)
	})

	t.Run("malformed key", func(t *testing.T) {
		bad := lineStoppage()
		bad.Pages[0].ImageKey = "../../etc/passwd"
		_, err := f.eng.Reconcile(ctx, "", bad)
		assert.True(t, model.IsValidation(err), "got %v", err)
	})

	t.Run("key owned by another item", func(t *testing.T) {
		other := lineStoppage()
		other.Pages[0].ImageKey = key
		_, err := f.eng.Reconcile(ctx, "", other)
		assert.True(t, model.IsConflict(err), "got %v", err)
	})

	t.Run("same key on two pages", func(t *testing.T) {
		twice := lineStoppage()
		twice.Pages[0].ImageKey = f.upload(t)
		twice.Pages = append(twice.Pages, twice.Pages[0])
		_, err := f.eng.Reconcile(ctx, "", twice)
		assert.True(t, model.IsValidation(err), "got %v", err)
	})

	assert.Equal(t, 1, f.countRows(t, "items"))
}

func TestReconcile_SwapImagesBetweenPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k0, k1 := f.upload(t), f.upload(t)

	it := f.create(t, model.ItemInput{
		Title: "Valve check",
		Kind:  model.KindInstruction,
		Pages: []model.PageInput{
			{Title: "First", ImageKey: k0, Actions: []model.ActionInput{}},
			{Title: "Second", ImageKey: k1, Actions: []model.ActionInput{}},
		},
	})

	in := it.Input()
	in.Pages[0].ImageKey, in.Pages[1].ImageKey = k1, k0
	got, err := f.eng.Reconcile(ctx, it.ID, in)
	require.NoError(t, err)
	assert.Equal(t, k1, got.Pages[0].ImageKey)
	assert.Equal(t, k0, got.Pages[1].ImageKey)
	assert.Empty(t, f.eng.Sweeper().Pending())

	// Move k0 from a removed page onto a new one.
	in = got.Input()
	in.Pages = []model.PageInput{in.Pages[0], {Title: "Third", ImageKey: k0, Actions: []model.ActionInput{}}}
	got, err = f.eng.Reconcile(ctx, it.ID, in)
	require.NoError(t, err)
	assert.Equal(t, k0, got.Pages[1].ImageKey)
	assert.Empty(t, f.eng.Sweeper().Pending())
}

func TestReconcile_FailureSchedulesIngestedPayloads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.create(t, lineStoppage())

	in := it.Input()
	in.Pages = append(in.Pages, model.PageInput{
		Title: "New with image",
		Image: &model.ImagePayload{Data: testutil.PNG(t, 8, 8)},
	})
	in.Pages[0].ID = "no-such-page"

	_, err := f.eng.Reconcile(ctx, it.ID, in)
	require.True(t, model.IsNotFound(err), "got %v", err)
	require.Equal(t, 1, f.blobCount(t))
	require.Len(t, f.eng.Sweeper().Pending(), 1)

	_, err = f.eng.Sweeper().Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, f.blobCount(t))
}

func TestReconcile_CanceledContext(t *testing.T) {
	f := newFixture(t)
	it := f.create(t, lineStoppage())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	in := it.Input()
	in.Title = "Never written"
	_, err := f.eng.Reconcile(ctx, it.ID, in)
	require.Error(t, err)
	assert.True(t, model.IsStorage(err), "got %v", err)

	got, err := f.eng.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, "Line stoppage", got.Title)
}

func TestReconcile_ConcurrentItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.eng.Reconcile(ctx, "", lineStoppage())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 8, f.countRows(t, "items"))
	assert.Equal(t, 16, f.countRows(t, "actions"))
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := lineStoppage()
	in.Pages[0].Image = &model.ImagePayload{Data: testutil.PNG(t, 8, 8)}
	it := f.create(t, in)
	key := it.Pages[0].ImageKey

	require.NoError(t, f.eng.Delete(ctx, it.ID))
	assert.Equal(t, 0, f.countRows(t, "pages"))
	assert.Equal(t, 0, f.countRows(t, "actions"))

	_, err := f.eng.Get(ctx, it.ID)
	assert.True(t, model.IsNotFound(err))

	_, err = f.eng.Sweeper().Flush(ctx)
	require.NoError(t, err)
	_, err = f.blobs.Get(ctx, key)
	assert.True(t, blob.ErrNotFound.Has(err))

	err = f.eng.Delete(ctx, it.ID)
	assert.True(t, model.IsNotFound(err))
}

func TestClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, lineStoppage())
	f.create(t, lineStoppage())

	n, err := f.eng.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 0, f.countRows(t, "items"))
	assert.Equal(t, 0, f.countRows(t, "actions"))
}

func TestReplaceAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	withImage := lineStoppage()
	withImage.Pages[0].Image = &model.ImagePayload{Data: testutil.PNG(t, 8, 8)}
	old := f.create(t, withImage)
	f.create(t, model.ItemInput{Title: "Obsolete", Kind: model.KindInstruction})
	key := old.Pages[0].ImageKey

	inputs := []model.ItemInput{old.Input(), {
		Title: "Fresh instruction",
		Kind:  model.KindInstruction,
		Pages: []model.PageInput{{Title: "Only", Actions: []model.ActionInput{{Text: "Do it"}}}},
	}}
	items, err := f.eng.ReplaceAll(ctx, inputs)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.NotEqual(t, old.ID, items[0].ID)
	assert.NotEqual(t, old.Pages[0].ID, items[0].Pages[0].ID)
	assert.Equal(t, key, items[0].Pages[0].ImageKey)
	assert.Equal(t, 2, f.countRows(t, "items"))

	_, err = f.eng.Sweeper().Flush(ctx)
	require.NoError(t, err)
	assert.True(t, f.blobExists(t, key))
}

func TestReplaceAll_RestoredImageKeepsBytes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	withImage := lineStoppage()
	withImage.Pages[0].Image = &model.ImagePayload{Data: testutil.PNG(t, 24, 16)}
	old := f.create(t, withImage)
	exported, err := f.blobs.Get(ctx, old.Pages[0].ImageKey)
	require.NoError(t, err)

	in := old.Input()
	in.Pages[0].ImageKey = ""
	in.Pages[0].Image = &model.ImagePayload{Data: exported, Restore: true}
	items, err := f.eng.ReplaceAll(ctx, []model.ItemInput{in})
	require.NoError(t, err)

	restored, err := f.blobs.Get(ctx, items[0].Pages[0].ImageKey)
	require.NoError(t, err)
	assert.Equal(t, exported, restored)
}

func TestReplaceAll_IsAtomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := f.create(t, lineStoppage())

	bad := lineStoppage()
	bad.Pages[0].ImageKey = blob.NewKey(imaging.Suffix)
	_, err := f.eng.ReplaceAll(ctx, []model.ItemInput{lineStoppage(), bad})
	require.Error(t, err)

	var me *model.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, model.ErrCodeValidation, me.Code)
	require.NotEmpty(t, me.Fields)
	assert.Equal(t, "items[1].pages[0].imageKey", me.Fields[0].Field)

	all, err := f.eng.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, *before, all[0])
}
