package transfer

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kbase/internal/blob"
	"github.com/roach88/kbase/internal/model"
	"github.com/roach88/kbase/internal/testutil"
)

func TestExport_CreationOrderWithIDs(t *testing.T) {
	e := newEnv(t)
	incident, instruction := e.seed(t)

	doc, err := e.exporter.Export(context.Background(), ExportOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.DocumentVersion, doc.Version)
	require.Len(t, doc.Items, 2)
	assert.Equal(t, incident.ID, doc.Items[0].ID)
	assert.Equal(t, instruction.ID, doc.Items[1].ID)
	assert.Equal(t, incident.Pages[0].ID, doc.Items[0].Pages[0].ID)
	assert.Equal(t, incident.Pages[0].ImageKey, doc.Items[0].Pages[0].ImageKey)
	assert.Empty(t, doc.Items[0].Pages[0].ImageData)
}

func TestExport_EmbedImages(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	incident, _ := e.seed(t)

	doc, err := e.exporter.Export(ctx, ExportOptions{EmbedImages: true})
	require.NoError(t, err)

	stored, err := e.blobs.Get(ctx, incident.Pages[0].ImageKey)
	require.NoError(t, err)
	assert.Equal(t, model.Base64(stored), doc.Items[0].Pages[0].ImageData)
	assert.Empty(t, doc.Items[0].Pages[1].ImageData)
}

func TestExport_MissingImageIsDropped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	incident, _ := e.seed(t)
	require.NoError(t, e.blobs.Delete(ctx, incident.Pages[0].ImageKey))

	doc, err := e.exporter.Export(ctx, ExportOptions{EmbedImages: true})
	require.NoError(t, err)
	assert.Empty(t, doc.Items[0].Pages[0].ImageKey)
	assert.Empty(t, doc.Items[0].Pages[0].ImageData)
}

func TestRoundTrip_ReplaceIntoEmptyDatabase(t *testing.T) {
	src := newEnv(t)
	ctx := context.Background()
	src.seed(t)

	for _, format := range []Format{FormatJSON, FormatYAML} {
		t.Run(string(format), func(t *testing.T) {
			doc, err := src.exporter.Export(ctx, ExportOptions{EmbedImages: true})
			require.NoError(t, err)

			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, doc, format))
			decoded, err := Decode(&buf, format)
			require.NoError(t, err)

			dst := newEnv(t)
			report, err := dst.importer.Import(ctx, decoded, ModeReplace)
			require.NoError(t, err)
			assert.Equal(t, 2, report.Counts[OutcomeCreated])
			assert.Equal(t, 1, report.ByKind[model.KindIncident])
			assert.Equal(t, 1, report.ByKind[model.KindInstruction])
			assert.Empty(t, report.Warnings)

			assert.Equal(t, src.shape(t), dst.shape(t))

			items, err := dst.eng.All(ctx)
			require.NoError(t, err)
			assert.NotEqual(t, doc.Items[0].ID, items[0].ID, "replace discards document ids")
		})
	}
}

func TestRoundTrip_ReplaceSameDatabaseKeepsImages(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	incident, _ := e.seed(t)
	before := e.shape(t)

	doc, err := e.exporter.Export(ctx, ExportOptions{})
	require.NoError(t, err)
	_, err = e.importer.Import(ctx, doc, ModeReplace)
	require.NoError(t, err)

	_, err = e.eng.Sweeper().Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, e.shape(t))

	items, err := e.eng.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, incident.Pages[0].ImageKey, items[0].Pages[0].ImageKey)
}

func TestReplace_IsAtomic(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t)
	before := e.shape(t)

	doc := &model.Document{Version: 1, Items: []model.DocItem{
		{Title: "Fine", Kind: model.KindIncident, Pages: []model.DocPage{}},
		{Title: "Broken image", Kind: model.KindIncident, Pages: []model.DocPage{{
			Title:     "p",
			ImageData: model.Base64("not an image"),
			Actions:   []model.DocAction{},
		}}},
	}}

	_, err := e.importer.Import(ctx, doc, ModeReplace)
	require.Error(t, err)
	assert.True(t, model.IsValidation(err), "got %v", err)
	assert.Equal(t, before, e.shape(t))
}

func TestImport_MalformedDocumentAppliesNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	doc := &model.Document{Version: 1, Items: []model.DocItem{
		{Title: "Good", Kind: model.KindIncident, Pages: []model.DocPage{}},
		{Title: "", Kind: model.KindIncident, Pages: []model.DocPage{}},
	}}
	for _, mode := range []Mode{ModeReplace, ModeMerge} {
		_, err := e.importer.Import(ctx, doc, mode)
		assert.True(t, model.IsValidation(err), "mode %s: got %v", mode, err)
	}
	assert.Empty(t, e.shape(t))

	_, err := e.importer.Import(ctx, doc, "upsert")
	assert.True(t, model.IsValidation(err))
}

func TestMerge_Outcomes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	incident, instruction := e.seed(t)

	doc, err := e.exporter.Export(ctx, ExportOptions{})
	require.NoError(t, err)

	// Item 0: edited. Item 1: untouched. Item 2: unknown id, created.
	// Item 3: existing id with a different kind, fails alone.
	doc.Items[0].Title = "Line stoppage (rev 2)"
	doc.Items[0].Pages[0].Actions = append(doc.Items[0].Pages[0].Actions, model.DocAction{Text: "Log the event"})
	doc.Items = append(doc.Items,
		model.DocItem{ID: "from-another-db", Title: "Gas leak", Kind: model.KindIncident, Pages: []model.DocPage{}},
		model.DocItem{ID: instruction.ID, Title: "Boiler restart", Kind: model.KindIncident, Pages: []model.DocPage{}},
	)

	report, err := e.importer.Import(ctx, doc, ModeMerge)
	require.NoError(t, err)
	require.Len(t, report.Items, 4)

	assert.Equal(t, OutcomeUpdated, report.Items[0].Outcome)
	assert.Equal(t, incident.ID, report.Items[0].ID)
	assert.Equal(t, OutcomeUnchanged, report.Items[1].Outcome)
	assert.Equal(t, OutcomeCreated, report.Items[2].Outcome)
	assert.NotEqual(t, "from-another-db", report.Items[2].ID)
	assert.Equal(t, OutcomeFailed, report.Items[3].Outcome)
	assert.Equal(t, model.ErrCodeConflict, report.Items[3].Code)
	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, 2, report.ByKind[model.KindIncident])
	assert.Equal(t, 1, report.ByKind[model.KindInstruction])

	got, err := e.eng.Get(ctx, incident.ID)
	require.NoError(t, err)
	assert.Equal(t, "Line stoppage (rev 2)", got.Title)
	assert.Equal(t, incident.Pages[0].ID, got.Pages[0].ID)
	assert.Len(t, got.Pages[0].Actions, 3)

	unchanged, err := e.eng.Get(ctx, instruction.ID)
	require.NoError(t, err)
	assert.Equal(t, model.KindInstruction, unchanged.Kind)
}

func TestMerge_ForeignChildIDsBecomeNew(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	incident, instruction := e.seed(t)

	doc := &model.Document{Version: 1, Items: []model.DocItem{{
		ID:    instruction.ID,
		Title: instruction.Title,
		Kind:  instruction.Kind,
		Pages: []model.DocPage{
			{ID: instruction.Pages[0].ID, Title: "Ignite", Actions: []model.DocAction{
				{ID: instruction.Pages[0].Actions[0].ID, Text: "Press start"},
			}},
			// Ids of another item's page and action.
			{ID: incident.Pages[1].ID, Title: "Borrowed", Actions: []model.DocAction{
				{ID: incident.Pages[1].Actions[0].ID, Text: "Inspect belt"},
			}},
		},
	}}}

	report, err := e.importer.Import(ctx, doc, ModeMerge)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, report.Items[0].Outcome)

	got, err := e.eng.Get(ctx, instruction.ID)
	require.NoError(t, err)
	require.Len(t, got.Pages, 2)
	assert.Equal(t, instruction.Pages[0].ID, got.Pages[0].ID)
	assert.NotEqual(t, incident.Pages[1].ID, got.Pages[1].ID)

	untouched, err := e.eng.Get(ctx, incident.ID)
	require.NoError(t, err)
	assert.Equal(t, incident, untouched)
}

func TestMerge_EmbeddedReimportIsUnchanged(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t)

	doc, err := e.exporter.Export(ctx, ExportOptions{EmbedImages: true})
	require.NoError(t, err)

	infos, err := e.blobs.List(ctx)
	require.NoError(t, err)

	report, err := e.importer.Import(ctx, doc, ModeMerge)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Counts[OutcomeUnchanged])

	after, err := e.blobs.List(ctx)
	require.NoError(t, err)
	assert.Len(t, after, len(infos))
}

func TestImport_DropsUnusableImageKeys(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	key, err := e.eng.Attach(ctx, testutil.PNG(t, 8, 8), "image/png")
	require.NoError(t, err)

	page := func(key string) model.DocPage {
		return model.DocPage{Title: "p", ImageKey: key, Actions: []model.DocAction{}}
	}
	doc := &model.Document{Version: 1, Items: []model.DocItem{{
		Title: "Images",
		Kind:  model.KindInstruction,
		Pages: []model.DocPage{
			page(key),
			page(key),
			page(blob.NewKey("jpg")),
			page("photo.webp"),
		},
	}}}

	report, err := e.importer.Import(ctx, doc, ModeReplace)
	require.NoError(t, err)
	assert.Len(t, report.Warnings, 3)

	items, err := e.eng.All(ctx)
	require.NoError(t, err)
	require.Len(t, items[0].Pages, 4)
	assert.Equal(t, key, items[0].Pages[0].ImageKey)
	for _, p := range items[0].Pages[1:] {
		assert.Empty(t, p.ImageKey)
	}
}

func TestImport_LegacyDocument(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	legacy := `{
	  "incidents": [
	    {"id": 7, "title": "Остановка линии", "pages": [
	      {"title": "Шаг 1", "time": "5 минут", "image": "", "actions": ["Остановить конвейер", "Сообщить мастеру"]},
	      {"time": "1,5 часа", "actions": []}
	    ]}
	  ],
	  "instructions": [
	    {"id": 3, "title": "Запуск котла", "pages": [{"title": "Розжиг", "time": "30 min", "actions": ["Нажать пуск"]}]}
	  ]
	}`
	doc, err := Decode(bytes.NewBufferString(legacy), FormatJSON)
	require.NoError(t, err)

	report, err := e.importer.Import(ctx, doc, ModeMerge)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Counts[OutcomeCreated])
	assert.Equal(t, 1, report.ByKind[model.KindIncident])
	assert.Equal(t, 1, report.ByKind[model.KindInstruction])

	items, err := e.eng.All(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, model.KindIncident, items[0].Kind)
	assert.Equal(t, 5.0, *items[0].Pages[0].TimeEstimate)
	assert.Equal(t, "Страница", items[0].Pages[1].Title)
	assert.Equal(t, 90.0, *items[0].Pages[1].TimeEstimate)
	assert.Equal(t, 30.0, *items[1].Pages[0].TimeEstimate)
}
