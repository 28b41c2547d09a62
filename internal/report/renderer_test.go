package report_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-ai/facet/internal/catalog"
	"github.com/aurelia-ai/facet/internal/model"
	"github.com/aurelia-ai/facet/internal/report"
	"github.com/aurelia-ai/facet/internal/store"
	"github.com/aurelia-ai/facet/internal/testutil"
)

func newRenderer(t *testing.T, mem *store.Memory) *report.Renderer {
	t.Helper()
	return report.NewRenderer(catalog.New(mem), mem, testutil.Logger())
}

func seedReport(t *testing.T, mem *store.Memory, template string) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, mem.PutUser(ctx, model.User{ID: "u1", Name: "Ada", Email: "ada@example.com"}))
	require.NoError(t, mem.PutAttributeDefinition(ctx, model.AttributeDefinition{
		ID: "QuizScore", Name: "Quiz score", Description: "Average quiz result",
	}))
	require.NoError(t, mem.PutReportDefinition(ctx, model.ReportDefinition{
		ID: "GeoSummary",
		Inputs: []model.IOSlot{
			{AttributeID: "QuizScore"},
			{AttributeID: "FavoriteCity", Optional: true},
		},
		Template: template,
	}))
}

func observeScore(t *testing.T, mem *store.Memory) {
	t.Helper()
	_, err := mem.Append(context.Background(), "u1", store.Write{
		AttributeID: "QuizScore", Value: model.NumberValue(70), Observer: model.ObserverBot,
	})
	require.NoError(t, err)
}

func TestRenderSummary(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedReport(t, mem, `{{.User.Name}} scored {{.Input.QuizScore.Display}} on "{{.Input.QuizScore.Name}}".`)
	observeScore(t, mem)

	doc, err := newRenderer(t, mem).Render(ctx, "GeoSummary", "u1")
	require.NoError(t, err)
	assert.Equal(t, `Ada scored 70 on "Quiz score".`, doc)
}

func TestRenderMissingRequiredInput(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedReport(t, mem, `score: {{.Input.QuizScore.Display}}`)

	doc, err := newRenderer(t, mem).Render(ctx, "GeoSummary", "u1")
	var pre *model.PreconditionError
	require.ErrorAs(t, err, &pre)
	assert.Equal(t, "QuizScore", pre.AttributeID)
	assert.Empty(t, doc)
}

func TestRenderOptionalInputOmitted(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedReport(t, mem, `score: {{.Input.QuizScore.Display}}`)
	observeScore(t, mem)

	// FavoriteCity was never observed; a template that does not reference
	// it renders fine.
	doc, err := newRenderer(t, mem).Render(ctx, "GeoSummary", "u1")
	require.NoError(t, err)
	assert.Equal(t, "score: 70", doc)
}

func TestRenderReferencingOmittedKeyFails(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedReport(t, mem, `city: {{.Input.FavoriteCity.Display}}`)
	observeScore(t, mem)

	_, err := newRenderer(t, mem).Render(ctx, "GeoSummary", "u1")
	var render *model.RenderError
	require.ErrorAs(t, err, &render)
	assert.Equal(t, "GeoSummary", render.ReportID)
}

func TestRenderMalformedTemplate(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedReport(t, mem, `{{.Unclosed`)
	observeScore(t, mem)

	_, err := newRenderer(t, mem).Render(ctx, "GeoSummary", "u1")
	var render *model.RenderError
	require.ErrorAs(t, err, &render)
}

func TestRenderUnlabelledAttribute(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	// No attribute definition for Raw: it still renders, just without
	// catalog metadata.
	require.NoError(t, mem.PutUser(ctx, model.User{ID: "u1", Name: "Ada"}))
	require.NoError(t, mem.PutReportDefinition(ctx, model.ReportDefinition{
		ID:       "RawReport",
		Inputs:   []model.IOSlot{{AttributeID: "Raw"}},
		Template: `{{.Input.Raw.Display}}|{{.Input.Raw.Name}}`,
	}))
	_, err := mem.Append(ctx, "u1", store.Write{
		AttributeID: "Raw", Value: model.BoolValue(true), Observer: "alice",
	})
	require.NoError(t, err)

	doc, err := newRenderer(t, mem).Render(ctx, "RawReport", "u1")
	require.NoError(t, err)
	assert.Equal(t, "true|", doc)
}

func TestRenderUnknownReportAndUser(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedReport(t, mem, `x`)
	r := newRenderer(t, mem)

	_, err := r.Render(ctx, "nope", "u1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = r.Render(ctx, "GeoSummary", "ghost")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRenderIsPureRead(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedReport(t, mem, `score: {{.Input.QuizScore.Display}}`)
	observeScore(t, mem)

	_, err := newRenderer(t, mem).Render(ctx, "GeoSummary", "u1")
	require.NoError(t, err)

	history, err := mem.History(ctx, "u1", "QuizScore")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
