package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/aurelia-ai/facet/internal/catalog"
	"github.com/aurelia-ai/facet/internal/model"
	"github.com/aurelia-ai/facet/internal/report"
	"github.com/aurelia-ai/facet/internal/sandbox"
	"github.com/aurelia-ai/facet/internal/script"
	"github.com/aurelia-ai/facet/internal/store"
	"github.com/aurelia-ai/facet/internal/testutil"
)

const constantScoreSource = `
func Derive(input string) (string, error) {
	return ` + "`" + `{"attributes": {"QuizScore": {"value": 70}}}` + "`" + `, nil
}
`

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	logger := testutil.Logger()
	catalogs := catalog.New(mem)
	runner := script.NewRunner(catalogs, mem, sandbox.New(logger), logger, script.Config{})
	renderer := report.NewRenderer(catalogs, mem, logger)
	return New(runner, renderer, mem, logger, "test"), mem
}

func callReq(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	}
}

func textOf(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	require.Len(t, result.Content, 1)
	tc, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	return tc.Text
}

func decodeResult(t *testing.T, result *mcplib.CallToolResult, into any) {
	t.Helper()
	require.False(t, result.IsError, "unexpected tool error: %s", textOf(t, result))
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result)), into))
}

func TestHandleObserveAndGetAttribute(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestServer(t)

	result, err := s.handleObserve(ctx, callReq("facet_observe", map[string]any{
		"user_id":      "u1",
		"attribute_id": "KnowsCapital",
		"value":        "80",
		"kind":         "number",
		"observer":     "alice",
		"blame_source": "message",
		"blame_id":     "m-1",
	}))
	require.NoError(t, err)
	var observed struct {
		Seq    int64  `json:"seq"`
		Status string `json:"status"`
	}
	decodeResult(t, result, &observed)
	assert.Equal(t, int64(1), observed.Seq)
	assert.Equal(t, "recorded", observed.Status)

	result, err = s.handleGetAttribute(ctx, callReq("facet_get_attribute", map[string]any{
		"user_id": "u1", "attribute_id": "KnowsCapital",
	}))
	require.NoError(t, err)
	var attr model.UserAttribute
	decodeResult(t, result, &attr)
	assert.Equal(t, float64(80), attr.Value.Number())
	require.Len(t, attr.History, 1)
	assert.Equal(t, "alice", attr.History[0].Observer)
}

func TestHandleObserveMissingArgs(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleObserve(context.Background(), callReq("facet_observe", map[string]any{
		"user_id": "u1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleObserveBadKind(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleObserve(context.Background(), callReq("facet_observe", map[string]any{
		"user_id": "u1", "attribute_id": "A", "value": "x", "kind": "tuple", "observer": "alice",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleRunScript(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestServer(t)

	require.NoError(t, mem.PutUser(ctx, model.User{ID: "u1", Name: "Ada"}))
	require.NoError(t, mem.PutScriptDefinition(ctx, model.ScriptDefinition{
		ID:      "ConstantScore",
		Outputs: []model.IOSlot{{AttributeID: "QuizScore"}},
		Source:  constantScoreSource,
	}))

	result, err := s.handleRunScript(ctx, callReq("facet_run_script", map[string]any{
		"script_id": "ConstantScore", "user_id": "u1",
	}))
	require.NoError(t, err)
	var run struct {
		Updated []string `json:"updated"`
		Status  string   `json:"status"`
	}
	decodeResult(t, result, &run)
	assert.Equal(t, []string{"QuizScore"}, run.Updated)
	assert.Equal(t, "complete", run.Status)

	attr, err := mem.GetAttribute(ctx, "u1", "QuizScore")
	require.NoError(t, err)
	assert.Equal(t, float64(70), attr.Value.Number())
}

func TestHandleRunScriptFailureIsToolError(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleRunScript(context.Background(), callReq("facet_run_script", map[string]any{
		"script_id": "missing", "user_id": "u1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleRenderReport(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestServer(t)

	require.NoError(t, mem.PutUser(ctx, model.User{ID: "u1", Name: "Ada"}))
	require.NoError(t, mem.PutReportDefinition(ctx, model.ReportDefinition{
		ID:       "Greeting",
		Inputs:   []model.IOSlot{{AttributeID: "FavoriteCity"}},
		Template: `{{.User.Name}} likes {{.Input.FavoriteCity.Display}}.`,
	}))
	_, err := mem.Append(ctx, "u1", store.Write{
		AttributeID: "FavoriteCity", Value: model.StringValue("Lisbon"), Observer: "alice",
	})
	require.NoError(t, err)

	result, err := s.handleRenderReport(ctx, callReq("facet_render_report", map[string]any{
		"report_id": "Greeting", "user_id": "u1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "Ada likes Lisbon.", textOf(t, result))
}

func TestHandleHistory(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestServer(t)

	for _, city := range []string{"Lisbon", "Porto"} {
		_, err := mem.Append(ctx, "u1", store.Write{
			AttributeID: "FavoriteCity", Value: model.StringValue(city), Observer: "alice",
		})
		require.NoError(t, err)
	}

	result, err := s.handleHistory(ctx, callReq("facet_history", map[string]any{
		"user_id": "u1", "attribute_id": "FavoriteCity",
	}))
	require.NoError(t, err)
	var out struct {
		History []model.Snapshot `json:"history"`
	}
	decodeResult(t, result, &out)
	require.Len(t, out.History, 2)
	assert.Equal(t, "Lisbon", out.History[0].Value.String())
	assert.Equal(t, "Porto", out.History[1].Value.String())
}

func TestHandleListScripts(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestServer(t)

	require.NoError(t, mem.PutScriptDefinition(ctx, model.ScriptDefinition{
		ID: "A", Tags: model.Tags{"geo": true},
		Outputs: []model.IOSlot{{AttributeID: "X"}}, Source: "func Derive(input string) (string, error) { return input, nil }",
	}))
	require.NoError(t, mem.PutScriptDefinition(ctx, model.ScriptDefinition{
		ID:      "B",
		Outputs: []model.IOSlot{{AttributeID: "Y"}}, Source: "func Derive(input string) (string, error) { return input, nil }",
	}))

	result, err := s.handleListScripts(ctx, callReq("facet_list_scripts", map[string]any{"tag": "geo"}))
	require.NoError(t, err)
	var out struct {
		Scripts []scriptSummary `json:"scripts"`
		Total   int             `json:"total"`
	}
	decodeResult(t, result, &out)
	require.Equal(t, 1, out.Total)
	assert.Equal(t, "A", out.Scripts[0].ID)
}

func TestHandleVerifyHistory(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestServer(t)

	for _, attr := range []string{"A", "B"} {
		_, err := mem.Append(ctx, "u1", store.Write{
			AttributeID: attr, Value: model.BoolValue(true), Observer: "alice",
		})
		require.NoError(t, err)
	}

	// Single attribute.
	result, err := s.handleVerifyHistory(ctx, callReq("facet_verify_history", map[string]any{
		"user_id": "u1", "attribute_id": "A",
	}))
	require.NoError(t, err)
	var single struct {
		Result chainStatus `json:"result"`
	}
	decodeResult(t, result, &single)
	assert.True(t, single.Result.Verified)
	assert.NotEmpty(t, single.Result.ChainHead)

	// Whole user.
	result, err = s.handleVerifyHistory(ctx, callReq("facet_verify_history", map[string]any{
		"user_id": "u1",
	}))
	require.NoError(t, err)
	var all struct {
		Verified   bool                   `json:"verified"`
		MerkleRoot string                 `json:"merkle_root"`
		Attributes map[string]chainStatus `json:"attributes"`
	}
	decodeResult(t, result, &all)
	assert.True(t, all.Verified)
	assert.NotEmpty(t, all.MerkleRoot)
	assert.Len(t, all.Attributes, 2)
}

func TestHandleUserAttributesResource(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestServer(t)

	_, err := mem.Append(ctx, "u1", store.Write{
		AttributeID: "FavoriteCity", Value: model.StringValue("Lisbon"), Observer: "alice",
	})
	require.NoError(t, err)

	contents, err := s.handleUserAttributes(ctx, mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "facet://users/u1/attributes"},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	var out struct {
		UserID     string                   `json:"user_id"`
		Attributes map[string]attributeView `json:"attributes"`
	}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	assert.Equal(t, "u1", out.UserID)
	assert.Equal(t, "Lisbon", out.Attributes["FavoriteCity"].Display)
}

func TestHandleUserAttributesBadURI(t *testing.T) {
	s, _ := newTestServer(t)

	_, err := s.handleUserAttributes(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "facet://nonsense"},
	})
	assert.Error(t, err)
}
