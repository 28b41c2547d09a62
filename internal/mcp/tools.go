package mcp

import (
	"context"
	"fmt"
	"strconv"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/aurelia-ai/facet/internal/integrity"
	"github.com/aurelia-ai/facet/internal/model"
	"github.com/aurelia-ai/facet/internal/store"
)

func (s *Server) registerTools() {
	// facet_observe — record an observed attribute value.
	s.mcpServer.AddTool(
		mcplib.NewTool("facet_observe",
			mcplib.WithDescription("Record an observed attribute value for a user. Appends a snapshot; never overwrites history."),
			mcplib.WithString("user_id", mcplib.Description("User identifier"), mcplib.Required()),
			mcplib.WithString("attribute_id", mcplib.Description("Attribute identifier"), mcplib.Required()),
			mcplib.WithString("value", mcplib.Description("Observed value, encoded as text"), mcplib.Required()),
			mcplib.WithString("kind", mcplib.Description("Value kind: string, number, or bool (default string)")),
			mcplib.WithString("observer", mcplib.Description("Who observed the value"), mcplib.Required()),
			mcplib.WithString("blame_source", mcplib.Description("Triggering event kind: message or conversation")),
			mcplib.WithString("blame_id", mcplib.Description("Identifier of the triggering event")),
		),
		s.handleObserve,
	)

	// facet_run_script — execute a derivation script for a user.
	s.mcpServer.AddTool(
		mcplib.NewTool("facet_run_script",
			mcplib.WithDescription("Run a derivation script for a user: resolves declared inputs, executes the sandboxed body, and appends the declared outputs as new snapshots"),
			mcplib.WithString("script_id", mcplib.Description("Script identifier"), mcplib.Required()),
			mcplib.WithString("user_id", mcplib.Description("User identifier"), mcplib.Required()),
		),
		s.handleRunScript,
	)

	// facet_render_report — render a report template for a user.
	s.mcpServer.AddTool(
		mcplib.NewTool("facet_render_report",
			mcplib.WithDescription("Render a report for a user from their current attribute values. A pure read; no attribute state changes."),
			mcplib.WithString("report_id", mcplib.Description("Report identifier"), mcplib.Required()),
			mcplib.WithString("user_id", mcplib.Description("User identifier"), mcplib.Required()),
		),
		s.handleRenderReport,
	)

	// facet_get_attribute — current value plus history for one attribute.
	s.mcpServer.AddTool(
		mcplib.NewTool("facet_get_attribute",
			mcplib.WithDescription("Get the current value and full snapshot history of one user attribute"),
			mcplib.WithString("user_id", mcplib.Description("User identifier"), mcplib.Required()),
			mcplib.WithString("attribute_id", mcplib.Description("Attribute identifier"), mcplib.Required()),
		),
		s.handleGetAttribute,
	)

	// facet_history — snapshot history only, oldest first.
	s.mcpServer.AddTool(
		mcplib.NewTool("facet_history",
			mcplib.WithDescription("Get the snapshot history of one user attribute, oldest first"),
			mcplib.WithString("user_id", mcplib.Description("User identifier"), mcplib.Required()),
			mcplib.WithString("attribute_id", mcplib.Description("Attribute identifier"), mcplib.Required()),
		),
		s.handleHistory,
	)

	// facet_list_scripts — catalog listing with optional tag filter.
	s.mcpServer.AddTool(
		mcplib.NewTool("facet_list_scripts",
			mcplib.WithDescription("List catalogued derivation scripts, optionally filtered by tag"),
			mcplib.WithString("tag", mcplib.Description("Only scripts carrying this tag")),
		),
		s.handleListScripts,
	)

	// facet_list_reports — catalog listing with optional tag filter.
	s.mcpServer.AddTool(
		mcplib.NewTool("facet_list_reports",
			mcplib.WithDescription("List catalogued reports, optionally filtered by tag"),
			mcplib.WithString("tag", mcplib.Description("Only reports carrying this tag")),
		),
		s.handleListReports,
	)

	// facet_verify_history — recompute the tamper-evidence hash chain.
	s.mcpServer.AddTool(
		mcplib.NewTool("facet_verify_history",
			mcplib.WithDescription("Verify the tamper-evidence hash chain over a user's snapshot histories. With attribute_id checks one history; without, checks all and returns the Merkle root over the chain heads."),
			mcplib.WithString("user_id", mcplib.Description("User identifier"), mcplib.Required()),
			mcplib.WithString("attribute_id", mcplib.Description("Attribute to verify; omit to verify all")),
		),
		s.handleVerifyHistory,
	)
}

// parseValue decodes the text-encoded tool argument into the scalar union.
func parseValue(raw, kind string) (model.Value, error) {
	switch kind {
	case "", "string":
		return model.StringValue(raw), nil
	case "number":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return model.Value{}, fmt.Errorf("parse number %q: %w", raw, err)
		}
		return model.NumberValue(f), nil
	case "bool":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return model.Value{}, fmt.Errorf("parse bool %q: %w", raw, err)
		}
		return model.BoolValue(b), nil
	}
	return model.Value{}, fmt.Errorf("unknown kind %q (want string, number, or bool)", kind)
}

func (s *Server) handleObserve(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID := request.GetString("user_id", "")
	attributeID := request.GetString("attribute_id", "")
	observer := request.GetString("observer", "")
	if userID == "" || attributeID == "" || observer == "" {
		return errorResult("user_id, attribute_id, and observer are required"), nil
	}

	value, err := parseValue(request.GetString("value", ""), request.GetString("kind", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}

	w := store.Write{AttributeID: attributeID, Value: value, Observer: observer}
	if src := request.GetString("blame_source", ""); src != "" {
		w.Blame = &model.Blame{
			Source: model.BlameSource(src),
			ID:     request.GetString("blame_id", ""),
		}
	}

	snap, err := s.store.Append(ctx, userID, w)
	if err != nil {
		return errorResult(fmt.Sprintf("observe failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"snapshot_id": snap.ID,
		"seq":         snap.Seq,
		"recorded_at": snap.RecordedAt,
		"status":      "recorded",
	}), nil
}

func (s *Server) handleRunScript(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	scriptID := request.GetString("script_id", "")
	userID := request.GetString("user_id", "")
	if scriptID == "" || userID == "" {
		return errorResult("script_id and user_id are required"), nil
	}

	result, err := s.runner.Run(ctx, scriptID, userID)
	if err != nil {
		return errorResult(fmt.Sprintf("run failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"run_id":  result.RunID,
		"updated": result.Updated,
		"status":  "complete",
	}), nil
}

func (s *Server) handleRenderReport(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	reportID := request.GetString("report_id", "")
	userID := request.GetString("user_id", "")
	if reportID == "" || userID == "" {
		return errorResult("report_id and user_id are required"), nil
	}

	doc, err := s.renderer.Render(ctx, reportID, userID)
	if err != nil {
		return errorResult(fmt.Sprintf("render failed: %v", err)), nil
	}
	return textResult(doc), nil
}

func (s *Server) handleGetAttribute(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID := request.GetString("user_id", "")
	attributeID := request.GetString("attribute_id", "")
	if userID == "" || attributeID == "" {
		return errorResult("user_id and attribute_id are required"), nil
	}

	attr, err := s.store.GetAttribute(ctx, userID, attributeID)
	if err != nil {
		return errorResult(fmt.Sprintf("get attribute failed: %v", err)), nil
	}
	return jsonResult(attr), nil
}

func (s *Server) handleHistory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID := request.GetString("user_id", "")
	attributeID := request.GetString("attribute_id", "")
	if userID == "" || attributeID == "" {
		return errorResult("user_id and attribute_id are required"), nil
	}

	history, err := s.store.History(ctx, userID, attributeID)
	if err != nil {
		return errorResult(fmt.Sprintf("history failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"user_id":      userID,
		"attribute_id": attributeID,
		"history":      history,
	}), nil
}

// scriptSummary is the catalog listing projection: everything but the
// source body.
type scriptSummary struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Tags        model.Tags     `json:"tags,omitempty"`
	Inputs      []model.IOSlot `json:"inputs"`
	Outputs     []model.IOSlot `json:"outputs"`
}

func (s *Server) handleListScripts(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	defs, err := s.store.ListScripts(ctx, request.GetString("tag", ""))
	if err != nil {
		return errorResult(fmt.Sprintf("list scripts failed: %v", err)), nil
	}

	summaries := make([]scriptSummary, len(defs))
	for i, d := range defs {
		summaries[i] = scriptSummary{
			ID: d.ID, Name: d.Name, Description: d.Description,
			Tags: d.Tags, Inputs: d.Inputs, Outputs: d.Outputs,
		}
	}
	return jsonResult(map[string]any{"scripts": summaries, "total": len(summaries)}), nil
}

type reportSummary struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Tags        model.Tags     `json:"tags,omitempty"`
	Inputs      []model.IOSlot `json:"inputs"`
}

func (s *Server) handleListReports(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	defs, err := s.store.ListReports(ctx, request.GetString("tag", ""))
	if err != nil {
		return errorResult(fmt.Sprintf("list reports failed: %v", err)), nil
	}

	summaries := make([]reportSummary, len(defs))
	for i, d := range defs {
		summaries[i] = reportSummary{
			ID: d.ID, Name: d.Name, Description: d.Description,
			Tags: d.Tags, Inputs: d.Inputs,
		}
	}
	return jsonResult(map[string]any{"reports": summaries, "total": len(summaries)}), nil
}

// chainStatus is the verification verdict for one attribute history.
type chainStatus struct {
	Verified     bool   `json:"verified"`
	FirstInvalid *int   `json:"first_invalid,omitempty"`
	Snapshots    int    `json:"snapshots"`
	ChainHead    string `json:"chain_head,omitempty"`
}

func (s *Server) verifyOne(ctx context.Context, userID, attributeID string) (chainStatus, error) {
	history, err := s.store.History(ctx, userID, attributeID)
	if err != nil {
		return chainStatus{}, err
	}
	status := chainStatus{Snapshots: len(history)}
	if idx := integrity.VerifyHistory(userID, history); idx >= 0 {
		status.FirstInvalid = &idx
		return status, nil
	}
	status.Verified = true
	status.ChainHead = history[len(history)-1].ContentHash
	return status, nil
}

func (s *Server) handleVerifyHistory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID := request.GetString("user_id", "")
	if userID == "" {
		return errorResult("user_id is required"), nil
	}

	if attributeID := request.GetString("attribute_id", ""); attributeID != "" {
		status, err := s.verifyOne(ctx, userID, attributeID)
		if err != nil {
			return errorResult(fmt.Sprintf("verify failed: %v", err)), nil
		}
		return jsonResult(map[string]any{
			"user_id":      userID,
			"attribute_id": attributeID,
			"result":       status,
		}), nil
	}

	ids, err := s.store.ListAttributeIDs(ctx, userID)
	if err != nil {
		return errorResult(fmt.Sprintf("verify failed: %v", err)), nil
	}

	verified := true
	results := make(map[string]chainStatus, len(ids))
	heads := make([]string, 0, len(ids))
	for _, id := range ids {
		status, err := s.verifyOne(ctx, userID, id)
		if err != nil {
			return errorResult(fmt.Sprintf("verify %s failed: %v", id, err)), nil
		}
		results[id] = status
		verified = verified && status.Verified
		heads = append(heads, status.ChainHead)
	}

	out := map[string]any{
		"user_id":    userID,
		"verified":   verified,
		"attributes": results,
	}
	if verified {
		// ids are sorted, so the leaf order is deterministic.
		out["merkle_root"] = integrity.MerkleRoot(heads)
	}
	return jsonResult(out), nil
}
