// Package mcp implements the Model Context Protocol server for facet.
//
// The server exposes the attribute pipeline to MCP-compatible agents:
// tools to observe attribute values, run derivation scripts, render
// reports, and audit snapshot histories, plus a resource view over a
// user's current attributes.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/aurelia-ai/facet/internal/report"
	"github.com/aurelia-ai/facet/internal/script"
	"github.com/aurelia-ai/facet/internal/store"
)

// Server wraps the MCP server with facet's pipeline components.
type Server struct {
	mcpServer *mcpserver.MCPServer
	runner    *script.Runner
	renderer  *report.Renderer
	store     store.Store
	logger    *slog.Logger
}

// New creates and configures an MCP server with all resources and tools.
func New(runner *script.Runner, renderer *report.Renderer, st store.Store, logger *slog.Logger, version string) *Server {
	s := &Server{
		runner:   runner,
		renderer: renderer,
		store:    st,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"facet",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// facet://users/{id}/attributes — a user's current attribute values.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"facet://users/{id}/attributes",
			"User Attributes",
			mcplib.WithTemplateDescription("Current attribute values for a specific user"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleUserAttributes,
	)
}

// attributeView is the resource projection of one attribute: current value
// plus history depth, without the full snapshot list.
type attributeView struct {
	Value     any    `json:"value"`
	Display   string `json:"display"`
	Snapshots int    `json:"snapshots"`
}

func (s *Server) handleUserAttributes(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	userID := strings.TrimSuffix(strings.TrimPrefix(uri, "facet://users/"), "/attributes")
	if userID == "" || userID == uri {
		return nil, fmt.Errorf("mcp: invalid user attributes URI: %s", uri)
	}

	ids, err := s.store.ListAttributeIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("mcp: list attributes: %w", err)
	}

	attrs := make(map[string]attributeView, len(ids))
	for _, id := range ids {
		attr, err := s.store.GetAttribute(ctx, userID, id)
		if err != nil {
			return nil, fmt.Errorf("mcp: get attribute %s: %w", id, err)
		}
		attrs[id] = attributeView{
			Value:     attr.Value.Any(),
			Display:   attr.Value.Display(),
			Snapshots: len(attr.History),
		}
	}

	data, err := json.MarshalIndent(map[string]any{
		"user_id":    userID,
		"attributes": attrs,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal attributes: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err))
	}
	return textResult(string(data))
}
