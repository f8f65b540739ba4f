package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/engramhq/engram/internal/storage"
)

func (s *Server) registerResources() {
	// engram://decisions/recent — the user's latest decisions.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"engram://decisions/recent",
			"Recent Decisions",
			mcplib.WithResourceDescription("The user's most recent decisions, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentDecisions,
	)

	// engram://summary — the cached graph overview.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"engram://summary",
			"Graph Summary",
			mcplib.WithResourceDescription("Overview of the decision graph: top entities, top decisions, contradictions, knowledge gaps"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSummaryResource,
	)
}

func (s *Server) handleRecentDecisions(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	decisions, _, err := s.db.ListDecisions(ctx, s.userID, storage.DecisionFilters{Limit: 20})
	if err != nil {
		return nil, fmt.Errorf("mcp: recent decisions: %w", err)
	}

	data, err := json.MarshalIndent(decisions, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal decisions: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "engram://decisions/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleSummaryResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	summary, err := s.svc.Summary(ctx, s.userID)
	if err != nil {
		return nil, fmt.Errorf("mcp: summary: %w", err)
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal summary: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "engram://summary",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
