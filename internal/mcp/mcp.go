// Package mcp exposes the decision graph to MCP-compatible AI agents:
// tools for checking prior decisions before making new ones, recording
// decisions mid-session, and reading graph context, plus read-only
// resources over recent decisions.
//
// The server is per-user: stdio transports carry exactly one user's
// session, so the user id is fixed at construction.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/engramhq/engram/internal/agentctx"
	"github.com/engramhq/engram/internal/storage"
)

// Server wraps the MCP server around the agent context service.
type Server struct {
	mcpServer *mcpserver.MCPServer
	svc       *agentctx.Service
	db        *storage.DB
	userID    string
	agentName string
	logger    *slog.Logger
}

// New configures an MCP server serving userID's graph. agentName tags
// decisions recorded through engram_remember.
func New(svc *agentctx.Service, db *storage.DB, userID, agentName string, logger *slog.Logger) *Server {
	s := &Server{
		svc:       svc,
		db:        db,
		userID:    userID,
		agentName: agentName,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"engram",
		"0.1.0",
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

func (s *Server) registerTools() {
	// engram_check — consult the graph before deciding.
	s.mcpServer.AddTool(
		mcplib.NewTool("engram_check",
			mcplib.WithDescription("Check for prior decisions relevant to a question before deciding. Returns matching decisions with rationale, supersession status, and known contradictions."),
			mcplib.WithString("query", mcplib.Description("What is being decided, in natural language"), mcplib.Required()),
			mcplib.WithString("project", mcplib.Description("Limit to one project")),
			mcplib.WithNumber("top_k", mcplib.Description("Maximum decisions to return")),
		),
		s.handleCheck,
	)

	// engram_remember — record a decision made in this session.
	s.mcpServer.AddTool(
		mcplib.NewTool("engram_remember",
			mcplib.WithDescription("Record a decision just made so future sessions can find it. Returns the linked entities and any earlier decisions this one may supersede or contradict."),
			mcplib.WithString("decision", mcplib.Description("What was decided"), mcplib.Required()),
			mcplib.WithString("trigger", mcplib.Description("The question or problem that forced the decision"), mcplib.Required()),
			mcplib.WithString("rationale", mcplib.Description("Why this option won")),
			mcplib.WithString("context", mcplib.Description("Surrounding constraints")),
			mcplib.WithString("project", mcplib.Description("Project the decision belongs to")),
			mcplib.WithString("options", mcplib.Description("Considered options, comma separated")),
			mcplib.WithString("scope", mcplib.Description("strategic, architectural, library, config or operational")),
		),
		s.handleRemember,
	)

	// engram_summary — graph overview.
	s.mcpServer.AddTool(
		mcplib.NewTool("engram_summary",
			mcplib.WithDescription("Summarize the user's decision graph: top entities, highest-signal decisions, unresolved contradictions, and underexplored areas."),
		),
		s.handleSummary,
	)

	// engram_context — focused markdown context for a task.
	s.mcpServer.AddTool(
		mcplib.NewTool("engram_context",
			mcplib.WithDescription("Build a token-budgeted markdown context block of decisions relevant to a task, for inclusion in a prompt."),
			mcplib.WithString("query", mcplib.Description("The task or question needing context"), mcplib.Required()),
			mcplib.WithString("project", mcplib.Description("Limit to one project")),
		),
		s.handleContext,
	)

	// engram_entity — everything known about one entity.
	s.mcpServer.AddTool(
		mcplib.NewTool("engram_entity",
			mcplib.WithDescription("Look up everything decided about one entity (a technology, system, pattern, file or person): its decisions newest first, related entities, and a timeline."),
			mcplib.WithString("name", mcplib.Description("Entity name, fuzzy matching applied"), mcplib.Required()),
		),
		s.handleEntity,
	)
}

func (s *Server) handleCheck(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	result, err := s.svc.Context(ctx, s.userID, agentctx.ContextOptions{
		Query:      query,
		Project:    request.GetString("project", ""),
		TopK:       request.GetInt("top_k", 5),
		GraphDepth: 1,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("check failed: %v", err)), nil
	}
	return jsonResult(result)
}

func (s *Server) handleRemember(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	decision := request.GetString("decision", "")
	trigger := request.GetString("trigger", "")
	if decision == "" || trigger == "" {
		return errorResult("decision and trigger are required"), nil
	}

	res, err := s.svc.Remember(ctx, s.userID, agentctx.RememberInput{
		AgentName: s.agentName,
		Project:   request.GetString("project", ""),
		Trigger:   trigger,
		Context:   request.GetString("context", ""),
		Options:   splitOptions(request.GetString("options", "")),
		Decision:  decision,
		Rationale: request.GetString("rationale", ""),
		Scope:     request.GetString("scope", ""),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("remember failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"decision_id":             res.Decision.ID,
		"entities":                res.Entities,
		"similar_ids":             res.SimilarIDs,
		"supersede_candidate_ids": res.SupersedeCandidateIDs,
		"status":                  "recorded",
	})
}

func (s *Server) handleSummary(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	summary, err := s.svc.Summary(ctx, s.userID)
	if err != nil {
		return errorResult(fmt.Sprintf("summary failed: %v", err)), nil
	}
	return jsonResult(summary)
}

func (s *Server) handleContext(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	result, err := s.svc.Context(ctx, s.userID, agentctx.ContextOptions{
		Query:    query,
		Project:  request.GetString("project", ""),
		Markdown: true,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("context failed: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: result.Markdown},
		},
	}, nil
}

func (s *Server) handleEntity(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	name := request.GetString("name", "")
	if name == "" {
		return errorResult("name is required"), nil
	}

	ec, err := s.svc.EntityContext(ctx, s.userID, name)
	if err != nil {
		return errorResult(fmt.Sprintf("entity lookup failed: %v", err)), nil
	}
	return jsonResult(ec)
}

func splitOptions(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal failed: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
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
