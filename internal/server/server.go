package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/engramhq/engram/internal/ratelimit"
)

// Server is the Engram HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying handler set.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Limiter and MCPServer are optional (nil = disabled).
type ServerConfig struct {
	Deps HandlersDeps

	Limiter   *ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(cfg.Deps)
	logger := cfg.Deps.Logger

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Rate limit rules. Writes that fan out into LLM calls get the
	// tightest budget.
	ingestRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
		Prefix: "ingest", Limit: 60, Window: time.Minute,
	}, ratelimit.UserKeyFunc, reqIDFunc)
	queryRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
		Prefix: "query", Limit: 300, Window: time.Minute,
	}, ratelimit.UserKeyFunc, reqIDFunc)
	searchRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
		Prefix: "search", Limit: 100, Window: time.Minute,
	}, ratelimit.UserKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Decisions.
	mux.Handle("POST /decisions", ingestRL(http.HandlerFunc(h.HandleCreateDecision)))
	mux.Handle("GET /decisions", queryRL(http.HandlerFunc(h.HandleListDecisions)))
	mux.Handle("GET /decisions/needs-review", queryRL(http.HandlerFunc(h.HandleNeedsReview)))
	mux.Handle("GET /decisions/{id}", queryRL(http.HandlerFunc(h.HandleGetDecision)))
	mux.Handle("PUT /decisions/{id}", ingestRL(http.HandlerFunc(h.HandleUpdateDecision)))
	mux.Handle("DELETE /decisions/{id}", ingestRL(http.HandlerFunc(h.HandleDeleteDecision)))

	// Entities.
	mux.Handle("POST /entities", ingestRL(http.HandlerFunc(h.HandleCreateEntity)))
	mux.Handle("GET /entities", queryRL(http.HandlerFunc(h.HandleListEntities)))
	mux.Handle("GET /entities/{id}", queryRL(http.HandlerFunc(h.HandleGetEntity)))
	mux.Handle("DELETE /entities/{id}", ingestRL(http.HandlerFunc(h.HandleDeleteEntity)))
	mux.Handle("POST /entities/link", ingestRL(http.HandlerFunc(h.HandleLinkEntities)))
	mux.Handle("POST /entities/suggest", searchRL(http.HandlerFunc(h.HandleSuggestEntities)))

	// Graph.
	mux.Handle("GET /graph", queryRL(http.HandlerFunc(h.HandleGraph)))
	mux.Handle("GET /graph/all", queryRL(http.HandlerFunc(h.HandleGraphAll)))
	mux.Handle("GET /graph/nodes/{id}", queryRL(http.HandlerFunc(h.HandleGraphNode)))
	mux.Handle("GET /graph/nodes/{id}/neighbors", queryRL(http.HandlerFunc(h.HandleGraphNeighbors)))
	mux.Handle("GET /graph/nodes/{id}/similar", searchRL(http.HandlerFunc(h.HandleGraphSimilar)))
	mux.Handle("POST /graph/search/hybrid", searchRL(http.HandlerFunc(h.HandleHybridSearch)))
	mux.Handle("POST /graph/search/semantic", searchRL(http.HandlerFunc(h.HandleSemanticSearch)))
	mux.Handle("GET /graph/stats", queryRL(http.HandlerFunc(h.HandleGraphStats)))
	mux.Handle("GET /graph/sources", queryRL(http.HandlerFunc(h.HandleGraphSources)))
	mux.Handle("GET /graph/projects", queryRL(http.HandlerFunc(h.HandleGraphProjects)))
	mux.Handle("POST /graph/enhance", ingestRL(http.HandlerFunc(h.HandleGraphEnhance)))
	mux.Handle("POST /graph/analyze-relationships", ingestRL(http.HandlerFunc(h.HandleAnalyzeRelationships)))
	mux.Handle("POST /graph/entities/merge-duplicates", ingestRL(http.HandlerFunc(h.HandleMergeDuplicates)))
	mux.Handle("GET /graph/validate", queryRL(http.HandlerFunc(h.HandleValidate)))
	mux.Handle("GET /graph/decisions/{id}/contradictions", queryRL(http.HandlerFunc(h.HandleDecisionContradictions)))
	mux.Handle("GET /graph/decisions/{id}/evolution", queryRL(http.HandlerFunc(h.HandleDecisionEvolution)))
	mux.Handle("GET /graph/entities/timeline/{name}", queryRL(http.HandlerFunc(h.HandleEntityTimeline)))
	mux.Handle("DELETE /graph/reset", http.HandlerFunc(h.HandleGraphReset))

	// Ingestion.
	mux.Handle("GET /ingest/projects", queryRL(http.HandlerFunc(h.HandleIngestProjects)))
	mux.Handle("GET /ingest/files", queryRL(http.HandlerFunc(h.HandleIngestFiles)))
	mux.Handle("GET /ingest/preview", queryRL(http.HandlerFunc(h.HandleIngestPreview)))
	mux.Handle("POST /ingest/trigger", ingestRL(http.HandlerFunc(h.HandleIngestTrigger)))
	mux.Handle("POST /ingest/import-selected", ingestRL(http.HandlerFunc(h.HandleIngestImportSelected)))
	mux.Handle("GET /ingest/import/progress", queryRL(http.HandlerFunc(h.HandleIngestProgress)))
	mux.Handle("POST /ingest/import/cancel", http.HandlerFunc(h.HandleIngestCancel))
	mux.Handle("POST /ingest/watch/start", ingestRL(http.HandlerFunc(h.HandleWatchStart)))
	mux.Handle("POST /ingest/watch/stop", http.HandlerFunc(h.HandleWatchStop))

	// Capture sessions. The WS endpoint carries its own per-connection
	// limits and is not wrapped.
	mux.Handle("POST /sessions", ingestRL(http.HandlerFunc(h.HandleCreateSession)))
	mux.Handle("GET /sessions/{id}", queryRL(http.HandlerFunc(h.HandleGetSession)))
	mux.Handle("POST /sessions/{id}/messages", ingestRL(http.HandlerFunc(h.HandleSessionMessage)))
	mux.Handle("POST /sessions/{id}/complete", ingestRL(http.HandlerFunc(h.HandleCompleteSession)))
	mux.Handle("GET /sessions/{id}/ws", http.HandlerFunc(h.HandleSessionWS))

	// Analytics.
	mux.Handle("GET /analytics/timeline", queryRL(http.HandlerFunc(h.HandleTimeline)))
	mux.Handle("GET /analytics/dormant-alternatives", queryRL(http.HandlerFunc(h.HandleDormantAlternatives)))
	mux.Handle("GET /analytics/coverage", queryRL(http.HandlerFunc(h.HandleCoverage)))
	mux.Handle("GET /analytics/stale", queryRL(http.HandlerFunc(h.HandleStale)))
	mux.Handle("POST /analytics/decisions/{id}/review", queryRL(http.HandlerFunc(h.HandleMarkReviewed)))
	mux.Handle("GET /analytics/assumption-violations", searchRL(http.HandlerFunc(h.HandleAssumptionViolations)))

	// Agent context service.
	mux.Handle("GET /agent/summary", queryRL(http.HandlerFunc(h.HandleAgentSummary)))
	mux.Handle("POST /agent/context", searchRL(http.HandlerFunc(h.HandleAgentContext)))
	mux.Handle("GET /agent/entity/{name}", queryRL(http.HandlerFunc(h.HandleAgentEntity)))
	mux.Handle("POST /agent/check", searchRL(http.HandlerFunc(h.HandleAgentCheck)))
	mux.Handle("POST /agent/remember", ingestRL(http.HandlerFunc(h.HandleAgentRemember)))

	// Notifications.
	mux.Handle("GET /notifications", queryRL(http.HandlerFunc(h.HandleListNotifications)))
	mux.Handle("POST /notifications/{id}/read", queryRL(http.HandlerFunc(h.HandleMarkNotificationRead)))
	mux.Handle("POST /notifications/read-all", queryRL(http.HandlerFunc(h.HandleMarkAllNotificationsRead)))

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// Health and OpenAPI spec (no identity, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → identity → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(logger, handler)
	handler = identityMiddleware(handler)
	handler = loggingMiddleware(logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server and stops any running
// file watchers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	s.handlers.StopWatchers()
	return s.httpServer.Shutdown(ctx)
}
