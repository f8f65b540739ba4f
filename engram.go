// Package engram is the public API for embedding the Engram decision
// knowledge-graph server.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := engram.New(
//	    engram.WithVersion(version),
//	    engram.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: engram (root) imports
// internal/*, but internal/* never imports engram (root). Public types are
// standalone with no internal imports; conversion adapters live here because
// this is the only file that sees both sides of the boundary.
package engram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/engramhq/engram/api"
	"github.com/engramhq/engram/internal/agentctx"
	"github.com/engramhq/engram/internal/analyze"
	"github.com/engramhq/engram/internal/capture"
	"github.com/engramhq/engram/internal/config"
	"github.com/engramhq/engram/internal/extract"
	"github.com/engramhq/engram/internal/ingest"
	"github.com/engramhq/engram/internal/kv"
	"github.com/engramhq/engram/internal/llm"
	"github.com/engramhq/engram/internal/mcp"
	"github.com/engramhq/engram/internal/notify"
	"github.com/engramhq/engram/internal/ratelimit"
	"github.com/engramhq/engram/internal/resolve"
	"github.com/engramhq/engram/internal/retrieval"
	"github.com/engramhq/engram/internal/search"
	"github.com/engramhq/engram/internal/server"
	"github.com/engramhq/engram/internal/service/decisions"
	"github.com/engramhq/engram/internal/service/embedding"
	"github.com/engramhq/engram/internal/storage"
	"github.com/engramhq/engram/internal/telemetry"
	"github.com/engramhq/engram/migrations"
)

// App is the Engram server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	store        *kv.Store
	srv          *server.Server
	hub          *notify.Hub
	listener     *notify.Listener
	outbox       *search.OutboxWorker
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Engram server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	if o.logsRoot != "" {
		cfg.LogsRoot = o.logsRoot
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("engram starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	// Run embedded migrations, then any extra migration filesystems.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Verify critical tables exist after migration. If the pgvector
	// extension failed to create, later migrations fail silently and the
	// server would start with no tables. Catch this early.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'decisions')`,
	).Scan(&schemaOK); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("critical table 'decisions' does not exist after migration — check that the pgvector extension is created")
	}

	// Connect to Redis. Redis is optional: without it the LLM cache,
	// resolution cache, rate limits, and job state degrade to no-ops,
	// which is acceptable for local development.
	store, err := kv.Open(context.Background(), cfg.RedisURL, logger)
	if err != nil {
		logger.Warn("redis unavailable — caching, rate limits, and job state disabled", "error", err)
		store = nil
	}
	limiter := ratelimit.New(store.Client(), logger)

	// Create embedding provider — external override takes priority over auto-detect.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = &embeddingAdapter{p: o.embeddingProvider}
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	// Initialize Qdrant search index and outbox worker (optional — disabled
	// if QDRANT_URL is empty; pgvector queries serve as the fallback).
	var searcher search.Searcher
	var qdrantIndex *search.QdrantIndex
	var outboxWorker *search.OutboxWorker
	if cfg.QdrantURL != "" {
		var idxErr error
		qdrantIndex, idxErr = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if idxErr != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant: %w", idxErr)
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		searcher = qdrantIndex
		outboxWorker = search.NewOutboxWorker(db.Pool(), qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	// LLM infrastructure: provider + cache + rate limits, shared by the
	// extractor, the analyzers, and the reranker.
	if cfg.LLMAPIKey == "" {
		logger.Warn("no LLM API key configured — extraction calls will fail unless the endpoint accepts anonymous requests")
	}
	provider := llm.NewOpenAIProvider(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, logger)
	infra := llm.NewInfra(provider, limiter, store, llm.InfraConfig{
		MaxRetries:      cfg.LLMMaxRetries,
		MaxPromptTokens: cfg.LLMMaxPromptTokens,
		FallbackModel:   cfg.LLMFallbackModel,
		RequestsPerMin:  cfg.LLMRequestsPerMin,
		AnonymousPerMin: cfg.LLMAnonymousPerMin,
		RateLimitWait:   cfg.LLMRateLimitMaxWait,
		RejectInjection: cfg.RejectInjection,
		CacheTTL:        cfg.LLMCacheTTL,
		PromptVersion:   cfg.PromptVersion,
	}, logger)

	// Entity resolution.
	canon := resolve.NewCanonical(cfg.CanonicalRegistryURL, logger)
	resolver := resolve.New(db, embedder, store, canon, logger)

	// Graph writer.
	writer := decisions.New(db, embedder, resolver, infra, store, decisions.Config{
		SimilarityThreshold:     cfg.SimilarityThreshold,
		HighSimilarityThreshold: cfg.HighConfidenceSimilarity,
		SimilarEdgeLimit:        cfg.SimilarEdgeLimit,
		SharedEntityMin:         cfg.InfluencedMinSharedEntities,
	}, logger)

	// Analyzer, wired back into the writer for post-save cross-user scans.
	analyzer := analyze.New(db, infra, writer, analyze.Config{
		PairConfidenceThreshold: cfg.PairConfidenceThreshold,
		CycleMaxDepth:           cfg.CycleMaxDepth,
		MaxCyclesPerType:        cfg.MaxCyclesPerType,
		DormantMinAge:           time.Duration(cfg.DormantMinAgeDays) * 24 * time.Hour,
		DormantAgeWeight:        cfg.DormantAgeWeight,
		DormantConfidenceWeight: cfg.DormantConfidenceWeight,
		CrossUserScanLimit:      cfg.CrossUserScanLimit,
	}, logger)
	writer.SetCrossUserScanner(analyzer)

	// Extraction pipeline and ingestion coordinator.
	extractor := extract.New(infra, extract.Config{
		HighConfidenceThreshold: cfg.HighConfidenceThreshold,
		MinConfidence:           cfg.MinDecisionConfidence,
		ContextLimit:            cfg.LLMContextLimit,
		MaxPromptTokens:         cfg.LLMMaxPromptTokens,
		CalibrationMethod:       cfg.CalibrationMethod,
		CalibrationTemperature:  cfg.CalibrationTemperature,
		PromptVersion:           cfg.PromptVersion,
	}, logger)
	pipeline := ingest.NewExtractionPipeline(extractor, writer, logger)
	coordinator := ingest.NewCoordinator(ingest.Options{
		LogsRoot:     cfg.LogsRoot,
		JobStateTTL:  cfg.JobStateTTL,
		CancelKeyTTL: cfg.CancelKeyTTL,
		EpisodeGap:   cfg.EpisodeGap,
	}, store, db, pipeline, logger)

	// Live capture sessions share the batch pipeline's segmenter.
	captureSvc := capture.New(db, ingest.NewSegmenter(cfg.EpisodeGap), pipeline, logger)

	// Hybrid retrieval, optionally LLM-reranked.
	var reranker retrieval.Reranker
	if cfg.RerankingEnabled {
		reranker = retrieval.NewLLMReranker(infra)
	}
	retriever := retrieval.New(db, searcher, embedder, reranker, retrieval.Config{
		RerankEnabled: cfg.RerankingEnabled,
		RerankTopK:    cfg.RerankingTopK,
	}, logger)

	// Agent context service.
	agentSvc := agentctx.New(db, retriever, writer, resolver, store, agentctx.Config{
		TokenBudget: cfg.AgentTokenBudget,
	}, logger)

	// Notification hub, fed from Postgres LISTEN/NOTIFY when a direct
	// connection is configured.
	hub := notify.NewHub(logger)
	var listener *notify.Listener
	if db.NotifyConn() != nil {
		listener = notify.NewListener(db, hub, logger)
	} else {
		logger.Info("notify listener: disabled (no NOTIFY_URL)")
	}

	// MCP transport is per-user; mount it only when a user is named.
	var mcpSrv *mcp.Server
	if cfg.MCPUser != "" {
		mcpSrv = mcp.New(agentSvc, db, cfg.MCPUser, cfg.MCPAgentName, logger)
		logger.Info("mcp: enabled", "user", cfg.MCPUser, "agent", cfg.MCPAgentName)
	}

	srvCfg := server.ServerConfig{
		Deps: server.HandlersDeps{
			DB:                  db,
			Writer:              writer,
			Retriever:           retriever,
			Agent:               agentSvc,
			Analyzer:            analyzer,
			Coordinator:         coordinator,
			Capture:             captureSvc,
			Hub:                 hub,
			Resolver:            resolver,
			Embedder:            embedder,
			Searcher:            searcher,
			Logger:              logger,
			Version:             version,
			MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
			OpenAPISpec:         api.OpenAPISpec,
		},
		Limiter:      limiter,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if mcpSrv != nil {
		srvCfg.MCPServer = mcpSrv.MCPServer()
	}
	srv := server.New(srvCfg)

	return &App{
		cfg:          cfg,
		db:           db,
		store:        store,
		srv:          srv,
		hub:          hub,
		listener:     listener,
		outbox:       outboxWorker,
		qdrantIndex:  qdrantIndex,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	if a.listener != nil {
		go a.listener.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a graceful shutdown:
// (1) stop accepting HTTP requests, drain in-flight, and stop file watchers,
// (2) close WebSocket connections,
// (3) drain remaining outbox entries to Qdrant.
// It then closes the Qdrant client, Redis, the database pool, and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("engram shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	a.hub.CloseAll()

	if a.outbox != nil {
		outboxCtx, outboxCancel := context.WithTimeout(ctx, 10*time.Second)
		a.outbox.Drain(outboxCtx)
		outboxCancel()
	}

	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("engram stopped")
	return nil
}

// ── Adapters and helpers ───────────────────────────────────────────────────────

// embeddingAdapter wraps a public EmbeddingProvider to satisfy the internal
// embedding.Provider interface. Lives here because this is the only file that
// imports both sides of the boundary.
type embeddingAdapter struct {
	p EmbeddingProvider
}

func (a *embeddingAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

func (a *embeddingAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vs))
	for i, v := range vs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *embeddingAdapter) Dimensions() int {
	return a.p.Dimensions()
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if key present, else noop.
// Ollama is preferred: embeddings stay on-premises with no external API costs.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when ENGRAM_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider("", cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider("", cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
