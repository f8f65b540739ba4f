package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/engramhq/engram/internal/agentctx"
	"github.com/engramhq/engram/internal/analyze"
	"github.com/engramhq/engram/internal/capture"
	"github.com/engramhq/engram/internal/ingest"
	"github.com/engramhq/engram/internal/model"
	"github.com/engramhq/engram/internal/notify"
	"github.com/engramhq/engram/internal/resolve"
	"github.com/engramhq/engram/internal/retrieval"
	"github.com/engramhq/engram/internal/search"
	"github.com/engramhq/engram/internal/service/decisions"
	"github.com/engramhq/engram/internal/service/embedding"
	"github.com/engramhq/engram/internal/storage"
)

// HandlersDeps holds dependencies for the Handlers.
type HandlersDeps struct {
	DB          *storage.DB
	Writer      *decisions.Service
	Retriever   *retrieval.Service
	Agent       *agentctx.Service
	Analyzer    *analyze.Analyzer
	Coordinator *ingest.Coordinator
	Capture     *capture.Service
	Hub         *notify.Hub
	Resolver    *resolve.Resolver
	Embedder    embedding.Provider
	Searcher    search.Searcher

	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// Handlers holds HTTP request handlers and their dependencies.
type Handlers struct {
	db          *storage.DB
	writer      *decisions.Service
	retriever   *retrieval.Service
	agent       *agentctx.Service
	analyzer    *analyze.Analyzer
	coordinator *ingest.Coordinator
	capture     *capture.Service
	hub         *notify.Hub
	resolver    *resolve.Resolver
	embedder    embedding.Provider
	searcher    search.Searcher
	logger      *slog.Logger
	version     string
	maxBody     int64
	openapiSpec []byte

	// File watchers are per-user and created on demand.
	watchMu  sync.Mutex
	watchers map[string]*ingest.Watcher
}

const defaultMaxBodyBytes = 1 << 20 // 1 MiB

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	maxBody := deps.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Handlers{
		db:          deps.DB,
		writer:      deps.Writer,
		retriever:   deps.Retriever,
		agent:       deps.Agent,
		analyzer:    deps.Analyzer,
		coordinator: deps.Coordinator,
		capture:     deps.Capture,
		hub:         deps.Hub,
		resolver:    deps.Resolver,
		embedder:    deps.Embedder,
		searcher:    deps.Searcher,
		logger:      deps.Logger,
		version:     deps.Version,
		maxBody:     maxBody,
		openapiSpec: deps.OpenAPISpec,
		watchers:    map[string]*ingest.Watcher{},
	}
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if err := h.db.Ping(r.Context()); err != nil {
		status = "degraded"
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
	})
}

// pathUUID parses a UUID path segment, writing the error response on
// failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, name+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryFloat parses a float query parameter with a default.
func queryFloat(r *http.Request, name string, def float64) float64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// queryBool parses a boolean query parameter, defaulting to false.
func queryBool(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

// pagination derives limit/offset from page/page_size parameters and
// returns the page values for the response meta.
func pagination(r *http.Request) (limit, offset, page, pageSize int) {
	page = queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	pageSize = queryInt(r, "page_size", 50)
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}
	return pageSize, (page - 1) * pageSize, page, pageSize
}

func pages(total, pageSize int) int {
	if pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}
