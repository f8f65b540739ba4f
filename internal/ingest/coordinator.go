package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/engramhq/engram/internal/kv"
	"github.com/engramhq/engram/internal/model"
)

// Job state keys in the key-value store.
const (
	jobKey    = "import:current_job"
	cancelKey = "import:cancel"
)

// Job states.
const (
	StatusIdle                = "idle"
	StatusStarting            = "starting"
	StatusRunning             = "running"
	StatusCompleted           = "completed"
	StatusCompletedWithErrors = "completed_with_errors"
	StatusCancelled           = "cancelled"
	StatusError               = "error"
)

// ErrJobRunning is returned when a start is attempted while a job is
// already running.
var ErrJobRunning = errors.New("ingest: an import job is already running")

// ErrOutsideRoot is returned for paths that escape the logs root.
var ErrOutsideRoot = errors.New("ingest: path outside logs root")

// Pipeline consumes one parsed conversation and returns how many
// decisions it extracted and saved.
type Pipeline interface {
	ProcessConversation(ctx context.Context, userID string, conv model.Conversation, episodes []model.Episode) (int, error)
}

// DedupStore tracks content hashes of already-imported files.
type DedupStore interface {
	FileAlreadyIngested(ctx context.Context, userID, path, sha256 string) (bool, error)
	RecordIngestedFile(ctx context.Context, userID, path, sha256 string) error
}

// Options configures the coordinator.
type Options struct {
	LogsRoot     string
	JobStateTTL  time.Duration
	CancelKeyTTL time.Duration
	EpisodeGap   time.Duration
}

// Coordinator runs one import job at a time per process. Job state
// lives in the key-value store so progress survives across requests;
// cancellation is a TTL key polled between files and conversations.
type Coordinator struct {
	opts      Options
	store     *kv.Store
	dedup     DedupStore
	pipeline  Pipeline
	parser    *Parser
	segmenter *Segmenter
	logger    *slog.Logger

	// running is the process-local single-job guard; the stored status
	// is advisory (it survives restarts, but Redis may be absent).
	running atomic.Bool
}

func NewCoordinator(opts Options, store *kv.Store, dedup DedupStore, pipeline Pipeline, logger *slog.Logger) *Coordinator {
	if opts.JobStateTTL <= 0 {
		opts.JobStateTTL = time.Hour
	}
	if opts.CancelKeyTTL <= 0 {
		opts.CancelKeyTTL = 5 * time.Minute
	}
	return &Coordinator{
		opts:      opts,
		store:     store,
		dedup:     dedup,
		pipeline:  pipeline,
		parser:    NewParser(logger),
		segmenter: NewSegmenter(opts.EpisodeGap),
		logger:    logger,
	}
}

// ImportRequest selects what to import.
type ImportRequest struct {
	UserID string
	// Projects filters discovered files by project-name substring.
	Projects []string
	// Exclude removes files whose project matches any substring.
	Exclude []string
	// Files, when non-empty, imports exactly these paths (each must be
	// under the logs root).
	Files []string
}

// FileInfo describes one discoverable log file.
type FileInfo struct {
	Path        string    `json:"path"`
	ProjectName string    `json:"project_name"`
	SizeBytes   int64     `json:"size_bytes"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// jobState mirrors the hash-map fields stored under jobKey.
type jobState struct {
	JobID              string
	Status             string
	TotalFiles         int
	ProcessedFiles     int
	CurrentFile        string
	DecisionsExtracted int
	Errors             []string
	StartedAt          time.Time
	CompletedAt        time.Time
}

// Projects lists the project directories under the logs root.
func (c *Coordinator) Projects(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(c.opts.LogsRoot)
	if err != nil {
		return nil, fmt.Errorf("ingest: read logs root: %w", err)
	}
	var projects []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			projects = append(projects, e.Name())
		}
	}
	sort.Strings(projects)
	return projects, nil
}

// Files discovers importable .jsonl files, applying project filters.
func (c *Coordinator) Files(ctx context.Context, projects, exclude []string) ([]FileInfo, error) {
	var files []FileInfo
	err := filepath.WalkDir(c.opts.LogsRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}
		project := c.projectFor(path)
		if !matchesProject(project, projects, exclude) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, FileInfo{
			Path:        path,
			ProjectName: project,
			SizeBytes:   info.Size(),
			ModifiedAt:  info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: discover files: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Preview parses a file without importing it and reports what an
// import would produce.
type Preview struct {
	Path          string `json:"path"`
	ProjectName   string `json:"project_name"`
	Conversations int    `json:"conversations"`
	Messages      int    `json:"messages"`
	Episodes      int    `json:"episodes"`
}

func (c *Coordinator) PreviewFile(ctx context.Context, path string) (Preview, error) {
	abs, err := c.guardPath(path)
	if err != nil {
		return Preview{}, err
	}
	convs, _, err := c.parser.ParseFile(abs, c.projectFor(abs))
	if err != nil {
		return Preview{}, err
	}
	pv := Preview{Path: abs, ProjectName: c.projectFor(abs), Conversations: len(convs)}
	for _, conv := range convs {
		pv.Messages += len(conv.Messages)
		pv.Episodes += len(c.segmenter.Segment(conv))
	}
	return pv, nil
}

// Start begins an import job. Returns ErrJobRunning when a job is
// already in flight. The job runs detached from the request context.
func (c *Coordinator) Start(ctx context.Context, req ImportRequest) (string, error) {
	if !c.running.CompareAndSwap(false, true) {
		return "", ErrJobRunning
	}
	started := false
	defer func() {
		if !started {
			c.running.Store(false)
		}
	}()

	state, err := c.loadState(ctx)
	if err != nil {
		return "", err
	}
	if state.Status == StatusRunning || state.Status == StatusStarting {
		return "", ErrJobRunning
	}

	var files []FileInfo
	if len(req.Files) > 0 {
		for _, f := range req.Files {
			abs, err := c.guardPath(f)
			if err != nil {
				return "", err
			}
			info, err := os.Stat(abs)
			if err != nil {
				return "", fmt.Errorf("ingest: stat %s: %w", abs, err)
			}
			files = append(files, FileInfo{
				Path:        abs,
				ProjectName: c.projectFor(abs),
				SizeBytes:   info.Size(),
				ModifiedAt:  info.ModTime(),
			})
		}
	} else {
		files, err = c.Files(ctx, req.Projects, req.Exclude)
		if err != nil {
			return "", err
		}
	}

	jobID := uuid.NewString()
	state = jobState{
		JobID:      jobID,
		Status:     StatusStarting,
		TotalFiles: len(files),
		StartedAt:  time.Now().UTC(),
	}
	c.store.Delete(ctx, cancelKey)
	if err := c.saveState(ctx, state); err != nil {
		return "", err
	}

	started = true
	go c.run(context.WithoutCancel(ctx), state, req.UserID, files)
	return jobID, nil
}

// Progress returns the current job state as stored field map, with
// status "idle" when no job has run within the state TTL.
func (c *Coordinator) Progress(ctx context.Context) (map[string]string, error) {
	m, err := c.store.HGetAll(ctx, jobKey)
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		m = map[string]string{"status": StatusIdle}
	}
	return m, nil
}

// Cancel requests that the running job stop after the current file.
func (c *Coordinator) Cancel(ctx context.Context) error {
	state, err := c.loadState(ctx)
	if err != nil {
		return err
	}
	if state.Status != StatusRunning && state.Status != StatusStarting {
		return fmt.Errorf("ingest: no running job to cancel")
	}
	c.store.Set(ctx, cancelKey, "1", c.opts.CancelKeyTTL)
	return nil
}

func (c *Coordinator) run(ctx context.Context, state jobState, userID string, files []FileInfo) {
	defer c.running.Store(false)

	state.Status = StatusRunning
	_ = c.saveState(ctx, state)
	c.logger.Info("ingest: job started",
		"job_id", state.JobID, "user_id", userID, "files", len(files))

	cancelled := false
	for _, f := range files {
		if c.cancelRequested(ctx) {
			cancelled = true
			break
		}
		state.CurrentFile = f.Path
		_ = c.saveState(ctx, state)

		n, err := c.processFile(ctx, userID, f)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				cancelled = true
				break
			}
			state.Errors = append(state.Errors, fmt.Sprintf("%s: %v", f.Path, err))
			c.logger.Warn("ingest: file failed", "path", f.Path, "error", err)
		}
		state.DecisionsExtracted += n
		state.ProcessedFiles++
		_ = c.saveState(ctx, state)
	}

	switch {
	case cancelled:
		state.Status = StatusCancelled
	case len(state.Errors) > 0:
		state.Status = StatusCompletedWithErrors
	default:
		state.Status = StatusCompleted
	}
	state.CurrentFile = ""
	state.CompletedAt = time.Now().UTC()
	_ = c.saveState(ctx, state)

	// Imported data invalidates per-user derived caches.
	c.store.DeleteByPrefix(ctx, "cache:agent:"+userID+":")
	c.store.DeleteByPrefix(ctx, "cache:entity:"+userID+":")

	c.logger.Info("ingest: job finished",
		"job_id", state.JobID,
		"status", state.Status,
		"processed", state.ProcessedFiles,
		"decisions", state.DecisionsExtracted,
		"errors", len(state.Errors))
}

// processFile parses, dedups, segments, and pipes one file. Returns
// the number of decisions extracted. context.Canceled signals that the
// cancel key was observed between conversations.
func (c *Coordinator) processFile(ctx context.Context, userID string, f FileInfo) (int, error) {
	convs, sha, err := c.parser.ParseFile(f.Path, f.ProjectName)
	if err != nil {
		return 0, err
	}
	if c.dedup != nil {
		seen, err := c.dedup.FileAlreadyIngested(ctx, userID, f.Path, sha)
		if err != nil {
			return 0, err
		}
		if seen {
			c.logger.Debug("ingest: skipping unchanged file", "path", f.Path)
			return 0, nil
		}
	}

	total := 0
	for _, conv := range convs {
		if c.cancelRequested(ctx) {
			return total, context.Canceled
		}
		episodes := c.segmenter.Segment(conv)
		n, err := c.pipeline.ProcessConversation(ctx, userID, conv, episodes)
		if err != nil {
			return total, err
		}
		total += n
	}

	if c.dedup != nil {
		if err := c.dedup.RecordIngestedFile(ctx, userID, f.Path, sha); err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *Coordinator) cancelRequested(ctx context.Context) bool {
	return c.store.Exists(ctx, cancelKey)
}

// guardPath resolves a path and rejects anything outside the logs root.
func (c *Coordinator) guardPath(path string) (string, error) {
	root, err := filepath.Abs(c.opts.LogsRoot)
	if err != nil {
		return "", fmt.Errorf("ingest: resolve logs root: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("ingest: resolve path: %w", err)
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return abs, nil
}

// projectFor derives the project name from the first path component
// under the logs root.
func (c *Coordinator) projectFor(path string) string {
	root, err := filepath.Abs(c.opts.LogsRoot)
	if err != nil {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}

func matchesProject(project string, include, exclude []string) bool {
	for _, ex := range exclude {
		if ex != "" && strings.Contains(project, ex) {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, in := range include {
		if in != "" && strings.Contains(project, in) {
			return true
		}
	}
	return false
}

func (c *Coordinator) loadState(ctx context.Context) (jobState, error) {
	m, err := c.store.HGetAll(ctx, jobKey)
	if err != nil {
		return jobState{}, err
	}
	st := jobState{Status: StatusIdle}
	if len(m) == 0 {
		return st, nil
	}
	st.JobID = m["job_id"]
	st.Status = m["status"]
	st.TotalFiles, _ = strconv.Atoi(m["total_files"])
	st.ProcessedFiles, _ = strconv.Atoi(m["processed_files"])
	st.CurrentFile = m["current_file"]
	st.DecisionsExtracted, _ = strconv.Atoi(m["decisions_extracted"])
	if m["errors"] != "" {
		_ = json.Unmarshal([]byte(m["errors"]), &st.Errors)
	}
	if t, err := time.Parse(time.RFC3339, m["started_at"]); err == nil {
		st.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339, m["completed_at"]); err == nil {
		st.CompletedAt = t
	}
	return st, nil
}

func (c *Coordinator) saveState(ctx context.Context, st jobState) error {
	errs, _ := json.Marshal(st.Errors)
	fields := map[string]string{
		"job_id":              st.JobID,
		"status":              st.Status,
		"total_files":         strconv.Itoa(st.TotalFiles),
		"processed_files":     strconv.Itoa(st.ProcessedFiles),
		"current_file":        st.CurrentFile,
		"decisions_extracted": strconv.Itoa(st.DecisionsExtracted),
		"errors":              string(errs),
		"started_at":          st.StartedAt.Format(time.RFC3339),
		"completed_at":        "",
	}
	if !st.CompletedAt.IsZero() {
		fields["completed_at"] = st.CompletedAt.Format(time.RFC3339)
	}
	return c.store.HSetAll(ctx, jobKey, fields, c.opts.JobStateTTL)
}
