package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/engramhq/engram/internal/ingest"
	"github.com/engramhq/engram/internal/model"
)

// HandleIngestProjects handles GET /ingest/projects.
func (h *Handlers) HandleIngestProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.coordinator.Projects(r.Context())
	if err != nil {
		h.logger.Error("list log projects failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to list projects")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"projects": projects})
}

// HandleIngestFiles handles GET /ingest/files?projects=csv&exclude=csv.
func (h *Handlers) HandleIngestFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.coordinator.Files(r.Context(), splitCSV(r.URL.Query().Get("projects")), splitCSV(r.URL.Query().Get("exclude")))
	if err != nil {
		h.logger.Error("list log files failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to list files")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"files": files, "count": len(files)})
}

// HandleIngestPreview handles GET /ingest/preview?path=.
func (h *Handlers) HandleIngestPreview(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, "path is required")
		return
	}
	preview, err := h.coordinator.PreviewFile(r.Context(), path)
	if err != nil {
		if errors.Is(err, ingest.ErrOutsideRoot) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, "path outside logs root")
			return
		}
		h.logger.Error("preview failed", "path", path, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "preview failed")
		return
	}
	writeJSON(w, r, http.StatusOK, preview)
}

// importRequest is the body for trigger and import-selected.
type importRequest struct {
	Projects []string `json:"projects"`
	Exclude  []string `json:"exclude"`
	Files    []string `json:"files"`
}

// HandleIngestTrigger handles POST /ingest/trigger: import everything
// discoverable, optionally filtered by project.
func (h *Handlers) HandleIngestTrigger(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, "invalid request body")
			return
		}
	}
	h.startImport(w, r, ingest.ImportRequest{
		UserID:   UserFromContext(r.Context()),
		Projects: req.Projects,
		Exclude:  req.Exclude,
	})
}

// HandleIngestImportSelected handles POST /ingest/import-selected:
// import an explicit file list.
func (h *Handlers) HandleIngestImportSelected(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeJSON(r, &req); err != nil || len(req.Files) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, "files is required")
		return
	}
	h.startImport(w, r, ingest.ImportRequest{
		UserID: UserFromContext(r.Context()),
		Files:  req.Files,
	})
}

func (h *Handlers) startImport(w http.ResponseWriter, r *http.Request, req ingest.ImportRequest) {
	jobID, err := h.coordinator.Start(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrJobRunning):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "an import job is already running")
		case errors.Is(err, ingest.ErrOutsideRoot):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalid, "path outside logs root")
		default:
			h.logger.Error("import start failed", "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to start import")
		}
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{"job_id": jobID})
}

// HandleIngestProgress handles GET /ingest/import/progress.
func (h *Handlers) HandleIngestProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.coordinator.Progress(r.Context())
	if err != nil {
		h.logger.Error("import progress failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to read progress")
		return
	}
	writeJSON(w, r, http.StatusOK, progress)
}

// HandleIngestCancel handles POST /ingest/import/cancel.
func (h *Handlers) HandleIngestCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.Cancel(r.Context()); err != nil {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"cancelling": true})
}

// HandleWatchStart handles POST /ingest/watch/start. One watcher per
// user; starting twice is a no-op.
func (h *Handlers) HandleWatchStart(w http.ResponseWriter, r *http.Request) {
	userID := UserFromContext(r.Context())

	h.watchMu.Lock()
	watcher, ok := h.watchers[userID]
	if !ok {
		watcher = ingest.NewWatcher(h.coordinator, userID, h.logger)
		h.watchers[userID] = watcher
	}
	h.watchMu.Unlock()

	if watcher.Running() {
		writeJSON(w, r, http.StatusOK, map[string]any{"watching": true})
		return
	}
	// The watcher outlives this request.
	if err := watcher.Start(context.WithoutCancel(r.Context())); err != nil {
		h.logger.Error("watcher start failed", "user_id", userID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to start watcher")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"watching": true})
}

// HandleWatchStop handles POST /ingest/watch/stop.
func (h *Handlers) HandleWatchStop(w http.ResponseWriter, r *http.Request) {
	userID := UserFromContext(r.Context())

	h.watchMu.Lock()
	watcher := h.watchers[userID]
	h.watchMu.Unlock()

	if watcher != nil {
		watcher.Stop()
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"watching": false})
}

// StopWatchers stops every running file watcher; called on shutdown.
func (h *Handlers) StopWatchers() {
	h.watchMu.Lock()
	defer h.watchMu.Unlock()
	for _, w := range h.watchers {
		w.Stop()
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
