package server

import (
	"net/http"
)

// HandleListNotifications handles GET /notifications?unread=bool&limit.
func (h *Handlers) HandleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	notifications, err := h.db.ListNotifications(r.Context(), UserFromContext(r.Context()), queryBool(r, "unread"), limit)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"notifications": notifications})
}

// HandleMarkNotificationRead handles POST /notifications/{id}/read.
func (h *Handlers) HandleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.db.MarkNotificationRead(r.Context(), UserFromContext(r.Context()), id); err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"read": id})
}

// HandleMarkAllNotificationsRead handles POST /notifications/read-all.
func (h *Handlers) HandleMarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.db.MarkAllNotificationsRead(r.Context(), UserFromContext(r.Context()))
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"marked": n})
}
