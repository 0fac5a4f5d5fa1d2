package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"buildrunner/internal/logger"
	"buildrunner/internal/store"
	"buildrunner/pkg/api"
)

// GetBuildLogs handles GET /builds/{id}/logs?after_id=&limit=
// Called by the CLI to view or follow build output.
func (h *Handlers) GetBuildLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	limit := intParam(r, "limit", 1000, 10000)
	if limit == 0 {
		limit = 1000
	}

	var afterID int64 = 0
	if after := r.URL.Query().Get("after_id"); after != "" {
		if parsed, err := strconv.ParseInt(after, 10, 64); err == nil {
			afterID = parsed
		}
	}

	// Logs are written before the build record, so only an empty first page
	// for an unknown build is a 404.
	logs, err := h.store.GetBuildLogs(ctx, id, afterID, limit)
	if err != nil {
		logger.FromContext(ctx, h.logger).Error("failed to fetch logs", "build_id", id, "error", err)
		h.httpError(w, "Failed to fetch logs", http.StatusInternalServerError)
		return
	}
	if len(logs) == 0 && afterID == 0 {
		if _, err := h.store.GetBuildByID(ctx, id); errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Build not found", http.StatusNotFound)
			return
		}
	}

	apiLogs := make([]api.LogEntry, len(logs))
	for i, log := range logs {
		apiLogs[i] = api.LogEntry{
			ID:        log.ID,
			Content:   log.Content,
			CreatedAt: log.CreatedAt,
		}
	}

	h.respondJson(w, http.StatusOK, api.GetLogsResponse{Logs: apiLogs})
}
