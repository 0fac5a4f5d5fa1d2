package handlers

import (
	"errors"
	"net/http"

	"buildrunner/internal/logger"
	"buildrunner/internal/store"
	"buildrunner/pkg/api"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ListBuilds handles GET /builds?limit=&offset=
// Builds are returned newest first.
func (h *Handlers) ListBuilds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := intParam(r, "limit", defaultListLimit, maxListLimit)
	offset := intParam(r, "offset", 0, 0)

	builds, err := h.store.ListBuilds(ctx, limit, offset)
	if err != nil {
		logger.FromContext(ctx, h.logger).Error("failed to list builds", "error", err)
		h.httpError(w, "Failed to list builds", http.StatusInternalServerError)
		return
	}

	resp := make([]api.BuildResponse, len(builds))
	for i := range builds {
		resp[i] = toBuildResponse(&builds[i])
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetBuild handles GET /builds/{id}
func (h *Handlers) GetBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	build, err := h.store.GetBuildByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		h.httpError(w, "Build not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.FromContext(ctx, h.logger).Error("failed to get build", "build_id", id, "error", err)
		h.httpError(w, "Failed to get build", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, toBuildResponse(build))
}

func toBuildResponse(b *store.Build) api.BuildResponse {
	resp := api.BuildResponse{
		ID:         b.ID,
		Repository: b.Repository,
		Outcome:    b.Outcome,
		ExitCode:   b.ExitCode,
		StartedAt:  b.StartedAt,
		FinishedAt: b.FinishedAt,
	}
	if b.ArtifactName != nil {
		resp.ArtifactName = *b.ArtifactName
	}
	if b.ErrorMessage != nil {
		resp.Error = *b.ErrorMessage
	}
	return resp
}
