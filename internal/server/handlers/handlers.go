// Package handlers contains HTTP handlers for the worker API.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"buildrunner/internal/store"
	"buildrunner/pkg/api"
)

// Store combines the interfaces the handlers read from.
type Store interface {
	Ping(ctx context.Context) error
	store.BuildStore
	store.LogStore
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store  Store
	logger *slog.Logger
}

// New creates a new Handlers instance. s may be nil when no database is configured.
func New(s Store, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{store: s, logger: logger}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// intParam parses a non-negative query parameter, falling back to def when
// it is missing or malformed, and capping it at max when max > 0.
func intParam(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	if max > 0 && v > max {
		return max
	}
	return v
}
