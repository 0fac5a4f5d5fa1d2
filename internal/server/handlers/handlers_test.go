package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"buildrunner/internal/store"
	"buildrunner/pkg/api"
)

// Mock Store
type mockStore struct {
	pingErr error

	builds      map[string]*store.Build
	getBuildErr error
	listResp    []store.Build
	listErr     error
	logsResp    []store.LogEntry
	logsErr     error

	// Spies (to verify arguments passed by handlers)
	capturedAfterID int64
	capturedLimit   int
	capturedOffset  int
}

func (m *mockStore) Ping(ctx context.Context) error {
	return m.pingErr
}

func (m *mockStore) SaveBuild(ctx context.Context, tx store.DBTransaction, b *store.Build) error {
	return nil
}

func (m *mockStore) GetBuildByID(ctx context.Context, id string) (*store.Build, error) {
	if m.getBuildErr != nil {
		return nil, m.getBuildErr
	}
	if b, ok := m.builds[id]; ok {
		return b, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) ListBuilds(ctx context.Context, limit int, offset int) ([]store.Build, error) {
	m.capturedLimit = limit
	m.capturedOffset = offset
	return m.listResp, m.listErr
}

func (m *mockStore) AppendLog(ctx context.Context, buildID string, content string) error {
	return nil
}

func (m *mockStore) GetBuildLogs(ctx context.Context, buildID string, afterID int64, limit int) ([]store.LogEntry, error) {
	m.capturedAfterID = afterID
	m.capturedLimit = limit
	return m.logsResp, m.logsErr
}

func serve(h http.HandlerFunc, pattern, target string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, h)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	return rr
}

func strPtr(s string) *string { return &s }

func TestProbes(t *testing.T) {
	tests := []struct {
		name           string
		endpoint       string
		store          Store
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "Healthz Always OK",
			endpoint:       "/healthz",
			store:          &mockStore{},
			expectedStatus: http.StatusOK,
			expectedBody:   "healthy",
		},
		{
			name:           "Readyz Success",
			endpoint:       "/readyz",
			store:          &mockStore{},
			expectedStatus: http.StatusOK,
			expectedBody:   "ready",
		},
		{
			name:           "Readyz Database Fail",
			endpoint:       "/readyz",
			store:          &mockStore{pingErr: errors.New("db down")},
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   "Database unavailable",
		},
		{
			name:           "Readyz Without Database",
			endpoint:       "/readyz",
			store:          nil,
			expectedStatus: http.StatusOK,
			expectedBody:   "ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(tt.store, nil)

			req := httptest.NewRequest(http.MethodGet, tt.endpoint, nil)
			rr := httptest.NewRecorder()

			if tt.endpoint == "/healthz" {
				h.Healthz(rr, req)
			} else {
				h.Readyz(rr, req)
			}

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, tt.expectedStatus)
			}
			if !strings.Contains(rr.Body.String(), tt.expectedBody) {
				t.Errorf("body %q does not contain %q", rr.Body.String(), tt.expectedBody)
			}
		})
	}
}

func TestGetBuild(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ms := &mockStore{builds: map[string]*store.Build{
		"42": {
			ID:           "42",
			Repository:   "app",
			Outcome:      api.OutcomeComplete,
			ExitCode:     0,
			ArtifactName: strPtr("app_42_app.tgz"),
			StartedAt:    &started,
		},
	}}

	tests := []struct {
		name           string
		id             string
		getErr         error
		expectedStatus int
	}{
		{name: "Success", id: "42", expectedStatus: http.StatusOK},
		{name: "Not Found", id: "43", expectedStatus: http.StatusNotFound},
		{name: "Store Error", id: "42", getErr: errors.New("db failed"), expectedStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms.getBuildErr = tt.getErr
			h := New(ms, nil)

			rr := serve(h.GetBuild, "GET /builds/{id}", "/builds/"+tt.id)

			if rr.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.expectedStatus, rr.Code, rr.Body.String())
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}
			var resp api.BuildResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.ID != "42" || resp.ArtifactName != "app_42_app.tgz" || resp.Outcome != api.OutcomeComplete {
				t.Errorf("unexpected response: %+v", resp)
			}
			if resp.StartedAt == nil || !resp.StartedAt.Equal(started) {
				t.Errorf("unexpected started_at: %v", resp.StartedAt)
			}
		})
	}
}

func TestListBuilds(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		listErr        error
		expectedStatus int
		expectedLimit  int
		expectedOffset int
	}{
		{name: "Defaults", query: "", expectedStatus: http.StatusOK, expectedLimit: 50, expectedOffset: 0},
		{name: "Custom Page", query: "?limit=10&offset=20", expectedStatus: http.StatusOK, expectedLimit: 10, expectedOffset: 20},
		{name: "Limit Capped", query: "?limit=100000", expectedStatus: http.StatusOK, expectedLimit: 500, expectedOffset: 0},
		{name: "Garbage Ignored", query: "?limit=abc&offset=-3", expectedStatus: http.StatusOK, expectedLimit: 50, expectedOffset: 0},
		{name: "Store Error", query: "", listErr: errors.New("db failed"), expectedStatus: http.StatusInternalServerError, expectedLimit: 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := &mockStore{
				listResp: []store.Build{{ID: "b", Outcome: api.OutcomeTimeout, ExitCode: 100}, {ID: "a", Outcome: api.OutcomeError, ExitCode: 500, ErrorMessage: strPtr("boom")}},
				listErr:  tt.listErr,
			}
			h := New(ms, nil)

			rr := serve(h.ListBuilds, "GET /builds", "/builds"+tt.query)

			if rr.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d", tt.expectedStatus, rr.Code)
			}
			if ms.capturedLimit != tt.expectedLimit || ms.capturedOffset != tt.expectedOffset {
				t.Errorf("expected limit=%d offset=%d, got limit=%d offset=%d",
					tt.expectedLimit, tt.expectedOffset, ms.capturedLimit, ms.capturedOffset)
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}
			var resp []api.BuildResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(resp) != 2 || resp[1].Error != "boom" {
				t.Errorf("unexpected response: %+v", resp)
			}
		})
	}
}

func TestGetBuildLogs(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name            string
		query           string
		mockSetup       func(*mockStore)
		expectedStatus  int
		expectedAfterID int64
		expectedLimit   int
		expectedCount   int
	}{
		{
			name: "Success",
			mockSetup: func(m *mockStore) {
				m.logsResp = []store.LogEntry{
					{ID: 1, BuildID: "42", Content: "$ make", CreatedAt: now},
					{ID: 2, BuildID: "42", Content: "ok", CreatedAt: now},
				}
			},
			expectedStatus: http.StatusOK,
			expectedLimit:  1000,
			expectedCount:  2,
		},
		{
			name:            "Pagination",
			query:           "?after_id=100&limit=50",
			mockSetup:       func(m *mockStore) {},
			expectedStatus:  http.StatusOK,
			expectedAfterID: 100,
			expectedLimit:   50,
		},
		{
			name:           "Unknown Build",
			mockSetup:      func(m *mockStore) { m.builds = nil },
			expectedStatus: http.StatusNotFound,
			expectedLimit:  1000,
		},
		{
			name:           "Store Error",
			mockSetup:      func(m *mockStore) { m.logsErr = errors.New("db failed") },
			expectedStatus: http.StatusInternalServerError,
			expectedLimit:  1000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := &mockStore{builds: map[string]*store.Build{"42": {ID: "42"}}}
			tt.mockSetup(ms)
			h := New(ms, nil)

			rr := serve(h.GetBuildLogs, "GET /builds/{id}/logs", "/builds/42/logs"+tt.query)

			if rr.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d", tt.expectedStatus, rr.Code)
			}
			if ms.capturedAfterID != tt.expectedAfterID || ms.capturedLimit != tt.expectedLimit {
				t.Errorf("expected after_id=%d limit=%d, got after_id=%d limit=%d",
					tt.expectedAfterID, tt.expectedLimit, ms.capturedAfterID, ms.capturedLimit)
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}
			var resp api.GetLogsResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(resp.Logs) != tt.expectedCount {
				t.Errorf("expected %d logs, got %d", tt.expectedCount, len(resp.Logs))
			}
		})
	}
}
