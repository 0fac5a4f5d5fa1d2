package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"buildrunner/pkg/api"
)

// BuildClient handles API calls to a buildrunner worker.
type BuildClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewBuildClient creates a new client with the given base URL.
func NewBuildClient(baseURL string) *BuildClient {
	return &BuildClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// GetBuild sends GET /builds/{id} to retrieve a recorded build.
func (c *BuildClient) GetBuild(buildID string) (*api.BuildResponse, error) {
	var result api.BuildResponse
	if err := c.get(fmt.Sprintf("/builds/%s", url.PathEscape(buildID)), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListBuilds sends GET /builds to list recorded builds, newest first.
func (c *BuildClient) ListBuilds(limit, offset int) ([]api.BuildResponse, error) {
	var result []api.BuildResponse
	if err := c.get(fmt.Sprintf("/builds?limit=%d&offset=%d", limit, offset), &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetLogs sends GET /builds/{id}/logs to retrieve build output after afterID.
func (c *BuildClient) GetLogs(buildID string, afterID int64) ([]api.LogEntry, error) {
	var result api.GetLogsResponse
	if err := c.get(fmt.Sprintf("/builds/%s/logs?after_id=%d", url.PathEscape(buildID), afterID), &result); err != nil {
		return nil, err
	}
	return result.Logs, nil
}

func (c *BuildClient) get(path string, out any) error {
	httpReq, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Accept", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return string(body)
}
