// Package api contains shared JSON message and request/response structs.
// This package is shared between the worker, the HTTP server and the CLI.
package api

import "time"

// Outcome values carried by BuildResult.Outcome.
const (
	OutcomeComplete = "complete"
	OutcomeTimeout  = "timeout"
	OutcomeError    = "error"
)

// Repository describes the source checked out before a build runs.
type Repository struct {
	Name   string `json:"name"`
	URI    string `json:"uri"`
	Branch string `json:"branch"`
}

// SecondaryContainer is an auxiliary service container linked to the build.
type SecondaryContainer struct {
	Image   string   `json:"image"`
	Name    string   `json:"name"`
	Command []string `json:"command,omitempty"`
	Alias   string   `json:"alias"`
}

// ContainerSpec groups the primary image and its linked service containers.
type ContainerSpec struct {
	Primary   string               `json:"primary"`
	Name      string               `json:"name"`
	Secondary []SecondaryContainer `json:"secondary,omitempty"`
}

// BuildRequest is the message consumed from the build queue.
type BuildRequest struct {
	ID           string        `json:"id"`
	Repository   Repository    `json:"repository"`
	Commands     []string      `json:"commands"`
	SkipSetup    bool          `json:"skip_setup,omitempty"`
	Container    ContainerSpec `json:"container"`
	Timeout      int           `json:"timeout,omitempty"` // seconds
	ArtifactPath string        `json:"artifact_path,omitempty"`
}

// Status carries the exit code of a build.
type Status struct {
	ExitCode int `json:"exit_code"`
}

// Artifact describes the build output persisted after the build, if any.
type Artifact struct {
	Produce bool   `json:"produce"`
	Name    string `json:"name,omitempty"`
}

// BuildResult is the message published on the result queue, exactly once per build.
type BuildResult struct {
	ID         string     `json:"id"`
	Repository Repository `json:"repository"`
	Outcome    string     `json:"outcome"`
	Status     Status     `json:"status"`
	Artifact   Artifact   `json:"artifact"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}

// OutputLine is a single line of build output, streamed while the build runs.
type OutputLine struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

// BuildResponse represents a recorded build in API responses.
type BuildResponse struct {
	ID           string     `json:"id"`
	Repository   string     `json:"repository"`
	Outcome      string     `json:"outcome"`
	ExitCode     int        `json:"exit_code"`
	ArtifactName string     `json:"artifact_name,omitempty"`
	Error        string     `json:"error,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// LogEntry represents a single persisted output line.
type LogEntry struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// GetLogsResponse is the response body for GET /builds/{id}/logs.
type GetLogsResponse struct {
	Logs []LogEntry `json:"logs"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
