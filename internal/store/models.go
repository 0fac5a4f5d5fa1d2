// Package store contains the database layer for buildrunner.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Build is the recorded outcome of one build.
type Build struct {
	ID           string
	Repository   string
	Outcome      string // complete, timeout or error
	ExitCode     int
	ArtifactName *string
	ErrorMessage *string
	StartedAt    *time.Time
	FinishedAt   *time.Time
	CreatedAt    time.Time
}

// LogEntry is a single line of build output.
type LogEntry struct {
	ID        int64
	BuildID   string
	Content   string
	CreatedAt time.Time
}
