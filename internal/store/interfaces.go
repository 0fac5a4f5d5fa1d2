package store

import (
	"context"
	"database/sql"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// LogStore persists build output.
type LogStore interface {
	// AppendLog stores one output line for a build.
	AppendLog(ctx context.Context, buildID string, content string) error

	// GetBuildLogs returns up to limit lines with an id greater than afterID, oldest first.
	GetBuildLogs(ctx context.Context, buildID string, afterID int64, limit int) ([]LogEntry, error)
}

// BuildStore persists build outcomes.
type BuildStore interface {
	// SaveBuild inserts or replaces the record for build.ID.
	SaveBuild(ctx context.Context, tx DBTransaction, build *Build) error

	// GetBuildByID returns ErrNotFound when no build has that id.
	GetBuildByID(ctx context.Context, id string) (*Build, error)

	// ListBuilds returns the most recent builds first.
	ListBuilds(ctx context.Context, limit int, offset int) ([]Build, error)
}

// Pinger reports whether the backing database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}
