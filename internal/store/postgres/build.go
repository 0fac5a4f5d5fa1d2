package postgres

import (
	"context"
	"database/sql"
	"errors"

	"buildrunner/internal/store"
)

const buildColumns = "id, repository, outcome, exit_code, artifact_name, error_message, started_at, finished_at, created_at"

// SaveBuild upserts a build row. A redelivered build overwrites its earlier outcome.
func (s *Store) SaveBuild(ctx context.Context, tx store.DBTransaction, build *store.Build) error {
	query := `
		INSERT INTO builds (` + buildColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			repository = EXCLUDED.repository,
			outcome = EXCLUDED.outcome,
			exit_code = EXCLUDED.exit_code,
			artifact_name = EXCLUDED.artifact_name,
			error_message = EXCLUDED.error_message,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at
	`
	_, err := s.getExecutor(tx).ExecContext(ctx, query,
		build.ID,
		build.Repository,
		build.Outcome,
		build.ExitCode,
		build.ArtifactName,
		build.ErrorMessage,
		build.StartedAt,
		build.FinishedAt,
		build.CreatedAt,
	)
	return err
}

func (s *Store) GetBuildByID(ctx context.Context, id string) (*store.Build, error) {
	query := "SELECT " + buildColumns + " FROM builds WHERE id = $1"

	var build store.Build
	err := scanBuild(s.db.QueryRowContext(ctx, query, id), &build)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &build, nil
}

func (s *Store) ListBuilds(ctx context.Context, limit int, offset int) ([]store.Build, error) {
	query := `
		SELECT ` + buildColumns + `
		FROM builds
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builds []store.Build
	for rows.Next() {
		var build store.Build
		if err := scanBuild(rows, &build); err != nil {
			return nil, err
		}
		builds = append(builds, build)
	}
	return builds, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(row scanner, b *store.Build) error {
	return row.Scan(
		&b.ID, &b.Repository, &b.Outcome, &b.ExitCode,
		&b.ArtifactName, &b.ErrorMessage,
		&b.StartedAt, &b.FinishedAt, &b.CreatedAt,
	)
}
