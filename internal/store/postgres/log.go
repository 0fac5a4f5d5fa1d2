package postgres

import (
	"context"
	"strings"

	"buildrunner/internal/store"
)

func (s *Store) AppendLog(ctx context.Context, buildID string, content string) error {
	// Postgres rejects NUL in text columns.
	if strings.Contains(content, "\x00") {
		content = strings.ReplaceAll(content, "\x00", "")
	}
	query := `INSERT INTO build_logs (build_id, content) VALUES ($1, $2)`
	_, err := s.db.ExecContext(ctx, query, buildID, content)
	return err
}

func (s *Store) GetBuildLogs(ctx context.Context, buildID string, afterID int64, limit int) ([]store.LogEntry, error) {
	query := `
		SELECT id, build_id, content, created_at
		FROM build_logs
		WHERE build_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`

	rows, err := s.db.QueryContext(ctx, query, buildID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []store.LogEntry
	for rows.Next() {
		var entry store.LogEntry
		if err := rows.Scan(&entry.ID, &entry.BuildID, &entry.Content, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}

	return logs, rows.Err()
}
