package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return &Store{db: db}, mock
}

func TestAppendLog(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO build_logs`).
		WithArgs("42", "$ make test").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.AppendLog(ctx, "42", "$ make test"); err != nil {
		t.Fatalf("AppendLog failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestAppendLog_StripsNullBytes(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`INSERT INTO build_logs`).
		WithArgs("42", "binary output").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.AppendLog(context.Background(), "42", "binary\x00 output"); err != nil {
		t.Fatalf("AppendLog failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetBuildLogs(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	ctx := context.Background()
	afterID := int64(100)
	limit := 50

	rows := sqlmock.NewRows([]string{"id", "build_id", "content", "created_at"}).
		AddRow(101, "42", "Log 101", time.Now().Add(-2*time.Second)).
		AddRow(102, "42", "Log 102", time.Now().Add(-1*time.Second))

	mock.ExpectQuery(`SELECT id, build_id, content, created_at FROM build_logs`).
		WithArgs("42", afterID, limit).
		WillReturnRows(rows)

	logs, err := s.GetBuildLogs(ctx, "42", afterID, limit)
	if err != nil {
		t.Fatalf("GetBuildLogs failed: %v", err)
	}

	if len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(logs))
	}
	if logs[0].ID != 101 {
		t.Errorf("expected first log ID 101, got %d", logs[0].ID)
	}
	if logs[1].ID != 102 {
		t.Errorf("expected second log ID 102, got %d", logs[1].ID)
	}
	if logs[1].BuildID != "42" {
		t.Errorf("expected build id 42, got %s", logs[1].BuildID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
