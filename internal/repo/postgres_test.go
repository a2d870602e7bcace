package repo

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
)

// arrayConverter lets slice arguments through the way the pgx driver does.
type arrayConverter struct{}

func (arrayConverter) ConvertValue(v any) (driver.Value, error) {
	if dv, err := driver.DefaultParameterConverter.ConvertValue(v); err == nil {
		return dv, nil
	}
	return v, nil
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(arrayConverter{}))
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	return NewPostgresStore(db), mock
}

func TestPostgresStore_GetTask(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	cols := []string{"id", "owner_id", "name", "template_ref", "transport_ref", "audience",
		"total_count", "sent_count", "success_count", "failed_count", "status",
		"scheduled_at", "created_at", "started_at", "completed_at"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM dispatch_tasks WHERE id = $1")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			id.String(), "u1", "spring", "tpl", "tr", []byte(`{"country":["HU"]}`),
			5, 3, 2, 1, "paused",
			nil, created, created, nil,
		))

	got, err := s.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask() error: %v", err)
	}
	if got.ID != id || got.Status != model.TaskPaused || got.SentCount != 3 {
		t.Fatalf("unexpected task: %+v", got)
	}
	if len(got.Audience.Country) != 1 || got.Audience.Country[0] != "HU" {
		t.Fatalf("unexpected audience: %+v", got.Audience)
	}
	if got.ScheduledAt != nil || got.CompletedAt != nil || got.StartedAt == nil {
		t.Fatalf("unexpected timestamps: %+v", got)
	}
}

func TestPostgresStore_GetTask_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM dispatch_tasks WHERE id = $1")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := s.GetTask(context.Background(), id); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_TransitionTask(t *testing.T) {
	id := uuid.New()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	from := []model.TaskStatus{model.TaskPending}

	t.Run("applied", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE dispatch_tasks")).
			WithArgs(id, "running", at, []string{"pending"}).
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := s.TransitionTask(context.Background(), id, from, model.TaskRunning, at); err != nil {
			t.Fatalf("TransitionTask() error: %v", err)
		}
	})

	t.Run("wrong status", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE dispatch_tasks")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM dispatch_tasks")).
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

		err := s.TransitionTask(context.Background(), id, from, model.TaskRunning, at)
		if !errors.Is(err, model.ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState, got %v", err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE dispatch_tasks")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM dispatch_tasks")).
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"one"}))

		err := s.TransitionTask(context.Background(), id, from, model.TaskRunning, at)
		if !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestPostgresStore_AddCounters(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	if err := s.AddCounters(context.Background(), id, model.Counters{}); err != nil {
		t.Fatalf("zero delta should be a no-op, got %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("sent_count = sent_count + $2")).
		WithArgs(id, 10, 8, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.AddCounters(context.Background(), id, model.Counters{Sent: 10, Success: 8, Failed: 2}); err != nil {
		t.Fatalf("AddCounters() error: %v", err)
	}
}

func TestPostgresStore_MarkSending(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'sending'")).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'sending'")).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.MarkSending(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("first MarkSending() = %v, %v", ok, err)
	}
	ok, err = s.MarkSending(context.Background(), id)
	if err != nil || ok {
		t.Fatalf("second MarkSending() = %v, %v", ok, err)
	}
}

func TestPostgresStore_MarkSuccess_NotSending(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'success'")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.MarkSuccess(context.Background(), id, time.Now()); !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestPostgresStore_RetryFailed_Reopens(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE dispatch_recipient_logs")).
		WithArgs(id, []string{}).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE dispatch_tasks t")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"sent_count", "success_count", "failed_count"}).AddRow(3, 3, 0))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'running'")).
		WithArgs(id, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, reopened, err := s.RetryFailed(context.Background(), id, nil, at)
	if err != nil {
		t.Fatalf("RetryFailed() error: %v", err)
	}
	if n != 2 || !reopened {
		t.Fatalf("expected 2 reset and reopened, got %d %v", n, reopened)
	}
}

func TestPostgresStore_RetryFailed_RejectsRunning(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))
	mock.ExpectRollback()

	if _, _, err := s.RetryFailed(context.Background(), id, nil, time.Now()); !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestPostgresStore_ReconcileCounters(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("count(*) FILTER (WHERE status = 'success')")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"sent_count", "success_count", "failed_count"}).AddRow(4, 3, 1))

	c, err := s.ReconcileCounters(context.Background(), id)
	if err != nil {
		t.Fatalf("ReconcileCounters() error: %v", err)
	}
	if c != (model.Counters{Sent: 4, Success: 3, Failed: 1}) {
		t.Fatalf("unexpected counters: %+v", c)
	}
}

func TestPostgresStore_ReconcileCounters_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE dispatch_tasks t")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"sent_count", "success_count", "failed_count"}))

	if _, err := s.ReconcileCounters(context.Background(), id); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_ListRunningTaskIDs(t *testing.T) {
	s, mock := newMockStore(t)
	a, b := uuid.New(), uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'running'")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(a.String()).AddRow(b.String()))

	ids, err := s.ListRunningTaskIDs(context.Background())
	if err != nil {
		t.Fatalf("ListRunningTaskIDs() error: %v", err)
	}
	if len(ids) != 2 || ids[0] != a || ids[1] != b {
		t.Fatalf("unexpected ids: %v", ids)
	}
}
