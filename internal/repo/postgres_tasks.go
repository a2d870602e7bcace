package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
)

// PostgresStore implements Store on top of database/sql. The task row is the
// serialization point: status changes are single conditional updates and
// counters are only ever incremented by deltas.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const taskColumns = `id, owner_id, name, template_ref, transport_ref, audience,
	total_count, sent_count, success_count, failed_count, status,
	scheduled_at, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (model.Task, error) {
	var t model.Task
	var status string
	var audience []byte
	var scheduledAt, startedAt, completedAt sql.NullTime

	if err := row.Scan(
		&t.ID,
		&t.OwnerID,
		&t.Name,
		&t.TemplateRef,
		&t.TransportRef,
		&audience,
		&t.TotalCount,
		&t.SentCount,
		&t.SuccessCount,
		&t.FailedCount,
		&status,
		&scheduledAt,
		&t.CreatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return model.Task{}, err
	}

	t.Status = model.TaskStatus(status)
	if len(audience) > 0 {
		if err := json.Unmarshal(audience, &t.Audience); err != nil {
			return model.Task{}, fmt.Errorf("decode audience: %w", err)
		}
	}
	t.ScheduledAt = nullTimePtr(scheduledAt)
	t.StartedAt = nullTimePtr(startedAt)
	t.CompletedAt = nullTimePtr(completedAt)
	return t, nil
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func (s *PostgresStore) CreateTask(ctx context.Context, task model.Task, logs []model.RecipientLog) error {
	audience, err := json.Marshal(task.Audience)
	if err != nil {
		return fmt.Errorf("encode audience: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dispatch_tasks
			(id, owner_id, name, template_ref, transport_ref, audience, total_count, status, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		task.ID,
		task.OwnerID,
		task.Name,
		task.TemplateRef,
		task.TransportRef,
		audience,
		task.TotalCount,
		string(task.Status),
		task.ScheduledAt,
		task.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO dispatch_recipient_logs
			(id, task_id, seq, customer_id, address, name, company, country, priority,
			 subject, body, status, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range logs {
		if _, err := stmt.ExecContext(ctx,
			l.ID,
			l.TaskID,
			l.Seq,
			l.Recipient.CustomerID,
			l.Recipient.Address,
			l.Recipient.Name,
			l.Recipient.Company,
			l.Recipient.Country,
			l.Recipient.Priority,
			l.Subject,
			l.Body,
			string(l.Status),
			l.RetryCount,
			l.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert recipient log %d: %w", l.Seq, err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) GetTask(ctx context.Context, id uuid.UUID) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM dispatch_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, model.ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) ListTasks(ctx context.Context, f model.TaskFilter) ([]model.Task, int, error) {
	limit, offset := normalizePage(f.Limit, f.Offset)

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM dispatch_tasks
		WHERE owner_id = $1 AND ($2 = '' OR status = $2)
	`, f.OwnerID, string(f.Status)).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM dispatch_tasks
		WHERE owner_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, f.OwnerID, string(f.Status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) ListDueTasks(ctx context.Context, now time.Time, limit int) ([]model.Task, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM dispatch_tasks
		WHERE status = 'pending' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListRunningTaskIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM dispatch_tasks WHERE status = 'running' ORDER BY started_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) TransitionTask(ctx context.Context, id uuid.UUID, from []model.TaskStatus, to model.TaskStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_tasks
		SET status = $2,
		    started_at = CASE WHEN $2 = 'running' THEN COALESCE(started_at, $3) ELSE started_at END,
		    completed_at = CASE
		        WHEN $2 = 'completed' THEN $3
		        WHEN $2 = 'running' THEN NULL
		        ELSE completed_at
		    END
		WHERE id = $1 AND status = ANY($4)
	`, id, string(to), at, statusStrings(from))
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	return s.missingOrInvalid(ctx, id)
}

func (s *PostgresStore) missingOrInvalid(ctx context.Context, id uuid.UUID) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM dispatch_tasks WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	if err != nil {
		return err
	}
	return model.ErrInvalidState
}

func (s *PostgresStore) AddCounters(ctx context.Context, id uuid.UUID, delta model.Counters) error {
	if delta.IsZero() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_tasks
		SET sent_count = sent_count + $2,
		    success_count = success_count + $3,
		    failed_count = failed_count + $4
		WHERE id = $1
	`, id, delta.Sent, delta.Success, delta.Failed)
	return err
}

func (s *PostgresStore) RetryFailed(ctx context.Context, id uuid.UUID, logIDs []uuid.UUID, at time.Time) (int, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM dispatch_tasks WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, model.ErrNotFound
	}
	if err != nil {
		return 0, false, err
	}
	if model.TaskStatus(status) == model.TaskRunning {
		return 0, false, model.ErrInvalidState
	}

	ids := make([]string, len(logIDs))
	for i, l := range logIDs {
		ids[i] = l.String()
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE dispatch_recipient_logs
		SET status = 'pending',
		    retry_count = retry_count + 1,
		    error_code = NULL,
		    error_message = NULL
		WHERE task_id = $1
		  AND status = 'failed'
		  AND (cardinality($2::uuid[]) = 0 OR id = ANY($2::uuid[]))
	`, id, ids)
	if err != nil {
		return 0, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, false, tx.Commit()
	}

	if _, err := reconcileCounters(ctx, tx, id); err != nil {
		return 0, false, err
	}

	reopened := false
	switch model.TaskStatus(status) {
	case model.TaskCompleted, model.TaskCancelled:
		if _, err := tx.ExecContext(ctx, `
			UPDATE dispatch_tasks
			SET status = 'running',
			    started_at = COALESCE(started_at, $2),
			    completed_at = NULL
			WHERE id = $1
		`, id, at); err != nil {
			return 0, false, err
		}
		reopened = true
	}

	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return int(n), reopened, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) ReconcileCounters(ctx context.Context, id uuid.UUID) (model.Counters, error) {
	return reconcileCounters(ctx, s.db, id)
}

// reconcileCounters overwrites the task counters with the tallies of its
// finished recipient logs.
func reconcileCounters(ctx context.Context, q rowQuerier, id uuid.UUID) (model.Counters, error) {
	var c model.Counters
	err := q.QueryRowContext(ctx, `
		UPDATE dispatch_tasks t
		SET success_count = l.success,
		    failed_count = l.failed,
		    sent_count = l.success + l.failed
		FROM (
			SELECT count(*) FILTER (WHERE status = 'success') AS success,
			       count(*) FILTER (WHERE status = 'failed') AS failed
			FROM dispatch_recipient_logs
			WHERE task_id = $1
		) l
		WHERE t.id = $1
		RETURNING t.sent_count, t.success_count, t.failed_count
	`, id).Scan(&c.Sent, &c.Success, &c.Failed)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Counters{}, model.ErrNotFound
	}
	if err != nil {
		return model.Counters{}, fmt.Errorf("reconcile counters of %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM dispatch_tasks WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	if err != nil {
		return err
	}
	if model.TaskStatus(status) == model.TaskRunning {
		return model.ErrInvalidState
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM dispatch_recipient_logs WHERE task_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dispatch_tasks WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}
