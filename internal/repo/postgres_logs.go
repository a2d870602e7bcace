package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
)

const logColumns = `id, task_id, seq, customer_id, address, name, company, country, priority,
	subject, body, status, retry_count, error_code, error_message, sent_at, created_at`

func scanLog(row rowScanner) (model.RecipientLog, error) {
	var l model.RecipientLog
	var status string
	var errCode, errMsg sql.NullString
	var sentAt sql.NullTime

	if err := row.Scan(
		&l.ID,
		&l.TaskID,
		&l.Seq,
		&l.Recipient.CustomerID,
		&l.Recipient.Address,
		&l.Recipient.Name,
		&l.Recipient.Company,
		&l.Recipient.Country,
		&l.Recipient.Priority,
		&l.Subject,
		&l.Body,
		&status,
		&l.RetryCount,
		&errCode,
		&errMsg,
		&sentAt,
		&l.CreatedAt,
	); err != nil {
		return model.RecipientLog{}, err
	}

	l.Status = model.LogStatus(status)
	if errCode.Valid {
		s := errCode.String
		l.ErrorCode = &s
	}
	if errMsg.Valid {
		s := errMsg.String
		l.ErrorMessage = &s
	}
	l.SentAt = nullTimePtr(sentAt)
	return l, nil
}

func (s *PostgresStore) FetchPending(ctx context.Context, taskID uuid.UUID, limit int) ([]model.RecipientLog, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+logColumns+` FROM dispatch_recipient_logs
		WHERE task_id = $1 AND status = 'pending'
		ORDER BY seq ASC
		LIMIT $2
	`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RecipientLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkSending(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_recipient_logs
		SET status = 'sending'
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) MarkSuccess(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_recipient_logs
		SET status = 'success',
		    sent_at = $2,
		    error_code = NULL,
		    error_message = NULL
		WHERE id = $1 AND status = 'sending'
	`, id, sentAt)
	if err != nil {
		return err
	}
	return expectOne(res, id)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id uuid.UUID, code, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_recipient_logs
		SET status = 'failed',
		    error_code = $2,
		    error_message = $3
		WHERE id = $1 AND status = 'sending'
	`, id, code, message)
	if err != nil {
		return err
	}
	return expectOne(res, id)
}

func (s *PostgresStore) ResetSending(ctx context.Context, taskID uuid.UUID) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_recipient_logs
		SET status = 'pending'
		WHERE task_id = $1 AND status = 'sending'
	`, taskID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func expectOne(res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("recipient log %s not in sending state: %w", id, model.ErrInvalidState)
	}
	return nil
}

func (s *PostgresStore) ListLogs(ctx context.Context, f model.LogFilter) ([]model.RecipientLog, int, error) {
	limit, offset := normalizePage(f.Limit, f.Offset)

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM dispatch_recipient_logs
		WHERE task_id = $1 AND ($2 = '' OR status = $2)
	`, f.TaskID, string(f.Status)).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+logColumns+` FROM dispatch_recipient_logs
		WHERE task_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY seq ASC
		LIMIT $3 OFFSET $4
	`, f.TaskID, string(f.Status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []model.RecipientLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, l)
	}
	return out, total, rows.Err()
}
