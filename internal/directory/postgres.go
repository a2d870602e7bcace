package directory

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
	"github.com/LeventeLantos/bulk-dispatch/internal/transport"
)

// Postgres reads customers, templates, transport configs and attachments
// from the application's tables.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// emailStatusValid marks customers whose address passed validation.
const emailStatusValid = 1

func (p *Postgres) ResolveAudience(ctx context.Context, ownerID string, a model.Audience) ([]model.Recipient, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if len(a.CustomerIDs) > 0 {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id::text, email, COALESCE(name, ''), COALESCE(company, ''),
			       COALESCE(country, ''), COALESCE(priority, 0)
			FROM customers
			WHERE user_id = $1 AND id::text = ANY($2::text[])
			ORDER BY id
		`, ownerID, a.CustomerIDs)
	} else {
		priorities := make([]int64, len(a.Priority))
		for i, v := range a.Priority {
			priorities[i] = int64(v)
		}
		countries := a.Country
		if countries == nil {
			countries = []string{}
		}

		rows, err = p.db.QueryContext(ctx, `
			SELECT id::text, email, COALESCE(name, ''), COALESCE(company, ''),
			       COALESCE(country, ''), COALESCE(priority, 0)
			FROM customers
			WHERE user_id = $1
			  AND email_status = $2
			  AND (cardinality($3::bigint[]) = 0 OR priority = ANY($3::bigint[]))
			  AND (cardinality($4::text[]) = 0 OR country = ANY($4::text[]))
			ORDER BY id
		`, ownerID, emailStatusValid, priorities, countries)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Recipient
	for rows.Next() {
		var r model.Recipient
		if err := rows.Scan(&r.CustomerID, &r.Address, &r.Name, &r.Company, &r.Country, &r.Priority); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) Template(ctx context.Context, ownerID, ref string) (Template, error) {
	var t Template
	err := p.db.QueryRowContext(ctx, `
		SELECT subject, content FROM email_templates
		WHERE id::text = $1 AND user_id = $2
	`, ref, ownerID).Scan(&t.Subject, &t.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return Template{}, model.ErrNotFound
	}
	return t, err
}

func (p *Postgres) TransportConfig(ctx context.Context, ownerID, ref string) (transport.Config, error) {
	var c transport.Config
	var timeoutMs int64
	err := p.db.QueryRowContext(ctx, `
		SELECT kind, COALESCE(endpoint, ''), COALESCE(sender_email, ''),
		       COALESCE(sender_name, ''), COALESCE(timeout_ms, 0)
		FROM transport_configs
		WHERE id::text = $1 AND user_id = $2
	`, ref, ownerID).Scan(&c.Kind, &c.Endpoint, &c.FromEmail, &c.FromName, &timeoutMs)
	if errors.Is(err, sql.ErrNoRows) {
		return transport.Config{}, model.ErrNotFound
	}
	if err != nil {
		return transport.Config{}, err
	}
	c.Timeout = time.Duration(timeoutMs) * time.Millisecond
	return c, nil
}

func (p *Postgres) Attachments(ctx context.Context, ownerID, templateRef string) ([]transport.Attachment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT a.file_name, COALESCE(a.content_type, ''), a.data
		FROM email_attachments a
		JOIN email_templates t ON t.id = a.template_id
		WHERE t.id::text = $1 AND t.user_id = $2
		ORDER BY a.id
	`, templateRef, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []transport.Attachment
	for rows.Next() {
		var a transport.Attachment
		if err := rows.Scan(&a.FileName, &a.ContentType, &a.Data); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
