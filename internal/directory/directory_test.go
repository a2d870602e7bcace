package directory

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
)

func TestRender(t *testing.T) {
	t.Parallel()

	r := model.Recipient{Name: "Ann", Address: "ann@example.com", Company: "Acme", Country: "HU"}

	cases := []struct {
		name string
		tpl  string
		want string
	}{
		{"all placeholders", "Hi {{name}} <{{email}}> at {{company}} ({{country}})", "Hi Ann <ann@example.com> at Acme (HU)"},
		{"repeated", "{{name}}{{name}}", "AnnAnn"},
		{"unknown kept", "{{position}}", "{{position}}"},
		{"plain", "no vars", "no vars"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Render(tc.tpl, r); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

// arrayConverter lets slice arguments through the way the pgx driver does.
type arrayConverter struct{}

func (arrayConverter) ConvertValue(v any) (driver.Value, error) {
	if dv, err := driver.DefaultParameterConverter.ConvertValue(v); err == nil {
		return dv, nil
	}
	return v, nil
}

func newMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(arrayConverter{}))
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(db), mock
}

func TestPostgres_ResolveAudience_ExplicitIDs(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM customers")).
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name", "company", "country", "priority"}).
			AddRow("7", "ann@example.com", "Ann", "Acme", "HU", 1).
			AddRow("9", "bob@example.com", "Bob", "", "DE", 2))

	got, err := p.ResolveAudience(context.Background(), "u1", model.Audience{CustomerIDs: []string{"7", "9"}})
	if err != nil {
		t.Fatalf("ResolveAudience() error: %v", err)
	}
	if len(got) != 2 || got[0].Address != "ann@example.com" || got[1].Country != "DE" {
		t.Fatalf("unexpected recipients: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgres_Template_NotFound(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM email_templates")).
		WithArgs("42", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"subject", "content"}))

	_, err := p.Template(context.Background(), "u1", "42")
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgres_TransportConfig(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM transport_configs")).
		WithArgs("3", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"kind", "endpoint", "sender_email", "sender_name", "timeout_ms"}).
			AddRow("ses", "", "sales@example.com", "Sales", int64(15000)))

	cfg, err := p.TransportConfig(context.Background(), "u1", "3")
	if err != nil {
		t.Fatalf("TransportConfig() error: %v", err)
	}
	if cfg.Kind != "ses" || cfg.FromEmail != "sales@example.com" || cfg.FromName != "Sales" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Timeout != 15*time.Second {
		t.Fatalf("expected timeout 15s, got %v", cfg.Timeout)
	}
}
