// Package directory resolves the records a dispatch task refers to: the
// audience, the message template, the transport configuration and the
// template's attachments. They are owned by the wider application; this
// package only reads them.
package directory

import (
	"context"
	"strings"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
	"github.com/LeventeLantos/bulk-dispatch/internal/transport"
)

type Template struct {
	Subject string
	Body    string
}

type AudienceResolver interface {
	ResolveAudience(ctx context.Context, ownerID string, a model.Audience) ([]model.Recipient, error)
}

// TemplateSource returns model.ErrNotFound for refs the owner does not have.
type TemplateSource interface {
	Template(ctx context.Context, ownerID, ref string) (Template, error)
}

// TransportConfigSource returns model.ErrNotFound for refs the owner does not have.
type TransportConfigSource interface {
	TransportConfig(ctx context.Context, ownerID, ref string) (transport.Config, error)
}

type AttachmentSource interface {
	Attachments(ctx context.Context, ownerID, templateRef string) ([]transport.Attachment, error)
}

// Render substitutes recipient placeholders such as {{name}}.
func Render(tpl string, r model.Recipient) string {
	return strings.NewReplacer(
		"{{name}}", r.Name,
		"{{email}}", r.Address,
		"{{company}}", r.Company,
		"{{country}}", r.Country,
	).Replace(tpl)
}
