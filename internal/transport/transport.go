// Package transport holds the adapters that deliver one rendered message.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	KindSES     = "ses"
	KindWebhook = "webhook"
)

const (
	CodeSendFailed           = "SEND_FAILED"
	CodeTimeout              = "TIMEOUT"
	CodeUnsupportedTransport = "UNSUPPORTED_TRANSPORT"
)

// Config is the resolved transport configuration a task refers to.
type Config struct {
	Kind      string
	Endpoint  string
	FromEmail string
	FromName  string
	Timeout   time.Duration
}

type Attachment struct {
	FileName    string
	ContentType string
	Data        []byte
}

type Message struct {
	To          string
	ToName      string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Transport sends one message and returns the provider's message id.
type Transport interface {
	Send(ctx context.Context, cfg Config, msg Message) (remoteID string, err error)
}

// SendError is a per-recipient delivery failure.
type SendError struct {
	Code    string
	Message string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsSendError normalizes any error returned by a transport into a SendError.
func AsSendError(err error) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &SendError{Code: CodeTimeout, Message: err.Error()}
	}
	return &SendError{Code: CodeSendFailed, Message: err.Error()}
}

// Registry dispatches to a Transport by Config.Kind.
type Registry struct {
	byKind map[string]Transport
}

func NewRegistry() *Registry {
	return &Registry{byKind: make(map[string]Transport)}
}

func (r *Registry) Register(kind string, t Transport) *Registry {
	r.byKind[kind] = t
	return r
}

func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	return out
}

func (r *Registry) Send(ctx context.Context, cfg Config, msg Message) (string, error) {
	t, ok := r.byKind[cfg.Kind]
	if !ok {
		return "", &SendError{Code: CodeUnsupportedTransport, Message: fmt.Sprintf("no transport registered for kind %q", cfg.Kind)}
	}
	return t.Send(ctx, cfg, msg)
}
