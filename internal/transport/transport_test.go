package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
)

type fakeSES struct {
	got *sesv2.SendEmailInput
	id  *string
	err error
}

func (f *fakeSES) SendEmail(ctx context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.got = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: f.id}, nil
}

func TestSESTransport_Send(t *testing.T) {
	t.Parallel()

	api := &fakeSES{id: aws.String("ses-1")}
	s := &SESTransport{client: api, defaultFrom: "noreply@example.com"}

	id, err := s.Send(context.Background(), Config{Kind: KindSES, FromName: "Sales"}, Message{
		To:      "ann@example.com",
		Subject: "Hi",
		Body:    "<p>Hello</p>",
	})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if id != "ses-1" {
		t.Fatalf("expected id ses-1, got %q", id)
	}

	if got := aws.ToString(api.got.FromEmailAddress); got != `"Sales" <noreply@example.com>` {
		t.Fatalf("unexpected from address %q", got)
	}
	if to := api.got.Destination.ToAddresses; len(to) != 1 || to[0] != "ann@example.com" {
		t.Fatalf("unexpected destination %v", to)
	}
	if got := aws.ToString(api.got.Content.Simple.Subject.Data); got != "Hi" {
		t.Fatalf("unexpected subject %q", got)
	}
	if got := aws.ToString(api.got.Content.Simple.Body.Html.Data); got != "<p>Hello</p>" {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestSESTransport_Send_DefaultSenderName(t *testing.T) {
	t.Parallel()

	api := &fakeSES{id: aws.String("ses-2")}
	s := &SESTransport{client: api, defaultFrom: "noreply@example.com", defaultName: "Shop"}

	if _, err := s.Send(context.Background(), Config{Kind: KindSES}, Message{To: "ann@example.com"}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if got := aws.ToString(api.got.FromEmailAddress); got != `"Shop" <noreply@example.com>` {
		t.Fatalf("unexpected from address %q", got)
	}

	// A config with its own sender does not inherit the default name.
	if _, err := s.Send(context.Background(), Config{Kind: KindSES, FromEmail: "sales@example.com"}, Message{To: "ann@example.com"}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if got := aws.ToString(api.got.FromEmailAddress); got != "sales@example.com" {
		t.Fatalf("unexpected from address %q", got)
	}
}

func TestSESTransport_Send_Failures(t *testing.T) {
	t.Parallel()

	t.Run("attachments rejected", func(t *testing.T) {
		t.Parallel()
		s := &SESTransport{client: &fakeSES{}, defaultFrom: "a@b.c"}
		_, err := s.Send(context.Background(), Config{}, Message{Attachments: []Attachment{{FileName: "x"}}})
		if se := AsSendError(err); se.Code != CodeUnsupportedAttachment {
			t.Fatalf("expected %s, got %v", CodeUnsupportedAttachment, err)
		}
	})

	t.Run("missing sender", func(t *testing.T) {
		t.Parallel()
		s := &SESTransport{client: &fakeSES{}}
		_, err := s.Send(context.Background(), Config{}, Message{To: "a@b.c"})
		if se := AsSendError(err); se.Code != CodeUnsupportedTransport {
			t.Fatalf("expected %s, got %v", CodeUnsupportedTransport, err)
		}
	})

	t.Run("api error", func(t *testing.T) {
		t.Parallel()
		s := &SESTransport{client: &fakeSES{err: errors.New("throttled")}, defaultFrom: "a@b.c"}
		_, err := s.Send(context.Background(), Config{}, Message{To: "x@y.z"})
		if se := AsSendError(err); se.Code != CodeSendFailed || se.Message != "throttled" {
			t.Fatalf("expected SEND_FAILED throttled, got %+v", se)
		}
	})
}

type recordingTransport struct {
	calls int
}

func (r *recordingTransport) Send(ctx context.Context, cfg Config, msg Message) (string, error) {
	r.calls++
	return fmt.Sprintf("%s-%d", cfg.Kind, r.calls), nil
}

func TestRegistry_Send(t *testing.T) {
	t.Parallel()

	hook := &recordingTransport{}
	reg := NewRegistry().Register(KindWebhook, hook)

	id, err := reg.Send(context.Background(), Config{Kind: KindWebhook}, Message{})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if id != "webhook-1" || hook.calls != 1 {
		t.Fatalf("expected routed call, got id=%q calls=%d", id, hook.calls)
	}

	_, err = reg.Send(context.Background(), Config{Kind: "carrier-pigeon"}, Message{})
	var se *SendError
	if !errors.As(err, &se) || se.Code != CodeUnsupportedTransport {
		t.Fatalf("expected unsupported transport error, got %v", err)
	}
}

func TestAsSendError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"send error kept", &SendError{Code: "HTTP_500", Message: "x"}, "HTTP_500"},
		{"wrapped send error", fmt.Errorf("wrap: %w", &SendError{Code: "HTTP_400"}), "HTTP_400"},
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), CodeTimeout},
		{"other", errors.New("boom"), CodeSendFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := AsSendError(tc.err).Code; got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}
