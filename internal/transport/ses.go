package transport

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

const CodeUnsupportedAttachment = "UNSUPPORTED_ATTACHMENT"

type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESTransport delivers through Amazon SES v2 using simple (non-raw)
// content, so attachments are rejected per recipient.
type SESTransport struct {
	client      sesAPI
	defaultFrom string
	defaultName string
}

// NewSESTransport uses fromEmail and fromName when a transport config does
// not name its own sender.
func NewSESTransport(cfg aws.Config, fromEmail, fromName string) *SESTransport {
	return &SESTransport{
		client:      sesv2.NewFromConfig(cfg),
		defaultFrom: fromEmail,
		defaultName: fromName,
	}
}

func (s *SESTransport) Send(ctx context.Context, cfg Config, msg Message) (string, error) {
	if len(msg.Attachments) > 0 {
		return "", &SendError{Code: CodeUnsupportedAttachment, Message: "ses transport does not send attachments"}
	}

	from, name := cfg.FromEmail, cfg.FromName
	if from == "" {
		from = s.defaultFrom
		if name == "" {
			name = s.defaultName
		}
	}
	if from == "" {
		return "", &SendError{Code: CodeUnsupportedTransport, Message: "ses sender address not configured"}
	}
	if name != "" {
		from = (&mail.Address{Name: name, Address: from}).String()
	}

	out, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
	})
	if err != nil {
		return "", err
	}
	if out.MessageId == nil {
		return "", fmt.Errorf("ses returned no message id for %s", msg.To)
	}
	return *out.MessageId, nil
}
