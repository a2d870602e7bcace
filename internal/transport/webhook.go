package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookTransport posts each message as JSON to an HTTP endpoint. The
// endpoint from Config wins over the default URL.
type WebhookTransport struct {
	url    string
	client *http.Client
}

func NewWebhookTransport(url string) *WebhookTransport {
	return &WebhookTransport{
		url: url,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type webhookAttachment struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType,omitempty"`
	Content     []byte `json:"content"`
}

type webhookRequest struct {
	From        string              `json:"from,omitempty"`
	FromName    string              `json:"fromName,omitempty"`
	To          string              `json:"to"`
	ToName      string              `json:"toName,omitempty"`
	Subject     string              `json:"subject"`
	Body        string              `json:"body"`
	Attachments []webhookAttachment `json:"attachments,omitempty"`
}

type webhookResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

func (c *WebhookTransport) Send(ctx context.Context, cfg Config, msg Message) (string, error) {
	url := cfg.Endpoint
	if url == "" {
		url = c.url
	}
	if url == "" {
		return "", &SendError{Code: CodeUnsupportedTransport, Message: "webhook url not configured"}
	}

	wr := webhookRequest{
		From:     cfg.FromEmail,
		FromName: cfg.FromName,
		To:       msg.To,
		ToName:   msg.ToName,
		Subject:  msg.Subject,
		Body:     msg.Body,
	}
	for _, a := range msg.Attachments {
		wr.Attachments = append(wr.Attachments, webhookAttachment{
			FileName:    a.FileName,
			ContentType: a.ContentType,
			Content:     a.Data,
		})
	}

	reqBody, err := json.Marshal(wr)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return "", &SendError{
			Code:    fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message: fmt.Sprintf("unexpected status code: %d body=%q", resp.StatusCode, string(body)),
		}
	}

	var sr webhookResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if sr.MessageID == "" {
		return "", fmt.Errorf("missing messageId in response body=%q", string(body))
	}

	return sr.MessageID, nil
}
