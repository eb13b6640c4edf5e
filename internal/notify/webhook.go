package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
)

// WebhookGateway posts each message as JSON to the chat-bot endpoint.
type WebhookGateway struct {
	url        string
	httpClient *http.Client
}

type webhookPayload struct {
	Recipient
	Text    string  `json:"text"`
	Message Message `json:"message"`
}

func NewWebhookGateway(url string, timeout time.Duration) *WebhookGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookGateway{url: url, httpClient: &http.Client{Timeout: timeout}}
}

func (g *WebhookGateway) Send(ctx context.Context, to Recipient, msg Message) error {
	body, err := json.Marshal(webhookPayload{Recipient: to, Text: Render(msg), Message: msg})
	if err != nil {
		return errors.Wrap(err, "marshal webhook payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "post webhook")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Newf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
