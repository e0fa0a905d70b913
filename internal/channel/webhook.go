package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/foxzi/cadence/internal/models"
)

// WebhookConfig configures the webhook channel
type WebhookConfig struct {
	URL     string
	Token   string
	Headers map[string]string
	Timeout time.Duration
}

// Webhook posts each message as JSON to an HTTP endpoint
type Webhook struct {
	cfg        WebhookConfig
	httpClient *http.Client
}

type webhookRequest struct {
	RecipientID string            `json:"recipient_id"`
	Address     string            `json:"address"`
	Name        string            `json:"name,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	Message     string            `json:"message"`
}

type webhookResponse struct {
	ID       string `json:"id"`
	Accepted *bool  `json:"accepted"`
	Error    string `json:"error"`
}

// NewWebhook creates a webhook channel
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook channel: url is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Webhook{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Send implements Sender. 5xx and 429 replies are temporary errors, other
// non-2xx replies permanent ones. A 2xx reply with "accepted": false is a
// refusal.
func (w *Webhook) Send(ctx context.Context, r models.Recipient, message string) (Outcome, error) {
	body, err := json.Marshal(webhookRequest{
		RecipientID: r.ID,
		Address:     r.Address,
		Name:        r.Name,
		Variables:   r.Variables,
		Message:     message,
	})
	if err != nil {
		return Outcome{}, &Error{Message: "marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, &Error{Message: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if w.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	}
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return Outcome{}, &Error{Temporary: true, Message: "do request", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Outcome{}, &Error{Temporary: true, Message: "read response", Err: err}
	}

	var parsed webhookResponse
	_ = json.Unmarshal(data, &parsed)

	if resp.StatusCode >= 300 {
		detail := parsed.Error
		if detail == "" {
			detail = http.StatusText(resp.StatusCode)
		}
		temporary := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return Outcome{}, &Error{Temporary: temporary, Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, detail)}
	}

	if parsed.Accepted != nil && !*parsed.Accepted {
		return Outcome{Success: false, Detail: parsed.Error, MessageID: parsed.ID}, nil
	}
	return Outcome{Success: true, MessageID: parsed.ID}, nil
}
