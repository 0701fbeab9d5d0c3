package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type webhookPayload struct {
	SecretName string    `json:"secret_name"`
	Value      string    `json:"value"`
	RotatedAt  time.Time `json:"rotated_at"`
}

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookTarget POSTs the new value as JSON. 4xx responses other than 429 are not retried.
type WebhookTarget struct {
	name   string
	url    string
	token  string
	client HTTPDoer
	now    func() time.Time
}

func NewWebhookTarget(name, url, token string, client HTTPDoer) *WebhookTarget {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookTarget{name: name, url: url, token: token, client: client, now: time.Now}
}

func (t *WebhookTarget) Name() string {
	return t.name
}

func (t *WebhookTarget) Push(ctx context.Context, secretName string, value []byte) error {
	body, err := json.Marshal(webhookPayload{
		SecretName: secretName,
		Value:      string(value),
		RotatedAt:  t.now().UTC(),
	})
	if err != nil {
		return permanent(fmt.Errorf("failed to encode webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return permanent(fmt.Errorf("failed to create webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("webhook returned status %d", resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return permanent(err)
	}
	return err
}
