package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// WebhookNotifier POSTs the payload as JSON to a generic HTTP endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier.
// url: The HTTP endpoint to POST alerts to.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return deliveryErr("webhook", fmt.Errorf("marshal: %w", err))
	}
	if err := postJSON(ctx, w.client, w.url, body); err != nil {
		return deliveryErr("webhook", err)
	}
	log.Printf("[webhook] sent alert %s %s", p.Symbol, p.AlertType)
	return nil
}

// postJSON sends body as JSON; non-2xx responses are errors.
func postJSON(ctx context.Context, client *http.Client, url string, body []byte) error {
	_, err := postJSONResponse(ctx, client, url, body)
	return err
}

// postJSONResponse is postJSON returning the response body.
func postJSONResponse(ctx context.Context, client *http.Client, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return buf.Bytes(), nil
}
