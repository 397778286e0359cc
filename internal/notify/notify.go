// Package notify pushes progress payloads to a logical connection id.
// Delivery is always best-effort: failures are logged by callers and never
// fail the emitting stage.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Notifier pushes a JSON payload to a connection/channel identifier.
type Notifier interface {
	Push(ctx context.Context, connectionID string, payload any) error
}

// WebhookNotifier POSTs payloads to a configured webhook, carrying the
// connection id in a header so the receiving registry can route it.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a WebhookNotifier targeting url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Push(ctx context.Context, connectionID string, payload any) error {
	body, err := json.Marshal(map[string]any{
		"connection_id": connectionID,
		"payload":       payload,
	})
	if err != nil {
		return fmt.Errorf("marshalling notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("pushing notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier writes notifications to the log. Used when no webhook is
// configured.
type LogNotifier struct{}

func (LogNotifier) Push(ctx context.Context, connectionID string, payload any) error {
	slog.Info("notification", "connection_id", connectionID, "payload", payload)
	return nil
}
