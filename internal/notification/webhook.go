package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"tws-bridge/internal/logger"
)

// webhookPayload is the JSON body posted for each alert.
type webhookPayload struct {
	Service string            `json:"service"`
	Level   AlertLevel        `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	TS      string            `json:"ts"`
}

// WebhookNotifier posts alerts as JSON to an HTTP endpoint. Any 2xx
// response counts as delivered.
type WebhookNotifier struct {
	url     string
	service string
	client  *http.Client
	log     *slog.Logger
}

// NewWebhookNotifier posts to url, tagging every alert with service.
func NewWebhookNotifier(url, service string, log *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:     url,
		service: service,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     logger.Or(log).With("component", "webhook"),
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	at := alert.At
	if at.IsZero() {
		at = time.Now()
	}
	code, _, err := postJSON(ctx, w.client, w.url, webhookPayload{
		Service: w.service,
		Level:   alert.Level,
		Title:   alert.Title,
		Message: alert.Message,
		Fields:  alert.Fields,
		TS:      at.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", code)
	}
	w.log.Debug("alert delivered", "title", alert.Title, "level", alert.Level, "status", code)
	return nil
}

// postJSON posts v and returns the status code with up to 4KiB of the body.
func postJSON(ctx context.Context, client *http.Client, url string, v any) (int, []byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return resp.StatusCode, reply, nil
}
