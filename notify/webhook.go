package notify

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// WebhookNotifier POSTs each notification as JSON to an external
// endpoint, retrying once on 5xx. Wrap it in a Dispatcher so delivery
// latency stays off the request path.
type WebhookNotifier struct {
	url        string
	authHeader string // "Header: Value" format, e.g., "Authorization: Bearer xxx"
	client     *http.Client
}

func NewWebhookNotifier(url, authHeader string) *WebhookNotifier {
	return &WebhookNotifier{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookNotifier) Notify(n Notification) {
	body, err := json.Marshal(n)
	if err != nil {
		slog.Warn("notify webhook: marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(1 * time.Second)
		}

		req, err := http.NewRequest("POST", w.url, bytes.NewReader(body))
		if err != nil {
			slog.Warn("notify webhook: request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Latchkey-Notifier/1.0")

		if w.authHeader != "" {
			parts := strings.SplitN(w.authHeader, ":", 2)
			if len(parts) == 2 {
				req.Header.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
			}
		}

		resp, err := w.client.Do(req)
		if err != nil {
			slog.Warn("notify webhook: request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		if resp.StatusCode >= 500 {
			slog.Warn("notify webhook: server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}
		slog.Warn("notify webhook: client error", "status", resp.StatusCode)
		return
	}
}
