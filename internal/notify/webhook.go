package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// WebhookClient calls rule-configured HTTP endpoints. The per-call
// deadline comes from the dispatcher's context; the client timeout is
// a backstop for misconfigured contexts.
type WebhookClient struct {
	client *http.Client
	log    *logrus.Entry
}

// NewWebhookClient creates a webhook caller.
func NewWebhookClient(timeout time.Duration, log *logrus.Entry) *WebhookClient {
	return &WebhookClient{
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Call performs the HTTP request. Any non-2xx status is a failure.
func (w *WebhookClient) Call(ctx context.Context, url, method string, headers map[string]string, payload map[string]any) error {
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshaling webhook payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling webhook %s: %w", url, err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %s", url, resp.Status)
	}

	w.log.WithFields(logrus.Fields{
		"url":    url,
		"method": method,
		"status": resp.StatusCode,
	}).Debug("webhook delivered")
	return nil
}
