// Package handlers provides the built-in action handlers: structured log
// output and webhook delivery. Applications register their own handlers
// alongside these.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tofesapp/automation/internal/engine"
	"github.com/tofesapp/automation/internal/trigger"
)

// RegisterBuiltin registers the built-in handlers on a registry.
func RegisterBuiltin(r *engine.Registry) error {
	if err := r.Register("log", LogHandler()); err != nil {
		return err
	}
	return r.Register("webhook", NewWebhookHandler(http.DefaultClient))
}

// LogHandler emits the event payload to the structured log. Useful for
// wiring smoke tests and as a trace action during rule development.
func LogHandler() engine.Handler {
	return engine.HandlerFunc(func(_ context.Context, config map[string]any, payload trigger.Payload) error {
		msg, _ := config["message"].(string)
		if msg == "" {
			msg = "trigger fired"
		}
		slog.Info(msg, "payload", payload)
		return nil
	})
}

// WebhookHandler POSTs the event payload as JSON to the configured URL.
// Non-2xx responses fail the attempt; 4xx responses other than 408 and
// 429 are permanent since retrying a rejected request cannot help.
type WebhookHandler struct {
	client *http.Client
}

// NewWebhookHandler creates a webhook handler over the given client. The
// per-attempt timeout comes from the execution context, not the client.
func NewWebhookHandler(client *http.Client) *WebhookHandler {
	return &WebhookHandler{client: client}
}

// Execute implements engine.Handler. Config keys:
//
//	url     (required) destination
//	headers (optional) map of extra request headers
func (h *WebhookHandler) Execute(ctx context.Context, config map[string]any, payload trigger.Payload) error {
	url, _ := config["url"].(string)
	if url == "" {
		return engine.Permanent(fmt.Errorf("webhook: missing url in action config"))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return engine.Permanent(fmt.Errorf("webhook: marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return engine.Permanent(fmt.Errorf("webhook: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook: %s returned %d", url, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return engine.Permanent(fmt.Errorf("webhook: %s returned %d", url, resp.StatusCode))
	default:
		return fmt.Errorf("webhook: %s returned %d", url, resp.StatusCode)
	}
}
