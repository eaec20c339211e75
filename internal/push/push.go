// Package push delivers fire-and-forget notifications to an external push
// gateway.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/workspace/agent-relay/internal/retry"
)

// Notifier sends push notifications.
type Notifier interface {
	SendPush(ctx context.Context, category, title, body string, data map[string]string) error
}

// HTTPNotifier posts notifications to a gateway endpoint with a bearer token.
type HTTPNotifier struct {
	endpoint string
	token    string
	client   *http.Client
	backoff  retry.Backoff
}

// NewHTTPNotifier creates a notifier. Returns nil if endpoint is empty, which
// callers treat as "push disabled".
func NewHTTPNotifier(endpoint, token string) *HTTPNotifier {
	if endpoint == "" {
		return nil
	}
	return &HTTPNotifier{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: 10 * time.Second},
		backoff: retry.Backoff{
			Initial: 500 * time.Millisecond,
			Max:     5 * time.Second,
			Tries:   3,
		},
	}
}

type pushPayload struct {
	Category string            `json:"category"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
}

// SendPush posts one notification. Client errors (4xx) are not retried.
func (n *HTTPNotifier) SendPush(ctx context.Context, category, title, body string, data map[string]string) error {
	payload, err := json.Marshal(pushPayload{
		Category: category,
		Title:    title,
		Body:     body,
		Data:     data,
	})
	if err != nil {
		return fmt.Errorf("encode push payload: %w", err)
	}

	return n.backoff.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if n.token != "" {
			req.Header.Set("Authorization", "Bearer "+n.token)
		}

		resp, err := n.client.Do(req)
		if err != nil {
			return fmt.Errorf("post push: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			slog.Debug("Push delivered", "category", category)
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return retry.Permanent(fmt.Errorf("push rejected: status %d", resp.StatusCode))
		default:
			return fmt.Errorf("push gateway error: status %d", resp.StatusCode)
		}
	})
}
