package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/events"
)

// Pusher hands a notification to the external push gateway. Callers treat
// failures as non-fatal: a missed push degrades to a missed banner, the
// client reconciles on next poll or reconnect.
type Pusher interface {
	Send(ctx context.Context, n events.PushNotification) error
}

// Client posts JSON to the gateway's HTTP endpoint with an optional bearer
// key.
type Client struct {
	Endpoint string
	Key      string
	HTTP     *http.Client
}

func NewClient(endpoint, key string) *Client {
	return &Client{Endpoint: endpoint, Key: key, HTTP: &http.Client{Timeout: 3 * time.Second}}
}

func (c *Client) Send(ctx context.Context, n events.PushNotification) error {
	body := map[string]any{
		"message": map[string]any{
			"user_id": n.UserID,
			"notification": map[string]string{
				"title": n.Title,
				"body":  n.Body,
			},
			"data": n.Data,
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Key != "" {
		req.Header.Set("Authorization", "Bearer "+c.Key)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway status %d", resp.StatusCode)
	}
	return nil
}

// Nop discards notifications; used when no gateway is configured.
type Nop struct{}

func (Nop) Send(ctx context.Context, n events.PushNotification) error { return nil }
