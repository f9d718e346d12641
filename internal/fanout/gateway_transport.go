package fanout

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// GatewayTransport is the worker-side transport: it POSTs payloads to the
// gateway's internal per-connection push endpoint, which writes to the
// actual socket. 404/410 means the connection is gone.
type GatewayTransport struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

func NewGatewayTransport(baseURL string, log *slog.Logger) *GatewayTransport {
	return &GatewayTransport{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 3 * time.Second},
		log:     log,
	}
}

func (t *GatewayTransport) Push(ctx context.Context, connectionID string, payload []byte) DeliveryResult {
	url := fmt.Sprintf("%s/internal/connections/%s/push", t.baseURL, connectionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return TransportError
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		t.log.Warn("gateway push failed", "connection_id", connectionID, "error", err)
		return TransportError
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return Stale
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Delivered
	default:
		t.log.Warn("gateway push rejected", "connection_id", connectionID, "status", resp.StatusCode)
		return TransportError
	}
}
