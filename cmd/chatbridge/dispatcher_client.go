// ABOUTME: HTTP client that forwards normalized chat events to the Dispatcher's ingress endpoint.
// ABOUTME: Fire-and-forget: the worker's Response Egress delivers any reply separately.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// IngressEvent is the wire shape the Dispatcher's HTTP ingress
// endpoint accepts, mirroring the fields cmd/dispatcher's Matrix sync
// path already derives from a mautrix event.
type IngressEvent struct {
	Platform       string `json:"platform"`
	ChannelID      string `json:"channelId"`
	ThreadID       string `json:"threadId,omitempty"`
	MessageID      string `json:"messageId"`
	PlatformUserID string `json:"platformUserId"`
	Content        string `json:"content"`
}

// DispatcherClient posts ingress events to the Dispatcher.
type DispatcherClient struct {
	baseURL   string
	authToken string
	client    *http.Client
}

func NewDispatcherClient(baseURL, authToken string) *DispatcherClient {
	return &DispatcherClient{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		authToken: authToken,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
			Timeout: 15 * time.Second,
		},
	}
}

func (d *DispatcherClient) Send(ctx context.Context, evt IngressEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshaling ingress event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/ingress", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.authToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending ingress event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("dispatcher returned status %d", resp.StatusCode)
	}
	return nil
}
