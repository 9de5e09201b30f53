/**
 * @description
 * Delivers card operation results to the card service's callback URL.
 */
package callbackclient

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

// Client posts JSON bodies to arbitrary callback URLs.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a new callback client.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// Post sends an already encoded JSON body. Any non-2xx status is an error so the
// outbox retries the delivery.
func (c *Client) Post(ctx context.Context, url string, body []byte) error {
	if url == "" {
		return fmt.Errorf("callback url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute callback request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
