package joystick

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client calls the sibling command-execution service that actually flips a
// device between operating modes.
type Client struct {
	baseURL string
	apiKey  string
	userID  string
	http    *http.Client
}

func NewClient(baseURL, apiKey, userID string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		userID:  userID,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SetMode asks the service to put a device into the given operating mode.
func (c *Client) SetMode(ctx context.Context, deviceID, mode string) error {
	b, err := json.Marshal(map[string]string{"mode": mode})
	if err != nil {
		return err
	}

	url := c.baseURL + "/api/run/" + deviceID + "/set-mode"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("x-user-id", c.userID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("set-mode %s on %s: %w", mode, deviceID, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("set-mode %s on %s: %s", mode, deviceID, resp.Status)
	}
	return nil
}
