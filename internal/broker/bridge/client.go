package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"tradegate/internal/broker"
	"tradegate/internal/domain"
)

// Client forwards live orders to an external broker bridge over HTTP.
// It never retries: a lost response must be reconciled by a human, not
// resent as a second order.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

func (c *Client) Venue() domain.Venue { return domain.VenueLive }

func (c *Client) Execute(ctx context.Context, order broker.Order) (broker.Fill, error) {
	body, err := json.Marshal(order)
	if err != nil {
		return broker.Fill{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return broker.Fill{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", order.CommandID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return broker.Fill{}, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusConflict {
		return broker.Fill{}, fmt.Errorf("%w: %s", broker.ErrRejected, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return broker.Fill{}, fmt.Errorf("bridge status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var fill broker.Fill
	if err := json.Unmarshal(raw, &fill); err != nil {
		return broker.Fill{}, fmt.Errorf("decode bridge fill: %w", err)
	}
	if fill.CommandID == "" {
		fill.CommandID = order.CommandID
	}
	return fill, nil
}
