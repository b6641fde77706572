package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/protocol"
	"github.com/GriffinCanCode/orchflow/internal/shared/id"
	"github.com/go-resty/resty/v2"
)

// Health is the body of GET /health
type Health struct {
	Status         string  `json:"status"`
	SessionsActive int64   `json:"sessions_active"`
	PanesActive    int64   `json:"panes_active"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// Client calls the gateway's unary endpoint
type Client struct {
	http *resty.Client
}

// NewClient creates a client for a gateway such as http://127.0.0.1:7890.
// A non-empty agentID is sent with every request.
func NewClient(baseURL string, agentID id.AgentID, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(100 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return r != nil && r.StatusCode() == http.StatusTooManyRequests
		})
	if agentID != "" {
		c.SetHeader(AgentHeader, agentID.String())
	}
	return &Client{http: c}
}

// Do posts req and returns every response it produced
func (c *Client) Do(ctx context.Context, req protocol.Request) ([]protocol.Response, error) {
	if req.V == 0 {
		req.V = protocol.Version
	}
	if req.ID == "" {
		req.ID = id.NewRequestID().String()
	}
	body, err := protocol.JSON.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post("/v1/requests")
	if err != nil {
		return nil, fmt.Errorf("post request: %w", err)
	}

	var batch Batch
	if err := protocol.JSON.Unmarshal(resp.Body(), &batch); err != nil {
		return nil, fmt.Errorf("gateway returned %d: %w", resp.StatusCode(), err)
	}
	return batch.Responses, nil
}

// Final returns the last response of a Do call, which is the reply to the
// request itself
func Final(resps []protocol.Response) (protocol.Response, error) {
	for i := len(resps) - 1; i >= 0; i-- {
		if resps[i].Type != protocol.Progress {
			return resps[i], nil
		}
	}
	return protocol.Response{}, fmt.Errorf("gateway returned no reply")
}

// Health fetches the gateway health summary
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	resp, err := c.http.R().SetContext(ctx).Get("/health")
	if err != nil {
		return h, fmt.Errorf("get health: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return h, fmt.Errorf("health returned %d", resp.StatusCode())
	}
	if err := protocol.JSON.Unmarshal(resp.Body(), &h); err != nil {
		return h, fmt.Errorf("decode health: %w", err)
	}
	return h, nil
}
