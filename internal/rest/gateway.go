package rest

import (
	"context"
	"time"
)

// SessionStartLimit is the IDENTIFY budget reported by the API.
type SessionStartLimit struct {
	Total          int   `json:"total"`
	Remaining      int   `json:"remaining"`
	ResetAfter     int64 `json:"reset_after"` // milliseconds
	MaxConcurrency int   `json:"max_concurrency"`
}

// ResetIn returns ResetAfter as a duration.
func (l SessionStartLimit) ResetIn() time.Duration {
	return time.Duration(l.ResetAfter) * time.Millisecond
}

// GatewayBot is the response of GET /gateway/bot.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// GatewayBot returns the gateway URL and the recommended shard count.
func (c *Client) GatewayBot(ctx context.Context) (*GatewayBot, error) {
	var resp GatewayBot
	if err := c.get(ctx, "/gateway/bot", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
