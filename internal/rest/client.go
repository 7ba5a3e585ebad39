package rest

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Client provides access to the REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration

	applicationID atomic.Uint64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new REST API client.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Token returns the bot token used for authorization.
func (c *Client) Token() string {
	return c.token
}

// SetApplicationID records the application id. Safe to call from any shard.
func (c *Client) SetApplicationID(id uint64) {
	if old := c.applicationID.Swap(id); old != id {
		c.logger.Debug("application id set", "application_id", id)
	}
}

// ApplicationID returns the recorded application id, zero if unknown.
func (c *Client) ApplicationID() uint64 {
	return c.applicationID.Load()
}
