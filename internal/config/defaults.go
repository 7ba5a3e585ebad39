package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL              = "https://discord.com/api/v10"
	DefaultAPITimeout           = 30 * time.Second
	DefaultMaxRetries           = 3
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultFrameBuffer          = 1000
	DefaultBootSpacing          = 5 * time.Second
	DefaultCommandBuffer        = 64
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 60 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultMessageBuffer        = 16
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 4
	DefaultMinConns             = 1
	DefaultStatusInterval       = 30 * time.Second
	DefaultStatusPort           = 8080
	DefaultLogLevel             = "info"
)

// DefaultIntents is used when gateway.intents is empty.
var DefaultIntents = []string{"guilds", "guild_messages"}

func (c *Config) applyDefaults() {
	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}

	// Gateway defaults
	if len(c.Gateway.Intents) == 0 {
		c.Gateway.Intents = append([]string(nil), DefaultIntents...)
	}
	if c.Gateway.HandshakeTimeout == 0 {
		c.Gateway.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Gateway.WriteTimeout == 0 {
		c.Gateway.WriteTimeout = DefaultWriteTimeout
	}
	if c.Gateway.BufferSize == 0 {
		c.Gateway.BufferSize = DefaultFrameBuffer
	}

	// Fleet defaults
	if c.Fleet.BootSpacing == 0 {
		c.Fleet.BootSpacing = DefaultBootSpacing
	}
	if c.Fleet.CommandBuffer == 0 {
		c.Fleet.CommandBuffer = DefaultCommandBuffer
	}

	// Runner defaults
	if c.Runner.ReconnectBaseDelay == 0 {
		c.Runner.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Runner.ReconnectMaxDelay == 0 {
		c.Runner.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Runner.MaxReconnectAttempts == 0 {
		c.Runner.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Runner.MessageBuffer == 0 {
		c.Runner.MessageBuffer = DefaultMessageBuffer
	}

	// Database defaults, only when configured
	if c.Database.Enabled() {
		applyDBDefaults(&c.Database.Postgres)
	}

	// Status defaults
	if c.Status.Interval == 0 {
		c.Status.Interval = DefaultStatusInterval
	}
	if c.Status.Port == 0 {
		c.Status.Port = DefaultStatusPort
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
