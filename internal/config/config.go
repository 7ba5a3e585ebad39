package config

import "time"

// Config is the root configuration for a fleet instance.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	API      APIConfig      `yaml:"api"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Fleet    FleetConfig    `yaml:"fleet"`
	Runner   RunnerConfig   `yaml:"runner"`
	Database DatabaseConfig `yaml:"database"`
	Status   StatusConfig   `yaml:"status"`
	Log      LogConfig      `yaml:"log"`
}

// InstanceConfig identifies this instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
	AZ string `yaml:"az"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url"`
	Token      string        `yaml:"token"` // Bot token, also used for IDENTIFY
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// GatewayConfig holds gateway connection and shard range settings.
type GatewayConfig struct {
	URL              string          `yaml:"url"`         // Overrides the URL from /gateway/bot
	Intents          []string        `yaml:"intents"`     // e.g. [guilds, guild_messages]
	ShardIndex       uint32          `yaml:"shard_index"` // First shard this instance runs
	ShardInit        uint32          `yaml:"shard_init"`  // 0 = every shard from shard_index
	ShardTotal       uint32          `yaml:"shard_total"` // 0 = recommended count from /gateway/bot
	Presence         *PresenceConfig `yaml:"presence"`
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration   `yaml:"write_timeout"`
	BufferSize       int             `yaml:"buffer_size"`
}

// PresenceConfig is the initial presence sent with IDENTIFY.
type PresenceConfig struct {
	Status       string `yaml:"status"`
	Activity     string `yaml:"activity"`
	ActivityType int    `yaml:"activity_type"`
}

// FleetConfig holds queuer settings.
type FleetConfig struct {
	BootSpacing   time.Duration `yaml:"boot_spacing"` // Only shorten for tests or staging
	CommandBuffer int           `yaml:"command_buffer"`
}

// RunnerConfig holds per-shard worker settings.
type RunnerConfig struct {
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	MessageBuffer        int           `yaml:"message_buffer"`
}

// DatabaseConfig holds the optional status database.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// Enabled reports whether a status database is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.Postgres.Host != ""
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// StatusConfig holds status reporting settings.
type StatusConfig struct {
	Interval time.Duration `yaml:"interval"`
	Port     int           `yaml:"port"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}
