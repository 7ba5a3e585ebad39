package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rickgao/shardfleet/internal/gateway"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}
	if c.API.Token == "" {
		return errors.New("api.token is required")
	}

	if _, err := gateway.ParseIntents(c.Gateway.Intents); err != nil {
		return fmt.Errorf("gateway.intents: %w", err)
	}
	if c.Gateway.ShardTotal > 0 {
		if c.Gateway.ShardIndex >= c.Gateway.ShardTotal {
			return fmt.Errorf("gateway.shard_index (%d) must be below shard_total (%d)", c.Gateway.ShardIndex, c.Gateway.ShardTotal)
		}
		if c.Gateway.ShardIndex+c.Gateway.ShardInit > c.Gateway.ShardTotal {
			return fmt.Errorf("gateway.shard_index + shard_init (%d) cannot exceed shard_total (%d)",
				c.Gateway.ShardIndex+c.Gateway.ShardInit, c.Gateway.ShardTotal)
		}
	}

	if c.Fleet.BootSpacing < 0 {
		return errors.New("fleet.boot_spacing must be >= 0")
	}
	if c.Fleet.CommandBuffer < 1 {
		return errors.New("fleet.command_buffer must be >= 1")
	}

	if c.Runner.MaxReconnectAttempts < 1 {
		return errors.New("runner.max_reconnect_attempts must be >= 1")
	}
	if c.Runner.ReconnectMaxDelay < c.Runner.ReconnectBaseDelay {
		return errors.New("runner.reconnect_max_delay cannot be below reconnect_base_delay")
	}

	if c.Database.Enabled() {
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
	}

	if c.Status.Port < 1 || c.Status.Port > 65535 {
		return fmt.Errorf("status.port must be between 1 and 65535, got %d", c.Status.Port)
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

// ParseLevel maps a log.level value to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level %q is not one of debug, info, warn, error", level)
	}
}

// PresencePayload converts the configured presence for IDENTIFY. It returns nil
// when none is configured.
func (g GatewayConfig) PresencePayload() *gateway.Presence {
	if g.Presence == nil {
		return nil
	}
	p := &gateway.Presence{
		Status:     g.Presence.Status,
		Activities: []gateway.Activity{},
	}
	if p.Status == "" {
		p.Status = "online"
	}
	if g.Presence.Activity != "" {
		p.Activities = append(p.Activities, gateway.Activity{
			Name: g.Presence.Activity,
			Type: g.Presence.ActivityType,
		})
	}
	return p
}
