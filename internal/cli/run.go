package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/rickgao/shardfleet/internal/config"
	"github.com/rickgao/shardfleet/internal/database"
	"github.com/rickgao/shardfleet/internal/fleet"
	"github.com/rickgao/shardfleet/internal/gateway"
	"github.com/rickgao/shardfleet/internal/rest"
	"github.com/rickgao/shardfleet/internal/status"
	"github.com/rickgao/shardfleet/internal/version"
)

// gatewayVersion is the protocol version requested on connect.
const gatewayVersion = "10"

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Boot the configured shard range and keep it running",
		Long: `Boot the configured shard range and keep it running.

Shards are started one at a time behind the boot spacing. The process
stops on SIGINT or SIGTERM after closing every shard.

Example:
  shardfleet run --config configs/shardfleet.yaml
  shardfleet run -c staging.yaml -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFleet(rootOpts)
		},
	}
}

// topology is the resolved shard layout for this instance.
type topology struct {
	GatewayURL string
	Index      uint32
	Init       uint32
	Total      uint32
}

// resolveTopology fills config gaps from the /gateway/bot response.
func resolveTopology(cfg config.GatewayConfig, bot *rest.GatewayBot) (topology, error) {
	t := topology{
		GatewayURL: cfg.URL,
		Index:      cfg.ShardIndex,
		Init:       cfg.ShardInit,
		Total:      cfg.ShardTotal,
	}

	if t.GatewayURL == "" && bot != nil {
		t.GatewayURL = bot.URL
	}
	if t.GatewayURL == "" {
		return t, fmt.Errorf("no gateway url configured or discovered")
	}
	if t.Total == 0 && bot != nil && bot.Shards > 0 {
		t.Total = uint32(bot.Shards)
	}
	if t.Total == 0 {
		return t, fmt.Errorf("no shard total configured or discovered")
	}
	if t.Index >= t.Total {
		return t, fmt.Errorf("shard index %d is outside total %d", t.Index, t.Total)
	}
	if t.Init == 0 {
		t.Init = t.Total - t.Index
	}
	if t.Index+t.Init > t.Total {
		return t, fmt.Errorf("shards [%d, %d) exceed total %d", t.Index, t.Index+t.Init, t.Total)
	}

	u, err := url.Parse(t.GatewayURL)
	if err != nil {
		return t, fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	if q.Get("v") == "" {
		q.Set("v", gatewayVersion)
	}
	if q.Get("encoding") == "" {
		q.Set("encoding", "json")
	}
	u.RawQuery = q.Encode()
	t.GatewayURL = u.String()

	return t, nil
}

func newLogger(cfg config.LogConfig, verbose bool) *slog.Logger {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

func runFleet(opts *RootOptions) error {
	// Load configuration
	cfg, err := config.LoadAndValidate(opts.ConfigPath)
	if err != nil {
		return err
	}

	// Set up structured logging
	logger := newLogger(cfg.Log, opts.Verbose).With("instance", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting shardfleet",
		"version", version.Version,
		"commit", version.Commit,
		"config", opts.ConfigPath,
	)

	intents, err := gateway.ParseIntents(cfg.Gateway.Intents)
	if err != nil {
		return err
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// Create API client
	apiClient := rest.NewClient(
		cfg.API.RestURL,
		cfg.API.Token,
		rest.WithLogger(logger),
		rest.WithTimeout(cfg.API.Timeout),
		rest.WithRetries(cfg.API.MaxRetries, time.Second),
	)

	// Discover gateway URL and recommended shard count
	var bot *rest.GatewayBot
	if cfg.Gateway.URL == "" || cfg.Gateway.ShardTotal == 0 {
		bot, err = apiClient.GatewayBot(ctx)
		if err != nil {
			return fmt.Errorf("get gateway info: %w", err)
		}
		logger.Info("gateway info",
			"url", bot.URL,
			"recommended_shards", bot.Shards,
			"session_starts_remaining", bot.SessionStartLimit.Remaining,
			"session_starts_reset_in", bot.SessionStartLimit.ResetIn(),
		)
	}

	topo, err := resolveTopology(cfg.Gateway, bot)
	if err != nil {
		return err
	}
	if bot != nil && bot.SessionStartLimit.Remaining < int(topo.Init) {
		logger.Warn("session start budget below shard count",
			"remaining", bot.SessionStartLimit.Remaining,
			"shards", topo.Init,
		)
	}

	// Connect to database
	var pool *pgxpool.Pool
	if cfg.Database.Enabled() {
		pool, err = database.Connect(ctx, cfg.Database.Postgres, "shardfleet-"+cfg.Instance.ID, logger)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}
	}

	// Build the fleet
	app := &fleet.AppContext{
		Data: fleet.NewData(),
		HTTP: apiClient,
		Handlers: []fleet.EventHandler{
			fleet.EventHandlerFunc(func(ctx context.Context, shard gateway.ShardInfo, ev gateway.Event) {
				logger.Debug("dispatch", "shard", shard.String(), "event", ev.Name, "seq", ev.Seq)
			}),
		},
	}

	shardCfg := gateway.DefaultShardConfig()
	shardCfg.HandshakeTimeout = cfg.Gateway.HandshakeTimeout
	shardCfg.WriteTimeout = cfg.Gateway.WriteTimeout
	shardCfg.BufferSize = cfg.Gateway.BufferSize

	manager := fleet.NewManager(fleet.ManagerConfig{
		ShardIndex:    topo.Index,
		ShardInit:     topo.Init,
		ShardTotal:    topo.Total,
		CommandBuffer: cfg.Fleet.CommandBuffer,
		Queuer: fleet.QueuerConfig{
			BootSpacing: cfg.Fleet.BootSpacing,
		},
		Supervisor: fleet.SupervisorConfig{
			GatewayURL: topo.GatewayURL,
			Token:      cfg.API.Token,
			Intents:    intents,
			Presence:   cfg.Gateway.PresencePayload(),
			Shard:      shardCfg,
			Runner: fleet.RunnerConfig{
				ReconnectBaseWait:    cfg.Runner.ReconnectBaseDelay,
				ReconnectMaxWait:     cfg.Runner.ReconnectMaxDelay,
				MaxReconnectAttempts: cfg.Runner.MaxReconnectAttempts,
				MessengerBuffer:      cfg.Runner.MessageBuffer,
			},
		},
	}, app, fleet.NewRegistry(fleet.WithInsertHook(func(st fleet.RunnerStatus) {
		logger.Debug("runner registered", "shard", st.ID, "total", st.Total, "run_id", st.RunID)
	})), logger)

	// Runners outlive the signal context so shutdown can close them in order
	fleetCtx, fleetCancel := context.WithCancel(context.Background())
	defer fleetCancel()

	if err := manager.Start(fleetCtx); err != nil {
		return err
	}

	// Start health server
	var pinger status.Pinger
	if pool != nil {
		pinger = pool
	}
	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Status.Port),
		Handler:           status.NewHandler(manager, pinger, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Status.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	// Start status recorder
	var recorder *status.Recorder
	if pool != nil {
		recorder = status.NewRecorder(status.RecorderConfig{
			InstanceID: cfg.Instance.ID,
			Interval:   cfg.Status.Interval,
		}, manager.Registry(), pool, logger)
		if err := recorder.Start(ctx); err != nil {
			return err
		}
	}

	if err := manager.Initialize(ctx); err != nil {
		return err
	}

	logger.Info("shardfleet running",
		"shards", fmt.Sprintf("[%d, %d) of %d", topo.Index, topo.Index+topo.Init, topo.Total),
		"boot_spacing", cfg.Fleet.BootSpacing,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Status.Port),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := manager.ShutdownAll(shutdownCtx); err != nil {
		logger.Warn("fleet shutdown incomplete", "error", err)
	}
	fleetCancel()

	if recorder != nil {
		if err := recorder.Stop(shutdownCtx); err != nil {
			logger.Warn("final status record failed", "error", err)
		}
	}

	healthServer.Shutdown(shutdownCtx)

	logger.Info("shardfleet stopped")
	return nil
}
