package fleet

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/shardfleet/internal/gateway"
)

// Starter starts a shard. The queuer calls it once per attempt.
type Starter interface {
	Start(ctx context.Context, info gateway.ShardInfo) error
}

// StarterFunc is a function adapter for Starter.
type StarterFunc func(context.Context, gateway.ShardInfo) error

func (f StarterFunc) Start(ctx context.Context, info gateway.ShardInfo) error {
	return f(ctx, info)
}

// SupervisorConfig holds what every shard connection is created with.
type SupervisorConfig struct {
	GatewayURL string
	Token      string
	Intents    gateway.Intents
	Presence   *gateway.Presence
	Shard      gateway.ShardConfig // timeouts and buffer; URL, token, identity are filled per shard
	Runner     RunnerConfig
}

// Supervisor launches one detached runner per started shard.
type Supervisor struct {
	cfg      SupervisorConfig
	app      *AppContext
	registry *Registry
	logger   *slog.Logger

	mu         sync.RWMutex
	gatewayURL string

	wg sync.WaitGroup
}

// NewSupervisor creates a Supervisor writing into registry.
func NewSupervisor(cfg SupervisorConfig, app *AppContext, registry *Registry, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if app == nil {
		app = &AppContext{}
	}
	if app.Data == nil {
		app.Data = NewData()
	}

	return &Supervisor{
		cfg:        cfg,
		app:        app,
		registry:   registry,
		logger:     logger,
		gatewayURL: cfg.GatewayURL,
	}
}

// SetGatewayURL changes the URL used for subsequent starts.
func (s *Supervisor) SetGatewayURL(url string) {
	s.mu.Lock()
	s.gatewayURL = url
	s.mu.Unlock()
}

// GatewayURL returns the URL used for new shards.
func (s *Supervisor) GatewayURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gatewayURL
}

// Start connects shard info and launches its runner.
//
// A connection failure is returned without touching the registry. On
// success the record is inserted with stage Disconnected and no latency,
// and Start returns without waiting for the runner.
func (s *Supervisor) Start(ctx context.Context, info gateway.ShardInfo) error {
	shardCfg := s.cfg.Shard
	shardCfg.URL = s.GatewayURL()
	shardCfg.Token = s.cfg.Token
	shardCfg.Info = info
	shardCfg.Intents = s.cfg.Intents
	shardCfg.Presence = s.cfg.Presence

	runID := uuid.New()
	logger := s.logger.With("shard", info.ID, "total", info.Total, "run_id", runID.String())

	shard, err := gateway.Connect(ctx, shardCfg, logger)
	if err != nil {
		return err
	}

	if s.app.HTTP != nil {
		shard.OnApplicationID(s.app.HTTP.SetApplicationID)
	}

	rinfo := &RunnerInfo{
		Info:      info,
		RunID:     runID,
		Stage:     gateway.StageDisconnected,
		Messenger: newShardMessenger(s.cfg.Runner.MessengerBuffer),
		Shard:     NewShardHandle(shard),
		StartedAt: time.Now(),
	}

	r := &runner{
		cfg:       s.cfg.Runner,
		info:      info,
		runID:     runID,
		handle:    rinfo.Shard,
		messenger: rinfo.Messenger,
		registry:  s.registry,
		app:       s.app,
		logger:    logger,
	}

	s.registry.Insert(rinfo)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		err := r.run(ctx)

		s.registry.Update(info.ID, runID, func(ri *RunnerInfo) {
			ri.Stage = gateway.StageDisconnected
			ri.Exited = true
			ri.ExitErr = err
		})

		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("shard runner stopped", "error", err)
			return
		}
		logger.Debug("shard runner stopped")
	}()

	return nil
}

// Wait blocks until every runner has exited or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
