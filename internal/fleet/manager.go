package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/shardfleet/internal/gateway"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	ShardIndex    uint32 // First shard this instance runs
	ShardInit     uint32 // Number of shards this instance starts
	ShardTotal    uint32 // Total shards of the application
	CommandBuffer int    // Queuer command channel capacity
	Queuer        QueuerConfig
	Supervisor    SupervisorConfig
}

// Manager owns the queuer, the supervisor and the registry of one instance.
type Manager struct {
	cfg        ManagerConfig
	registry   *Registry
	supervisor *Supervisor
	queuer     *Queuer
	logger     *slog.Logger

	commands chan QueuerMessage

	mu         sync.Mutex
	started    bool
	stopped    bool
	queuerDone chan struct{}

	// Shard ids queued or restarting but not yet in the registry
	pending map[uint32]struct{}
}

// NewManager creates a Manager. registry may be nil.
func NewManager(cfg ManagerConfig, app *AppContext, registry *Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = 64
	}

	commands := make(chan QueuerMessage, cfg.CommandBuffer)
	supervisor := NewSupervisor(cfg.Supervisor, app, registry, logger)

	m := &Manager{
		cfg:        cfg,
		registry:   registry,
		supervisor: supervisor,
		logger:     logger,
		commands:   commands,
		queuerDone: make(chan struct{}),
		pending:    make(map[uint32]struct{}),
	}
	m.queuer = NewQueuer(cfg.Queuer, commands, StarterFunc(m.startShard), logger.With("component", "queuer"))
	return m
}

// Start launches the queuer goroutine.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true

	go func() {
		defer close(m.queuerDone)
		m.queuer.Run(ctx)
	}()

	m.logger.Info("fleet manager started",
		"shard_index", m.cfg.ShardIndex,
		"shard_init", m.cfg.ShardInit,
		"shard_total", m.cfg.ShardTotal,
	)
	return nil
}

// Initialize queues every shard this instance is responsible for.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.cfg.ShardTotal == 0 {
		return fmt.Errorf("initialize: shard total is zero")
	}
	end := m.cfg.ShardIndex + m.cfg.ShardInit
	if end > m.cfg.ShardTotal {
		return fmt.Errorf("initialize: shards [%d, %d) exceed total %d", m.cfg.ShardIndex, end, m.cfg.ShardTotal)
	}

	for id := m.cfg.ShardIndex; id < end; id++ {
		if err := m.Boot(ctx, gateway.NewShardInfo(id, m.cfg.ShardTotal)); err != nil {
			return err
		}
	}
	return nil
}

// Boot queues a start for info. It blocks only while the command channel is full.
//
// It fails with ErrShardRunning while the shard has a live runner or a start
// already queued.
func (m *Manager) Boot(ctx context.Context, info gateway.ShardInfo) error {
	if err := m.reserve(info.ID); err != nil {
		return fmt.Errorf("boot shard %d: %w", info.ID, err)
	}
	return m.queueStart(ctx, info)
}

// ShutdownShard asks the runner of shard id to close with code.
func (m *Manager) ShutdownShard(id uint32, code int) error {
	messenger, ok := m.registry.Messenger(id)
	if !ok {
		return fmt.Errorf("shutdown shard %d: %w", id, ErrUnknownShard)
	}
	return messenger.Shutdown(code)
}

// Restart shuts shard id down and queues a new start through the gate.
// Concurrent restarts of the same shard fail with ErrShardRunning.
func (m *Manager) Restart(ctx context.Context, id uint32) error {
	status, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("restart shard %d: %w", id, ErrUnknownShard)
	}

	m.mu.Lock()
	if _, busy := m.pending[id]; busy {
		m.mu.Unlock()
		return fmt.Errorf("restart shard %d: %w", id, ErrShardRunning)
	}
	m.pending[id] = struct{}{}
	m.mu.Unlock()

	if messenger, ok := m.registry.Messenger(id); ok {
		if err := messenger.Shutdown(4000); err == nil {
			select {
			case <-messenger.Done():
			case <-ctx.Done():
				m.release(id)
				return ctx.Err()
			}
		}
	}

	return m.queueStart(ctx, gateway.NewShardInfo(status.ID, status.Total))
}

// Prune removes records of exited runners.
func (m *Manager) Prune() int {
	n := m.registry.Prune()
	if n > 0 {
		m.logger.Debug("pruned exited runners", "count", n)
	}
	return n
}

// Status returns a snapshot of all runners, optionally pruning exited ones first.
func (m *Manager) Status(prune bool) []RunnerStatus {
	if prune {
		m.Prune()
	}
	return m.registry.Snapshot()
}

// QueuerStats returns the queuer counters.
func (m *Manager) QueuerStats() QueuerStats {
	return m.queuer.Stats()
}

// Registry returns the runner registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// SetGatewayURL changes the URL used for later shard starts.
func (m *Manager) SetGatewayURL(url string) {
	m.supervisor.SetGatewayURL(url)
}

// ShutdownAll stops the queuer, then every runner, then waits for the runners to exit.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	m.logger.Info("shutting down fleet")

	// Stop the queuer first so nothing new is started.
	select {
	case m.commands <- ShutdownQueuer():
	case <-m.queuerDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-m.queuerDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	g, gctx := errgroup.WithContext(ctx)
	for id, messenger := range m.registry.Messengers() {
		g.Go(func() error {
			if err := messenger.Shutdown(1000); err != nil {
				// Already gone
				return nil
			}
			select {
			case <-messenger.Done():
				return nil
			case <-gctx.Done():
				return fmt.Errorf("shutdown shard %d: %w", id, gctx.Err())
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := m.supervisor.Wait(ctx); err != nil {
		return err
	}

	m.logger.Info("fleet shut down", "runners", m.registry.Len())
	return nil
}

// Wait blocks until the queuer has stopped. Start must have been called.
func (m *Manager) Wait() {
	<-m.queuerDone
}

// reserve marks id pending unless it is already pending or has a live runner.
func (m *Manager) reserve(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.pending[id]; busy {
		return ErrShardRunning
	}
	if st, ok := m.registry.Get(id); ok && !st.Exited {
		return ErrShardRunning
	}
	m.pending[id] = struct{}{}
	return nil
}

func (m *Manager) release(id uint32) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// queueStart sends a start for a reserved shard and releases it if the
// command cannot be delivered.
func (m *Manager) queueStart(ctx context.Context, info gateway.ShardInfo) error {
	if err := m.send(ctx, QueuerMessage{Op: QueuerStart, Shard: info}); err != nil {
		m.release(info.ID)
		return err
	}
	return nil
}

// startShard is the queuer's Starter. A successful start has inserted the
// registry record, so the shard is no longer pending.
func (m *Manager) startShard(ctx context.Context, info gateway.ShardInfo) error {
	if err := m.supervisor.Start(ctx, info); err != nil {
		return err
	}
	m.release(info.ID)
	return nil
}

func (m *Manager) send(ctx context.Context, msg QueuerMessage) error {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return ErrQueuerStopped
	}

	select {
	case m.commands <- msg:
		return nil
	case <-m.queuerDone:
		return ErrQueuerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
