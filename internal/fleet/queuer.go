package fleet

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rickgao/shardfleet/internal/gateway"
)

// QueuerOp is the kind of command consumed by the queuer.
type QueuerOp int

const (
	QueuerStart QueuerOp = iota + 1
	QueuerShutdown
)

func (o QueuerOp) String() string {
	switch o {
	case QueuerStart:
		return "start"
	case QueuerShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// QueuerMessage is a command for the queuer.
type QueuerMessage struct {
	Op    QueuerOp
	Shard gateway.ShardInfo // QueuerStart only
}

// StartShard builds a start command for shard id of total.
func StartShard(id, total uint32) QueuerMessage {
	return QueuerMessage{Op: QueuerStart, Shard: gateway.NewShardInfo(id, total)}
}

// ShutdownQueuer builds a shutdown command.
func ShutdownQueuer() QueuerMessage {
	return QueuerMessage{Op: QueuerShutdown}
}

// QueuerConfig configures the queuer.
type QueuerConfig struct {
	BootSpacing time.Duration // Minimum time between start attempts (default BootSpacing)
}

// QueuerStats holds queuer counters.
type QueuerStats struct {
	Attempts int64 `json:"attempts"`
	Failures int64 `json:"failures"`
	Backlog  int64 `json:"backlog"`
}

// Queuer serializes shard starts behind the boot gate and retries failed
// starts from its backlog.
type Queuer struct {
	rx      <-chan QueuerMessage
	starter Starter
	gate    *bootGate
	backlog *backlog
	logger  *slog.Logger

	// Stats
	attempts atomic.Int64
	failures atomic.Int64
	pending  atomic.Int64
}

// NewQueuer creates a queuer reading commands from rx.
func NewQueuer(cfg QueuerConfig, rx <-chan QueuerMessage, starter Starter, logger *slog.Logger) *Queuer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Queuer{
		rx:      rx,
		starter: starter,
		gate:    newBootGate(cfg.BootSpacing),
		backlog: newBacklog(),
		logger:  logger,
	}
}

// Run processes commands until a shutdown command arrives, rx is closed or
// ctx is done. Start failures never end the loop.
func (q *Queuer) Run(ctx context.Context) {
	q.logger.Debug("queuer started", "boot_spacing", q.gate.spacing)
	defer q.logger.Debug("queuer stopped", "backlog", q.backlog.Len())

	timer := time.NewTimer(q.gate.spacing)
	defer timer.Stop()

	for {
		timer.Reset(q.gate.spacing)

		select {
		case <-ctx.Done():
			return

		case msg, ok := <-q.rx:
			if !ok {
				return
			}
			switch msg.Op {
			case QueuerShutdown:
				return
			case QueuerStart:
				q.checkedStart(ctx, msg.Shard)
			default:
				q.logger.Warn("unknown queuer command", "op", msg.Op)
			}

		case <-timer.C:
			if info, ok := q.backlog.PopFront(); ok {
				q.pending.Store(int64(q.backlog.Len()))
				q.checkedStart(ctx, info)
			}
		}
	}
}

// checkedStart waits for the gate, attempts the start and re-queues the
// shard on failure. The attempt counts toward the gate either way.
func (q *Queuer) checkedStart(ctx context.Context, info gateway.ShardInfo) {
	if err := q.gate.wait(ctx); err != nil {
		// Shutting down; keep the request so Backlog reports it.
		q.backlog.PushBack(info)
		q.pending.Store(int64(q.backlog.Len()))
		return
	}

	q.attempts.Add(1)
	q.logger.Debug("starting shard", "shard", info.String())

	if err := q.starter.Start(ctx, info); err != nil {
		q.failures.Add(1)
		q.logger.Warn("failed to start shard", "shard", info.String(), "error", err)
		q.logger.Info("re-queueing shard", "shard", info.String())
		q.backlog.PushBack(info)
		q.pending.Store(int64(q.backlog.Len()))
	}

	q.gate.mark(q.gate.now())
}

// Stats returns queuer counters. Safe to call from any goroutine.
func (q *Queuer) Stats() QueuerStats {
	return QueuerStats{
		Attempts: q.attempts.Load(),
		Failures: q.failures.Load(),
		Backlog:  q.pending.Load(),
	}
}
