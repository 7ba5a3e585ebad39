package status

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/shardfleet/internal/fleet"
)

// BatchSender is satisfied by *pgxpool.Pool.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Source provides registry snapshots. *fleet.Registry satisfies it.
type Source interface {
	Snapshot() []fleet.RunnerStatus
}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	InstanceID string
	Interval   time.Duration
}

// RecorderMetrics holds recorder counters.
type RecorderMetrics struct {
	Flushes int64 `json:"flushes"`
	Rows    int64 `json:"rows"`
	Errors  int64 `json:"errors"`
}

// Recorder periodically writes one shard_status row per runner.
type Recorder struct {
	cfg    RecorderConfig
	source Source
	db     BatchSender
	logger *slog.Logger

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	mu      sync.Mutex
	metrics RecorderMetrics
}

type statusRow struct {
	ShardID    int64
	ShardTotal int64
	RunID      uuid.UUID
	Stage      string
	LatencyUS  *int64
	Exited     bool
}

// NewRecorder creates a Recorder.
func NewRecorder(cfg RecorderConfig, source Source, db BatchSender, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Recorder{
		cfg:    cfg,
		source: source,
		db:     db,
		logger: logger,
	}
}

// Start begins recording on the configured interval.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.recordLoop()

	r.logger.Info("status recorder started", "interval", r.cfg.Interval)
	return nil
}

// Stop halts the loop and writes a final snapshot.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping status recorder")

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("status recorder stop timed out")
	}

	// Final snapshot
	return r.Record(ctx)
}

// Stats returns current metrics.
func (r *Recorder) Stats() RecorderMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

func (r *Recorder) recordLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.Record(r.ctx); err != nil {
				r.logger.Error("status record failed", "error", err)
			}
		}
	}
}

// Record writes the current snapshot.
func (r *Recorder) Record(ctx context.Context) error {
	rows := transform(r.source.Snapshot())
	if len(rows) == 0 {
		return nil
	}

	start := time.Now()
	if err := r.batchInsert(ctx, rows, start.UTC()); err != nil {
		r.mu.Lock()
		r.metrics.Errors++
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.metrics.Flushes++
	r.metrics.Rows += int64(len(rows))
	r.mu.Unlock()

	r.logger.Debug("recorded shard status",
		"count", len(rows),
		"duration", time.Since(start),
	)
	return nil
}

// transform converts registry snapshots to rows. Records with an
// unparseable run id are skipped.
func transform(snapshot []fleet.RunnerStatus) []statusRow {
	rows := make([]statusRow, 0, len(snapshot))
	for _, st := range snapshot {
		runID, err := uuid.Parse(st.RunID)
		if err != nil {
			continue
		}

		rows = append(rows, statusRow{
			ShardID:    int64(st.ID),
			ShardTotal: int64(st.Total),
			RunID:      runID,
			Stage:      st.Stage,
			LatencyUS:  st.LatencyUS,
			Exited:     st.Exited,
		})
	}
	return rows
}

// batchInsert inserts rows using pgx.Batch.
func (r *Recorder) batchInsert(ctx context.Context, rows []statusRow, at time.Time) error {
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO shard_status (instance_id, shard_id, shard_total, run_id, stage, latency_us, exited, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, r.cfg.InstanceID, row.ShardID, row.ShardTotal, row.RunID, row.Stage, row.LatencyUS, row.Exited, at)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert shard status: %w", err)
		}
	}
	return nil
}
