package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/shardfleet/internal/gateway"
)

// defaultHeartbeatInterval is used when HELLO carried no interval.
const defaultHeartbeatInterval = 41250 * time.Millisecond

// RunnerConfig configures the per-shard worker.
type RunnerConfig struct {
	ReconnectBaseWait    time.Duration // First wait between reconnect attempts
	ReconnectMaxWait     time.Duration // Cap for the exponential backoff
	MaxReconnectAttempts int           // Attempts before the worker gives up
	MessengerBuffer      int           // Instruction channel buffer size
}

// DefaultRunnerConfig returns sensible defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		ReconnectBaseWait:    1 * time.Second,
		ReconnectMaxWait:     60 * time.Second,
		MaxReconnectAttempts: 10,
		MessengerBuffer:      16,
	}
}

// runner drives one shard for the lifetime of its session.
type runner struct {
	cfg       RunnerConfig
	info      gateway.ShardInfo
	runID     uuid.UUID
	handle    *ShardHandle
	messenger *ShardMessenger
	registry  *Registry
	app       *AppContext
	logger    *slog.Logger

	events *dispatchQueue
	wg     sync.WaitGroup
}

// run identifies and then loops until the session ends, a shutdown
// instruction arrives or ctx is cancelled. A nil return means an orderly
// shutdown.
func (r *runner) run(ctx context.Context) error {
	r.events = newDispatchQueue(64)
	r.wg.Add(1)
	go r.dispatchLoop(ctx, r.events)

	defer r.messenger.close()
	defer r.wg.Wait()
	defer r.events.close()

	var frames <-chan gateway.TimestampedFrame
	var sockErrs <-chan error
	var interval time.Duration
	err := r.handle.With(func(s *gateway.Shard) error {
		frames, sockErrs = s.Frames(), s.Errors()
		interval = s.HeartbeatInterval()
		return s.Identify()
	})
	r.syncStatus()
	if err != nil {
		r.closeShard(1011)
		return fmt.Errorf("identify: %w", err)
	}

	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			r.closeShard(1000)
			return ctx.Err()

		case msg := <-r.messenger.recv():
			if stop := r.handleMessage(msg); stop {
				return nil
			}

		case tf := <-frames:
			var action gateway.Action
			var ev *gateway.Event
			err := r.handle.With(func(s *gateway.Shard) error {
				var err error
				action, ev, err = s.Handle(tf)
				return err
			})
			r.syncStatus()
			if err != nil {
				r.logger.Warn("failed to handle frame", "op", tf.Frame.Op, "error", err)
				continue
			}

			for _, h := range r.app.RawHandlers {
				h.HandleFrame(ctx, r.info, tf.Frame)
			}

			switch action {
			case gateway.ActionDispatch:
				r.dispatch(*ev)
			case gateway.ActionHeartbeat:
				if err := r.sendHeartbeat(); err != nil {
					r.logger.Debug("requested heartbeat failed", "error", err)
				}
			case gateway.ActionReconnect:
				if err := r.reconnect(ctx); err != nil {
					return err
				}
				heartbeat.Reset(r.heartbeatInterval())
			case gateway.ActionSessionEnded:
				r.logger.Warn("session invalidated by gateway")
				r.closeShard(1000)
				return ErrSessionEnded
			}

		case <-heartbeat.C:
			if err := r.sendHeartbeat(); err != nil {
				r.logger.Warn("heartbeat failed, reconnecting", "error", err)
				if err := r.reconnect(ctx); err != nil {
					return err
				}
				heartbeat.Reset(r.heartbeatInterval())
			}

		case err := <-sockErrs:
			var ce *gateway.CloseError
			if errors.As(err, &ce) && !ce.Resumable() {
				r.logger.Warn("gateway closed session", "code", ce.Code, "reason", ce.Reason)
				r.closeShard(1000)
				return err
			}
			r.logger.Warn("connection error", "error", err)
			if err := r.reconnect(ctx); err != nil {
				return err
			}
			heartbeat.Reset(r.heartbeatInterval())
		}
	}
}

// handleMessage applies one messenger instruction. It returns true when the
// runner must exit.
func (r *runner) handleMessage(msg RunnerMessage) bool {
	switch msg.Op {
	case RunnerShutdown:
		code := msg.Code
		if code == 0 {
			code = 1000
		}
		r.logger.Info("shutting down shard", "code", code)
		r.closeShard(code)
		return true

	case RunnerSetPresence:
		err := r.handle.With(func(s *gateway.Shard) error {
			return s.UpdatePresence(msg.Presence)
		})
		if err != nil {
			r.logger.Warn("presence update failed", "error", err)
		}

	case RunnerSendRaw:
		err := r.handle.With(func(s *gateway.Shard) error {
			return s.SendRaw(msg.RawOp, msg.Payload)
		})
		if err != nil {
			r.logger.Warn("raw send failed", "op", msg.RawOp, "error", err)
		}

	default:
		r.logger.Warn("unknown runner instruction", "op", msg.Op)
	}
	return false
}

// dispatch hands ev to the dispatcher goroutine.
func (r *runner) dispatch(ev gateway.Event) {
	if r.app.Cache == nil && len(r.app.Handlers) == 0 && r.app.Framework == nil {
		return
	}
	r.events.push(ev)
}

// reconnect re-dials and resumes the session with exponential backoff.
func (r *runner) reconnect(ctx context.Context) error {
	wait := r.cfg.ReconnectBaseWait
	maxWait := r.cfg.ReconnectMaxWait

	for attempt := 1; attempt <= r.cfg.MaxReconnectAttempts; attempt++ {
		r.logger.Info("attempting reconnection", "attempt", attempt)

		err := r.handle.With(func(s *gateway.Shard) error {
			if err := s.Reconnect(ctx); err != nil {
				return err
			}
			return s.Resume()
		})
		r.syncStatus()

		switch {
		case err == nil:
			r.logger.Info("reconnected")
			return nil
		case errors.Is(err, gateway.ErrSessionNotResume), errors.Is(err, gateway.ErrAlreadyClosed):
			r.closeShard(1000)
			return ErrSessionEnded
		}

		r.logger.Warn("reconnection failed", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			r.closeShard(1000)
			return ctx.Err()
		case <-time.After(wait):
		}

		// Exponential backoff
		wait *= 2
		if wait > maxWait {
			wait = maxWait
		}
	}

	r.closeShard(1000)
	return ErrReconnectFailed
}

func (r *runner) sendHeartbeat() error {
	return r.handle.With(func(s *gateway.Shard) error {
		return s.Heartbeat()
	})
}

func (r *runner) heartbeatInterval() time.Duration {
	var d time.Duration
	r.handle.With(func(s *gateway.Shard) error {
		d = s.HeartbeatInterval()
		return nil
	})
	if d <= 0 {
		return defaultHeartbeatInterval
	}
	return d
}

func (r *runner) closeShard(code int) {
	r.handle.With(func(s *gateway.Shard) error {
		return s.Close(code)
	})
	r.syncStatus()
}

// syncStatus copies stage and latency from the shard into the registry.
func (r *runner) syncStatus() {
	var stage gateway.ConnectionStage
	var latency time.Duration
	r.handle.With(func(s *gateway.Shard) error {
		stage, latency = s.Stage(), s.Latency()
		return nil
	})

	r.registry.Update(r.info.ID, r.runID, func(ri *RunnerInfo) {
		ri.Stage = stage
		ri.Latency = latency
	})
}
