package fleet

import (
	"sync"

	"github.com/rickgao/shardfleet/internal/gateway"
)

// RunnerOp is the kind of instruction sent to a runner.
type RunnerOp int

const (
	RunnerShutdown RunnerOp = iota + 1
	RunnerSetPresence
	RunnerSendRaw
)

// RunnerMessage is an instruction delivered to a running shard.
type RunnerMessage struct {
	Op       RunnerOp
	Code     int              // close code (RunnerShutdown)
	Presence gateway.Presence // RunnerSetPresence
	RawOp    gateway.Opcode   // RunnerSendRaw
	Payload  any              // RunnerSendRaw
}

// ShardMessenger sends instructions to one runner.
// It stays in the registry after the runner exits; sends then fail with ErrRunnerGone.
type ShardMessenger struct {
	tx   chan RunnerMessage
	done chan struct{}
	once sync.Once
}

func newShardMessenger(buffer int) *ShardMessenger {
	if buffer <= 0 {
		buffer = 16
	}
	return &ShardMessenger{
		tx:   make(chan RunnerMessage, buffer),
		done: make(chan struct{}),
	}
}

// Shutdown asks the runner to close its connection with code and exit.
func (m *ShardMessenger) Shutdown(code int) error {
	return m.send(RunnerMessage{Op: RunnerShutdown, Code: code})
}

// SetPresence asks the runner to send a presence update.
func (m *ShardMessenger) SetPresence(p gateway.Presence) error {
	return m.send(RunnerMessage{Op: RunnerSetPresence, Presence: p})
}

// SendRaw asks the runner to send an arbitrary payload.
func (m *ShardMessenger) SendRaw(op gateway.Opcode, payload any) error {
	return m.send(RunnerMessage{Op: RunnerSendRaw, RawOp: op, Payload: payload})
}

// Done is closed once the runner has exited.
func (m *ShardMessenger) Done() <-chan struct{} {
	return m.done
}

func (m *ShardMessenger) send(msg RunnerMessage) error {
	select {
	case <-m.done:
		return ErrRunnerGone
	default:
	}

	select {
	case m.tx <- msg:
		return nil
	case <-m.done:
		return ErrRunnerGone
	}
}

func (m *ShardMessenger) recv() <-chan RunnerMessage {
	return m.tx
}

func (m *ShardMessenger) close() {
	m.once.Do(func() { close(m.done) })
}
