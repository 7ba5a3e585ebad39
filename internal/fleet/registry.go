package fleet

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/shardfleet/internal/gateway"
)

// ShardHandle is the live connection shared between the registry and the
// runner driving it. All access goes through its mutex.
type ShardHandle struct {
	mu    sync.Mutex
	shard *gateway.Shard
}

// NewShardHandle wraps shard for shared use.
func NewShardHandle(shard *gateway.Shard) *ShardHandle {
	return &ShardHandle{shard: shard}
}

// With runs fn while holding the handle lock.
func (h *ShardHandle) With(fn func(*gateway.Shard) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fn(h.shard)
}

// Info returns the identity of the wrapped shard.
func (h *ShardHandle) Info() gateway.ShardInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shard.Info()
}

// RunnerInfo is the registry record of one started shard.
type RunnerInfo struct {
	Info      gateway.ShardInfo
	RunID     uuid.UUID // worker incarnation; a retry gets a new one
	Stage     gateway.ConnectionStage
	Latency   time.Duration // zero until the first heartbeat ACK
	Messenger *ShardMessenger
	Shard     *ShardHandle
	StartedAt time.Time
	Exited    bool
	ExitErr   error
}

// RunnerStatus is a point-in-time copy of a RunnerInfo for readers.
type RunnerStatus struct {
	ID        uint32    `json:"id"`
	Total     uint32    `json:"total"`
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	LatencyUS *int64    `json:"latency_us"` // nil until the first heartbeat ACK
	StartedAt time.Time `json:"started_at"`
	Exited    bool      `json:"exited"`
	Error     string    `json:"error,omitempty"`
}

func (r *RunnerInfo) status() RunnerStatus {
	st := RunnerStatus{
		ID:        r.Info.ID,
		Total:     r.Info.Total,
		RunID:     r.RunID.String(),
		Stage:     r.Stage.String(),
		StartedAt: r.StartedAt,
		Exited:    r.Exited,
	}
	if r.Latency > 0 {
		us := r.Latency.Microseconds()
		st.LatencyUS = &us
	}
	if r.ExitErr != nil {
		st.Error = r.ExitErr.Error()
	}
	return st
}

// Registry maps shard ids to their runner records.
//
// One mutex covers every insert, update, removal and iteration. It is never
// held across I/O.
type Registry struct {
	mu       sync.Mutex
	runners  map[uint32]*RunnerInfo
	onInsert func(RunnerStatus)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithInsertHook calls fn with a copy of every inserted record, as it was at
// insert time. fn runs outside the registry lock.
func WithInsertHook(fn func(RunnerStatus)) RegistryOption {
	return func(r *Registry) {
		r.onInsert = fn
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{runners: make(map[uint32]*RunnerInfo)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Insert stores info under its shard id, replacing any previous record.
func (r *Registry) Insert(info *RunnerInfo) {
	r.mu.Lock()
	r.runners[info.Info.ID] = info
	st := info.status()
	r.mu.Unlock()

	if r.onInsert != nil {
		r.onInsert(st)
	}
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id uint32) (RunnerStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.runners[id]
	if !ok {
		return RunnerStatus{}, false
	}
	return info.status(), true
}

// Update applies fn to the record for id if it still belongs to runID.
// A stale runner whose record was replaced by a retry cannot modify it.
func (r *Registry) Update(id uint32, runID uuid.UUID, fn func(*RunnerInfo)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.runners[id]
	if !ok || info.RunID != runID {
		return false
	}
	fn(info)
	return true
}

// Remove deletes the record for id.
func (r *Registry) Remove(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runners[id]; !ok {
		return false
	}
	delete(r.runners, id)
	return true
}

// RemoveIf deletes the record for id only if it belongs to runID.
func (r *Registry) RemoveIf(id uint32, runID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.runners[id]
	if !ok || info.RunID != runID {
		return false
	}
	delete(r.runners, id)
	return true
}

// Prune removes every record whose runner has exited and returns how many.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, info := range r.runners {
		if info.Exited {
			delete(r.runners, id)
			n++
		}
	}
	return n
}

// Messenger returns the instruction handle for id.
func (r *Registry) Messenger(id uint32) (*ShardMessenger, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.runners[id]
	if !ok {
		return nil, false
	}
	return info.Messenger, true
}

// Messengers returns the instruction handles of all live runners.
func (r *Registry) Messengers() map[uint32]*ShardMessenger {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[uint32]*ShardMessenger, len(r.runners))
	for id, info := range r.runners {
		if !info.Exited {
			out[id] = info.Messenger
		}
	}
	return out
}

// Snapshot returns copies of all records ordered by shard id.
func (r *Registry) Snapshot() []RunnerStatus {
	r.mu.Lock()
	out := make([]RunnerStatus, 0, len(r.runners))
	for _, info := range r.runners {
		out = append(out, info.status())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runners)
}
