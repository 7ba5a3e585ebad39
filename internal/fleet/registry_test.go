package fleet

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/shardfleet/internal/gateway"
)

func record(id uint32) *RunnerInfo {
	return &RunnerInfo{
		Info:      gateway.NewShardInfo(id, 4),
		RunID:     uuid.New(),
		Stage:     gateway.StageDisconnected,
		Messenger: newShardMessenger(1),
		StartedAt: time.Now(),
	}
}

func TestRegistry_InsertOverwrites(t *testing.T) {
	r := NewRegistry()

	first := record(1)
	r.Insert(first)
	second := record(1)
	r.Insert(second)

	assert.Equal(t, 1, r.Len())
	got, ok := r.Get(1)
	require.True(t, ok)
	assert.Equal(t, second.RunID.String(), got.RunID)
	assert.Equal(t, "disconnected", got.Stage)
	assert.Nil(t, got.LatencyUS)

	_, ok = r.Get(2)
	assert.False(t, ok)
}

func TestRegistry_UpdateGuardedByRunID(t *testing.T) {
	r := NewRegistry()
	stale := record(0)
	r.Insert(stale)
	fresh := record(0)
	r.Insert(fresh)

	ok := r.Update(0, stale.RunID, func(ri *RunnerInfo) { ri.Exited = true })
	assert.False(t, ok, "stale runner must not update")

	ok = r.Update(0, fresh.RunID, func(ri *RunnerInfo) {
		ri.Stage = gateway.StageConnected
		ri.Latency = 42 * time.Millisecond
	})
	assert.True(t, ok)

	got, _ := r.Get(0)
	assert.Equal(t, "connected", got.Stage)
	require.NotNil(t, got.LatencyUS)
	assert.Equal(t, int64(42000), *got.LatencyUS)
	assert.False(t, got.Exited)

	assert.False(t, r.Update(7, fresh.RunID, func(*RunnerInfo) {}))
}

func TestRegistry_SubMillisecondLatency(t *testing.T) {
	r := NewRegistry()
	rec := record(4)
	rec.Latency = 750 * time.Microsecond
	r.Insert(rec)

	got, _ := r.Get(4)
	require.NotNil(t, got.LatencyUS, "fast ACK is not reported as missing")
	assert.Equal(t, int64(750), *got.LatencyUS)
}

func TestRegistry_InsertHook(t *testing.T) {
	var seen []RunnerStatus
	r := NewRegistry(WithInsertHook(func(st RunnerStatus) { seen = append(seen, st) }))

	rec := record(5)
	r.Insert(rec)
	r.Update(5, rec.RunID, func(ri *RunnerInfo) { ri.Stage = gateway.StageConnected })

	require.Len(t, seen, 1)
	assert.Equal(t, "disconnected", seen[0].Stage, "hook sees the record as inserted")
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry()
	rec := record(3)
	r.Insert(rec)

	assert.False(t, r.RemoveIf(3, uuid.New()))
	assert.True(t, r.RemoveIf(3, rec.RunID))
	assert.Zero(t, r.Len())

	r.Insert(record(3))
	assert.True(t, r.Remove(3))
	assert.False(t, r.Remove(3))
}

func TestRegistry_PruneAndMessengers(t *testing.T) {
	r := NewRegistry()
	live := record(0)
	dead := record(1)
	dead.Exited = true
	dead.ExitErr = errors.New("boom")
	r.Insert(live)
	r.Insert(dead)

	ms := r.Messengers()
	assert.Len(t, ms, 1)
	assert.Contains(t, ms, uint32(0))

	m, ok := r.Messenger(1)
	require.True(t, ok, "exited records keep their messenger until pruned")
	assert.Same(t, dead.Messenger, m)

	got, _ := r.Get(1)
	assert.Equal(t, "boom", got.Error)

	assert.Equal(t, 1, r.Prune())
	assert.Equal(t, 1, r.Len())
	_, ok = r.Messenger(1)
	assert.False(t, ok)
}

func TestRegistry_SnapshotOrdered(t *testing.T) {
	r := NewRegistry()
	for _, id := range []uint32{3, 0, 2, 1} {
		r.Insert(record(id))
	}

	snap := r.Snapshot()
	require.Len(t, snap, 4)
	for i, st := range snap {
		assert.Equal(t, uint32(i), st.ID)
		assert.Equal(t, uint32(4), st.Total)
	}
}

func TestShardMessenger(t *testing.T) {
	m := newShardMessenger(2)

	require.NoError(t, m.SetPresence(gateway.Presence{Status: "dnd"}))
	require.NoError(t, m.Shutdown(4000))

	msg := <-m.recv()
	assert.Equal(t, RunnerSetPresence, msg.Op)
	assert.Equal(t, "dnd", msg.Presence.Status)

	msg = <-m.recv()
	assert.Equal(t, RunnerShutdown, msg.Op)
	assert.Equal(t, 4000, msg.Code)

	m.close()
	m.close()

	select {
	case <-m.Done():
	default:
		t.Fatal("done not closed")
	}
	require.ErrorIs(t, m.SendRaw(gateway.OpPresenceUpdate, nil), ErrRunnerGone)
}

func TestShardMessenger_BlockedSendUnblocksOnClose(t *testing.T) {
	m := newShardMessenger(1)
	require.NoError(t, m.Shutdown(1000))

	errs := make(chan error, 1)
	go func() { errs <- m.Shutdown(1000) }()

	time.Sleep(10 * time.Millisecond)
	m.close()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrRunnerGone)
	case <-time.After(time.Second):
		t.Fatal("send did not unblock")
	}
}

func TestData(t *testing.T) {
	d := NewData()
	d.Set("prefix", "!")

	v, ok := d.Get("prefix")
	require.True(t, ok)
	assert.Equal(t, "!", v)

	d.Delete("prefix")
	_, ok = d.Get("prefix")
	assert.False(t, ok)
}
