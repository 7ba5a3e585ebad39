package fleet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/shardfleet/internal/gateway"
	"github.com/rickgao/shardfleet/internal/gateway/gatewaytest"
	"github.com/rickgao/shardfleet/internal/rest"
)

func testSupervisorConfig(url string) SupervisorConfig {
	return SupervisorConfig{
		GatewayURL: url,
		Token:      "test-token",
		Intents:    gateway.IntentGuilds,
		Shard:      gateway.DefaultShardConfig(),
		Runner: RunnerConfig{
			ReconnectBaseWait:    10 * time.Millisecond,
			ReconnectMaxWait:     40 * time.Millisecond,
			MaxReconnectAttempts: 3,
			MessengerBuffer:      4,
		},
	}
}

func stageOf(r *Registry, id uint32) string {
	st, ok := r.Get(id)
	if !ok {
		return ""
	}
	return st.Stage
}

func waitStopped(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestSupervisor_StartRegistersRunner(t *testing.T) {
	srv := gatewaytest.NewServer(gatewaytest.Options{ApplicationID: "1234"})
	defer srv.Close()

	registry := NewRegistry()
	http := rest.NewClient("http://unused", "test-token")
	sup := NewSupervisor(testSupervisorConfig(srv.URL()), &AppContext{HTTP: http}, registry, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sup.Start(ctx, gateway.NewShardInfo(1, 2)))

	st, ok := registry.Get(1)
	require.True(t, ok, "record inserted before Start returns")
	assert.Equal(t, uint32(2), st.Total)
	assert.NotEmpty(t, st.RunID)

	require.Eventually(t, func() bool { return stageOf(registry, 1) == "connected" }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1234), http.ApplicationID())

	ids := srv.Identifies()
	require.Len(t, ids, 1)
	assert.Equal(t, gateway.NewShardInfo(1, 2), ids[0].Shard)

	cancel()
	waitStopped(t, sup)

	st, _ = registry.Get(1)
	assert.True(t, st.Exited)
	assert.Equal(t, "disconnected", st.Stage)
}

func TestSupervisor_StartInsertsFreshRecord(t *testing.T) {
	srv := gatewaytest.NewServer(gatewaytest.Options{})
	defer srv.Close()

	inserted := make(chan RunnerStatus, 1)
	registry := NewRegistry(WithInsertHook(func(st RunnerStatus) { inserted <- st }))
	sup := NewSupervisor(testSupervisorConfig(srv.URL()), nil, registry, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sup.Start(ctx, gateway.NewShardInfo(3, 4)))

	select {
	case st := <-inserted:
		assert.Equal(t, uint32(3), st.ID)
		assert.Equal(t, gateway.StageDisconnected.String(), st.Stage)
		assert.Nil(t, st.LatencyUS, "no latency before the first heartbeat ACK")
		assert.False(t, st.Exited)
	default:
		t.Fatal("record not inserted before Start returned")
	}

	cancel()
	waitStopped(t, sup)
}

func TestSupervisor_StartFailureLeavesRegistryUntouched(t *testing.T) {
	srv := gatewaytest.NewServer(gatewaytest.Options{RejectFirst: 1})
	defer srv.Close()

	registry := NewRegistry()
	sup := NewSupervisor(testSupervisorConfig(srv.URL()), nil, registry, nil)

	err := sup.Start(context.Background(), gateway.NewShardInfo(0, 1))
	require.Error(t, err)
	assert.Zero(t, registry.Len())
}

func TestSupervisor_SetGatewayURL(t *testing.T) {
	srv := gatewaytest.NewServer(gatewaytest.Options{})
	defer srv.Close()

	registry := NewRegistry()
	sup := NewSupervisor(testSupervisorConfig("ws://127.0.0.1:1"), nil, registry, nil)
	sup.SetGatewayURL(srv.URL())
	assert.Equal(t, srv.URL(), sup.GatewayURL())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.Start(ctx, gateway.NewShardInfo(0, 1)))

	cancel()
	waitStopped(t, sup)
}

func TestRunner_ResumesAfterReconnect(t *testing.T) {
	srv := gatewaytest.NewServer(gatewaytest.Options{ReconnectOnReady: true})
	defer srv.Close()

	registry := NewRegistry()
	sup := NewSupervisor(testSupervisorConfig(srv.URL()), nil, registry, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.Start(ctx, gateway.NewShardInfo(0, 1)))

	require.Eventually(t, func() bool { return len(srv.Resumes()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return stageOf(registry, 0) == "connected" }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "session-1", srv.Resumes()[0].SessionID)
	assert.Len(t, srv.Identifies(), 1, "resume must not identify again")
	assert.Equal(t, 2, srv.Connections())

	st, _ := registry.Get(0)
	assert.False(t, st.Exited)

	cancel()
	waitStopped(t, sup)
}

func TestRunner_InvalidSessionEndsWorker(t *testing.T) {
	srv := gatewaytest.NewServer(gatewaytest.Options{InvalidateOnReady: true})
	defer srv.Close()

	registry := NewRegistry()
	sup := NewSupervisor(testSupervisorConfig(srv.URL()), nil, registry, nil)

	require.NoError(t, sup.Start(context.Background(), gateway.NewShardInfo(0, 1)))
	waitStopped(t, sup)

	st, ok := registry.Get(0)
	require.True(t, ok)
	assert.True(t, st.Exited)
	assert.Equal(t, ErrSessionEnded.Error(), st.Error)
	assert.Len(t, srv.Identifies(), 1, "no automatic restart")
}

func TestRunner_ShutdownInstruction(t *testing.T) {
	srv := gatewaytest.NewServer(gatewaytest.Options{})
	defer srv.Close()

	registry := NewRegistry()
	sup := NewSupervisor(testSupervisorConfig(srv.URL()), nil, registry, nil)

	require.NoError(t, sup.Start(context.Background(), gateway.NewShardInfo(0, 1)))
	require.Eventually(t, func() bool { return stageOf(registry, 0) == "connected" }, 2*time.Second, 10*time.Millisecond)

	m, ok := registry.Messenger(0)
	require.True(t, ok)
	require.NoError(t, m.SetPresence(gateway.Presence{Status: "idle"}))
	require.Eventually(t, func() bool { return len(srv.Presences()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Shutdown(1000))
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	waitStopped(t, sup)

	st, _ := registry.Get(0)
	assert.True(t, st.Exited)
	assert.Empty(t, st.Error)
	require.ErrorIs(t, m.Shutdown(1000), ErrRunnerGone)
}

type recordingCache struct {
	mu     sync.Mutex
	events []string
}

func (c *recordingCache) Update(ev gateway.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev.Name)
	c.mu.Unlock()
}

func (c *recordingCache) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func TestRunner_DispatchesToHandlers(t *testing.T) {
	srv := gatewaytest.NewServer(gatewaytest.Options{})
	defer srv.Close()

	events := make(chan gateway.Event, 4)
	frames := make(chan gateway.Opcode, 8)
	cache := &recordingCache{}

	app := &AppContext{
		Handlers: []EventHandler{
			EventHandlerFunc(func(ctx context.Context, shard gateway.ShardInfo, ev gateway.Event) {
				events <- ev
			}),
		},
		RawHandlers: []RawEventHandler{
			RawEventHandlerFunc(func(ctx context.Context, shard gateway.ShardInfo, f gateway.Frame) {
				select {
				case frames <- f.Op:
				default:
				}
			}),
		},
		Cache: cache,
	}

	sup := NewSupervisor(testSupervisorConfig(srv.URL()), app, NewRegistry(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.Start(ctx, gateway.NewShardInfo(0, 1)))

	select {
	case ev := <-events:
		assert.Equal(t, "READY", ev.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("no event dispatched")
	}
	assert.Equal(t, gateway.OpDispatch, <-frames)
	assert.Equal(t, []string{"READY"}, cache.Events())
	assert.NotNil(t, app.Data, "supervisor fills in shared data")

	cancel()
	waitStopped(t, sup)
}
