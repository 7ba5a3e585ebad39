package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/shardfleet/internal/gateway"
	"github.com/rickgao/shardfleet/internal/gateway/gatewaytest"
)

func connect(t *testing.T, srv *gatewaytest.Server, info gateway.ShardInfo) *gateway.Shard {
	t.Helper()

	cfg := gateway.DefaultShardConfig()
	cfg.URL = srv.URL()
	cfg.Token = "test-token"
	cfg.Info = info
	cfg.Intents = gateway.IntentGuilds | gateway.IntentGuildMessages

	shard, err := gateway.Connect(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { shard.Close(1000) })
	return shard
}

// next handles frames until one produces the wanted action or the deadline passes.
func next(t *testing.T, shard *gateway.Shard, want gateway.Action) *gateway.Event {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case tf := <-shard.Frames():
			action, ev, err := shard.Handle(tf)
			require.NoError(t, err)
			if action == want {
				return ev
			}
		case err := <-shard.Errors():
			t.Fatalf("unexpected socket error: %v", err)
		case <-deadline:
			t.Fatalf("timed out waiting for action %s", want)
		}
	}
}

func TestConnect_ReadsHello(t *testing.T) {
	srv := gatewaytest.NewServer(gatewaytest.Options{HeartbeatInterval: 1500})
	defer srv.Close()

	shard := connect(t, srv, gateway.NewShardInfo(0, 1))

	assert.Equal(t, 1500*time.Millisecond, shard.HeartbeatInterval())
	assert.Equal(t, gateway.StageHandshake, shard.Stage())
	assert.Empty(t, srv.Identifies(), "connect must not identify")
}

func TestConnect_Unreachable(t *testing.T) {
	srv := gatewaytest.NewServer(gatewaytest.Options{RejectFirst: 1})
	defer srv.Close()

	cfg := gateway.DefaultShardConfig()
	cfg.URL = srv.URL()
	cfg.Info = gateway.NewShardInfo(0, 1)

	_, err := gateway.Connect(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial gateway")
}

func TestShard_IdentifyReady(t *testing.T) {
	srv := gatewaytest.NewServer(gatewaytest.Options{ApplicationID: "987654321"})
	defer srv.Close()

	shard := connect(t, srv, gateway.NewShardInfo(2, 3))

	var appID atomic.Uint64
	var calls atomic.Int32
	shard.OnApplicationID(func(id uint64) {
		calls.Add(1)
		appID.Store(id)
	})

	require.NoError(t, shard.Identify())
	ev := next(t, shard, gateway.ActionDispatch)

	require.NotNil(t, ev)
	assert.Equal(t, "READY", ev.Name)
	assert.Equal(t, int64(1), ev.Seq)
	assert.Equal(t, gateway.StageConnected, shard.Stage())
	assert.Equal(t, "session-1", shard.SessionID())
	assert.Equal(t, uint64(987654321), appID.Load())
	assert.Equal(t, int32(1), calls.Load())

	ids := srv.Identifies()
	require.Len(t, ids, 1)
	assert.Equal(t, "test-token", ids[0].Token)
	assert.Equal(t, gateway.NewShardInfo(2, 3), ids[0].Shard)
	assert.True(t, ids[0].Intents.Has(gateway.IntentGuildMessages))
}

func TestShard_HeartbeatLatency(t *testing.T) {
	srv := gatewaytest.NewServer(gatewaytest.Options{})
	defer srv.Close()

	shard := connect(t, srv, gateway.NewShardInfo(0, 1))
	assert.Zero(t, shard.Latency())

	require.NoError(t, shard.Heartbeat())
	require.ErrorIs(t, shard.Heartbeat(), gateway.ErrHeartbeatMissed, "second heartbeat before ack")

	deadline := time.After(2 * time.Second)
	for shard.Latency() == 0 {
		select {
		case tf := <-shard.Frames():
			shard.Handle(tf)
		case <-deadline:
			t.Fatal("no heartbeat ack")
		}
	}
	assert.Positive(t, shard.Latency())
	require.NoError(t, shard.Heartbeat(), "ack clears the pending heartbeat")
}

func TestShard_ReconnectResume(t *testing.T) {
	srv := gatewaytest.NewServer(gatewaytest.Options{ReconnectOnReady: true})
	defer srv.Close()

	shard := connect(t, srv, gateway.NewShardInfo(0, 1))
	require.NoError(t, shard.Identify())

	next(t, shard, gateway.ActionReconnect)

	require.NoError(t, shard.Reconnect(context.Background()))
	require.NoError(t, shard.Resume())

	ev := next(t, shard, gateway.ActionDispatch)
	assert.Equal(t, "RESUMED", ev.Name)
	assert.Equal(t, gateway.StageConnected, shard.Stage())

	resumes := srv.Resumes()
	require.Len(t, resumes, 1)
	assert.Equal(t, "session-1", resumes[0].SessionID)
	assert.Equal(t, int64(1), resumes[0].Seq)
	assert.Equal(t, 2, srv.Connections())
}

func TestShard_RepeatedReconnectReportsNoStaleErrors(t *testing.T) {
	srv := gatewaytest.NewServer(gatewaytest.Options{})
	defer srv.Close()

	shard := connect(t, srv, gateway.NewShardInfo(0, 1))
	require.NoError(t, shard.Identify())
	next(t, shard, gateway.ActionDispatch)

	for i := 0; i < 10; i++ {
		require.NoError(t, shard.Reconnect(context.Background()))
		require.NoError(t, shard.Resume())
		ev := next(t, shard, gateway.ActionDispatch)
		require.Equal(t, "RESUMED", ev.Name, "round %d", i)
	}

	select {
	case err := <-shard.Errors():
		t.Fatalf("error from a retired socket: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 11, srv.Connections())
}

func TestShard_LogsDoNotRepeatShardKey(t *testing.T) {
	srv := gatewaytest.NewServer(gatewaytest.Options{ReconnectOnReady: true})
	defer srv.Close()

	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})).
		With("shard", 0, "total", 1)

	cfg := gateway.DefaultShardConfig()
	cfg.URL = srv.URL()
	cfg.Info = gateway.NewShardInfo(0, 1)
	shard, err := gateway.Connect(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer shard.Close(1000)

	require.NoError(t, shard.Identify())
	next(t, shard, gateway.ActionReconnect)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 3, "connected, ready and reconnect lines")
	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, " shard="), line)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestShard_InvalidSessionEndsSession(t *testing.T) {
	srv := gatewaytest.NewServer(gatewaytest.Options{InvalidateOnReady: true})
	defer srv.Close()

	shard := connect(t, srv, gateway.NewShardInfo(0, 1))
	require.NoError(t, shard.Identify())

	next(t, shard, gateway.ActionSessionEnded)
	assert.Empty(t, shard.SessionID())
	require.ErrorIs(t, shard.Resume(), gateway.ErrSessionNotResume)
}

func TestShard_CloseIsIdempotent(t *testing.T) {
	srv := gatewaytest.NewServer(gatewaytest.Options{})
	defer srv.Close()

	shard := connect(t, srv, gateway.NewShardInfo(0, 1))

	require.NoError(t, shard.Close(1000))
	require.NoError(t, shard.Close(1000))
	assert.True(t, shard.IsClosed())
	assert.Equal(t, gateway.StageDisconnected, shard.Stage())
	require.ErrorIs(t, shard.SendRaw(gateway.OpPresenceUpdate, nil), gateway.ErrNotConnected)
	require.ErrorIs(t, shard.Reconnect(context.Background()), gateway.ErrAlreadyClosed)
}

func TestShard_UpdatePresence(t *testing.T) {
	srv := gatewaytest.NewServer(gatewaytest.Options{})
	defer srv.Close()

	shard := connect(t, srv, gateway.NewShardInfo(0, 1))
	require.NoError(t, shard.UpdatePresence(gateway.Presence{Status: "idle"}))

	require.Eventually(t, func() bool { return len(srv.Presences()) == 1 }, 2*time.Second, 10*time.Millisecond)
	p := srv.Presences()[0]
	assert.Equal(t, "idle", p.Status)
	assert.NotNil(t, p.Activities)
}

func TestShardInfo_JSON(t *testing.T) {
	data, err := json.Marshal(gateway.NewShardInfo(3, 8))
	require.NoError(t, err)
	assert.JSONEq(t, `[3,8]`, string(data))

	var got gateway.ShardInfo
	require.NoError(t, json.Unmarshal([]byte(`[5,16]`), &got))
	assert.Equal(t, gateway.NewShardInfo(5, 16), got)
	assert.Equal(t, "5/16", got.String())

	require.Error(t, json.Unmarshal([]byte(`{"id":1}`), &got))
}

func TestParseIntents(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    gateway.Intents
		wantErr bool
	}{
		{name: "empty", in: nil, want: 0},
		{name: "single", in: []string{"guilds"}, want: gateway.IntentGuilds},
		{
			name: "mixed case and spaces",
			in:   []string{" Guild_Messages", "MESSAGE_CONTENT"},
			want: gateway.IntentGuildMessages | gateway.IntentMessageContent,
		},
		{name: "unknown", in: []string{"guilds", "nope"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := gateway.ParseIntents(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, gateway.ErrUnknownIntent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConnectionStage_String(t *testing.T) {
	assert.Equal(t, "disconnected", gateway.StageDisconnected.String())
	assert.Equal(t, "connected", gateway.StageConnected.String())
	assert.Equal(t, "stage(42)", gateway.ConnectionStage(42).String())
	assert.True(t, gateway.StageResuming.IsConnecting())
	assert.False(t, gateway.StageConnected.IsConnecting())
}

func TestCloseError_Resumable(t *testing.T) {
	assert.True(t, (&gateway.CloseError{Code: 4000}).Resumable())
	assert.False(t, (&gateway.CloseError{Code: 4004}).Resumable())
	assert.False(t, (&gateway.CloseError{Code: 4014}).Resumable())
}
