package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// socket is one websocket incarnation of a shard. A resume replaces it.
type socket struct {
	conn *websocket.Conn
	done chan struct{}
}

// Shard is a single gateway connection for one shard identity.
//
// A Shard is safe for concurrent use. Frames read from the socket are
// delivered on Frames(); socket failures on Errors(). Both channels survive
// Reconnect so a driver can keep selecting on them.
type Shard struct {
	cfg    ShardConfig
	logger *slog.Logger

	// Output channels
	frames chan TimestampedFrame
	errors chan error

	// Write serialization
	writeMu sync.Mutex

	// State
	mu                sync.RWMutex
	sock              *socket
	stage             ConnectionStage
	closed            bool
	sessionID         string
	resumeURL         string
	seq               int64
	heartbeatInterval time.Duration
	lastHeartbeatSent time.Time
	lastAck           time.Time
	awaitingAck       bool
	latency           time.Duration

	appIDOnce sync.Once
	onAppID   func(uint64)
}

// Connect dials the gateway and waits for HELLO.
//
// IDENTIFY is not sent; the caller decides between Identify and Resume.
func Connect(ctx context.Context, cfg ShardConfig, logger *slog.Logger) (*Shard, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultShardConfig().HandshakeTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultShardConfig().WriteTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultShardConfig().BufferSize
	}

	s := &Shard{
		cfg:    cfg,
		logger: logger,
		frames: make(chan TimestampedFrame, cfg.BufferSize),
		errors: make(chan error, 1),
	}

	if err := s.dial(ctx, cfg.URL); err != nil {
		return nil, err
	}
	return s, nil
}

// dial opens a socket, reads HELLO and starts the read loop.
func (s *Shard) dial(ctx context.Context, url string) error {
	s.setStage(StageConnecting)

	header := http.Header{}
	header.Set("Accept", "application/json")

	dialer := websocket.Dialer{
		HandshakeTimeout: s.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		s.setStage(StageDisconnected)
		return fmt.Errorf("dial gateway: %w", err)
	}

	s.setStage(StageHandshake)

	conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	var first Frame
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		s.setStage(StageDisconnected)
		return fmt.Errorf("read hello: %w", err)
	}
	if first.Op != OpHello {
		conn.Close()
		s.setStage(StageDisconnected)
		return fmt.Errorf("%w: got op %d", ErrNoHello, first.Op)
	}
	var hello Hello
	if err := json.Unmarshal(first.D, &hello); err != nil || hello.HeartbeatInterval <= 0 {
		conn.Close()
		s.setStage(StageDisconnected)
		return fmt.Errorf("%w: bad heartbeat interval", ErrNoHello)
	}
	conn.SetReadDeadline(time.Time{})

	sock := &socket{conn: conn, done: make(chan struct{})}

	s.mu.Lock()
	s.sock = sock
	s.heartbeatInterval = time.Duration(hello.HeartbeatInterval) * time.Millisecond
	s.awaitingAck = false
	s.lastAck = time.Now()
	s.mu.Unlock()

	go s.readLoop(sock)

	s.logger.Debug("gateway connected",
		"url", url,
		"heartbeat_interval", s.HeartbeatInterval(),
	)

	return nil
}

// Identify starts a new session.
func (s *Shard) Identify() error {
	s.setStage(StageIdentifying)
	return s.send(OpIdentify, Identify{
		Token: s.cfg.Token,
		Properties: IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "shardfleet",
			Device:  "shardfleet",
		},
		Shard:          s.cfg.Info,
		Intents:        s.cfg.Intents,
		Presence:       s.cfg.Presence,
		LargeThreshold: 250,
	})
}

// Resume continues the current session on a fresh socket.
func (s *Shard) Resume() error {
	s.mu.RLock()
	sessionID, seq := s.sessionID, s.seq
	s.mu.RUnlock()

	if sessionID == "" {
		return ErrSessionNotResume
	}

	s.setStage(StageResuming)
	return s.send(OpResume, Resume{
		Token:     s.cfg.Token,
		SessionID: sessionID,
		Seq:       seq,
	})
}

// Heartbeat sends op 1 with the last sequence number.
// It fails with ErrHeartbeatMissed when the previous heartbeat was never acknowledged.
func (s *Shard) Heartbeat() error {
	s.mu.Lock()
	if s.awaitingAck {
		s.mu.Unlock()
		return ErrHeartbeatMissed
	}
	var seq *int64
	if s.seq > 0 {
		v := s.seq
		seq = &v
	}
	s.awaitingAck = true
	s.lastHeartbeatSent = time.Now()
	s.mu.Unlock()

	return s.send(OpHeartbeat, seq)
}

// UpdatePresence sends a presence update.
func (s *Shard) UpdatePresence(p Presence) error {
	if p.Activities == nil {
		p.Activities = []Activity{}
	}
	return s.send(OpPresenceUpdate, p)
}

// SendRaw sends an arbitrary payload with the given opcode.
func (s *Shard) SendRaw(op Opcode, payload any) error {
	return s.send(op, payload)
}

// Handle applies a received frame to the shard state and reports what the
// driver should do next. Dispatches are returned as events.
func (s *Shard) Handle(tf TimestampedFrame) (Action, *Event, error) {
	f := tf.Frame

	if f.S != nil {
		s.mu.Lock()
		if *f.S > s.seq {
			s.seq = *f.S
		}
		s.mu.Unlock()
	}

	switch f.Op {
	case OpDispatch:
		ev := &Event{Name: f.T, Data: f.D, ReceivedAt: tf.ReceivedAt}
		if f.S != nil {
			ev.Seq = *f.S
		}
		switch f.T {
		case "READY":
			if err := s.handleReady(f.D); err != nil {
				return ActionNone, nil, err
			}
		case "RESUMED":
			s.setStage(StageConnected)
			s.logger.Info("session resumed")
		}
		return ActionDispatch, ev, nil

	case OpHeartbeat:
		return ActionHeartbeat, nil, nil

	case OpHeartbeatAck:
		s.mu.Lock()
		s.awaitingAck = false
		s.lastAck = tf.ReceivedAt
		if !s.lastHeartbeatSent.IsZero() {
			s.latency = tf.ReceivedAt.Sub(s.lastHeartbeatSent)
		}
		s.mu.Unlock()
		return ActionNone, nil, nil

	case OpReconnect:
		s.logger.Info("gateway requested reconnect")
		return ActionReconnect, nil, nil

	case OpInvalidSession:
		var resumable bool
		json.Unmarshal(f.D, &resumable)
		if resumable {
			return ActionReconnect, nil, nil
		}
		s.mu.Lock()
		s.sessionID = ""
		s.seq = 0
		s.mu.Unlock()
		return ActionSessionEnded, nil, nil

	case OpHello:
		var hello Hello
		if err := json.Unmarshal(f.D, &hello); err == nil && hello.HeartbeatInterval > 0 {
			s.mu.Lock()
			s.heartbeatInterval = time.Duration(hello.HeartbeatInterval) * time.Millisecond
			s.mu.Unlock()
		}
		return ActionNone, nil, nil
	}

	s.logger.Debug("unhandled gateway opcode", "op", f.Op)
	return ActionNone, nil, nil
}

// handleReady records the session and fires the application id callback.
func (s *Shard) handleReady(data json.RawMessage) error {
	var ready Ready
	if err := json.Unmarshal(data, &ready); err != nil {
		return fmt.Errorf("decode ready: %w", err)
	}

	s.mu.Lock()
	s.sessionID = ready.SessionID
	s.resumeURL = ready.ResumeGatewayURL
	s.stage = StageConnected
	cb := s.onAppID
	s.mu.Unlock()

	s.logger.Info("session ready", "session_id", ready.SessionID)

	if ready.Application.ID == "" || cb == nil {
		return nil
	}
	appID, err := strconv.ParseUint(ready.Application.ID, 10, 64)
	if err != nil {
		s.logger.Warn("invalid application id in ready", "id", ready.Application.ID)
		return nil
	}
	s.appIDOnce.Do(func() { cb(appID) })
	return nil
}

// OnApplicationID registers fn to be called once with the application id
// discovered during the first READY.
func (s *Shard) OnApplicationID(fn func(uint64)) {
	s.mu.Lock()
	s.onAppID = fn
	s.mu.Unlock()
}

// Reconnect drops the current socket and dials again, preferring the resume
// URL handed out with READY. The session is kept; call Resume afterwards.
func (s *Shard) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrAlreadyClosed
	}
	old := s.sock
	s.sock = nil
	url := s.resumeURL
	s.mu.Unlock()

	if url == "" {
		url = s.cfg.URL
	}

	if old != nil {
		close(old.done)
		old.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(4000, "reconnecting"),
			time.Now().Add(time.Second),
		)
		old.conn.Close()
	}

	// Drop any error reported by the old socket.
	select {
	case <-s.errors:
	default:
	}

	return s.dial(ctx, url)
}

// Close sends a close frame with code and closes the socket.
func (s *Shard) Close(code int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stage = StageDisconnected
	sock := s.sock
	s.sock = nil
	s.mu.Unlock()

	if sock == nil {
		return nil
	}

	close(sock.done)
	sock.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(time.Second),
	)
	return sock.conn.Close()
}

// Frames returns the inbound frame channel.
func (s *Shard) Frames() <-chan TimestampedFrame {
	return s.frames
}

// Errors returns the socket error channel.
func (s *Shard) Errors() <-chan error {
	return s.errors
}

// Info returns the shard identity.
func (s *Shard) Info() ShardInfo {
	return s.cfg.Info
}

// Stage returns the current connection stage.
func (s *Shard) Stage() ConnectionStage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stage
}

// Latency returns the last measured heartbeat round trip, zero if none yet.
func (s *Shard) Latency() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latency
}

// SessionID returns the current session id, empty before READY.
func (s *Shard) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Seq returns the last received sequence number.
func (s *Shard) Seq() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// HeartbeatInterval returns the interval requested by HELLO.
func (s *Shard) HeartbeatInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.heartbeatInterval
}

// IsClosed reports whether Close was called.
func (s *Shard) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Shard) setStage(stage ConnectionStage) {
	s.mu.Lock()
	s.stage = stage
	s.mu.Unlock()
}

// send writes a frame to the current socket.
func (s *Shard) send(op Opcode, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode op %d: %w", op, err)
	}

	s.mu.RLock()
	sock := s.sock
	s.mu.RUnlock()
	if sock == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sock.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return sock.conn.WriteJSON(Frame{Op: op, D: data})
}

// fail reports a read error from sock. Errors from a socket that Reconnect
// or Close already retired are dropped; the check and the send happen under
// s.mu so they cannot interleave with the retirement.
func (s *Shard) fail(sock *socket, err error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		err = &CloseError{Code: ce.Code, Reason: ce.Text}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sock != sock {
		return
	}
	s.stage = StageDisconnected
	select {
	case s.errors <- err:
	default:
	}
}

// readLoop decodes frames from one socket until it fails or is replaced.
func (s *Shard) readLoop(sock *socket) {
	for {
		_, data, err := sock.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			s.fail(sock, err)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("undecodable gateway frame", "error", err)
			continue
		}

		select {
		case s.frames <- TimestampedFrame{Frame: f, ReceivedAt: receivedAt}:
		case <-sock.done:
			return
		}
	}
}
