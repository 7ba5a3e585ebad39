// Package gatewaytest provides an in-process gateway for tests.
package gatewaytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/rickgao/shardfleet/internal/gateway"
)

// Options controls how the fake gateway behaves.
type Options struct {
	HeartbeatInterval int64  // HELLO interval in milliseconds (default 45000)
	ApplicationID     string // application.id sent with READY (default "4242")
	RejectFirst       int    // number of connection attempts answered with 503
	ReconnectOnReady  bool   // send op 7 right after the first READY
	InvalidateOnReady bool   // send a non-resumable op 9 right after READY
	NoHeartbeatAck    bool   // never acknowledge heartbeats
}

// Server is a fake gateway speaking enough of the protocol for a shard to
// identify, heartbeat and resume.
type Server struct {
	*httptest.Server

	opts     Options
	upgrader websocket.Upgrader

	attempts    atomic.Int64
	connections atomic.Int64
	sessions    atomic.Int64
	reconnected atomic.Bool

	mu         sync.Mutex
	identifies []gateway.Identify
	resumes    []gateway.Resume
	presences  []gateway.Presence
	heartbeats int
}

// NewServer starts a fake gateway.
func NewServer(opts Options) *Server {
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 45000
	}
	if opts.ApplicationID == "" {
		opts.ApplicationID = "4242"
	}

	s := &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the websocket URL of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

// Attempts returns the number of HTTP connection attempts, rejected ones included.
func (s *Server) Attempts() int {
	return int(s.attempts.Load())
}

// Connections returns the number of upgraded websocket connections.
func (s *Server) Connections() int {
	return int(s.connections.Load())
}

// Identifies returns a copy of every IDENTIFY payload received.
func (s *Server) Identifies() []gateway.Identify {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gateway.Identify(nil), s.identifies...)
}

// Resumes returns a copy of every RESUME payload received.
func (s *Server) Resumes() []gateway.Resume {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gateway.Resume(nil), s.resumes...)
}

// Presences returns a copy of every presence update received.
func (s *Server) Presences() []gateway.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gateway.Presence(nil), s.presences...)
}

// Heartbeats returns the number of heartbeats received.
func (s *Server) Heartbeats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	n := s.attempts.Add(1)
	if int(n) <= s.opts.RejectFirst {
		http.Error(w, "gateway unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.connections.Add(1)

	var writeMu sync.Mutex
	write := func(f gateway.Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(f)
	}

	hello, _ := json.Marshal(gateway.Hello{HeartbeatInterval: s.opts.HeartbeatInterval})
	if err := write(gateway.Frame{Op: gateway.OpHello, D: hello}); err != nil {
		return
	}

	var seq int64
	for {
		var f gateway.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}

		switch f.Op {
		case gateway.OpHeartbeat:
			s.mu.Lock()
			s.heartbeats++
			s.mu.Unlock()
			if !s.opts.NoHeartbeatAck {
				write(gateway.Frame{Op: gateway.OpHeartbeatAck})
			}

		case gateway.OpIdentify:
			var id gateway.Identify
			json.Unmarshal(f.D, &id)
			s.mu.Lock()
			s.identifies = append(s.identifies, id)
			s.mu.Unlock()

			session := s.sessions.Add(1)
			ready, _ := json.Marshal(gateway.Ready{
				Version:          10,
				SessionID:        fmt.Sprintf("session-%d", session),
				ResumeGatewayURL: s.URL(),
				Shard:            &id.Shard,
				Application:      gateway.ReadyApplication{ID: s.opts.ApplicationID},
			})
			seq++
			sv := seq
			write(gateway.Frame{Op: gateway.OpDispatch, T: "READY", S: &sv, D: ready})

			if s.opts.InvalidateOnReady {
				write(gateway.Frame{Op: gateway.OpInvalidSession, D: json.RawMessage("false")})
			} else if s.opts.ReconnectOnReady && s.reconnected.CompareAndSwap(false, true) {
				write(gateway.Frame{Op: gateway.OpReconnect})
			}

		case gateway.OpResume:
			var res gateway.Resume
			json.Unmarshal(f.D, &res)
			s.mu.Lock()
			s.resumes = append(s.resumes, res)
			s.mu.Unlock()

			seq = res.Seq + 1
			sv := seq
			write(gateway.Frame{Op: gateway.OpDispatch, T: "RESUMED", S: &sv, D: json.RawMessage("{}")})

		case gateway.OpPresenceUpdate:
			var p gateway.Presence
			json.Unmarshal(f.D, &p)
			s.mu.Lock()
			s.presences = append(s.presences, p)
			s.mu.Unlock()
		}
	}
}
