package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyClosed    = errors.New("already closed")
	ErrNoHello          = errors.New("expected hello as first frame")
	ErrHeartbeatMissed  = errors.New("heartbeat not acknowledged")
	ErrSessionNotResume = errors.New("no session to resume")
	ErrUnknownIntent    = errors.New("unknown intent")
)

// ShardInfo identifies a shard and the fleet size it was booted with.
//
// Total travels with the shard through retries so a restart uses the
// configuration it was first given.
type ShardInfo struct {
	ID    uint32
	Total uint32
}

// NewShardInfo returns the identity of shard id out of total.
func NewShardInfo(id, total uint32) ShardInfo {
	return ShardInfo{ID: id, Total: total}
}

func (s ShardInfo) String() string {
	return fmt.Sprintf("%d/%d", s.ID, s.Total)
}

// MarshalJSON encodes the identity as the two-element array the gateway expects.
func (s ShardInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]uint32{s.ID, s.Total})
}

// UnmarshalJSON decodes a [id, total] array.
func (s *ShardInfo) UnmarshalJSON(data []byte) error {
	var pair [2]uint32
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("decode shard info: %w", err)
	}
	s.ID, s.Total = pair[0], pair[1]
	return nil
}

// ConnectionStage is the observable lifecycle position of a shard.
type ConnectionStage int

const (
	StageDisconnected ConnectionStage = iota
	StageConnecting
	StageHandshake
	StageIdentifying
	StageResuming
	StageConnected
)

func (s ConnectionStage) String() string {
	switch s {
	case StageDisconnected:
		return "disconnected"
	case StageConnecting:
		return "connecting"
	case StageHandshake:
		return "handshake"
	case StageIdentifying:
		return "identifying"
	case StageResuming:
		return "resuming"
	case StageConnected:
		return "connected"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// IsConnecting reports whether the shard is between dial and READY/RESUMED.
func (s ConnectionStage) IsConnecting() bool {
	switch s {
	case StageConnecting, StageHandshake, StageIdentifying, StageResuming:
		return true
	}
	return false
}

// Intents is the capability bitfield sent with IDENTIFY.
type Intents uint64

const (
	IntentGuilds Intents = 1 << iota
	IntentGuildMembers
	IntentGuildModeration
	IntentGuildEmojis
	IntentGuildIntegrations
	IntentGuildWebhooks
	IntentGuildInvites
	IntentGuildVoiceStates
	IntentGuildPresences
	IntentGuildMessages
	IntentGuildMessageReactions
	IntentGuildMessageTyping
	IntentDirectMessages
	IntentDirectMessageReactions
	IntentDirectMessageTyping
	IntentMessageContent
)

var intentNames = map[string]Intents{
	"guilds":                   IntentGuilds,
	"guild_members":            IntentGuildMembers,
	"guild_moderation":         IntentGuildModeration,
	"guild_emojis":             IntentGuildEmojis,
	"guild_integrations":       IntentGuildIntegrations,
	"guild_webhooks":           IntentGuildWebhooks,
	"guild_invites":            IntentGuildInvites,
	"guild_voice_states":       IntentGuildVoiceStates,
	"guild_presences":          IntentGuildPresences,
	"guild_messages":           IntentGuildMessages,
	"guild_message_reactions":  IntentGuildMessageReactions,
	"guild_message_typing":     IntentGuildMessageTyping,
	"direct_messages":          IntentDirectMessages,
	"direct_message_reactions": IntentDirectMessageReactions,
	"direct_message_typing":    IntentDirectMessageTyping,
	"message_content":          IntentMessageContent,
}

// ParseIntents combines intent names (case-insensitive) into a bitfield.
func ParseIntents(names []string) (Intents, error) {
	var out Intents
	for _, name := range names {
		bit, ok := intentNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnknownIntent, name)
		}
		out |= bit
	}
	return out, nil
}

// Has reports whether all bits of other are set.
func (i Intents) Has(other Intents) bool {
	return i&other == other
}

// Activity is a single presence activity.
type Activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	URL  string `json:"url,omitempty"`
}

// Presence is the status a shard announces on IDENTIFY or later updates.
type Presence struct {
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     string     `json:"status"`
	AFK        bool       `json:"afk"`
}

// Opcode is a gateway frame opcode.
type Opcode int

const (
	OpDispatch       Opcode = 0
	OpHeartbeat      Opcode = 1
	OpIdentify       Opcode = 2
	OpPresenceUpdate Opcode = 3
	OpResume         Opcode = 6
	OpReconnect      Opcode = 7
	OpInvalidSession Opcode = 9
	OpHello          Opcode = 10
	OpHeartbeatAck   Opcode = 11
)

// Frame is one gateway payload.
type Frame struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// TimestampedFrame wraps a decoded frame with its local receive time.
type TimestampedFrame struct {
	Frame      Frame
	ReceivedAt time.Time
}

// Hello is the payload of op 10.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // milliseconds
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Identify is the payload of op 2.
type Identify struct {
	Token          string             `json:"token"`
	Properties     IdentifyProperties `json:"properties"`
	Shard          ShardInfo          `json:"shard"`
	Intents        Intents            `json:"intents"`
	Presence       *Presence          `json:"presence,omitempty"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
}

// Resume is the payload of op 6.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// ReadyApplication is the partial application object carried by READY.
type ReadyApplication struct {
	ID string `json:"id"`
}

// Ready is the payload of the READY dispatch.
type Ready struct {
	Version          int              `json:"v"`
	SessionID        string           `json:"session_id"`
	ResumeGatewayURL string           `json:"resume_gateway_url"`
	Shard            *ShardInfo       `json:"shard,omitempty"`
	Application      ReadyApplication `json:"application"`
}

// Event is a decoded dispatch delivered to handlers.
type Event struct {
	Name       string
	Seq        int64
	Data       json.RawMessage
	ReceivedAt time.Time
}

// Action tells the driver of a shard what to do after a frame was handled.
type Action int

const (
	ActionNone Action = iota
	ActionDispatch
	ActionHeartbeat
	ActionReconnect
	ActionSessionEnded
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionDispatch:
		return "dispatch"
	case ActionHeartbeat:
		return "heartbeat"
	case ActionReconnect:
		return "reconnect"
	case ActionSessionEnded:
		return "session_ended"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// CloseError is reported when the gateway closes the socket.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("gateway closed connection %d: %s", e.Code, e.Reason)
}

// Resumable reports whether the session may be resumed after this close.
// Authentication, sharding and intent errors end the session for good.
func (e *CloseError) Resumable() bool {
	switch e.Code {
	case 4004, 4010, 4011, 4012, 4013, 4014:
		return false
	}
	return true
}

// ShardConfig configures a single gateway connection.
type ShardConfig struct {
	URL              string        // Gateway websocket URL (wss://...)
	Token            string        // Bot token sent with IDENTIFY/RESUME
	Info             ShardInfo     // Shard identity
	Intents          Intents       // Capability flags
	Presence         *Presence     // Initial presence (nil = server default)
	HandshakeTimeout time.Duration // Dial + HELLO deadline
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Frame channel buffer size
}

// DefaultShardConfig returns sensible defaults.
func DefaultShardConfig() ShardConfig {
	return ShardConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}
