package fleet

import "errors"

// Errors
var (
	ErrRunnerGone      = errors.New("runner has exited")
	ErrSessionEnded    = errors.New("gateway session ended")
	ErrReconnectFailed = errors.New("reconnect attempts exhausted")
	ErrQueuerStopped   = errors.New("queuer stopped")
	ErrAlreadyStarted  = errors.New("manager already started")
	ErrNotStarted      = errors.New("manager not started")
	ErrUnknownShard    = errors.New("unknown shard")
	ErrShardRunning    = errors.New("shard already running or queued")
)
