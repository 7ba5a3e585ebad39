// Package gateway implements a single shard's connection to the event gateway.
//
// A Shard owns one websocket at a time:
//   - Connect dials and waits for HELLO
//   - Identify starts a session, Resume continues one after Reconnect
//   - Handle applies inbound frames (READY, heartbeat ACKs, RECONNECT,
//     INVALID_SESSION) and returns the next Action for the driver
//
// The shard does not run its own heartbeat timer; the driver (fleet runner)
// calls Heartbeat on the interval from HeartbeatInterval.
package gateway
