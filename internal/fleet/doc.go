// Package fleet queues, starts and supervises gateway shards.
//
// # Overview
//
// The gateway only accepts one IDENTIFY every few seconds per application.
// A fleet therefore never connects shards directly: every start goes through
// a single Queuer goroutine that owns a boot gate and a FIFO backlog.
//
//	Manager.Boot ──► commands ──► Queuer ──► bootGate.wait ──► Supervisor.Start
//	                                 ▲                               │
//	                                 └──── backlog (on failure) ◄────┘
//
// # Queuer
//
// The queuer consumes QueuerMessage values:
//   - QueuerStart: wait for the gate, try to start, re-queue on failure
//   - QueuerShutdown, a closed channel or a cancelled context: stop
//   - no message within the boot spacing: retry the oldest backlog entry
//
// Every attempt, successful or not, counts toward the gate. Start failures
// are logged and never stop the loop.
//
// # Supervisor and runners
//
// Supervisor.Start dials a gateway.Shard, records a RunnerInfo in the
// Registry and launches a detached runner goroutine. The runner identifies,
// heartbeats, resumes after transient failures and dispatches events to the
// AppContext handlers. A runner that gives up marks its record as exited;
// it is not restarted automatically. Use Manager.Restart for that.
//
// # Registry
//
// The Registry holds at most one record per shard id behind a single mutex.
// Records carry a RunID so a stale runner cannot overwrite the record of
// its replacement.
package fleet
