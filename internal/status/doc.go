// Package status reports fleet state.
//
// Recorder writes periodic registry snapshots to the shard_status table.
// NewHandler serves /health, /shards and POST /shards/{id}/restart.
package status
