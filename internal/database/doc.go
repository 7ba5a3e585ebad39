// Package database opens the PostgreSQL pool used for shard status history.
//
// The database is optional. Without it the fleet still runs and serves
// status over HTTP only.
package database
