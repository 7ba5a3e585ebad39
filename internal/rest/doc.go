// Package rest provides the HTTP client shared by every shard.
//
// Besides plain requests it carries the application id discovered by the
// first shard to receive READY, so later REST calls can address
// application-scoped routes.
package rest
