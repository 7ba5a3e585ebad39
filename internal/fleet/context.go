package fleet

import (
	"context"
	"sync"

	"github.com/rickgao/shardfleet/internal/gateway"
	"github.com/rickgao/shardfleet/internal/rest"
)

// EventHandler receives decoded dispatch events.
type EventHandler interface {
	HandleEvent(ctx context.Context, shard gateway.ShardInfo, ev gateway.Event)
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(context.Context, gateway.ShardInfo, gateway.Event)

func (f EventHandlerFunc) HandleEvent(ctx context.Context, shard gateway.ShardInfo, ev gateway.Event) {
	f(ctx, shard, ev)
}

// RawEventHandler receives every frame before it is interpreted.
type RawEventHandler interface {
	HandleFrame(ctx context.Context, shard gateway.ShardInfo, f gateway.Frame)
}

// RawEventHandlerFunc is a function adapter for RawEventHandler.
type RawEventHandlerFunc func(context.Context, gateway.ShardInfo, gateway.Frame)

func (f RawEventHandlerFunc) HandleFrame(ctx context.Context, shard gateway.ShardInfo, fr gateway.Frame) {
	f(ctx, shard, fr)
}

// Framework is an optional command framework fed with every dispatch.
type Framework interface {
	Dispatch(ctx context.Context, shard gateway.ShardInfo, ev gateway.Event)
}

// Cache is an optional cache updated before handlers run.
type Cache interface {
	Update(ev gateway.Event)
}

// Data is a keyed store shared by all handlers.
type Data struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewData creates an empty store.
func NewData() *Data {
	return &Data{values: make(map[string]any)}
}

// Get returns the value stored under key.
func (d *Data) Get(key string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.values[key]
	return v, ok
}

// Set stores v under key.
func (d *Data) Set(key string, v any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[key] = v
}

// Delete removes key.
func (d *Data) Delete(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.values, key)
}

// AppContext is handed unchanged to every runner. The queuer never looks
// inside it.
type AppContext struct {
	Data        *Data
	Handlers    []EventHandler
	RawHandlers []RawEventHandler
	Framework   Framework    // optional
	Cache       Cache        // optional
	HTTP        *rest.Client // optional; receives the application id
}
