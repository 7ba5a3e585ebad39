package fleet

import "github.com/rickgao/shardfleet/internal/gateway"

// backlog is the FIFO of shards waiting for a (re)start attempt.
//
// It has no capacity bound and no deduplication: a shard pushed twice is
// attempted twice. Only the queuer goroutine touches it.
type backlog struct {
	items []gateway.ShardInfo
}

func newBacklog() *backlog {
	return &backlog{items: make([]gateway.ShardInfo, 0, 16)}
}

// PushBack appends info at the back of the line.
func (b *backlog) PushBack(info gateway.ShardInfo) {
	b.items = append(b.items, info)
}

// PopFront removes and returns the oldest entry.
func (b *backlog) PopFront() (gateway.ShardInfo, bool) {
	if len(b.items) == 0 {
		return gateway.ShardInfo{}, false
	}

	info := b.items[0]

	// Reset when drained so the backing array does not grow forever
	if len(b.items) == 1 {
		b.items = b.items[:0]
	} else {
		b.items = b.items[1:]
	}

	return info, true
}

// Len returns the number of waiting entries.
func (b *backlog) Len() int {
	return len(b.items)
}

// Snapshot returns a copy of the waiting entries in order.
func (b *backlog) Snapshot() []gateway.ShardInfo {
	return append([]gateway.ShardInfo(nil), b.items...)
}
