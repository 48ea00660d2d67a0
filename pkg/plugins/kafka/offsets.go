package kafka

import (
	"context"
	"sync"
)

// offsetTracker turns out-of-order acknowledgements into safe commits.
// kafka-go commits a high-water mark per partition, so an offset is only
// committed once it and every offset fetched before it on the same partition
// have been acked. A nacked offset is never committed, which holds the
// partition's committed position there until the group is rejoined.
type offsetTracker struct {
	mu    sync.Mutex
	parts map[int]*partitionOffsets
}

type partitionOffsets struct {
	inflight  []int64 // fetch order, ascending
	acked     map[int64]bool
	nacked    bool
	committed int64
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: make(map[int]*partitionOffsets)}
}

func (t *offsetTracker) partition(p int) *partitionOffsets {
	po, ok := t.parts[p]
	if !ok {
		po = &partitionOffsets{acked: make(map[int64]bool), committed: -1}
		t.parts[p] = po
	}
	return po
}

// track registers a fetched offset. Offsets arrive in ascending order per
// partition; an offset at or below the last tracked one means the partition
// was rewound after a rebalance, so its pending state is dropped.
func (t *offsetTracker) track(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	po := t.partition(partition)
	if n := len(po.inflight); n > 0 && offset <= po.inflight[n-1] {
		po.inflight = po.inflight[:0]
		clear(po.acked)
		po.nacked = false
	}
	po.inflight = append(po.inflight, offset)
}

// ack marks offset done and calls commit with the highest offset that is now
// safe to commit, if it advanced. commit runs under the tracker lock so
// commits for a partition never go backwards.
func (t *offsetTracker) ack(ctx context.Context, partition int, offset int64, commit func(context.Context, int64) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	po := t.partition(partition)
	po.acked[offset] = true

	safe := int64(-1)
	for len(po.inflight) > 0 && po.acked[po.inflight[0]] {
		safe = po.inflight[0]
		delete(po.acked, safe)
		po.inflight = po.inflight[1:]
	}
	if safe <= po.committed {
		return nil
	}
	if err := commit(ctx, safe); err != nil {
		return err
	}
	po.committed = safe
	return nil
}

// nack leaves the tracked offset in flight so nothing at or after it is committed.
func (t *offsetTracker) nack(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	po := t.partition(partition)
	po.nacked = true
	delete(po.acked, offset)
}

// blocked reports whether a nack is holding partition's commits.
func (t *offsetTracker) blocked(partition int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	po, ok := t.parts[partition]
	return ok && po.nacked
}

// committed returns the last committed offset of partition, or -1.
func (t *offsetTracker) committed(partition int) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if po, ok := t.parts[partition]; ok {
		return po.committed
	}
	return -1
}
