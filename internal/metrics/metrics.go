// Package metrics provides a lightweight in-process metrics registry.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a
// single sync.Map can hold all label combinations without additional map
// nesting: Published / Leased / DLQRouted key on "namespace\tqueue".
// Acked / Nacked are broker-wide totals kept under the empty key "", since an
// ack or nack carries only a lease ID, not the queue it belongs to.
//
// There is no HTTP text-exposition surface here: counters are read directly
// by the mailbox's "metrics"/"status" command handlers and returned as JSON
// in the response envelope, since this broker has no listener to expose a
// scrape endpoint on.
package metrics

import (
	"strings"
	"sync"
	"sync/atomic"
)

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map
// and atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string -> *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Value returns the current count for key.
func (lc *labelCounter) Value(key string) int64 { return lc.get(key).Load() }

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// Registry holds every broker-wide counter.
type Registry struct {
	Published labelCounter
	Leased    labelCounter
	Acked     labelCounter
	Nacked    labelCounter
	DLQRouted labelCounter
}

// Snapshot is a point-in-time, JSON-friendly view of one queue's counters.
type Snapshot struct {
	Published int64 `json:"published"`
	Leased    int64 `json:"leased"`
	Acked     int64 `json:"acked"`
	Nacked    int64 `json:"nacked"`
	DLQRouted int64 `json:"dlq_routed"`
}

// SnapshotFor reads the per-queue counters for a single queue. Its Acked and
// Nacked fields are the broker-wide totals, not counts for this queue alone.
func (r *Registry) SnapshotFor(namespace, queue string) Snapshot {
	k := QueueKey(namespace, queue)
	return Snapshot{
		Published: r.Published.Value(k),
		Leased:    r.Leased.Value(k),
		Acked:     r.Acked.Value(""),
		Nacked:    r.Nacked.Value(""),
		DLQRouted: r.DLQRouted.Value(k),
	}
}

// QueueKey builds the label key used by Published/Leased/DLQRouted.
func QueueKey(namespace, queue string) string {
	return namespace + "\t" + queue
}

// SplitQueueKey reverses QueueKey.
func SplitQueueKey(key string) (namespace, queue string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}
