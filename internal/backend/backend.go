// Package backend declares the durable store contract that the queue
// manager drives. Three implementations exist — sqlbackend, fsbackend, and
// hybridbackend — dispatched at runtime as plain interface values; there is
// no shared base type between them.
package backend

import (
	"context"

	"github.com/coreway/epochbroker/internal/policy"
	"github.com/coreway/epochbroker/internal/types"
)

// QueueMetrics holds the point-in-time counts of a queue's message states.
type QueueMetrics struct {
	Ready    int64 `json:"ready"`
	Inflight int64 `json:"inflight"`
	Delayed  int64 `json:"delayed"`
	Dlq      int64 `json:"dlq"`
}

// Backend is the capability set every durable store implementation exposes.
// Every operation is atomic and durable on return: a caller that receives a
// nil error may assume the effect has survived a crash.
type Backend interface {
	// Open initializes the store and applies any one-time schema.
	Open(ctx context.Context) error
	// Close flushes and releases resources. Safe to call once.
	Close() error

	// Enqueue inserts env with State Ready (or Delayed, if AvailableAtMs is
	// in the future). Returns a *apperr.Error with KindConflict if Key
	// already exists in the same (Namespace, Queue).
	Enqueue(ctx context.Context, env *types.Envelope) error

	// LeaseNext atomically selects the eligible envelope with minimum
	// (Priority, AvailableAtMs, CreatedAtMs, Key) in the given queue,
	// transitions it to Inflight, increments Attempt, and creates a lease.
	// A nil envelope with a nil error means nothing was eligible.
	LeaseNext(ctx context.Context, namespace, queue, consumerID string, visibilityTimeoutSec int) (*types.Envelope, *types.Lease, error)

	// Ack transitions the leased envelope Inflight -> Archived/deleted.
	Ack(ctx context.Context, leaseID string) error

	// Nack resolves an Inflight envelope, looking up the owning queue's
	// policy via policyFor since the caller only knows the lease ID. When
	// requeue is true, the policy is used to compute the next
	// AvailableAtMs (Delayed -> Ready later), or the envelope is routed to
	// DLQ if the envelope's attempt count has reached the policy's retry
	// limit (the next delivery would exceed it). When
	// requeue is false, the envelope is routed to DLQ unconditionally if
	// DLQ is enabled for that queue, else deleted.
	Nack(ctx context.Context, leaseID, reason string, requeue bool, policyFor func(namespace, queue string) policy.Policy) error

	// ExtendLease pushes LeaseUntilMs forward and returns the new value.
	ExtendLease(ctx context.Context, leaseID string, visibilityTimeoutSec int) (int64, error)

	// SweepExpiredLeases reclaims every Inflight envelope whose lease
	// expired at or before nowMs, applying pol for each one's queue via
	// policyFor, treating each as a nack-with-requeue. Returns the count
	// reclaimed.
	SweepExpiredLeases(ctx context.Context, nowMs int64, policyFor func(namespace, queue string) policy.Policy) (int, error)

	// LoadPolicy returns the persisted policy for a queue, if any.
	LoadPolicy(ctx context.Context, namespace, queue string) (policy.Policy, bool, error)
	// SavePolicy persists pol for a queue.
	SavePolicy(ctx context.Context, namespace, queue string, pol policy.Policy) error

	// Metrics returns the point-in-time state counts for a queue.
	Metrics(ctx context.Context, namespace, queue string) (QueueMetrics, error)

	// QueueDepth returns the count of envelopes not yet delivered (Ready or
	// Delayed) at the given priority within a queue, for backpressure checks.
	QueueDepth(ctx context.Context, namespace, queue string, priority int32) (int64, error)

	// ListDLQ returns up to max envelopes currently in queue's DLQ, ordered
	// oldest first.
	ListDLQ(ctx context.Context, namespace, queue string, max int) ([]*types.Envelope, error)

	// ReprocessDLQ moves up to upTo envelopes from queue's DLQ back into
	// queue as fresh Ready envelopes with Attempt reset to 0. Returns the
	// count reprocessed.
	ReprocessDLQ(ctx context.Context, namespace, queue string, upTo int) (int, error)
}
