package sqlbackend_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coreway/epochbroker/internal/backend/sqlbackend"
	"github.com/coreway/epochbroker/internal/policy"
	"github.com/coreway/epochbroker/internal/types"
)

func openBackend(t *testing.T) *sqlbackend.Backend {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "broker.db")
	b := sqlbackend.New(sqlbackend.Config{DBPath: dbPath})
	if err := b.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func newEnvelope(key string, priority int32) *types.Envelope {
	return &types.Envelope{
		MessageID:     key,
		Key:           key,
		Namespace:     "ns",
		Queue:         "orders",
		Payload:       []byte("payload-" + key),
		Priority:      priority,
		CreatedAtMs:   1000,
		AvailableAtMs: 1000,
	}
}

func staticPolicy(pol policy.Policy) func(namespace, queue string) policy.Policy {
	return func(string, string) policy.Policy { return pol }
}

func TestEnqueue_RejectsDuplicateKey(t *testing.T) {
	b := openBackend(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, newEnvelope("k1", 0)); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := b.Enqueue(ctx, newEnvelope("k1", 0)); err == nil {
		t.Fatal("expected duplicate key to be rejected")
	}
}

func TestLeaseNext_PriorityOrder(t *testing.T) {
	b := openBackend(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, newEnvelope("low", 10)); err != nil {
		t.Fatal(err)
	}
	if err := b.Enqueue(ctx, newEnvelope("high", -5)); err != nil {
		t.Fatal(err)
	}

	env, _, err := b.LeaseNext(ctx, "ns", "orders", "c1", 30)
	if err != nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	if env == nil || env.Key != "high" {
		t.Fatalf("expected highest-priority envelope 'high' first, got %+v", env)
	}
}

func TestLeaseNext_EmptyQueueReturnsNil(t *testing.T) {
	b := openBackend(t)
	env, lease, err := b.LeaseNext(context.Background(), "ns", "empty", "c1", 30)
	if err != nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	if env != nil || lease != nil {
		t.Fatal("expected nil envelope and lease on empty queue")
	}
}

func TestAckArchivesAndReleasesLease(t *testing.T) {
	b := openBackend(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, newEnvelope("k1", 0)); err != nil {
		t.Fatal(err)
	}
	_, lease, err := b.LeaseNext(ctx, "ns", "orders", "c1", 30)
	if err != nil || lease == nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	if err := b.Ack(ctx, lease.LeaseID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := b.Ack(ctx, lease.LeaseID); err == nil {
		t.Fatal("expected second Ack on the same lease to fail")
	}
}

func TestNack_RequeueWithinRetryLimitGoesDelayed(t *testing.T) {
	b := openBackend(t)
	ctx := context.Background()
	pol := policy.Default()
	pol.Retry.Limit = 3

	if err := b.Enqueue(ctx, newEnvelope("k1", 0)); err != nil {
		t.Fatal(err)
	}
	_, lease, err := b.LeaseNext(ctx, "ns", "orders", "c1", 30)
	if err != nil || lease == nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	if err := b.Nack(ctx, lease.LeaseID, "handler failed", true, staticPolicy(pol)); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	m, err := b.Metrics(ctx, "ns", "orders")
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if m.Delayed != 1 {
		t.Errorf("expected 1 delayed message after retry, got %+v", m)
	}
}

func TestNack_ExceedsRetryLimitGoesToDLQ(t *testing.T) {
	b := openBackend(t)
	ctx := context.Background()
	pol := policy.Default()
	pol.Retry.Limit = 0
	pol.DLQ.Enabled = true

	if err := b.Enqueue(ctx, newEnvelope("k1", 0)); err != nil {
		t.Fatal(err)
	}
	_, lease, err := b.LeaseNext(ctx, "ns", "orders", "c1", 30)
	if err != nil || lease == nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	if err := b.Nack(ctx, lease.LeaseID, "handler failed", true, staticPolicy(pol)); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	items, err := b.ListDLQ(ctx, "ns", "orders.dlq", 10)
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(items) != 1 || items[0].Key != "k1" {
		t.Fatalf("expected k1 dead-lettered, got %+v", items)
	}
}

// TestNack_BoundaryAtRetryLimit walks spec.md's own retry-limit example:
// attempt starts at 0 and is incremented to 1 at lease grant, so with
// limit=2 the second nack(requeue=true) call (attempt=2) must dead-letter
// rather than requeue a third time.
func TestNack_BoundaryAtRetryLimit(t *testing.T) {
	b := openBackend(t)
	ctx := context.Background()
	pol := policy.Default()
	pol.Retry.Limit = 2
	pol.Retry.InitialDelaySec = 0
	pol.DLQ.Enabled = true

	if err := b.Enqueue(ctx, newEnvelope("k1", 0)); err != nil {
		t.Fatal(err)
	}

	_, lease1, err := b.LeaseNext(ctx, "ns", "orders", "c1", 30)
	if err != nil || lease1 == nil {
		t.Fatalf("first LeaseNext: %v", err)
	}
	if err := b.Nack(ctx, lease1.LeaseID, "fail 1", true, staticPolicy(pol)); err != nil {
		t.Fatalf("first Nack: %v", err)
	}
	m, err := b.Metrics(ctx, "ns", "orders")
	if err != nil || m.Delayed != 1 {
		t.Fatalf("expected message delayed after first nack, got %+v err=%v", m, err)
	}

	_, lease2, err := b.LeaseNext(ctx, "ns", "orders", "c1", 30)
	if err != nil || lease2 == nil {
		t.Fatalf("second LeaseNext: %v", err)
	}
	if err := b.Nack(ctx, lease2.LeaseID, "fail 2", true, staticPolicy(pol)); err != nil {
		t.Fatalf("second Nack: %v", err)
	}

	items, err := b.ListDLQ(ctx, "ns", "orders.dlq", 10)
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(items) != 1 || items[0].Key != "k1" {
		t.Fatalf("expected k1 dead-lettered after second nack, got %+v", items)
	}
}

func TestExtendLease_PushesDeadlineForward(t *testing.T) {
	b := openBackend(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, newEnvelope("k1", 0)); err != nil {
		t.Fatal(err)
	}
	_, lease, err := b.LeaseNext(ctx, "ns", "orders", "c1", 5)
	if err != nil || lease == nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	newUntil, err := b.ExtendLease(ctx, lease.LeaseID, 300)
	if err != nil {
		t.Fatalf("ExtendLease: %v", err)
	}
	if newUntil <= lease.LeaseUntilMs {
		t.Errorf("expected extended deadline > original, got %d <= %d", newUntil, lease.LeaseUntilMs)
	}
}

func TestExtendLease_UnknownLeaseFails(t *testing.T) {
	b := openBackend(t)
	if _, err := b.ExtendLease(context.Background(), "nonexistent", 30); err == nil {
		t.Fatal("expected error for unknown lease")
	}
}

func TestSweepExpiredLeases_RequeuesPastDeadline(t *testing.T) {
	b := openBackend(t)
	ctx := context.Background()
	pol := policy.Default()
	pol.Retry.Limit = 5
	pol.Retry.InitialDelaySec = 0

	if err := b.Enqueue(ctx, newEnvelope("k1", 0)); err != nil {
		t.Fatal(err)
	}
	_, lease, err := b.LeaseNext(ctx, "ns", "orders", "c1", 0)
	if err != nil || lease == nil {
		t.Fatalf("LeaseNext: %v", err)
	}

	reclaimed, err := b.SweepExpiredLeases(ctx, lease.LeaseUntilMs+1, staticPolicy(pol))
	if err != nil {
		t.Fatalf("SweepExpiredLeases: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed lease, got %d", reclaimed)
	}

	// The requeued envelope becomes available at the sweep instant.
	time.Sleep(5 * time.Millisecond)
	env, _, err := b.LeaseNext(ctx, "ns", "orders", "c2", 30)
	if err != nil {
		t.Fatalf("LeaseNext after sweep: %v", err)
	}
	if env == nil || env.Attempt != 2 {
		t.Fatalf("expected message re-leasable with attempt=2, got %+v", env)
	}
}

func TestSaveAndLoadPolicy(t *testing.T) {
	b := openBackend(t)
	ctx := context.Background()

	if _, ok, err := b.LoadPolicy(ctx, "ns", "orders"); err != nil || ok {
		t.Fatalf("expected no persisted policy yet, ok=%v err=%v", ok, err)
	}

	pol := policy.Default()
	pol.VisibilityTimeoutSec = 77
	if err := b.SavePolicy(ctx, "ns", "orders", pol); err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}

	got, ok, err := b.LoadPolicy(ctx, "ns", "orders")
	if err != nil || !ok {
		t.Fatalf("LoadPolicy: ok=%v err=%v", ok, err)
	}
	if got.VisibilityTimeoutSec != 77 {
		t.Errorf("VisibilityTimeoutSec = %d, want 77", got.VisibilityTimeoutSec)
	}

	pol.VisibilityTimeoutSec = 99
	if err := b.SavePolicy(ctx, "ns", "orders", pol); err != nil {
		t.Fatalf("SavePolicy overwrite: %v", err)
	}
	got, _, _ = b.LoadPolicy(ctx, "ns", "orders")
	if got.VisibilityTimeoutSec != 99 {
		t.Errorf("expected upsert to overwrite, got %d", got.VisibilityTimeoutSec)
	}
}

func TestReprocessDLQ_MovesEntriesBackToReady(t *testing.T) {
	b := openBackend(t)
	ctx := context.Background()
	pol := policy.Default()
	pol.Retry.Limit = 0
	pol.DLQ.Enabled = true

	if err := b.Enqueue(ctx, newEnvelope("k1", 0)); err != nil {
		t.Fatal(err)
	}
	_, lease, err := b.LeaseNext(ctx, "ns", "orders", "c1", 30)
	if err != nil || lease == nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	if err := b.Nack(ctx, lease.LeaseID, "bad", true, staticPolicy(pol)); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	n, err := b.ReprocessDLQ(ctx, "ns", "orders.dlq", 10)
	if err != nil {
		t.Fatalf("ReprocessDLQ: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reprocessed, got %d", n)
	}

	items, err := b.ListDLQ(ctx, "ns", "orders.dlq", 10)
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected DLQ empty after reprocess, got %+v", items)
	}

	env, _, err := b.LeaseNext(ctx, "ns", "orders", "c2", 30)
	if err != nil {
		t.Fatalf("LeaseNext after reprocess: %v", err)
	}
	if env == nil || env.Key != "k1" {
		t.Fatalf("expected reprocessed message back in origin queue orders, got %+v", env)
	}
}

func TestOpen_AppliesCustomSchemaPath(t *testing.T) {
	dir := t.TempDir()
	schemaPath := filepath.Join(dir, "custom_schema.sql")
	customSchema := `CREATE TABLE IF NOT EXISTS messages (
		namespace TEXT NOT NULL, queue TEXT NOT NULL, key TEXT NOT NULL,
		message_id TEXT NOT NULL, payload BLOB NOT NULL, attributes TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0, attempt INTEGER NOT NULL DEFAULT 0,
		created_at_ms INTEGER NOT NULL, available_at_ms INTEGER NOT NULL,
		state INTEGER NOT NULL, reason TEXT NOT NULL DEFAULT '', node_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (namespace, queue, key));
	CREATE TABLE IF NOT EXISTS leases (
		lease_id TEXT NOT NULL PRIMARY KEY, namespace TEXT NOT NULL, queue TEXT NOT NULL,
		message_key TEXT NOT NULL, consumer_id TEXT NOT NULL, lease_until_ms INTEGER NOT NULL);
	CREATE TABLE IF NOT EXISTS queue_policies (
		namespace TEXT NOT NULL, queue TEXT NOT NULL, policy_json TEXT NOT NULL,
		PRIMARY KEY (namespace, queue));`
	if err := os.WriteFile(schemaPath, []byte(customSchema), 0o640); err != nil {
		t.Fatalf("write custom schema: %v", err)
	}

	b := sqlbackend.New(sqlbackend.Config{DBPath: filepath.Join(dir, "broker.db"), SchemaPath: schemaPath})
	if err := b.Open(context.Background()); err != nil {
		t.Fatalf("Open with custom schema: %v", err)
	}
	defer b.Close()

	if err := b.Enqueue(context.Background(), newEnvelope("k1", 0)); err != nil {
		t.Fatalf("Enqueue against custom schema failed: %v", err)
	}
}

func TestMetrics_CountsAcrossStates(t *testing.T) {
	b := openBackend(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, newEnvelope("ready1", 0)); err != nil {
		t.Fatal(err)
	}
	future := newEnvelope("delayed1", 0)
	future.AvailableAtMs = 9_999_999_999_999
	if err := b.Enqueue(ctx, future); err != nil {
		t.Fatal(err)
	}
	if _, _, err := b.LeaseNext(ctx, "ns", "orders", "c1", 30); err != nil {
		t.Fatal(err)
	}

	m, err := b.Metrics(ctx, "ns", "orders")
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if m.Inflight != 1 {
		t.Errorf("Inflight = %d, want 1", m.Inflight)
	}
	if m.Delayed != 1 {
		t.Errorf("Delayed = %d, want 1", m.Delayed)
	}
}

func TestQueueDepth_CountsReadyAndDelayedAtPriority(t *testing.T) {
	b := openBackend(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, newEnvelope("p0-a", 0)); err != nil {
		t.Fatal(err)
	}
	future := newEnvelope("p0-b", 0)
	future.AvailableAtMs = 9_999_999_999_999
	if err := b.Enqueue(ctx, future); err != nil {
		t.Fatal(err)
	}
	if err := b.Enqueue(ctx, newEnvelope("p1-a", 1)); err != nil {
		t.Fatal(err)
	}

	depth0, err := b.QueueDepth(ctx, "ns", "orders", 0)
	if err != nil {
		t.Fatalf("QueueDepth(0): %v", err)
	}
	if depth0 != 2 {
		t.Errorf("QueueDepth(priority 0) = %d, want 2 (ready + delayed)", depth0)
	}

	depth1, err := b.QueueDepth(ctx, "ns", "orders", 1)
	if err != nil {
		t.Fatalf("QueueDepth(1): %v", err)
	}
	if depth1 != 1 {
		t.Errorf("QueueDepth(priority 1) = %d, want 1", depth1)
	}

	if _, _, err := b.LeaseNext(ctx, "ns", "orders", "c1", 30); err != nil {
		t.Fatal(err)
	}
	depth0After, err := b.QueueDepth(ctx, "ns", "orders", 0)
	if err != nil {
		t.Fatalf("QueueDepth(0) after lease: %v", err)
	}
	if depth0After != 1 {
		t.Errorf("QueueDepth(priority 0) after leasing the ready one = %d, want 1 (Inflight excluded)", depth0After)
	}
}
