package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/coreway/epochbroker/internal/apperr"
	"github.com/coreway/epochbroker/internal/backend/fsbackend"
	"github.com/coreway/epochbroker/internal/policy"
	"github.com/coreway/epochbroker/internal/queue"
)

func newManager(t *testing.T) *queue.Manager {
	t.Helper()
	be := fsbackend.New(fsbackend.Config{Root: t.TempDir()})
	if err := be.Open(context.Background()); err != nil {
		t.Fatalf("Open backend: %v", err)
	}
	t.Cleanup(func() { be.Close() })
	return queue.New(be, "node1")
}

func TestManager_EnqueueAssignsIdentityAndKey(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	env, err := m.Enqueue(ctx, "ns", "orders", []byte("hello"), "", 0, "", 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if env.MessageID == "" {
		t.Error("expected MessageID to be assigned")
	}
	if env.Key != env.MessageID {
		t.Errorf("expected Key to default to MessageID, got Key=%s MessageID=%s", env.Key, env.MessageID)
	}
}

func TestManager_EnqueueHonorsExplicitKey(t *testing.T) {
	m := newManager(t)
	env, err := m.Enqueue(context.Background(), "ns", "orders", []byte("hello"), "", 0, "idempotency-1", 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if env.Key != "idempotency-1" {
		t.Errorf("Key = %s, want idempotency-1", env.Key)
	}
}

func TestManager_LeaseAckLifecycle(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	if _, err := m.Enqueue(ctx, "ns", "orders", []byte("hello"), "", 0, "k1", 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	env, lease, err := m.LeaseNext(ctx, "ns", "orders", "consumer1")
	if err != nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	if env == nil || lease == nil {
		t.Fatal("expected an envelope and lease")
	}
	if err := m.Ack(ctx, lease.LeaseID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestManager_RegisterQueue_RejectsInvalidPolicy(t *testing.T) {
	m := newManager(t)
	bad := policy.Policy{VisibilityTimeoutSec: 0}
	if err := m.RegisterQueue(context.Background(), "ns", "orders", bad); err == nil {
		t.Fatal("expected invalid policy to be rejected")
	}
}

func TestManager_RegisterQueue_UsesConfiguredVisibilityTimeout(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	pol := policy.Default()
	pol.VisibilityTimeoutSec = 1
	if err := m.RegisterQueue(ctx, "ns", "orders", pol); err != nil {
		t.Fatalf("RegisterQueue: %v", err)
	}

	if _, err := m.Enqueue(ctx, "ns", "orders", []byte("x"), "", 0, "k1", 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	_, lease, err := m.LeaseNext(ctx, "ns", "orders", "c1")
	if err != nil || lease == nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	wantMax := time.Now().Add(2 * time.Second).UnixMilli()
	if lease.LeaseUntilMs > wantMax {
		t.Errorf("expected short visibility timeout to be honored, lease_until_ms=%d", lease.LeaseUntilMs)
	}
}

func TestManager_NackRoutesThroughPolicy(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	pol := policy.Default()
	pol.Retry.Limit = 0
	pol.DLQ.Enabled = true
	if err := m.RegisterQueue(ctx, "ns", "orders", pol); err != nil {
		t.Fatalf("RegisterQueue: %v", err)
	}

	if _, err := m.Enqueue(ctx, "ns", "orders", []byte("x"), "", 0, "k1", 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	_, lease, err := m.LeaseNext(ctx, "ns", "orders", "c1")
	if err != nil || lease == nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	if err := m.Nack(ctx, lease.LeaseID, "boom", true); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	items, err := m.ListDLQ(ctx, "ns", "orders", 10)
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected message dead-lettered per policy, got %d items", len(items))
	}
}

func TestManager_Nack_BoundaryAtRetryLimit(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	pol := policy.Default()
	pol.Retry.Limit = 2
	pol.Retry.InitialDelaySec = 0
	pol.DLQ.Enabled = true
	if err := m.RegisterQueue(ctx, "ns", "orders", pol); err != nil {
		t.Fatalf("RegisterQueue: %v", err)
	}
	if _, err := m.Enqueue(ctx, "ns", "orders", []byte("x"), "", 0, "k1", 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	_, lease1, err := m.LeaseNext(ctx, "ns", "orders", "c1")
	if err != nil || lease1 == nil {
		t.Fatalf("first LeaseNext: %v", err)
	}
	if err := m.Nack(ctx, lease1.LeaseID, "fail 1", true); err != nil {
		t.Fatalf("first Nack: %v", err)
	}

	_, lease2, err := m.LeaseNext(ctx, "ns", "orders", "c1")
	if err != nil || lease2 == nil {
		t.Fatalf("second LeaseNext: %v", err)
	}
	if err := m.Nack(ctx, lease2.LeaseID, "fail 2", true); err != nil {
		t.Fatalf("second Nack: %v", err)
	}

	items, err := m.ListDLQ(ctx, "ns", "orders", 10)
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected message dead-lettered after second nack (attempt=limit), got %d items", len(items))
	}
}

func TestManager_Enqueue_RejectsAtMaxDepth(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	pol := policy.Default()
	pol.MaxDepth = 2
	if err := m.RegisterQueue(ctx, "ns", "orders", pol); err != nil {
		t.Fatalf("RegisterQueue: %v", err)
	}

	if _, err := m.Enqueue(ctx, "ns", "orders", []byte("a"), "", 0, "k1", 0); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if _, err := m.Enqueue(ctx, "ns", "orders", []byte("b"), "", 0, "k2", 0); err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}

	_, err := m.Enqueue(ctx, "ns", "orders", []byte("c"), "", 0, "k3", 0)
	if err == nil {
		t.Fatal("expected third publish at priority 0 to be rejected once depth reaches maxDepth")
	}
	if apperr.KindOf(err) != apperr.KindBackpressure {
		t.Errorf("KindOf(err) = %v, want KindBackpressure", apperr.KindOf(err))
	}

	// A different priority bucket is unaffected.
	if _, err := m.Enqueue(ctx, "ns", "orders", []byte("d"), "", 1, "k4", 0); err != nil {
		t.Fatalf("expected publish at a different priority to succeed, got: %v", err)
	}
}

func TestManager_Metrics_FoldsInDLQCountFromResolvedDLQName(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	pol := policy.Default()
	pol.Retry.Limit = 0
	pol.DLQ.Enabled = true
	if err := m.RegisterQueue(ctx, "ns", "orders", pol); err != nil {
		t.Fatalf("RegisterQueue: %v", err)
	}
	if _, err := m.Enqueue(ctx, "ns", "orders", []byte("x"), "", 0, "k1", 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	_, lease, err := m.LeaseNext(ctx, "ns", "orders", "c1")
	if err != nil || lease == nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	if err := m.Nack(ctx, lease.LeaseID, "boom", true); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	qm, err := m.Metrics(ctx, "ns", "orders")
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if qm.Dlq != 1 {
		t.Errorf("Metrics(orders).Dlq = %d, want 1 (dead-lettered items live under orders.dlq)", qm.Dlq)
	}
}

func TestManager_ListDLQ_HonorsCustomDLQQueueName(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	pol := policy.Default()
	pol.Retry.Limit = 0
	pol.DLQ.Enabled = true
	pol.DLQ.Queue = "orders-dead-letters"
	if err := m.RegisterQueue(ctx, "ns", "orders", pol); err != nil {
		t.Fatalf("RegisterQueue: %v", err)
	}
	if _, err := m.Enqueue(ctx, "ns", "orders", []byte("x"), "", 0, "k1", 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	_, lease, err := m.LeaseNext(ctx, "ns", "orders", "c1")
	if err != nil || lease == nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	if err := m.Nack(ctx, lease.LeaseID, "boom", true); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	items, err := m.ListDLQ(ctx, "ns", "orders", 10)
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected message routed under custom dlq.queue name, got %d items", len(items))
	}
}

func TestManager_ReprocessDLQ(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	pol := policy.Default()
	pol.Retry.Limit = 0
	pol.DLQ.Enabled = true
	if err := m.RegisterQueue(ctx, "ns", "orders", pol); err != nil {
		t.Fatalf("RegisterQueue: %v", err)
	}
	if _, err := m.Enqueue(ctx, "ns", "orders", []byte("x"), "", 0, "k1", 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	_, lease, err := m.LeaseNext(ctx, "ns", "orders", "c1")
	if err != nil || lease == nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	if err := m.Nack(ctx, lease.LeaseID, "boom", true); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	n, err := m.ReprocessDLQ(ctx, "ns", "orders", 10)
	if err != nil {
		t.Fatalf("ReprocessDLQ: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reprocessed, got %d", n)
	}
}

func TestManager_ExtendLease(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	if _, err := m.Enqueue(ctx, "ns", "orders", []byte("x"), "", 0, "k1", 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	_, lease, err := m.LeaseNext(ctx, "ns", "orders", "c1")
	if err != nil || lease == nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	newUntil, err := m.ExtendLease(ctx, lease.LeaseID, 600)
	if err != nil {
		t.Fatalf("ExtendLease: %v", err)
	}
	if newUntil <= lease.LeaseUntilMs {
		t.Errorf("expected extended lease deadline, got %d <= %d", newUntil, lease.LeaseUntilMs)
	}
}

func TestManager_Health(t *testing.T) {
	m := newManager(t)
	h := m.Health()
	if !h.OK {
		t.Error("expected Health().OK to be true")
	}
	if h.UptimeMs < 0 {
		t.Errorf("expected non-negative uptime, got %d", h.UptimeMs)
	}
}

func TestManager_StartStopSweeper(t *testing.T) {
	m := newManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.StartSweeper(ctx)
	m.Stop()
}
