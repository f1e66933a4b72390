package hybridbackend_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/coreway/epochbroker/internal/backend/hybridbackend"
	"github.com/coreway/epochbroker/internal/backend/sqlbackend"
	"github.com/coreway/epochbroker/internal/policy"
	"github.com/coreway/epochbroker/internal/types"
)

func staticPolicy(pol policy.Policy) func(namespace, queue string) policy.Policy {
	return func(string, string) policy.Policy { return pol }
}

func openBackend(t *testing.T) *hybridbackend.Backend {
	t.Helper()
	dir := t.TempDir()
	b := hybridbackend.New(hybridbackend.Config{
		SQL:         sqlbackend.Config{DBPath: filepath.Join(dir, "broker.db")},
		PayloadRoot: filepath.Join(dir, "payloads"),
	})
	if err := b.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestEnqueueLeaseNext_PayloadRoundTrips(t *testing.T) {
	b := openBackend(t)
	ctx := context.Background()

	env := &types.Envelope{
		MessageID:     "msg001",
		Key:           "msg001",
		Namespace:     "ns",
		Queue:         "orders",
		Payload:       []byte("hydrated payload bytes"),
		CreatedAtMs:   1000,
		AvailableAtMs: 1000,
	}
	if err := b.Enqueue(ctx, env); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	leased, lease, err := b.LeaseNext(ctx, "ns", "orders", "c1", 30)
	if err != nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	if lease == nil {
		t.Fatal("expected a lease")
	}
	if string(leased.Payload) != "hydrated payload bytes" {
		t.Errorf("Payload = %q, want hydrated payload bytes", leased.Payload)
	}
}

func TestListDLQ_HydratesPayloads(t *testing.T) {
	b := openBackend(t)
	ctx := context.Background()

	env := &types.Envelope{
		MessageID:     "msg002",
		Key:           "msg002",
		Namespace:     "ns",
		Queue:         "orders",
		Payload:       []byte("will be dead-lettered"),
		CreatedAtMs:   1000,
		AvailableAtMs: 1000,
	}
	if err := b.Enqueue(ctx, env); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	_, lease, err := b.LeaseNext(ctx, "ns", "orders", "c1", 30)
	if err != nil || lease == nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	pol := policy.Default()
	pol.Retry.Limit = 0
	pol.DLQ.Enabled = true
	if err := b.Nack(ctx, lease.LeaseID, "bad", true, staticPolicy(pol)); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	items, err := b.ListDLQ(ctx, "ns", "orders.dlq", 10)
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 dead-lettered item, got %d", len(items))
	}
	if string(items[0].Payload) != "will be dead-lettered" {
		t.Errorf("Payload = %q, want will be dead-lettered", items[0].Payload)
	}
}
