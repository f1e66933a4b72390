package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coreway/epochbroker/internal/apperr"
	"github.com/coreway/epochbroker/internal/backend"
	"github.com/coreway/epochbroker/internal/idgen"
	"github.com/coreway/epochbroker/internal/metrics"
	"github.com/coreway/epochbroker/internal/policy"
	"github.com/coreway/epochbroker/internal/types"
)

// SweepConfig controls the background sweeper's cadence.
type SweepConfig struct {
	LeaseSweepInterval time.Duration
	RetrySweepInterval time.Duration
}

// DefaultSweepConfig returns broker-wide sweeper defaults.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		LeaseSweepInterval: 500 * time.Millisecond,
		RetrySweepInterval: 500 * time.Millisecond,
	}
}

// Manager is the typed, policy-aware facade over a backend.Backend. It
// owns message identity assignment, a read-mostly policy cache, and the
// background sweeper.
type Manager struct {
	be      backend.Backend
	nodeID  string
	metrics *metrics.Registry
	sweep   SweepConfig

	policyMu sync.RWMutex
	policies map[string]policy.Policy

	startedAt time.Time
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithMetrics attaches a metrics registry the manager updates as it works.
func WithMetrics(reg *metrics.Registry) Option {
	return func(m *Manager) { m.metrics = reg }
}

// WithSweepConfig overrides the default sweeper cadence.
func WithSweepConfig(cfg SweepConfig) Option {
	return func(m *Manager) { m.sweep = cfg }
}

// New constructs a Manager over an already-open backend.
func New(be backend.Backend, nodeID string, opts ...Option) *Manager {
	m := &Manager{
		be:        be,
		nodeID:    nodeID,
		sweep:     DefaultSweepConfig(),
		policies:  make(map[string]policy.Policy),
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func policyKey(namespace, queue string) string { return namespace + "/" + queue }

// RegisterQueue caches pol and ensures the backend has it persisted.
func (m *Manager) RegisterQueue(ctx context.Context, namespace, queueName string, pol policy.Policy) error {
	if err := pol.Validate(); err != nil {
		return apperr.Wrap(apperr.KindInvalidRequest, "invalid policy", err)
	}
	if err := m.be.SavePolicy(ctx, namespace, queueName, pol); err != nil {
		return err
	}
	m.policyMu.Lock()
	m.policies[policyKey(namespace, queueName)] = pol
	m.policyMu.Unlock()
	return nil
}

// policyFor returns the effective policy for a queue: cache hit, then
// backend lookup (caching the result), then the broker-wide default.
func (m *Manager) policyFor(namespace, queueName string) policy.Policy {
	k := policyKey(namespace, queueName)
	m.policyMu.RLock()
	pol, ok := m.policies[k]
	m.policyMu.RUnlock()
	if ok {
		return pol
	}
	loaded, found, err := m.be.LoadPolicy(context.Background(), namespace, queueName)
	if err == nil && found {
		m.policyMu.Lock()
		m.policies[k] = loaded
		m.policyMu.Unlock()
		return loaded
	}
	def := policy.Default()
	m.policyMu.Lock()
	m.policies[k] = def
	m.policyMu.Unlock()
	return def
}

// Enqueue builds an envelope, assigns identity, computes AvailableAtMs, and
// hands it to the backend. Rejects with backpressure if the target
// priority's queue depth is at or above the queue's configured MaxDepth.
func (m *Manager) Enqueue(ctx context.Context, namespace, queueName string, payload []byte, attributes string, priority int32, key string, delayMs int64) (*types.Envelope, error) {
	pol := m.policyFor(namespace, queueName)
	if pol.MaxDepth > 0 {
		depth, err := m.be.QueueDepth(ctx, namespace, queueName, priority)
		if err != nil {
			return nil, err
		}
		if depth >= int64(pol.MaxDepth) {
			return nil, apperr.New(apperr.KindBackpressure,
				fmt.Sprintf("queue %s/%s priority %d at capacity (%d >= %d)", namespace, queueName, priority, depth, pol.MaxDepth))
		}
	}
	now := time.Now().UnixMilli()
	messageID := idgen.New()
	if key == "" {
		key = messageID
	}
	env := &types.Envelope{
		MessageID:     messageID,
		Key:           key,
		Namespace:     namespace,
		Queue:         queueName,
		Payload:       payload,
		Attributes:    attributes,
		Priority:      priority,
		Attempt:       0,
		CreatedAtMs:   now,
		AvailableAtMs: now + delayMs,
		NodeID:        m.nodeID,
	}
	if err := m.be.Enqueue(ctx, env); err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.Published.Inc(metrics.QueueKey(namespace, queueName))
	}
	return env, nil
}

// LeaseNext leases the next eligible envelope using the queue's configured
// visibility timeout.
func (m *Manager) LeaseNext(ctx context.Context, namespace, queueName, consumerID string) (*types.Envelope, *types.Lease, error) {
	pol := m.policyFor(namespace, queueName)
	env, lease, err := m.be.LeaseNext(ctx, namespace, queueName, consumerID, pol.VisibilityTimeoutSec)
	if err != nil {
		return nil, nil, err
	}
	if env != nil && m.metrics != nil {
		m.metrics.Leased.Inc(metrics.QueueKey(namespace, queueName))
	}
	return env, lease, nil
}

// Ack passes through to the backend.
func (m *Manager) Ack(ctx context.Context, leaseID string) error {
	if err := m.be.Ack(ctx, leaseID); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.Acked.Inc("")
	}
	return nil
}

// Nack passes through to the backend, resolving the owning queue's policy
// lazily via m.policyFor so the caller need not know it in advance.
func (m *Manager) Nack(ctx context.Context, leaseID, reason string, requeue bool) error {
	if err := m.be.Nack(ctx, leaseID, reason, requeue, m.policyFor); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.Nacked.Inc("")
	}
	return nil
}

// ExtendLease passes through to the backend.
func (m *Manager) ExtendLease(ctx context.Context, leaseID string, visibilityTimeoutSec int) (int64, error) {
	return m.be.ExtendLease(ctx, leaseID, visibilityTimeoutSec)
}

// ListDLQ returns up to max dead-lettered envelopes for a queue, reading
// from the queue's resolved DLQ queue name (its own dlq.queue override, or
// "<queue>.dlq" by default) rather than the origin queue itself.
func (m *Manager) ListDLQ(ctx context.Context, namespace, queueName string, max int) ([]*types.Envelope, error) {
	pol := m.policyFor(namespace, queueName)
	return m.be.ListDLQ(ctx, namespace, pol.DLQName(queueName), max)
}

// ReprocessDLQ reinjects up to upTo dead-lettered envelopes from the queue's
// resolved DLQ queue back into their origin queue, with Attempt reset to 0.
func (m *Manager) ReprocessDLQ(ctx context.Context, namespace, queueName string, upTo int) (int, error) {
	pol := m.policyFor(namespace, queueName)
	n, err := m.be.ReprocessDLQ(ctx, namespace, pol.DLQName(queueName), upTo)
	if err == nil && n > 0 && m.metrics != nil {
		m.metrics.DLQRouted.Add(metrics.QueueKey(namespace, queueName), int64(-n))
	}
	return n, err
}

// Metrics returns the point-in-time state counts for a queue. Dead-lettered
// envelopes live under the queue's resolved DLQ queue name rather than
// queueName itself, so the Dlq count is folded in from there.
func (m *Manager) Metrics(ctx context.Context, namespace, queueName string) (backend.QueueMetrics, error) {
	qm, err := m.be.Metrics(ctx, namespace, queueName)
	if err != nil {
		return qm, err
	}
	dlqName := m.policyFor(namespace, queueName).DLQName(queueName)
	if dlqName != queueName {
		dlqMetrics, err := m.be.Metrics(ctx, namespace, dlqName)
		if err != nil {
			return qm, err
		}
		qm.Dlq = dlqMetrics.Dlq
	}
	return qm, nil
}

// HealthStatus summarizes broker liveness for the "health"/"status" commands.
type HealthStatus struct {
	OK        bool  `json:"ok"`
	UptimeMs  int64 `json:"uptime_ms"`
}

// Health reports broker liveness.
func (m *Manager) Health() HealthStatus {
	return HealthStatus{OK: true, UptimeMs: time.Since(m.startedAt).Milliseconds()}
}

// StartSweeper launches the background lease-expiry loop, ticking every
// LeaseSweepInterval. Delayed envelopes are not surfaced here: each backend's
// LeaseNext picks them up once AvailableAtMs has passed. It is tolerant of
// backend errors: log and continue, never crash.
func (m *Manager) StartSweeper(ctx context.Context) {
	m.wg.Add(1)
	go m.sweepLoop(ctx)
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweep.LeaseSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			n, err := m.be.SweepExpiredLeases(ctx, now, m.policyFor)
			if err != nil {
				slog.Error("sweeper: expire leases failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("sweeper: reclaimed expired leases", "count", n)
			}
		}
	}
}

// Stop signals the sweeper to exit and waits for it to finish.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}
