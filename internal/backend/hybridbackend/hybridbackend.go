// Package hybridbackend implements the backend.Backend contract by
// composing sqlbackend for metadata and transactional ordering with a
// payload directory on disk (one <message_id>.bin file per envelope, in a
// subdirectory named by the ID's first two characters), mirroring the split the filesystem backend's
// own log/index division makes but drawn across a SQL/filesystem boundary
// instead of two local files.
package hybridbackend

import (
	"context"
	"os"
	"path/filepath"

	"github.com/coreway/epochbroker/internal/apperr"
	"github.com/coreway/epochbroker/internal/backend"
	"github.com/coreway/epochbroker/internal/backend/sqlbackend"
	"github.com/coreway/epochbroker/internal/policy"
	"github.com/coreway/epochbroker/internal/types"
)

// Config configures the hybrid backend.
type Config struct {
	SQL         sqlbackend.Config
	PayloadRoot string
}

// Backend delegates ordering/state to an embedded sqlbackend.Backend and
// stores payload bytes as individual files under Config.PayloadRoot.
type Backend struct {
	cfg Config
	sql *sqlbackend.Backend
}

// New constructs an unopened Backend.
func New(cfg Config) *Backend {
	return &Backend{cfg: cfg, sql: sqlbackend.New(cfg.SQL)}
}

func (b *Backend) Open(ctx context.Context) error {
	if b.cfg.PayloadRoot == "" {
		return apperr.New(apperr.KindIOFailure, "hybridbackend: payloadRoot not set")
	}
	if err := os.MkdirAll(b.cfg.PayloadRoot, 0o750); err != nil {
		return apperr.Wrap(apperr.KindIOFailure, "create payload root", err)
	}
	return b.sql.Open(ctx)
}

func (b *Backend) Close() error { return b.sql.Close() }

func (b *Backend) payloadPath(messageID string) string {
	return filepath.Join(b.cfg.PayloadRoot, messageID[:2], messageID+".bin")
}

func (b *Backend) writePayload(messageID string, data []byte) error {
	path := b.payloadPath(messageID)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o640)
}

func (b *Backend) readPayload(messageID string) ([]byte, error) {
	return os.ReadFile(b.payloadPath(messageID))
}

func (b *Backend) removePayload(messageID string) {
	os.Remove(b.payloadPath(messageID))
}

// Enqueue stores the payload on disk and delegates the (now payload-less)
// envelope metadata to sqlbackend.
func (b *Backend) Enqueue(ctx context.Context, env *types.Envelope) error {
	payload := env.Payload
	stripped := *env
	stripped.Payload = []byte{}
	if err := b.sql.Enqueue(ctx, &stripped); err != nil {
		return err
	}
	if err := b.writePayload(env.MessageID, payload); err != nil {
		return apperr.Wrap(apperr.KindIOFailure, "write payload", err)
	}
	env.State = stripped.State
	return nil
}

func (b *Backend) hydrate(env *types.Envelope) (*types.Envelope, error) {
	if env == nil {
		return nil, nil
	}
	data, err := b.readPayload(env.MessageID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIOFailure, "read payload", err)
	}
	env.Payload = data
	return env, nil
}

func (b *Backend) LeaseNext(ctx context.Context, namespace, queue, consumerID string, visibilityTimeoutSec int) (*types.Envelope, *types.Lease, error) {
	env, lease, err := b.sql.LeaseNext(ctx, namespace, queue, consumerID, visibilityTimeoutSec)
	if err != nil || env == nil {
		return env, lease, err
	}
	env, err = b.hydrate(env)
	return env, lease, err
}

func (b *Backend) Ack(ctx context.Context, leaseID string) error {
	return b.sql.Ack(ctx, leaseID)
}

func (b *Backend) Nack(ctx context.Context, leaseID, reason string, requeue bool, policyFor func(namespace, queue string) policy.Policy) error {
	return b.sql.Nack(ctx, leaseID, reason, requeue, policyFor)
}

func (b *Backend) ExtendLease(ctx context.Context, leaseID string, visibilityTimeoutSec int) (int64, error) {
	return b.sql.ExtendLease(ctx, leaseID, visibilityTimeoutSec)
}

func (b *Backend) SweepExpiredLeases(ctx context.Context, nowMs int64, policyFor func(namespace, queue string) policy.Policy) (int, error) {
	return b.sql.SweepExpiredLeases(ctx, nowMs, policyFor)
}

func (b *Backend) LoadPolicy(ctx context.Context, namespace, queue string) (policy.Policy, bool, error) {
	return b.sql.LoadPolicy(ctx, namespace, queue)
}

func (b *Backend) SavePolicy(ctx context.Context, namespace, queue string, pol policy.Policy) error {
	return b.sql.SavePolicy(ctx, namespace, queue, pol)
}

func (b *Backend) Metrics(ctx context.Context, namespace, queue string) (backend.QueueMetrics, error) {
	return b.sql.Metrics(ctx, namespace, queue)
}

func (b *Backend) QueueDepth(ctx context.Context, namespace, queue string, priority int32) (int64, error) {
	return b.sql.QueueDepth(ctx, namespace, queue, priority)
}

func (b *Backend) ListDLQ(ctx context.Context, namespace, queue string, max int) ([]*types.Envelope, error) {
	envs, err := b.sql.ListDLQ(ctx, namespace, queue, max)
	if err != nil {
		return nil, err
	}
	for i, e := range envs {
		if envs[i], err = b.hydrate(e); err != nil {
			return nil, err
		}
	}
	return envs, nil
}

func (b *Backend) ReprocessDLQ(ctx context.Context, namespace, queue string, upTo int) (int, error) {
	return b.sql.ReprocessDLQ(ctx, namespace, queue, upTo)
}
