package fsbackend

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/coreway/epochbroker/internal/apperr"
	"github.com/coreway/epochbroker/internal/backend"
	"github.com/coreway/epochbroker/internal/idgen"
	"github.com/coreway/epochbroker/internal/policy"
	"github.com/coreway/epochbroker/internal/types"
)

func nowMs() int64 { return time.Now().UnixMilli() }

func readEnvelope(path string) (*types.Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e types.Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func writeEnvelope(path string, e *types.Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return atomicWriteFile(path, data)
}

// Enqueue inserts env into the queue's inbox as Ready or Delayed, rejecting
// duplicate keys within the same queue.
func (b *Backend) Enqueue(ctx context.Context, env *types.Envelope) error {
	q, err := b.dirFor(env.Namespace, env.Queue)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var exists bool
	q.idx.View(func(tx *bolt.Tx) error {
		_, exists, _ = getLocation(tx, env.Key)
		return nil
	})
	if exists {
		return apperr.New(apperr.KindConflict, "key already exists in queue")
	}

	env.State = types.StatusReady
	if env.AvailableAtMs > nowMs() {
		env.State = types.StatusDelayed
	}
	name := fileName(env)
	path := filepath.Join(q.root, "inbox", name)
	if err := writeEnvelope(path, env); err != nil {
		return apperr.Wrap(apperr.KindIOFailure, "write envelope", err)
	}
	return q.idx.Update(func(tx *bolt.Tx) error {
		return putLocation(tx, env.Key, location{State: int(env.State), FileName: name})
	})
}

// LeaseNext scans inbox/ in priority/availability/creation/key order and
// claims the first eligible envelope by renaming it into processing/.
func (b *Backend) LeaseNext(ctx context.Context, namespace, queue, consumerID string, visibilityTimeoutSec int) (*types.Envelope, *types.Lease, error) {
	q, err := b.dirFor(namespace, queue)
	if err != nil {
		return nil, nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := sortedInboxFiles(q.root)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindIOFailure, "scan inbox", err)
	}
	now := nowMs()
	for _, name := range names {
		srcPath := filepath.Join(q.root, "inbox", name)
		env, err := readEnvelope(srcPath)
		if err != nil {
			// A concurrent claim already moved it; try the next candidate.
			continue
		}
		if env.AvailableAtMs > now {
			continue
		}
		leaseID := idgen.New()
		destDir := filepath.Join(q.root, "processing", leaseID)
		if err := os.MkdirAll(destDir, DirPermissions); err != nil {
			return nil, nil, apperr.Wrap(apperr.KindIOFailure, "create processing dir", err)
		}
		destPath := filepath.Join(destDir, name)
		if err := os.Rename(srcPath, destPath); err != nil {
			// Lost the claim race; someone else took it first.
			os.Remove(destDir)
			continue
		}
		env.Attempt++
		env.State = types.StatusInflight
		if err := writeEnvelope(destPath, env); err != nil {
			return nil, nil, apperr.Wrap(apperr.KindIOFailure, "update leased envelope", err)
		}
		leaseUntil := now + int64(visibilityTimeoutSec)*1000
		lease := &types.Lease{LeaseID: leaseID, MessageKey: env.Key, Queue: queue, Namespace: namespace, ConsumerID: consumerID, LeaseUntilMs: leaseUntil}
		if err := q.idx.Update(func(tx *bolt.Tx) error {
			if err := putLocation(tx, env.Key, location{State: int(types.StatusInflight), FileName: name, LeaseID: leaseID}); err != nil {
				return err
			}
			return putLease(tx, leaseID, leaseRecord{Namespace: namespace, Queue: queue, MessageKey: env.Key, ConsumerID: consumerID, LeaseUntilMs: leaseUntil})
		}); err != nil {
			return nil, nil, apperr.Wrap(apperr.KindIOFailure, "commit lease", err)
		}
		b.rememberLease(leaseID, q)
		return env, lease, nil
	}
	return nil, nil, nil
}

func (q *queueDir) loadLease(leaseID string) (leaseRecord, bool, error) {
	var lr leaseRecord
	var ok bool
	err := q.idx.View(func(tx *bolt.Tx) error {
		var err error
		lr, ok, err = getLease(tx, leaseID)
		return err
	})
	return lr, ok, err
}

// Ack resolves the lease and moves its envelope to archive/.
func (b *Backend) Ack(ctx context.Context, leaseID string) error {
	q, ok := b.ownerOf(leaseID)
	if !ok {
		return apperr.New(apperr.KindNotFound, "lease not found")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	lr, ok, err := q.loadLease(leaseID)
	if err != nil {
		return apperr.Wrap(apperr.KindIOFailure, "load lease", err)
	}
	if !ok {
		return apperr.New(apperr.KindNotFound, "lease not found")
	}
	var loc location
	q.idx.View(func(tx *bolt.Tx) error {
		loc, _, _ = getLocation(tx, lr.MessageKey)
		return nil
	})
	srcDir := filepath.Join(q.root, "processing", leaseID)
	srcPath := filepath.Join(srcDir, loc.FileName)
	env, err := readEnvelope(srcPath)
	if err != nil {
		return apperr.Wrap(apperr.KindIOFailure, "read leased envelope", err)
	}
	env.State = types.StatusArchived
	destPath := filepath.Join(q.root, "archive", loc.FileName)
	if err := writeEnvelope(destPath, env); err != nil {
		return apperr.Wrap(apperr.KindIOFailure, "archive envelope", err)
	}
	os.Remove(srcPath)
	os.Remove(srcDir)
	if err := q.idx.Update(func(tx *bolt.Tx) error {
		if err := deleteLocation(tx, lr.MessageKey); err != nil {
			return err
		}
		return deleteLease(tx, leaseID)
	}); err != nil {
		return apperr.Wrap(apperr.KindIOFailure, "commit ack", err)
	}
	b.forgetLease(leaseID)
	return nil
}

// resolveInflight decides between Delayed-requeue, DLQ routing, and
// deletion, and moves the file accordingly. Shared by Nack and the sweeper.
// DLQ routing moves the file into the policy's resolved DLQ queue directory
// (a distinct queue, per policy.Policy.DLQName), not back into q's own dlq/
// subdirectory, so a queue with a custom dlq.queue name actually lands
// there. The envelope's Queue field keeps recording the origin queue so
// ReprocessDLQ knows where to send it back.
func (b *Backend) resolveInflight(q *queueDir, leaseID string, lr leaseRecord, loc location, reason string, requeue bool, pol policy.Policy, now int64) error {
	srcDir := filepath.Join(q.root, "processing", leaseID)
	srcPath := filepath.Join(srcDir, loc.FileName)
	env, err := readEnvelope(srcPath)
	if err != nil {
		return err
	}
	env.Reason = reason

	if requeue && env.Attempt < pol.Retry.Limit {
		env.AvailableAtMs = pol.Retry.AvailableAtMs(now, env.Attempt)
		env.State = types.StatusDelayed
		newName := fileName(env)
		destPath := filepath.Join(q.root, "inbox", newName)
		if err := writeEnvelope(destPath, env); err != nil {
			return err
		}
		os.Remove(srcPath)
		os.Remove(srcDir)
		return q.idx.Update(func(tx *bolt.Tx) error {
			if err := putLocation(tx, env.Key, location{State: int(env.State), FileName: newName}); err != nil {
				return err
			}
			return deleteLease(tx, leaseID)
		})
	}

	if pol.DLQ.Enabled {
		env.State = types.StatusDlq
		dlqQueue := pol.DLQName(lr.Queue)
		dlqDir := q
		if dlqQueue != lr.Queue {
			dd, err := b.dirFor(lr.Namespace, dlqQueue)
			if err != nil {
				return err
			}
			dlqDir = dd
		}
		destPath := filepath.Join(dlqDir.root, "dlq", loc.FileName)
		if err := writeEnvelope(destPath, env); err != nil {
			return err
		}
		os.Remove(srcPath)
		os.Remove(srcDir)
		if dlqDir == q {
			return q.idx.Update(func(tx *bolt.Tx) error {
				if err := putLocation(tx, env.Key, location{State: int(env.State), FileName: loc.FileName}); err != nil {
					return err
				}
				return deleteLease(tx, leaseID)
			})
		}
		if err := q.idx.Update(func(tx *bolt.Tx) error {
			if err := deleteLocation(tx, env.Key); err != nil {
				return err
			}
			return deleteLease(tx, leaseID)
		}); err != nil {
			return err
		}
		dlqDir.mu.Lock()
		defer dlqDir.mu.Unlock()
		return dlqDir.idx.Update(func(tx *bolt.Tx) error {
			return putLocation(tx, env.Key, location{State: int(env.State), FileName: loc.FileName})
		})
	}

	os.Remove(srcPath)
	os.Remove(srcDir)
	return q.idx.Update(func(tx *bolt.Tx) error {
		if err := deleteLocation(tx, env.Key); err != nil {
			return err
		}
		return deleteLease(tx, leaseID)
	})
}

// Nack resolves an Inflight envelope per its queue's policy.
func (b *Backend) Nack(ctx context.Context, leaseID, reason string, requeue bool, policyFor func(namespace, queue string) policy.Policy) error {
	q, ok := b.ownerOf(leaseID)
	if !ok {
		return apperr.New(apperr.KindNotFound, "lease not found")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	lr, ok, err := q.loadLease(leaseID)
	if err != nil {
		return apperr.Wrap(apperr.KindIOFailure, "load lease", err)
	}
	if !ok {
		return apperr.New(apperr.KindNotFound, "lease not found")
	}
	var loc location
	q.idx.View(func(tx *bolt.Tx) error {
		loc, _, _ = getLocation(tx, lr.MessageKey)
		return nil
	})
	pol := policyFor(lr.Namespace, lr.Queue)
	if err := b.resolveInflight(q, leaseID, lr, loc, reason, requeue, pol, nowMs()); err != nil {
		return apperr.Wrap(apperr.KindIOFailure, "resolve nack", err)
	}
	b.forgetLease(leaseID)
	return nil
}

// ExtendLease pushes the lease deadline forward.
func (b *Backend) ExtendLease(ctx context.Context, leaseID string, visibilityTimeoutSec int) (int64, error) {
	q, ok := b.ownerOf(leaseID)
	if !ok {
		return 0, apperr.New(apperr.KindNotFound, "lease not found")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	newUntil := nowMs() + int64(visibilityTimeoutSec)*1000
	err := q.idx.Update(func(tx *bolt.Tx) error {
		lr, ok, err := getLease(tx, leaseID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindNotFound, "lease not found")
		}
		lr.LeaseUntilMs = newUntil
		return putLease(tx, leaseID, lr)
	})
	if err != nil {
		return 0, err
	}
	return newUntil, nil
}

// SweepExpiredLeases reclaims every lease past its deadline, across every
// queue directory opened so far.
func (b *Backend) SweepExpiredLeases(ctx context.Context, nowMs int64, policyFor func(namespace, queue string) policy.Policy) (int, error) {
	var reclaimed int
	for _, q := range b.allQueueDirs() {
		q.mu.Lock()
		var expired []struct {
			leaseID string
			lr      leaseRecord
		}
		q.forEachLease(func(leaseID string, lr leaseRecord) error {
			if lr.LeaseUntilMs <= nowMs {
				expired = append(expired, struct {
					leaseID string
					lr      leaseRecord
				}{leaseID, lr})
			}
			return nil
		})
		for _, e := range expired {
			var loc location
			q.idx.View(func(tx *bolt.Tx) error {
				loc, _, _ = getLocation(tx, e.lr.MessageKey)
				return nil
			})
			pol := policyFor(e.lr.Namespace, e.lr.Queue)
			if err := b.resolveInflight(q, e.leaseID, e.lr, loc, "lease expired", true, pol, nowMs); err != nil {
				q.mu.Unlock()
				return reclaimed, apperr.Wrap(apperr.KindIOFailure, "sweep expired lease", err)
			}
			b.forgetLease(e.leaseID)
			reclaimed++
		}
		q.mu.Unlock()
	}
	return reclaimed, nil
}

// LoadPolicy returns the persisted policy for a queue.
func (b *Backend) LoadPolicy(ctx context.Context, namespace, queue string) (policy.Policy, bool, error) {
	q, err := b.dirFor(namespace, queue)
	if err != nil {
		return policy.Policy{}, false, err
	}
	path := filepath.Join(q.root, "meta", "policy.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return policy.Policy{}, false, nil
		}
		return policy.Policy{}, false, apperr.Wrap(apperr.KindIOFailure, "read policy", err)
	}
	var p policy.Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return policy.Policy{}, false, apperr.Wrap(apperr.KindIOFailure, "decode policy", err)
	}
	return p, true, nil
}

// SavePolicy persists pol for a queue via write-tmp/fsync/rename.
func (b *Backend) SavePolicy(ctx context.Context, namespace, queue string, pol policy.Policy) error {
	q, err := b.dirFor(namespace, queue)
	if err != nil {
		return err
	}
	data, err := json.Marshal(pol)
	if err != nil {
		return err
	}
	if err := atomicWriteFile(filepath.Join(q.root, "meta", "policy.json"), data); err != nil {
		return apperr.Wrap(apperr.KindIOFailure, "write policy", err)
	}
	return nil
}

// QueueDepth counts envelopes still waiting for delivery (Ready or Delayed)
// at priority, for the queue manager's per-priority backpressure check.
func (b *Backend) QueueDepth(ctx context.Context, namespace, queue string, priority int32) (int64, error) {
	q, err := b.dirFor(namespace, queue)
	if err != nil {
		return 0, err
	}
	names, err := sortedInboxFiles(q.root)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindIOFailure, "scan inbox", err)
	}
	var count int64
	for _, name := range names {
		env, err := readEnvelope(filepath.Join(q.root, "inbox", name))
		if err != nil {
			continue
		}
		if env.Priority == priority {
			count++
		}
	}
	return count, nil
}

// Metrics counts entries by scanning each state directory.
func (b *Backend) Metrics(ctx context.Context, namespace, queue string) (backend.QueueMetrics, error) {
	q, err := b.dirFor(namespace, queue)
	if err != nil {
		return backend.QueueMetrics{}, err
	}
	var m backend.QueueMetrics
	names, err := sortedInboxFiles(q.root)
	if err != nil {
		return m, apperr.Wrap(apperr.KindIOFailure, "scan inbox", err)
	}
	for _, name := range names {
		env, err := readEnvelope(filepath.Join(q.root, "inbox", name))
		if err != nil {
			continue
		}
		if env.State == types.StatusDelayed {
			m.Delayed++
		} else {
			m.Ready++
		}
	}
	if entries, err := os.ReadDir(filepath.Join(q.root, "processing")); err == nil {
		m.Inflight = int64(len(entries))
	}
	if entries, err := os.ReadDir(filepath.Join(q.root, "dlq")); err == nil {
		count := 0
		for _, e := range entries {
			if !e.IsDir() {
				count++
			}
		}
		m.Dlq = int64(count)
	}
	return m, nil
}

// ListDLQ returns up to max envelopes currently dead-lettered in queue,
// oldest (by CreatedAtMs) first.
func (b *Backend) ListDLQ(ctx context.Context, namespace, queue string, max int) ([]*types.Envelope, error) {
	q, err := b.dirFor(namespace, queue)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(q.root, "dlq"))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIOFailure, "scan dlq", err)
	}
	var out []*types.Envelope
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		env, err := readEnvelope(filepath.Join(q.root, "dlq", e.Name()))
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAtMs < out[j].CreatedAtMs })
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

// ReprocessDLQ moves up to upTo dead-lettered envelopes back to Ready, in
// their origin queue (recorded in each envelope's Queue field, which may
// differ from the dlq-named queue directory that dead-lettered entries are
// actually parked in — see resolveInflight).
func (b *Backend) ReprocessDLQ(ctx context.Context, namespace, queue string, upTo int) (int, error) {
	q, err := b.dirFor(namespace, queue)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	entries, err := os.ReadDir(filepath.Join(q.root, "dlq"))
	if err != nil {
		q.mu.Unlock()
		return 0, apperr.Wrap(apperr.KindIOFailure, "scan dlq", err)
	}
	type candidate struct {
		name string
		env  *types.Envelope
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() || len(candidates) >= upTo {
			continue
		}
		env, err := readEnvelope(filepath.Join(q.root, "dlq", e.Name()))
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{name: e.Name(), env: env})
	}
	q.mu.Unlock()

	now := nowMs()
	var count int
	for _, c := range candidates {
		env := c.env
		originQueue := env.Queue
		if originQueue == "" {
			originQueue = queue
		}
		originDir := q
		if originQueue != queue {
			od, err := b.dirFor(namespace, originQueue)
			if err != nil {
				return count, err
			}
			originDir = od
		}

		env.Attempt = 0
		env.State = types.StatusReady
		env.AvailableAtMs = now
		env.Reason = ""
		newName := fileName(env)

		if originDir != q {
			originDir.mu.Lock()
		}
		q.mu.Lock()
		srcPath := filepath.Join(q.root, "dlq", c.name)
		destPath := filepath.Join(originDir.root, "inbox", newName)
		writeErr := writeEnvelope(destPath, env)
		if writeErr == nil {
			os.Remove(srcPath)
		}
		var idxErr error
		if writeErr == nil {
			idxErr = q.idx.Update(func(tx *bolt.Tx) error { return deleteLocation(tx, env.Key) })
		}
		q.mu.Unlock()
		if writeErr == nil && idxErr == nil {
			idxErr = originDir.idx.Update(func(tx *bolt.Tx) error {
				return putLocation(tx, env.Key, location{State: int(types.StatusReady), FileName: newName})
			})
		}
		if originDir != q {
			originDir.mu.Unlock()
		}
		if writeErr != nil {
			return count, apperr.Wrap(apperr.KindIOFailure, "reprocess dlq entry", writeErr)
		}
		if idxErr != nil {
			return count, apperr.Wrap(apperr.KindIOFailure, "commit reprocess", idxErr)
		}
		count++
	}
	return count, nil
}
