// Package fsbackend implements the backend.Backend contract directly on
// top of the filesystem: one directory tree per queue holding inbox,
// processing, archive, dlq, and meta subdirectories, plus a small bbolt
// index for O(1) key/lease lookups. Leasing is a claim-by-rename from
// inbox/ to processing/<lease_id>/, the same atomic-commit idiom the
// mailbox protocol itself uses for request claiming.
package fsbackend

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/coreway/epochbroker/internal/apperr"
	"github.com/coreway/epochbroker/internal/idgen"
	"github.com/coreway/epochbroker/internal/types"
)

// DirPermissions is applied to every directory this backend creates.
const DirPermissions = 0o750

// Config configures the filesystem backend.
type Config struct {
	// Root is the directory under which every queue's tree is created.
	Root string
}

// Backend is the filesystem-backed backend.Backend implementation.
type Backend struct {
	cfg Config

	mu     sync.Mutex // serializes directory-tree creation and queue-map access
	queues map[string]*queueDir

	leaseMu    sync.Mutex
	leaseOwner map[string]*queueDir // lease_id -> owning queue, rebuilt at Open
}

type queueDir struct {
	mu   sync.Mutex // per-queue lock, standing in for the spec's lockfile-per-queue
	root string
	idx  *bolt.DB
}

func queueKey(namespace, queue string) string { return namespace + "/" + queue }

// New constructs an unopened Backend.
func New(cfg Config) *Backend {
	return &Backend{cfg: cfg, queues: make(map[string]*queueDir), leaseOwner: make(map[string]*queueDir)}
}

// Open creates the root directory and rediscovers every queue tree left
// behind by a prior run, so that a lease minted before a crash can still be
// acked, nacked, or extended by ID after restart.
func (b *Backend) Open(ctx context.Context) error {
	if b.cfg.Root == "" {
		return apperr.New(apperr.KindIOFailure, "fsbackend: root not set")
	}
	if err := os.MkdirAll(b.cfg.Root, DirPermissions); err != nil {
		return apperr.Wrap(apperr.KindIOFailure, "create data root", err)
	}
	namespaces, err := os.ReadDir(b.cfg.Root)
	if err != nil {
		return apperr.Wrap(apperr.KindIOFailure, "read data root", err)
	}
	for _, ns := range namespaces {
		if !ns.IsDir() {
			continue
		}
		queues, err := os.ReadDir(filepath.Join(b.cfg.Root, ns.Name()))
		if err != nil {
			continue
		}
		for _, qe := range queues {
			if !qe.IsDir() {
				continue
			}
			if _, err := os.Stat(filepath.Join(b.cfg.Root, ns.Name(), qe.Name(), "meta", "index.db")); err != nil {
				continue
			}
			if _, err := b.dirFor(ns.Name(), qe.Name()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close closes every open per-queue index.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, q := range b.queues {
		if q.idx != nil {
			if err := q.idx.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// dirFor lazily creates and returns the on-disk tree and index for a queue.
func (b *Backend) dirFor(namespace, queue string) (*queueDir, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := queueKey(namespace, queue)
	if q, ok := b.queues[k]; ok {
		return q, nil
	}
	root := filepath.Join(b.cfg.Root, namespace, queue)
	for _, sub := range []string{"inbox", "processing", "archive", "dlq", "meta"} {
		if err := os.MkdirAll(filepath.Join(root, sub), DirPermissions); err != nil {
			return nil, apperr.Wrap(apperr.KindIOFailure, "create queue directory", err)
		}
	}
	idx, err := bolt.Open(filepath.Join(root, "meta", "index.db"), 0o640, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIOFailure, "open queue index", err)
	}
	if err := idx.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte("locations")); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte("leases"))
		return err
	}); err != nil {
		idx.Close()
		return nil, apperr.Wrap(apperr.KindIOFailure, "initialize queue index", err)
	}
	q := &queueDir{root: root, idx: idx}
	b.queues[k] = q

	b.leaseMu.Lock()
	q.forEachLease(func(leaseID string, _ leaseRecord) error {
		b.leaseOwner[leaseID] = q
		return nil
	})
	b.leaseMu.Unlock()

	return q, nil
}

func (b *Backend) rememberLease(leaseID string, q *queueDir) {
	b.leaseMu.Lock()
	b.leaseOwner[leaseID] = q
	b.leaseMu.Unlock()
}

func (b *Backend) forgetLease(leaseID string) {
	b.leaseMu.Lock()
	delete(b.leaseOwner, leaseID)
	b.leaseMu.Unlock()
}

func (b *Backend) ownerOf(leaseID string) (*queueDir, bool) {
	b.leaseMu.Lock()
	defer b.leaseMu.Unlock()
	q, ok := b.leaseOwner[leaseID]
	return q, ok
}

// allQueueDirs returns a snapshot of every queue directory opened so far,
// used by the sweeper to scan across all queues without the caller having
// to enumerate them.
func (b *Backend) allQueueDirs() map[string]*queueDir {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]*queueDir, len(b.queues))
	for k, v := range b.queues {
		out[k] = v
	}
	return out
}

// priorityRank maps a signed priority to a sortable unsigned rank so that
// lexicographic filename ordering matches numeric priority ordering.
func priorityRank(p int32) uint32 { return uint32(p) ^ 0x80000000 }

func fileName(env *types.Envelope) string {
	return fmt.Sprintf("%010d_%020d_%020d_%s.json",
		priorityRank(env.Priority), env.AvailableAtMs, env.CreatedAtMs, hex.EncodeToString([]byte(env.Key)))
}

func atomicWriteFile(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp.%s", path, idgen.New())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// sortedInboxFiles returns inbox/ entries sorted lexicographically, which is
// also priority/available_at_ms/created_at_ms/key order given fileName's
// encoding.
func sortedInboxFiles(root string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, "inbox"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
