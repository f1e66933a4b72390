// Package sqlbackend implements the backend.Backend contract on top of an
// embedded SQLite database. It favors a single-writer, WAL-journaled
// database with BEGIN IMMEDIATE transactions for the leasing hot path,
// since SQLite has no SELECT ... FOR UPDATE SKIP LOCKED.
package sqlbackend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/mattn/go-sqlite3"

	"github.com/coreway/epochbroker/internal/apperr"
	"github.com/coreway/epochbroker/internal/backend"
	"github.com/coreway/epochbroker/internal/idgen"
	"github.com/coreway/epochbroker/internal/policy"
	"github.com/coreway/epochbroker/internal/types"
)

func jsonMarshal(v any) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

func jsonUnmarshal(s string, v any) error {
	return json.Unmarshal([]byte(s), v)
}

//go:embed schema.sql
var schema string

// DefaultDirPermissions is applied when creating the database directory.
const DefaultDirPermissions = 0o755

// Config configures the SQLite backend.
type Config struct {
	// DBPath is the path to the SQLite database file. Required.
	DBPath string
	// BusyTimeoutMs is passed through to SQLite's busy_timeout pragma.
	BusyTimeoutMs int
	// JournalMode defaults to WAL.
	JournalMode string
	// Synchronous defaults to NORMAL.
	Synchronous string
	// SchemaPath, if set, overrides the embedded schema.sql with a file read
	// from disk at Open time — an operator escape hatch for deployments that
	// need extra indexes or columns without a code change.
	SchemaPath string
}

func (c Config) withDefaults() Config {
	if c.BusyTimeoutMs <= 0 {
		c.BusyTimeoutMs = 5000
	}
	if c.JournalMode == "" {
		c.JournalMode = "WAL"
	}
	if c.Synchronous == "" {
		c.Synchronous = "NORMAL"
	}
	return c
}

// Backend is the SQLite-backed backend.Backend implementation.
type Backend struct {
	cfg Config
	db  *sql.DB
}

// New constructs an unopened Backend.
func New(cfg Config) *Backend {
	return &Backend{cfg: cfg.withDefaults()}
}

// Open creates the database directory if needed, opens the connection pool,
// and applies the schema.
func (b *Backend) Open(ctx context.Context) error {
	if b.cfg.DBPath == "" {
		return apperr.New(apperr.KindIOFailure, "sqlbackend: dbPath not set")
	}
	dir := filepath.Dir(b.cfg.DBPath)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("sqlbackend: failed to create data directory", "error", err, "dir", dir)
		return apperr.Wrap(apperr.KindIOFailure, "create database directory", err)
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=%d&_journal_mode=%s&_synchronous=%s&_foreign_keys=on",
		b.cfg.DBPath, b.cfg.BusyTimeoutMs, b.cfg.JournalMode, b.cfg.Synchronous)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("sqlbackend: failed to open database", "error", err)
		return apperr.Wrap(apperr.KindIOFailure, "open sqlite database", err)
	}
	// SQLite has a single writer; a large pool just causes SQLITE_BUSY churn.
	db.SetMaxOpenConns(8)
	if err := db.PingContext(ctx); err != nil {
		slog.Error("sqlbackend: ping failed", "error", err)
		return apperr.Wrap(apperr.KindIOFailure, "ping sqlite database", err)
	}
	appliedSchema := schema
	if b.cfg.SchemaPath != "" {
		custom, err := os.ReadFile(b.cfg.SchemaPath)
		if err != nil {
			slog.Error("sqlbackend: failed to read custom schema", "error", err, "path", b.cfg.SchemaPath)
			return apperr.Wrap(apperr.KindIOFailure, "read custom schema", err)
		}
		appliedSchema = string(custom)
	}
	if _, err := db.ExecContext(ctx, appliedSchema); err != nil {
		slog.Error("sqlbackend: failed to apply schema", "error", err)
		return apperr.Wrap(apperr.KindIOFailure, "apply schema", err)
	}
	b.db = db
	slog.Debug("sqlbackend: opened", "path", b.cfg.DBPath)
	return nil
}

// Close closes the underlying database connection.
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// busyRetryDelays implements the bounded exponential backoff (1ms -> 100ms,
// capped at 10 retries) required for lease contention.
var busyRetryDelays = func() []time.Duration {
	d := make([]time.Duration, 10)
	cur := time.Millisecond
	for i := range d {
		d[i] = cur
		cur *= 2
		if cur > 100*time.Millisecond {
			cur = 100 * time.Millisecond
		}
	}
	return d
}()

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// withTx runs fn inside a BEGIN IMMEDIATE transaction (via the _txlock=immediate
// DSN parameter), retrying on SQLITE_BUSY with bounded exponential backoff.
func (b *Backend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= len(busyRetryDelays); attempt++ {
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			if isBusy(err) && attempt < len(busyRetryDelays) {
				lastErr = err
				time.Sleep(busyRetryDelays[attempt])
				continue
			}
			return apperr.Wrap(apperr.KindIOFailure, "begin transaction", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if isBusy(err) && attempt < len(busyRetryDelays) {
				lastErr = err
				time.Sleep(busyRetryDelays[attempt])
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isBusy(err) && attempt < len(busyRetryDelays) {
				lastErr = err
				time.Sleep(busyRetryDelays[attempt])
				continue
			}
			return apperr.Wrap(apperr.KindIOFailure, "commit transaction", err)
		}
		return nil
	}
	return apperr.Wrap(apperr.KindTransient, "try again", lastErr)
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Enqueue inserts env as Ready or Delayed.
func (b *Backend) Enqueue(ctx context.Context, env *types.Envelope) error {
	state := types.StatusReady
	if env.AvailableAtMs > nowMs() {
		state = types.StatusDelayed
	}
	env.State = state
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO messages
			(namespace, queue, key, message_id, payload, attributes, priority, attempt, created_at_ms, available_at_ms, state, reason, node_id)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			env.Namespace, env.Queue, env.Key, env.MessageID, env.Payload, env.Attributes,
			env.Priority, env.Attempt, env.CreatedAtMs, env.AvailableAtMs, state, env.Reason, env.NodeID)
		return err
	})
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return apperr.New(apperr.KindConflict, fmt.Sprintf("key %q already exists in queue %s/%s", env.Key, env.Namespace, env.Queue))
		}
		slog.Error("sqlbackend: enqueue failed", "error", err, "namespace", env.Namespace, "queue", env.Queue, "key", env.Key)
		return err
	}
	return nil
}

func scanEnvelope(row interface{ Scan(...any) error }) (*types.Envelope, error) {
	var e types.Envelope
	var state int
	if err := row.Scan(&e.Namespace, &e.Queue, &e.Key, &e.MessageID, &e.Payload, &e.Attributes,
		&e.Priority, &e.Attempt, &e.CreatedAtMs, &e.AvailableAtMs, &state, &e.Reason, &e.NodeID); err != nil {
		return nil, err
	}
	e.State = types.Status(state)
	return &e, nil
}

// LeaseNext atomically claims the highest-eligibility envelope that is Ready,
// or Delayed with an AvailableAtMs that has passed.
func (b *Backend) LeaseNext(ctx context.Context, namespace, queue, consumerID string, visibilityTimeoutSec int) (*types.Envelope, *types.Lease, error) {
	now := nowMs()
	var env *types.Envelope
	var lease *types.Lease
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT namespace, queue, key, message_id, payload, attributes, priority, attempt, created_at_ms, available_at_ms, state, reason, node_id
			FROM messages
			WHERE namespace = ? AND queue = ? AND state IN (?, ?) AND available_at_ms <= ?
			ORDER BY priority ASC, available_at_ms ASC, created_at_ms ASC, key ASC
			LIMIT 1`, namespace, queue, int(types.StatusReady), int(types.StatusDelayed), now)
		e, err := scanEnvelope(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		e.Attempt++
		e.State = types.StatusInflight
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET attempt = ?, state = ? WHERE namespace = ? AND queue = ? AND key = ?`,
			e.Attempt, int(types.StatusInflight), namespace, queue, e.Key); err != nil {
			return err
		}
		leaseID := idgen.New()
		leaseUntil := now + int64(visibilityTimeoutSec)*1000
		if _, err := tx.ExecContext(ctx, `INSERT INTO leases (lease_id, namespace, queue, message_key, consumer_id, lease_until_ms) VALUES (?,?,?,?,?,?)`,
			leaseID, namespace, queue, e.Key, consumerID, leaseUntil); err != nil {
			return err
		}
		env = e
		lease = &types.Lease{LeaseID: leaseID, MessageKey: e.Key, Queue: queue, Namespace: namespace, ConsumerID: consumerID, LeaseUntilMs: leaseUntil}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return env, lease, nil
}

func (b *Backend) loadLease(ctx context.Context, tx *sql.Tx, leaseID string) (*types.Lease, error) {
	row := tx.QueryRowContext(ctx, `SELECT lease_id, namespace, queue, message_key, consumer_id, lease_until_ms FROM leases WHERE lease_id = ?`, leaseID)
	var l types.Lease
	if err := row.Scan(&l.LeaseID, &l.Namespace, &l.Queue, &l.MessageKey, &l.ConsumerID, &l.LeaseUntilMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "lease not found")
		}
		return nil, err
	}
	return &l, nil
}

// Ack resolves the lease and archives its envelope.
func (b *Backend) Ack(ctx context.Context, leaseID string) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		l, err := b.loadLease(ctx, tx, leaseID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET state = ? WHERE namespace = ? AND queue = ? AND key = ?`,
			int(types.StatusArchived), l.Namespace, l.Queue, l.MessageKey); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM leases WHERE lease_id = ?`, leaseID)
		return err
	})
}

// resolveInflight is the shared body of Nack and the sweeper's expiry
// reclaim: it decides between Delayed-requeue, DLQ routing, and deletion.
// DLQ routing physically re-keys the row under the policy's resolved DLQ
// queue name (policy.Policy.DLQName), recording the true origin in
// origin_queue so ReprocessDLQ can send it back.
func resolveInflight(ctx context.Context, tx *sql.Tx, namespace, queue, key string, attempt int, reason string, requeue bool, pol policy.Policy, now int64) error {
	if requeue && attempt < pol.Retry.Limit {
		availableAt := pol.Retry.AvailableAtMs(now, attempt)
		_, err := tx.ExecContext(ctx, `UPDATE messages SET state = ?, available_at_ms = ?, reason = ? WHERE namespace = ? AND queue = ? AND key = ?`,
			int(types.StatusDelayed), availableAt, reason, namespace, queue, key)
		return err
	}
	if pol.DLQ.Enabled {
		dlqQueue := pol.DLQName(queue)
		_, err := tx.ExecContext(ctx, `UPDATE messages SET state = ?, reason = ?, queue = ?, origin_queue = ? WHERE namespace = ? AND queue = ? AND key = ?`,
			int(types.StatusDlq), reason, dlqQueue, queue, namespace, queue, key)
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE namespace = ? AND queue = ? AND key = ?`, namespace, queue, key)
	return err
}

// Nack resolves an Inflight envelope per its queue's policy.
func (b *Backend) Nack(ctx context.Context, leaseID, reason string, requeue bool, policyFor func(namespace, queue string) policy.Policy) error {
	now := nowMs()
	return b.withTx(ctx, func(tx *sql.Tx) error {
		l, err := b.loadLease(ctx, tx, leaseID)
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT attempt FROM messages WHERE namespace = ? AND queue = ? AND key = ?`, l.Namespace, l.Queue, l.MessageKey)
		var attempt int
		if err := row.Scan(&attempt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.New(apperr.KindNotFound, "message not found")
			}
			return err
		}
		pol := policyFor(l.Namespace, l.Queue)
		if err := resolveInflight(ctx, tx, l.Namespace, l.Queue, l.MessageKey, attempt, reason, requeue, pol, now); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM leases WHERE lease_id = ?`, leaseID)
		return err
	})
}

// ExtendLease pushes the lease deadline forward.
func (b *Backend) ExtendLease(ctx context.Context, leaseID string, visibilityTimeoutSec int) (int64, error) {
	newUntil := nowMs() + int64(visibilityTimeoutSec)*1000
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE leases SET lease_until_ms = ? WHERE lease_id = ?`, newUntil, leaseID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return apperr.New(apperr.KindNotFound, "lease not found")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newUntil, nil
}

// SweepExpiredLeases reclaims every lease past its deadline.
func (b *Backend) SweepExpiredLeases(ctx context.Context, nowMs int64, policyFor func(namespace, queue string) policy.Policy) (int, error) {
	var reclaimed int
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT lease_id, namespace, queue, message_key FROM leases WHERE lease_until_ms <= ?`, nowMs)
		if err != nil {
			return err
		}
		type expired struct {
			leaseID, namespace, queue, key string
		}
		var batch []expired
		for rows.Next() {
			var e expired
			if err := rows.Scan(&e.leaseID, &e.namespace, &e.queue, &e.key); err != nil {
				rows.Close()
				return err
			}
			batch = append(batch, e)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		for _, e := range batch {
			var attempt int
			row := tx.QueryRowContext(ctx, `SELECT attempt FROM messages WHERE namespace = ? AND queue = ? AND key = ?`, e.namespace, e.queue, e.key)
			if err := row.Scan(&attempt); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					continue
				}
				return err
			}
			pol := policyFor(e.namespace, e.queue)
			if err := resolveInflight(ctx, tx, e.namespace, e.queue, e.key, attempt, "lease expired", true, pol, nowMs); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE lease_id = ?`, e.leaseID); err != nil {
				return err
			}
			reclaimed++
		}
		return nil
	})
	return reclaimed, err
}

// LoadPolicy returns the persisted policy for a queue.
func (b *Backend) LoadPolicy(ctx context.Context, namespace, queue string) (policy.Policy, bool, error) {
	var raw string
	row := b.db.QueryRowContext(ctx, `SELECT policy_json FROM queue_policies WHERE namespace = ? AND queue = ?`, namespace, queue)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return policy.Policy{}, false, nil
		}
		return policy.Policy{}, false, err
	}
	var p policy.Policy
	if err := jsonUnmarshal(raw, &p); err != nil {
		return policy.Policy{}, false, apperr.Wrap(apperr.KindIOFailure, "decode stored policy", err)
	}
	return p, true, nil
}

// SavePolicy persists pol for a queue.
func (b *Backend) SavePolicy(ctx context.Context, namespace, queue string, pol policy.Policy) error {
	raw, err := jsonMarshal(pol)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `INSERT INTO queue_policies (namespace, queue, policy_json) VALUES (?,?,?)
		ON CONFLICT (namespace, queue) DO UPDATE SET policy_json = excluded.policy_json`, namespace, queue, raw)
	return err
}

// Metrics returns the point-in-time state counts for a queue.
func (b *Backend) Metrics(ctx context.Context, namespace, queue string) (backend.QueueMetrics, error) {
	var m backend.QueueMetrics
	rows, err := b.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM messages WHERE namespace = ? AND queue = ? GROUP BY state`, namespace, queue)
	if err != nil {
		return m, err
	}
	defer rows.Close()
	for rows.Next() {
		var state, count int64
		if err := rows.Scan(&state, &count); err != nil {
			return m, err
		}
		switch types.Status(state) {
		case types.StatusReady:
			m.Ready = count
		case types.StatusInflight:
			m.Inflight = count
		case types.StatusDelayed:
			m.Delayed = count
		case types.StatusDlq:
			m.Dlq = count
		}
	}
	return m, rows.Err()
}

// QueueDepth counts envelopes still waiting for delivery (Ready or Delayed)
// at priority, for the queue manager's per-priority backpressure check.
func (b *Backend) QueueDepth(ctx context.Context, namespace, queue string, priority int32) (int64, error) {
	var count int64
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages
		WHERE namespace = ? AND queue = ? AND priority = ? AND state IN (?, ?)`,
		namespace, queue, priority, int(types.StatusReady), int(types.StatusDelayed)).Scan(&count)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindIOFailure, "count queue depth", err)
	}
	return count, nil
}

// ListDLQ returns up to max envelopes currently dead-lettered in queue.
func (b *Backend) ListDLQ(ctx context.Context, namespace, queue string, max int) ([]*types.Envelope, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT namespace, queue, key, message_id, payload, attributes, priority, attempt, created_at_ms, available_at_ms, state, reason, node_id
		FROM messages WHERE namespace = ? AND queue = ? AND state = ? ORDER BY created_at_ms ASC LIMIT ?`,
		namespace, queue, int(types.StatusDlq), max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReprocessDLQ moves up to upTo dead-lettered envelopes back to Ready, in
// their origin queue (origin_queue, recorded when the row was dead-lettered
// into queue by resolveInflight — which may differ from queue itself).
func (b *Backend) ReprocessDLQ(ctx context.Context, namespace, queue string, upTo int) (int, error) {
	now := nowMs()
	var count int
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT key, origin_queue FROM messages WHERE namespace = ? AND queue = ? AND state = ? ORDER BY created_at_ms ASC LIMIT ?`,
			namespace, queue, int(types.StatusDlq), upTo)
		if err != nil {
			return err
		}
		type item struct{ key, origin string }
		var items []item
		for rows.Next() {
			var it item
			if err := rows.Scan(&it.key, &it.origin); err != nil {
				rows.Close()
				return err
			}
			items = append(items, it)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()
		for _, it := range items {
			target := it.origin
			if target == "" {
				target = queue
			}
			if _, err := tx.ExecContext(ctx, `UPDATE messages SET state = ?, attempt = 0, available_at_ms = ?, reason = '', queue = ?, origin_queue = '' WHERE namespace = ? AND queue = ? AND key = ?`,
				int(types.StatusReady), now, target, namespace, queue, it.key); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}
