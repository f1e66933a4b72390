// Package config holds all configuration types and loading logic for the
// broker. Config structure never shrinks — fields are only added, never
// renamed or removed.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/coreway/epochbroker/internal/policy"
)

// Config is the root configuration for a broker instance.
type Config struct {
	SchemaVersion  int            `json:"schemaVersion"`
	NodeID         string         `json:"nodeId"`
	Backend        string         `json:"backend"`
	Paths          PathsConfig    `json:"paths"`
	SQLite         SQLiteConfig   `json:"sqlite"`
	Filesystem     FSConfig       `json:"filesystem"`
	Mailbox        MailboxConfig  `json:"mailbox"`
	Lease          LeaseConfig    `json:"lease"`
	PolicyDefaults PolicyDefaults `json:"policyDefaults"`
	Queues         []QueueConfig  `json:"queues"`
	Producers      ProducerConfig `json:"producers"`
}

// PathsConfig holds the top-level directories the broker reads and writes.
type PathsConfig struct {
	DataRoot string `json:"dataRoot"`
	LogRoot  string `json:"logRoot"`
}

// SQLiteConfig configures the sqlite-backed adapter.
type SQLiteConfig struct {
	DBPath        string `json:"dbPath"`
	BusyTimeoutMs int    `json:"busyTimeoutMs"`
	JournalMode   string `json:"journalMode"`
	Synchronous   string `json:"synchronous"`
	SchemaPath    string `json:"schemaPath"`
}

// FSConfig configures the filesystem-backed adapter's directory layout. Only
// Root is passed to the backend; the per-queue subdirectory names the
// backend uses are fixed (inbox, processing, archive, dlq, meta), so the
// *Dir fields have no effect.
type FSConfig struct {
	Root          string `json:"root"`
	InboxDir      string `json:"inboxDir"`
	ProcessingDir string `json:"processingDir"`
	ArchiveDir    string `json:"archiveDir"`
	DlqDir        string `json:"dlqDir"`
	MetaDir       string `json:"metaDir"`
}

// MailboxConfig configures the filesystem IPC front door.
type MailboxConfig struct {
	Root               string `json:"root"`
	RequestsDir        string `json:"requestsDir"`
	ResponsesDir       string `json:"responsesDir"`
	TimeoutMs          int    `json:"timeoutMs"`
	WorkerCount        int    `json:"workerCount"`
	StaleRequestTTLSec int    `json:"staleRequestTtlSec"`
}

// LeaseConfig holds broker-wide lease settings. SweepIntervalMs sets the
// sweeper cadence. VisibilityTimeoutSec is validated but not applied to any
// lease: each lease's duration comes from its queue's policy.
type LeaseConfig struct {
	VisibilityTimeoutSec int `json:"visibilityTimeoutSec"`
	SweepIntervalMs      int `json:"sweepIntervalMs"`
}

// RetryDefaults mirrors policy.Retry in config-file shape.
type RetryDefaults struct {
	Limit           int    `json:"limit"`
	Backoff         string `json:"backoff"`
	InitialDelaySec int    `json:"initialDelaySec"`
	MaxDelaySec     int    `json:"maxDelaySec"`
}

// DLQDefaults mirrors policy.DLQ in config-file shape.
type DLQDefaults struct {
	Enabled       bool   `json:"enabled"`
	Queue         string `json:"queue"`
	RetentionDays int    `json:"retentionDays"`
}

// PolicyDefaults is the fallback applied to each queue listed in Queues that
// has no policy of its own. A queue not listed in Queues uses
// policy.Default() instead.
type PolicyDefaults struct {
	VisibilityTimeoutSec int           `json:"visibilityTimeoutSec"`
	Retry                RetryDefaults `json:"retry"`
	DLQ                  DLQDefaults   `json:"dlq"`
	MaxDepth             int           `json:"maxDepth"`
}

// ProducerConfig sets per-producer rate limiting applied at the mailbox's
// publish command, keyed by client_id. MaxRate of 0 disables the limit.
type ProducerConfig struct {
	MaxRate int `json:"maxRate"`
	Burst   int `json:"burst"`
}

// QueueConfig declares a queue known at startup, with an optional policy
// override and an optional message schema. MessageSchema, when set, is a
// JSON Schema document (draft 2020-12 or earlier, whatever the schema's own
// $schema declares) as a raw JSON string; a publish whose payload does not
// validate against it is rejected with invalid_request instead of accepted.
type QueueConfig struct {
	Name          string          `json:"name"`
	Policy        *PolicyDefaults `json:"policy,omitempty"`
	MessageSchema string          `json:"messageSchema,omitempty"`
}

// ToPolicy converts config-file policy shapes into policy.Policy.
func (pd PolicyDefaults) ToPolicy() policy.Policy {
	return policy.Policy{
		VisibilityTimeoutSec: pd.VisibilityTimeoutSec,
		Retry: policy.Retry{
			Limit:           pd.Retry.Limit,
			Backoff:         policy.Backoff(pd.Retry.Backoff),
			InitialDelaySec: pd.Retry.InitialDelaySec,
			MaxDelaySec:     pd.Retry.MaxDelaySec,
		},
		DLQ: policy.DLQ{
			Enabled:       pd.DLQ.Enabled,
			Queue:         pd.DLQ.Queue,
			RetentionDays: pd.DLQ.RetentionDays,
		},
		MaxDepth: pd.MaxDepth,
	}
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		SchemaVersion: 1,
		NodeID:        "auto",
		Backend:       "sqlite",
		Paths: PathsConfig{
			DataRoot: "./data",
			LogRoot:  "./data/logs",
		},
		SQLite: SQLiteConfig{
			DBPath:        "./data/broker.db",
			BusyTimeoutMs: 5000,
			JournalMode:   "WAL",
			Synchronous:   "NORMAL",
			SchemaPath:    "",
		},
		Filesystem: FSConfig{
			Root:          "./data/fs",
			InboxDir:      "inbox",
			ProcessingDir: "processing",
			ArchiveDir:    "archive",
			DlqDir:        "dlq",
			MetaDir:       "meta",
		},
		Mailbox: MailboxConfig{
			Root:               "./data/mailbox",
			RequestsDir:        "requests",
			ResponsesDir:       "responses",
			TimeoutMs:          30_000,
			WorkerCount:        8,
			StaleRequestTTLSec: 300,
		},
		Lease: LeaseConfig{
			VisibilityTimeoutSec: 30,
			SweepIntervalMs:      500,
		},
		PolicyDefaults: PolicyDefaults{
			VisibilityTimeoutSec: 30,
			Retry: RetryDefaults{
				Limit:           5,
				Backoff:         "exponential",
				InitialDelaySec: 1,
				MaxDelaySec:     300,
			},
			DLQ: DLQDefaults{
				Enabled:       true,
				Queue:         "",
				RetentionDays: 14,
			},
		},
		Queues: []QueueConfig{},
		Producers: ProducerConfig{
			MaxRate: 10_000,
			Burst:   50_000,
		},
	}
}

// Load reads a JSON config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run the broker with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	EPOCHBROKER_NODE_ID        — sets nodeId
//	EPOCHBROKER_BACKEND        — sets backend
//	EPOCHBROKER_DATA_ROOT      — sets paths.dataRoot
//	EPOCHBROKER_DB_PATH        — sets sqlite.dbPath
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("EPOCHBROKER_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("EPOCHBROKER_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("EPOCHBROKER_DATA_ROOT"); v != "" {
		cfg.Paths.DataRoot = v
	}
	if v := os.Getenv("EPOCHBROKER_DB_PATH"); v != "" {
		cfg.SQLite.DBPath = v
	}
	if v := os.Getenv("EPOCHBROKER_VISIBILITY_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Lease.VisibilityTimeoutSec = n
		}
	}
}

// ApplyFlags overlays CLI flag values onto cfg. Empty strings and zero ints
// are treated as "flag not set" and leave the existing value untouched.
func (c *Config) ApplyFlags(backend, dbPath, dataRoot, logRoot, nodeID string, visibilityTimeoutSec int) {
	if backend != "" {
		c.Backend = backend
	}
	if dbPath != "" {
		c.SQLite.DBPath = dbPath
	}
	if dataRoot != "" {
		c.Paths.DataRoot = dataRoot
	}
	if logRoot != "" {
		c.Paths.LogRoot = logRoot
	}
	if nodeID != "" {
		c.NodeID = nodeID
	}
	if visibilityTimeoutSec > 0 {
		c.Lease.VisibilityTimeoutSec = visibilityTimeoutSec
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	switch c.Backend {
	case "sqlite", "filesystem", "hybrid":
		// valid
	default:
		return errors.New(`backend must be one of "sqlite", "filesystem", "hybrid"`)
	}
	if c.Paths.DataRoot == "" {
		return errors.New("paths.dataRoot must not be empty")
	}
	if c.Lease.VisibilityTimeoutSec < 1 {
		return errors.New("lease.visibilityTimeoutSec must be at least 1")
	}
	if c.Mailbox.WorkerCount < 1 {
		return errors.New("mailbox.workerCount must be at least 1")
	}
	if c.Mailbox.TimeoutMs < 1 {
		return errors.New("mailbox.timeoutMs must be at least 1")
	}
	if err := c.PolicyDefaults.ToPolicy().Validate(); err != nil {
		return fmt.Errorf("policyDefaults: %w", err)
	}
	seen := make(map[string]bool, len(c.Queues))
	for _, q := range c.Queues {
		if q.Name == "" {
			return errors.New("queues[].name must not be empty")
		}
		if seen[q.Name] {
			return fmt.Errorf("queues: duplicate queue name %q", q.Name)
		}
		seen[q.Name] = true
		if q.Policy != nil {
			if err := q.Policy.ToPolicy().Validate(); err != nil {
				return fmt.Errorf("queues[%s].policy: %w", q.Name, err)
			}
		}
	}
	return nil
}
