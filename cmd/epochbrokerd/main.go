// Command epochbrokerd is the broker process. It loads configuration,
// initializes node identity, opens the configured backend, and serves the
// filesystem mailbox until signaled to stop.
//
// Usage:
//
//	epochbrokerd [--config path/to/config.json]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreway/epochbroker/internal/backend"
	"github.com/coreway/epochbroker/internal/backend/fsbackend"
	"github.com/coreway/epochbroker/internal/backend/hybridbackend"
	"github.com/coreway/epochbroker/internal/backend/sqlbackend"
	"github.com/coreway/epochbroker/internal/config"
	"github.com/coreway/epochbroker/internal/mailbox"
	"github.com/coreway/epochbroker/internal/metrics"
	"github.com/coreway/epochbroker/internal/namespace"
	"github.com/coreway/epochbroker/internal/node"
	"github.com/coreway/epochbroker/internal/queue"
)

// Exit codes per the external interface: 0 clean shutdown, 1 startup/config
// failure, 2 backend open failure.
const (
	exitOK           = 0
	exitStartupError = 1
	exitBackendError = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "epochbrokerd: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	configPath := flag.String("config", "config.json", "path to config file")
	backendFlag := flag.String("backend", "", "override configured backend (sqlite|filesystem|hybrid)")
	dbPath := flag.String("db-path", "", "override sqlite database path")
	dataRoot := flag.String("data-root", "", "override paths.dataRoot")
	logRoot := flag.String("log-root", "", "override paths.logRoot")
	nodeID := flag.String("node-id", "", "override node identity (default: persisted or auto-generated)")
	visibilityTimeout := flag.Int("visibility-timeout", 0, "override lease.visibilityTimeoutSec")
	writeConsoleLog := flag.Bool("write-console-log", true, "write structured logs to stdout")
	writeFileLog := flag.Bool("write-file-log", false, "additionally write logs to paths.logRoot/broker.log")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return exitStartupError, fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyFlags(*backendFlag, *dbPath, *dataRoot, *logRoot, *nodeID, *visibilityTimeout)
	if err := cfg.Validate(); err != nil {
		return exitStartupError, fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────
	logger, closeLog, err := newLogger(cfg, *writeConsoleLog, *writeFileLog)
	if err != nil {
		return exitStartupError, fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()
	slog.SetDefault(logger)

	// ── 3. Initialize node identity ────────────────────────────────────
	n, err := node.New(cfg.Paths.DataRoot, cfg.NodeID)
	if err != nil {
		return exitStartupError, fmt.Errorf("init node: %w", err)
	}

	slog.Info("epochbrokerd starting",
		"node_id", n.ID(),
		"backend", cfg.Backend,
		"data_root", cfg.Paths.DataRoot,
	)

	// ── 4. Initialize namespace registry ───────────────────────────────
	nsReg, err := namespace.New(cfg.Paths.DataRoot)
	if err != nil {
		return exitStartupError, fmt.Errorf("init namespace registry: %w", err)
	}

	// ── 5. Initialize metrics registry ─────────────────────────────────
	metricsReg := &metrics.Registry{}

	// ── 6. Open the configured backend ─────────────────────────────────
	be, err := openBackend(cfg)
	if err != nil {
		return exitStartupError, fmt.Errorf("construct backend: %w", err)
	}
	ctx := context.Background()
	if err := be.Open(ctx); err != nil {
		return exitBackendError, fmt.Errorf("open backend: %w", err)
	}

	// ── 7. Initialize the queue manager and register configured queues ──
	mgr := queue.New(be, string(n.ID()),
		queue.WithMetrics(metricsReg),
		queue.WithSweepConfig(queue.SweepConfig{
			LeaseSweepInterval: time.Duration(cfg.Lease.SweepIntervalMs) * time.Millisecond,
			RetrySweepInterval: time.Duration(cfg.Lease.SweepIntervalMs) * time.Millisecond,
		}),
	)
	for _, q := range cfg.Queues {
		pol := cfg.PolicyDefaults.ToPolicy()
		if q.Policy != nil {
			pol = q.Policy.ToPolicy()
		}
		if err := mgr.RegisterQueue(ctx, defaultNamespaceFor(nsReg), q.Name, pol); err != nil {
			slog.Warn("register configured queue failed", "queue", q.Name, "error", err)
		}
	}
	mgr.StartSweeper(ctx)

	// ── 8. Start the mailbox IPC front door ──────────────────────────────
	mb := mailbox.New(mailbox.Config{
		Root:               cfg.Mailbox.Root,
		RequestsDir:        cfg.Mailbox.RequestsDir,
		ResponsesDir:       cfg.Mailbox.ResponsesDir,
		TimeoutMs:          cfg.Mailbox.TimeoutMs,
		WorkerCount:        cfg.Mailbox.WorkerCount,
		StaleRequestTTLSec: cfg.Mailbox.StaleRequestTTLSec,
		ProducerRateLimit:  float64(cfg.Producers.MaxRate),
		ProducerBurst:      cfg.Producers.Burst,
	}, mgr, nsReg, metricsReg)
	for _, q := range cfg.Queues {
		if q.MessageSchema == "" {
			continue
		}
		if err := mb.RegisterSchema(defaultNamespaceFor(nsReg), q.Name, []byte(q.MessageSchema)); err != nil {
			slog.Warn("register message schema failed", "queue", q.Name, "error", err)
		}
	}

	if err := mb.Start(ctx); err != nil {
		be.Close()
		return exitStartupError, fmt.Errorf("start mailbox: %w", err)
	}

	slog.Info("epochbrokerd ready", "node_id", n.ID(), "mailbox_root", cfg.Mailbox.Root)

	// ── 9. Wait for shutdown signal ──────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutting down", "signal", sig)

	// ── 10. Ordered shutdown: stop accepting → stop sweeper → close backend ─
	mb.Stop()
	mgr.Stop()
	if err := be.Close(); err != nil {
		slog.Warn("backend close error", "error", err)
	}

	slog.Info("epochbrokerd stopped")
	return exitOK, nil
}

// defaultNamespaceFor ensures the "default" namespace exists so queues
// declared in config without an explicit namespace have somewhere to live.
func defaultNamespaceFor(nsReg *namespace.Registry) string {
	const name = "default"
	_ = nsReg.Ensure(name)
	return name
}

// openBackend constructs the backend.Backend implementation selected by
// cfg.Backend. It does not call Open — the caller does that so it can
// distinguish construction failures (exit 1) from open failures (exit 2).
func openBackend(cfg *config.Config) (backend.Backend, error) {
	switch cfg.Backend {
	case "sqlite":
		return sqlbackend.New(sqlbackend.Config{
			DBPath:        cfg.SQLite.DBPath,
			BusyTimeoutMs: cfg.SQLite.BusyTimeoutMs,
			JournalMode:   cfg.SQLite.JournalMode,
			Synchronous:   cfg.SQLite.Synchronous,
			SchemaPath:    cfg.SQLite.SchemaPath,
		}), nil
	case "filesystem":
		return fsbackend.New(fsbackend.Config{Root: cfg.Filesystem.Root}), nil
	case "hybrid":
		return hybridbackend.New(hybridbackend.Config{
			SQL: sqlbackend.Config{
				DBPath:        cfg.SQLite.DBPath,
				BusyTimeoutMs: cfg.SQLite.BusyTimeoutMs,
				JournalMode:   cfg.SQLite.JournalMode,
				Synchronous:   cfg.SQLite.Synchronous,
				SchemaPath:    cfg.SQLite.SchemaPath,
			},
			PayloadRoot: cfg.Filesystem.Root,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
