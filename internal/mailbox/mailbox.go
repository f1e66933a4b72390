// Package mailbox implements the broker's filesystem IPC front door: a
// producer or consumer drops a request file into requests/, the broker
// claims it by renaming it into processing/, dispatches it against the
// queue manager, and writes a response file into responses/<client_id>/.
//
// This is the only way external processes talk to the broker — there is no
// network listener. The design mirrors the teacher's HTTP handler table and
// its scheduler's notify-channel wakeup, re-expressed over files.
package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/coreway/epochbroker/internal/metrics"
	"github.com/coreway/epochbroker/internal/namespace"
	"github.com/coreway/epochbroker/internal/queue"
	"github.com/coreway/epochbroker/internal/validate"
)

// Config controls the mailbox's directory layout and worker pool.
type Config struct {
	Root               string
	RequestsDir        string
	ResponsesDir       string
	DeadDir            string
	TimeoutMs          int
	WorkerCount        int
	StaleRequestTTLSec int

	// ProducerRateLimit and ProducerBurst configure the per-client_id token
	// bucket applied to publish requests. Zero disables the limit.
	ProducerRateLimit float64
	ProducerBurst     int
}

// withDefaults fills in any zero-valued fields with the broker's defaults.
func (c Config) withDefaults() Config {
	if c.RequestsDir == "" {
		c.RequestsDir = "requests"
	}
	if c.ResponsesDir == "" {
		c.ResponsesDir = "responses"
	}
	if c.DeadDir == "" {
		c.DeadDir = "dead"
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = 30_000
	}
	if c.WorkerCount == 0 {
		c.WorkerCount = 8
	}
	if c.StaleRequestTTLSec == 0 {
		c.StaleRequestTTLSec = 300
	}
	return c
}

func (c Config) requestsPath() string  { return filepath.Join(c.Root, c.RequestsDir) }
func (c Config) processingPath() string { return filepath.Join(c.Root, "processing") }
func (c Config) responsesPath() string { return filepath.Join(c.Root, c.ResponsesDir) }
func (c Config) deadPath() string      { return filepath.Join(c.Root, c.DeadDir) }

// Server drains the requests/ directory and dispatches each request against
// a queue.Manager, writing a response file for every claimed request.
type Server struct {
	cfg     Config
	mgr     *queue.Manager
	ns      *namespace.Registry
	metrics *metrics.Registry
	schemas *validate.Registry

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	pending chan string // absolute paths of files claimed into processing/

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Server. Call Start to begin processing requests.
func New(cfg Config, mgr *queue.Manager, ns *namespace.Registry, reg *metrics.Registry) *Server {
	return &Server{
		cfg:      cfg.withDefaults(),
		mgr:      mgr,
		ns:       ns,
		metrics:  reg,
		schemas:  validate.New(),
		limiters: make(map[string]*rate.Limiter),
		pending:  make(chan string, 1024),
		stopCh:   make(chan struct{}),
	}
}

// RegisterSchema associates a JSON Schema document with namespace/queue so
// subsequent publish requests against it are rejected unless the payload
// conforms. Called at startup for each configured queue with a messageSchema;
// an empty schemaJSON clears any existing schema for the queue.
func (s *Server) RegisterSchema(namespace, queue string, schemaJSON []byte) error {
	return s.schemas.Register(namespace, queue, schemaJSON)
}

// Open creates the mailbox directory tree if it does not already exist.
func (s *Server) Open() error {
	for _, dir := range []string{s.cfg.requestsPath(), s.cfg.processingPath(), s.cfg.responsesPath(), s.cfg.deadPath()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("mailbox: create %s: %w", dir, err)
		}
	}
	return nil
}

// Start launches the watcher, worker pool, and stale-entry sweeper.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Open(); err != nil {
		return err
	}

	// Recover any requests left in processing/ from a previous run — resubmit
	// them for dispatch rather than leaving them stranded on restart.
	s.recoverProcessing()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.watch(ctx); err != nil {
			slog.Error("mailbox: watcher exited", "error", err)
		}
	}()

	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	s.wg.Add(1)
	go s.staleLoop(ctx)

	return nil
}

// Stop signals every goroutine to exit and waits for them to finish.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// recoverProcessing re-queues any files sitting in processing/ from a run
// that never finished dispatching them, so a crash mid-request does not
// silently drop it.
func (s *Server) recoverProcessing() {
	entries, err := os.ReadDir(s.cfg.processingPath())
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		select {
		case s.pending <- filepath.Join(s.cfg.processingPath(), e.Name()):
		default:
			slog.Warn("mailbox: pending queue full during recovery, will pick up on next scan", "file", e.Name())
		}
	}
}

// limiterFor returns the token bucket for clientID, creating one on first
// use. Returns nil when rate limiting is disabled.
func (s *Server) limiterFor(clientID string) *rate.Limiter {
	if s.cfg.ProducerRateLimit <= 0 {
		return nil
	}
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	l, ok := s.limiters[clientID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.ProducerRateLimit), s.cfg.ProducerBurst)
		s.limiters[clientID] = l
	}
	return l
}

// atomicWriteFile writes data to path via write-tmp, fsync, rename so a
// reader never observes a partially written file.
func atomicWriteFile(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp.%d", path, time.Now().UnixNano())
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
