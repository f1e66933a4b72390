package mailbox

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// staleSweepInterval is how often the stale sweeper walks processing/ and
// responses/. Grounded on the same ticker-driven background-loop idiom as
// the teacher's Compactor and the queue sweeper.
const staleSweepInterval = 30 * time.Second

// staleLoop periodically reclaims request files stuck in processing/ (a
// worker crashed mid-dispatch) and prunes response files nobody ever
// collected, both older than the configured TTL.
func (s *Server) staleLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepStale()
		}
	}
}

func (s *Server) sweepStale() {
	ttl := time.Duration(s.cfg.StaleRequestTTLSec) * time.Second
	cutoff := time.Now().Add(-ttl)

	s.sweepDir(s.cfg.processingPath(), cutoff, s.reclaimProcessing)
	s.sweepResponses(cutoff)
}

// reclaimProcessing treats a stranded processing/ file as aborted: a worker
// claimed it and then crashed before writing a response, so re-dispatching
// risks re-executing a handler whose side effects may have already applied.
// It is moved to dead/ with a reason sidecar instead of retried.
func (s *Server) reclaimProcessing(path string) {
	s.moveToDead(path, "stale: claimed but no response written before TTL expiry")
}

// sweepResponses walks every client's response directory and removes files
// older than cutoff — the producer's own request timeout has long since
// fired and nobody is coming back for these.
func (s *Server) sweepResponses(cutoff time.Time) {
	clients, err := os.ReadDir(s.cfg.responsesPath())
	if err != nil {
		return
	}
	for _, c := range clients {
		if !c.IsDir() {
			continue
		}
		dir := filepath.Join(s.cfg.responsesPath(), c.Name())
		s.sweepDir(dir, cutoff, func(path string) {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				slog.Error("mailbox: remove stale response failed", "path", path, "error", err)
			}
		})
	}
}

// sweepDir calls fn for every regular file in dir whose modtime is before
// cutoff.
func (s *Server) sweepDir(dir string, cutoff time.Time, fn func(path string)) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			fn(filepath.Join(dir, e.Name()))
		}
	}
}
