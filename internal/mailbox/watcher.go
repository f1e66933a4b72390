package mailbox

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// scanFallbackInterval bounds how stale the fsnotify view of requests/ is
// allowed to get. fsnotify can silently stop delivering events if the
// underlying inotify/kqueue instance is torn down by the OS under pressure,
// so a periodic directory scan is the backstop that guarantees no request is
// ever stranded indefinitely.
const scanFallbackInterval = 2 * time.Second

// watch discovers new request files in requests/ and claims each one by
// renaming it into processing/, then pushes the claimed path onto s.pending
// for a worker to dispatch. Two independent discovery sources feed the same
// claim path: fsnotify events (fast) and a ticking directory scan (safety
// net), so losing one never starves the pipeline.
func (s *Server) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("mailbox: fsnotify unavailable, falling back to scan-only", "error", err)
		return s.scanLoop(ctx, nil)
	}
	defer watcher.Close()

	if err := watcher.Add(s.cfg.requestsPath()); err != nil {
		slog.Warn("mailbox: fsnotify watch failed, falling back to scan-only", "error", err)
		return s.scanLoop(ctx, nil)
	}

	return s.scanLoop(ctx, watcher.Events)
}

// scanLoop drives the claim pipeline from both a directory scan ticker and,
// when non-nil, an fsnotify event channel. events may be nil when fsnotify
// could not be initialized.
func (s *Server) scanLoop(ctx context.Context, events chan fsnotify.Event) error {
	ticker := time.NewTicker(scanFallbackInterval)
	defer ticker.Stop()

	s.scanOnce()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				s.tryClaim(ev.Name)
			}
		case <-ticker.C:
			s.scanOnce()
		}
	}
}

// scanOnce lists requests/ and attempts to claim every entry found. Entries
// already claimed by a concurrent scan or fsnotify event simply fail the
// rename and are skipped.
func (s *Server) scanOnce() {
	entries, err := os.ReadDir(s.cfg.requestsPath())
	if err != nil {
		slog.Error("mailbox: scan requests dir failed", "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		s.tryClaim(filepath.Join(s.cfg.requestsPath(), e.Name()))
	}
}

// isStagingFile reports whether name is a producer's in-progress atomic
// write (<target>.tmp or <target>.tmp.<unique>, per the write-tmp-rename
// protocol) rather than a completed, claimable request. Matches fsbackend's
// sortedInboxFiles extension filter in spirit: never claim a file the writer
// hasn't finished producing.
func isStagingFile(name string) bool {
	return strings.Contains(name, ".tmp")
}

// tryClaim attempts to move a request file from requests/ into processing/.
// A successful rename is the atomic commit that this worker (and no other)
// owns the request; a failed rename means someone else claimed it first, or
// it disappeared, both of which are silently ignored. Staging files are
// never claimed — fsnotify's Create event fires on open(), well before the
// producer's fsync+rename makes the file visible as a finished request.
func (s *Server) tryClaim(srcPath string) {
	if isStagingFile(filepath.Base(srcPath)) {
		return
	}
	dst := filepath.Join(s.cfg.processingPath(), filepath.Base(srcPath))
	if err := os.Rename(srcPath, dst); err != nil {
		return
	}
	select {
	case s.pending <- dst:
	case <-s.stopCh:
	}
}
