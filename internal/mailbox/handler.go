package mailbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
)

// worker drains s.pending and dispatches each claimed request file. It runs
// until ctx is cancelled or Stop is called — the pool size is s.cfg.WorkerCount,
// grounded on the teacher's fixed-size goroutine pools (e.g. Compactor.Start).
func (s *Server) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case path, ok := <-s.pending:
			if !ok {
				return
			}
			s.process(ctx, path)
		}
	}
}

// process reads a claimed request file, dispatches it, writes the response,
// and removes the processing/ copy. A request that cannot even be parsed
// enough to extract client_id/request_id is moved to dead/ instead, per the
// user-visible failure behavior: every request yields a response file, or —
// when neither identifier could be extracted — the message is considered
// lost by the producer's own timeout.
func (s *Server) process(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("mailbox: read claimed request failed", "path", path, "error", err)
		return
	}

	reqID, clientID, resp := s.dispatch(ctx, data)

	if clientID == "" {
		s.moveToDead(path, "unidentifiable request: could not extract client_id")
		return
	}

	if err := s.writeResponse(clientID, resp); err != nil {
		slog.Error("mailbox: write response failed", "client_id", clientID, "request_id", reqID, "error", err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Error("mailbox: remove processed request failed", "path", path, "error", err)
	}
}

func (s *Server) writeResponse(clientID string, resp response) error {
	dir := filepath.Join(s.cfg.responsesPath(), clientID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, resp.RequestID+".json")
	return atomicWriteFile(path, data)
}

// moveToDead relocates path to dead/ and writes a "<name>.reason" sidecar
// explaining why, per the request state machine's dead-letter contract.
func (s *Server) moveToDead(path, reason string) {
	dst := filepath.Join(s.cfg.deadPath(), filepath.Base(path))
	if err := os.Rename(path, dst); err != nil && !os.IsNotExist(err) {
		slog.Error("mailbox: move to dead failed", "path", path, "error", err)
		return
	}
	reasonPath := dst + ".reason"
	if err := os.WriteFile(reasonPath, []byte(reason), 0o640); err != nil {
		slog.Error("mailbox: write dead-letter reason failed", "path", reasonPath, "error", err)
	}
}
