package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/coreway/epochbroker/internal/config"
)

// newLogger builds the structured logger per the --write-console-log and
// --write-file-log flags. Grounded on the teacher's single
// slog.NewJSONHandler(os.Stdout, ...) call, extended to optionally fan out
// to a log file under cfg.Paths.LogRoot. The returned closer must be called
// on shutdown to flush and close the file handle, if one was opened.
func newLogger(cfg *config.Config, writeConsole, writeFile bool) (*slog.Logger, func(), error) {
	var writers []io.Writer
	closer := func() {}

	if writeConsole || !writeFile {
		writers = append(writers, os.Stdout)
	}

	if writeFile {
		if err := os.MkdirAll(cfg.Paths.LogRoot, 0o750); err != nil {
			return nil, closer, err
		}
		f, err := os.OpenFile(filepath.Join(cfg.Paths.LogRoot, "broker.log"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
		if err != nil {
			return nil, closer, err
		}
		writers = append(writers, f)
		closer = func() { f.Close() }
	}

	handler := slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(handler), closer, nil
}
