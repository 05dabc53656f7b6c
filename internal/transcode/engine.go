package transcode

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// Engine executes a resolved transcode plan. Implementations must respect
// context cancellation by terminating the underlying work.
type Engine interface {
	Run(ctx context.Context, plan *Plan) error
	Available() error
}

// EngineError wraps a failed encoder run together with the tail of its
// diagnostic output.
type EngineError struct {
	Err    error
	Output string
}

func (e *EngineError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("ffmpeg failed: %v: %s", e.Err, e.Output)
	}
	return fmt.Sprintf("ffmpeg failed: %v", e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// FFmpegEngine shells out to the ffmpeg binary. Diagnostic output is
// streamed line by line into the logger and the most recent stderr lines
// are retained for error reporting.
type FFmpegEngine struct {
	binary string
	logger *slog.Logger
}

// NewFFmpegEngine constructs an engine using the given binary name or
// path, defaulting to "ffmpeg" on PATH.
func NewFFmpegEngine(binary string, logger *slog.Logger) *FFmpegEngine {
	if strings.TrimSpace(binary) == "" {
		binary = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegEngine{binary: binary, logger: logger}
}

// Available reports whether the configured binary can be resolved.
func (e *FFmpegEngine) Available() error {
	if _, err := exec.LookPath(e.binary); err != nil {
		return fmt.Errorf("locate %s: %w", e.binary, err)
	}
	return nil
}

// Run executes the plan and blocks until the encoder exits or the context
// is cancelled.
func (e *FFmpegEngine) Run(ctx context.Context, plan *Plan) error {
	if plan == nil {
		return fmt.Errorf("transcode plan is required")
	}
	stderr := newLogWriter(e.logger, "stderr", 12)
	cmd := exec.CommandContext(ctx, e.binary, plan.Args...)
	cmd.Stdout = newLogWriter(e.logger, "stdout", 0)
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &EngineError{Err: err, Output: stderr.Tail()}
	}
	return nil
}

// logWriter splits encoder output into lines for structured logging and
// optionally retains the most recent lines.
type logWriter struct {
	logger *slog.Logger
	stream string

	mu    sync.Mutex
	keep  int
	tail  []string
	chunk []byte
}

func newLogWriter(logger *slog.Logger, stream string, keep int) *logWriter {
	return &logWriter{logger: logger, stream: stream, keep: keep}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chunk = append(w.chunk, p...)
	for {
		idx := bytes.IndexByte(w.chunk, '\n')
		if idx == -1 {
			break
		}
		line := bytes.TrimSpace(w.chunk[:idx])
		w.chunk = w.chunk[idx+1:]
		if len(line) == 0 {
			continue
		}
		w.record(string(line))
	}
	return total, nil
}

func (w *logWriter) record(line string) {
	w.logger.Debug("ffmpeg output", "stream", w.stream, "line", line)
	if w.keep <= 0 {
		return
	}
	w.tail = append(w.tail, line)
	if len(w.tail) > w.keep {
		w.tail = w.tail[len(w.tail)-w.keep:]
	}
}

// Tail returns the retained trailing lines joined for error context.
func (w *logWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	lines := w.tail
	if rest := bytes.TrimSpace(w.chunk); len(rest) > 0 {
		lines = append(append([]string{}, lines...), string(rest))
	}
	return strings.Join(lines, " | ")
}
