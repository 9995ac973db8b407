package transcode

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Runner starts an external command and waits for it to exit. Tests replace
// it with a fake that writes the files ffmpeg would have produced.
type Runner interface {
	Run(ctx context.Context, stdout, stderr io.Writer, name string, args ...string) error
}

// ExecRunner runs commands with os/exec. The process is killed when ctx is
// cancelled; WaitDelay bounds how long Wait lingers on inherited pipes after
// the kill.
type ExecRunner struct {
	WaitDelay time.Duration
}

func (r ExecRunner) Run(ctx context.Context, stdout, stderr io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}
	return cmd.Run()
}

// logWriter forwards each line of process output to the logger at debug
// level and keeps the last few lines for error reports.
type logWriter struct {
	logger *slog.Logger
	stream string

	mu      sync.Mutex
	partial []byte
	tail    []string
	keep    int
}

func newLogWriter(logger *slog.Logger, stream string, keep int) *logWriter {
	if logger == nil {
		logger = discardLogger
	}
	return &logWriter{logger: logger, stream: stream, keep: keep}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := len(p)
	data := append(w.partial, p...)
	w.partial = nil
	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			w.partial = append([]byte(nil), data...)
			break
		}
		w.line(data[:idx])
		data = data[idx+1:]
	}
	return total, nil
}

func (w *logWriter) line(raw []byte) {
	line := strings.TrimSpace(string(bytes.TrimRight(raw, "\r")))
	if line == "" {
		return
	}
	w.logger.Debug(line, "stream", w.stream)
	if w.keep <= 0 {
		return
	}
	w.tail = append(w.tail, line)
	if len(w.tail) > w.keep {
		w.tail = w.tail[len(w.tail)-w.keep:]
	}
}

// Tail flushes any unterminated line and returns the retained lines.
func (w *logWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.line(w.partial)
		w.partial = nil
	}
	return strings.Join(w.tail, "\n")
}
