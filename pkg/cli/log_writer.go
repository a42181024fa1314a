package cli

import (
	"strings"
	"sync"

	"github.com/Grovety/lilygo-s3-apps/pkg/buffer"
)

// LogWriter keeps the last lines written to it for the status frame. Point
// a slog text handler at it while the frame owns the terminal.
type LogWriter struct {
	mu    sync.Mutex
	lines *buffer.RingBuffer[string]
}

// NewLogWriter keeps up to maxLines lines.
func NewLogWriter(maxLines int) *LogWriter {
	return &LogWriter{lines: buffer.RingN[string](maxLines)}
}

// Write implements io.Writer, one buffered line per newline.
func (w *LogWriter) Write(p []byte) (int, error) {
	text := strings.TrimRight(string(p), "\n")
	w.mu.Lock()
	defer w.mu.Unlock()
	for line := range strings.SplitSeq(text, "\n") {
		w.lines.Add(line)
	}
	return len(p), nil
}

// Lines returns the buffered lines, oldest first.
func (w *LogWriter) Lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines.Snapshot()
}
