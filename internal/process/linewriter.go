package process

import (
	"bytes"
	"sync"
)

// LineWriter is an io.Writer that buffers arbitrary chunks and calls fn once
// per complete line, without the trailing newline. Call Flush after the
// stream ends to emit a final unterminated line.
type LineWriter struct {
	mu  sync.Mutex
	buf []byte
	fn  func(line string)
}

// NewLineWriter returns a LineWriter delivering lines to fn.
func NewLineWriter(fn func(line string)) *LineWriter {
	return &LineWriter{fn: fn}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(w.buf[:i], []byte{'\r'})
		w.fn(string(line))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) == 0 {
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) > 0 {
		w.fn(string(bytes.TrimSuffix(w.buf, []byte{'\r'})))
		w.buf = nil
	}
}
