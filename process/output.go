package process

import (
	"bytes"
	"sync"
)

// maxLine bounds a buffered partial line; longer lines are emitted in pieces.
const maxLine = 64 * 1024

// lineWriter splits child output into lines for an OutputFunc.
type lineWriter struct {
	stream string
	fn     OutputFunc

	mu  sync.Mutex
	buf []byte
}

func newLineWriter(stream string, fn OutputFunc) *lineWriter {
	return &lineWriter{stream: stream, fn: fn}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLine {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	w.fn(w.stream, string(bytes.TrimRight(line, "\r")))
}
