package envscope

import (
	"bytes"
	"io"
	"sync"
)

// RedactWriter masks secret values before forwarding output to the wrapped
// writer. Output is buffered per line so a secret split across two writes is
// still masked. Call Flush to emit a trailing partial line.
type RedactWriter struct {
	mu    sync.Mutex
	scope Scope
	dst   io.Writer
	buf   bytes.Buffer
}

// NewRedactWriter wraps dst with scope's redaction.
func NewRedactWriter(dst io.Writer, scope Scope) *RedactWriter {
	return &RedactWriter{scope: scope, dst: dst}
}

// Write implements io.Writer.
func (w *RedactWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		idx := bytes.IndexByte(w.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(w.buf.Next(idx + 1))
		if _, err := io.WriteString(w.dst, w.scope.Redact(line)); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Flush writes any buffered partial line.
func (w *RedactWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() == 0 {
		return nil
	}
	line := w.buf.String()
	w.buf.Reset()
	_, err := io.WriteString(w.dst, w.scope.Redact(line))
	return err
}
