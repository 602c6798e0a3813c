package journal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

// LineWriter is a minimal flush-per-write append-only line writer: the
// same single-writer-goroutine-fed-by-a-channel shape as Writer, without
// the journal entry schema or day-rotation logic. internal/recorder
// reuses it directly for its two raw capture streams.
type LineWriter struct {
	ch   chan lwOp
	done chan struct{}
}

type lwOp struct {
	data        []byte
	barrierDone chan struct{}
}

// NewLineWriter opens path for append (creating it and its parent
// directory if needed) and starts the background writer goroutine.
func NewLineWriter(path string) (*LineWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory for %s: %w", path, err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	lw := &LineWriter{ch: make(chan lwOp, chanSize), done: make(chan struct{})}
	go lw.run(f)
	return lw, nil
}

func (lw *LineWriter) run(f *os.File) {
	defer close(lw.done)
	bw := bufio.NewWriter(f)
	for op := range lw.ch {
		if op.barrierDone != nil {
			close(op.barrierDone)
			continue
		}
		if _, err := bw.Write(op.data); err != nil {
			continue
		}
		bw.Flush()
	}
	bw.Flush()
	f.Close()
}

// Write appends data plus a trailing newline. Non-blocking: if the
// channel is saturated the line is dropped rather than stalling the
// caller.
func (lw *LineWriter) Write(data []byte) {
	line := make([]byte, len(data)+1)
	copy(line, data)
	line[len(data)] = '\n'
	select {
	case lw.ch <- lwOp{data: line}:
	default:
	}
}

// Sync blocks until every write enqueued before this call has reached
// disk.
func (lw *LineWriter) Sync() {
	done := make(chan struct{})
	lw.ch <- lwOp{barrierDone: done}
	<-done
}

// Close drains the queue, flushes, and closes the file.
func (lw *LineWriter) Close() error {
	close(lw.ch)
	<-lw.done
	return nil
}
