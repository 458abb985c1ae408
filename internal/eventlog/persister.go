package eventlog

import (
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	// coalesceWindow is the timer delay armed on the first buffered append
	// in an otherwise-idle batch.
	coalesceWindow = 16 * time.Millisecond
	// maxBatchBytes forces an immediate flush regardless of the timer.
	maxBatchBytes = 256 << 10 // 256 KiB
)

// Persister accumulates sanitized event lines for a single agent and
// flushes them to its JSONL file in batches: a 16ms timer armed on first
// append, or immediately if the batch grows past maxBatchBytes.
type Persister struct {
	path string

	mu     sync.Mutex
	batch  [][]byte
	size   int
	timer  *time.Timer
	closed bool
}

// NewPersister returns a Persister appending to the JSONL file at path.
func NewPersister(path string) *Persister {
	return &Persister{path: path}
}

// Append adds line (without its own trailing newline) to the pending batch,
// arming the coalescing timer on first append and forcing an immediate
// flush if the batch has grown past the byte budget.
func (p *Persister) Append(line []byte) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	cp := make([]byte, len(line))
	copy(cp, line)
	p.batch = append(p.batch, cp)
	p.size += len(cp) + 1

	force := p.size >= maxBatchBytes
	if p.timer == nil && !force {
		p.timer = time.AfterFunc(coalesceWindow, p.flushTimer)
	}
	p.mu.Unlock()

	if force {
		p.Flush()
	}
}

func (p *Persister) flushTimer() {
	p.Flush()
}

// Flush writes every pending line to disk in a single append and clears the
// batch. Safe to call concurrently with Append and with itself.
func (p *Persister) Flush() {
	p.mu.Lock()
	if len(p.batch) == 0 {
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
		p.mu.Unlock()
		return
	}
	batch := p.batch
	p.batch = nil
	p.size = 0
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("open events file for append failed", "path", p.path, "err", err)
		return
	}
	defer f.Close()
	for _, line := range batch {
		if _, err := f.Write(line); err != nil {
			slog.Warn("write event line failed", "path", p.path, "err", err)
			return
		}
		if _, err := f.Write([]byte("\n")); err != nil {
			slog.Warn("write event newline failed", "path", p.path, "err", err)
			return
		}
	}
}

// Close flushes any pending batch and marks the persister closed; further
// Append calls are dropped.
func (p *Persister) Close() {
	p.Flush()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
