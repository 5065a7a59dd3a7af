package stream

import (
	"sync"

	"github.com/abelbrown/ddwatch/internal/pipeline"
)

// DefaultBufferSize is how many findings are kept.
const DefaultBufferSize = 50

// FindingBuffer holds the most recent findings, newest first.
type FindingBuffer struct {
	mu    sync.RWMutex
	size  int
	items []pipeline.LiveFinding
}

// NewFindingBuffer creates a buffer holding at most size findings.
func NewFindingBuffer(size int) *FindingBuffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &FindingBuffer{size: size, items: make([]pipeline.LiveFinding, 0, size)}
}

// Push inserts f at the head, dropping the oldest finding when full.
func (b *FindingBuffer) Push(f pipeline.LiveFinding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) < b.size {
		b.items = append(b.items, pipeline.LiveFinding{})
	}
	copy(b.items[1:], b.items[:len(b.items)-1])
	b.items[0] = f
}

// Items returns a copy, newest first.
func (b *FindingBuffer) Items() []pipeline.LiveFinding {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]pipeline.LiveFinding(nil), b.items...)
}

// Len returns the number of findings held.
func (b *FindingBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// Cap returns the buffer capacity.
func (b *FindingBuffer) Cap() int { return b.size }

// Reset empties the buffer.
func (b *FindingBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = b.items[:0]
}
