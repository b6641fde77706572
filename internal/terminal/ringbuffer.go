package terminal

import (
	"bytes"
	"sync"
)

// RingBuffer is a thread-safe circular buffer holding the most recent
// output of a pane. Writes past capacity overwrite the oldest bytes.
//
// The buffer tracks the total number of bytes ever written, so callers can
// ask for everything after an absolute offset and learn when they missed
// data that has already been discarded.
type RingBuffer struct {
	mu    sync.RWMutex
	data  []byte
	head  int // index of the oldest retained byte
	size  int // number of retained bytes
	total uint64
}

// NewRingBuffer creates a buffer retaining at most capacity bytes
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{data: make([]byte, capacity)}
}

// Write appends p, discarding the oldest bytes when full
func (b *RingBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	b.total += uint64(n)

	capacity := len(b.data)
	if n >= capacity {
		copy(b.data, p[n-capacity:])
		b.head = 0
		b.size = capacity
		return n, nil
	}

	tail := (b.head + b.size) % capacity
	first := copy(b.data[tail:], p)
	copy(b.data, p[first:])

	b.size += n
	if b.size > capacity {
		b.head = (b.head + b.size - capacity) % capacity
		b.size = capacity
	}
	return n, nil
}

// Bytes returns a copy of all retained bytes, oldest first
func (b *RingBuffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.copyFrom(0)
}

// ReadFrom returns retained bytes written at or after the absolute offset,
// plus the offset of the first byte returned. When offset predates the
// retained window the result starts at the oldest retained byte.
func (b *RingBuffer) ReadFrom(offset uint64) ([]byte, uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	oldest := b.total - uint64(b.size)
	if offset < oldest {
		offset = oldest
	}
	if offset >= b.total {
		return nil, b.total
	}
	return b.copyFrom(int(offset - oldest)), offset
}

// Len returns the number of retained bytes
func (b *RingBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Total returns the number of bytes ever written
func (b *RingBuffer) Total() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}

// copyFrom copies retained bytes starting skip bytes after the oldest.
// Caller holds the lock.
func (b *RingBuffer) copyFrom(skip int) []byte {
	n := b.size - skip
	if n <= 0 {
		return []byte{}
	}
	out := make([]byte, n)
	start := (b.head + skip) % len(b.data)
	first := copy(out, b.data[start:min(start+n, len(b.data))])
	copy(out[first:], b.data[:n-first])
	return out
}

// Anchor selects which end of the scrollback a Range counts from
type Anchor int

const (
	// FromEnd counts lines back from the newest output
	FromEnd Anchor = iota
	// FromStart counts lines forward from the oldest retained output
	FromStart
)

// String returns the wire name of the anchor
func (a Anchor) String() string {
	if a == FromStart {
		return "start"
	}
	return "end"
}

// Range selects part of a pane's scrollback
type Range struct {
	// Lines is the number of lines to return; zero means all retained lines
	Lines int
	From  Anchor
}

// selectLines applies a line cap and a Range to raw scrollback. A trailing
// partial line counts as a line.
func selectLines(data []byte, maxLines int, r Range) []byte {
	if len(data) == 0 {
		return []byte{}
	}

	// Offsets where each line starts.
	starts := []int{0}
	for i := 0; i < len(data)-1; i++ {
		if data[i] == '\n' {
			starts = append(starts, i+1)
		}
	}

	if maxLines > 0 && len(starts) > maxLines {
		starts = starts[len(starts)-maxLines:]
		data = data[starts[0]:]
		base := starts[0]
		for i := range starts {
			starts[i] -= base
		}
	}

	if r.Lines <= 0 || r.Lines >= len(starts) {
		return bytes.Clone(data)
	}

	if r.From == FromStart {
		return bytes.Clone(data[:starts[r.Lines]])
	}
	return bytes.Clone(data[starts[len(starts)-r.Lines]:])
}
