package process

import "sync"

// DefaultLogCapacity bounds the retained log history.
const DefaultLogCapacity = 1000

// LogBuffer is an ordered FIFO that silently drops its oldest entries once full.
type LogBuffer struct {
	mu    sync.Mutex
	lines []LogLine
	start int
	count int
}

// NewLogBuffer returns a buffer holding at most capacity lines.
// A non-positive capacity uses DefaultLogCapacity.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogBuffer{lines: make([]LogLine, capacity)}
}

// Cap returns the buffer capacity.
func (b *LogBuffer) Cap() int { return len(b.lines) }

// Len returns the number of retained lines.
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Push appends lines in order, evicting the oldest as needed.
func (b *LogBuffer) Push(lines ...LogLine) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.lines)
	for _, l := range lines {
		if b.count < n {
			b.lines[(b.start+b.count)%n] = l
			b.count++
			continue
		}
		b.lines[b.start] = l
		b.start = (b.start + 1) % n
	}
}

// Lines returns the retained history, oldest first.
func (b *LogBuffer) Lines() []LogLine {
	return b.Tail(0)
}

// Tail returns the newest n lines, oldest first. n <= 0 returns everything.
func (b *LogBuffer) Tail(n int) []LogLine {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > b.count {
		n = b.count
	}
	out := make([]LogLine, n)
	size := len(b.lines)
	skip := b.count - n
	for i := 0; i < n; i++ {
		out[i] = b.lines[(b.start+skip+i)%size]
	}
	return out
}

// Clear drops all retained lines.
func (b *LogBuffer) Clear() {
	b.mu.Lock()
	b.start, b.count = 0, 0
	b.mu.Unlock()
}
