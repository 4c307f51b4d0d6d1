package stdio

import (
	"strings"
	"sync"
)

// ringBuffer keeps the last n lines written to it. It backs the stderr
// capture used for crash diagnostics.
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func newRingBuffer(n int) *ringBuffer {
	return &ringBuffer{lines: make([]string, n)}
}

// Append records one line, evicting the oldest when full.
func (r *ringBuffer) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// String returns the retained lines in write order, newline-joined.
func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	if r.full {
		out = append(out, r.lines[r.next:]...)
	}
	out = append(out, r.lines[:r.next]...)
	return strings.Join(out, "\n")
}
