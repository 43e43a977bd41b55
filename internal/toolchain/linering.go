// SPDX-License-Identifier: MIT

package toolchain

import (
	"strings"
	"sync"
)

// lineRing keeps the most recent lines of task output for error reports.
type lineRing struct {
	mu    sync.RWMutex
	lines []string
	head  int
	size  int
}

func newLineRing(capacity int) *lineRing {
	if capacity < 1 {
		capacity = 64
	}
	return &lineRing{
		lines: make([]string, capacity),
		size:  capacity,
	}
}

// Write splits p into lines. Partial lines across writes are not
// reassembled; task output is line-oriented enough for a tail.
func (r *lineRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, line := range strings.Split(string(p), "\n") {
		if line == "" {
			continue
		}
		r.lines[r.head] = line
		r.head = (r.head + 1) % r.size
	}
	return len(p), nil
}

// LastN returns up to n lines in chronological order.
func (r *lineRing) LastN(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ordered := make([]string, 0, r.size)
	for i := 0; i < r.size; i++ {
		idx := (r.head + i) % r.size
		if r.lines[idx] != "" {
			ordered = append(ordered, r.lines[idx])
		}
	}
	if len(ordered) <= n {
		return ordered
	}
	return ordered[len(ordered)-n:]
}
