package session

import (
	"sync"

	"github.com/ashureev/shopdesk/internal/domain"
)

const defaultHistorySize = 50

// History is a fixed-size ring of status transitions. When full, the oldest
// entry is overwritten.
type History struct {
	buf  []domain.Transition
	size int
	head int // next write position
	full bool
	mu   sync.RWMutex
}

// NewHistory creates a history that keeps the last size transitions.
func NewHistory(size int) *History {
	if size <= 0 {
		size = defaultHistorySize
	}
	return &History{
		buf:  make([]domain.Transition, size),
		size: size,
	}
}

// Add records a transition.
func (h *History) Add(t domain.Transition) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.head] = t
	h.head = (h.head + 1) % h.size
	if h.head == 0 {
		h.full = true
	}
}

// Entries returns the transitions oldest first.
func (h *History) Entries() []domain.Transition {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.full {
		out := make([]domain.Transition, h.head)
		copy(out, h.buf[:h.head])
		return out
	}

	// Wrapped: head -> end + start -> head
	out := make([]domain.Transition, h.size)
	n := copy(out, h.buf[h.head:])
	copy(out[n:], h.buf[:h.head])
	return out
}

// Len returns the number of recorded transitions.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return h.size
	}
	return h.head
}

// Capacity returns the maximum number of transitions kept.
func (h *History) Capacity() int {
	return h.size
}
