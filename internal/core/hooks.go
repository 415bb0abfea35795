package core

import "sync"

// Hooks is an ordered list of removable callbacks.
type Hooks[T any] struct {
	mu    sync.Mutex
	next  int
	ids   []int
	funcs map[int]T
}

// Add registers fn and returns a func that removes it. Remove is idempotent.
func (h *Hooks[T]) Add(fn T) (remove func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.funcs == nil {
		h.funcs = make(map[int]T)
	}
	id := h.next
	h.next++
	h.ids = append(h.ids, id)
	h.funcs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.funcs, id)
		for i, v := range h.ids {
			if v == id {
				h.ids = append(h.ids[:i], h.ids[i+1:]...)
				break
			}
		}
	}
}

// Snapshot returns the registered callbacks in registration order.
// Callers invoke them without holding the lock.
func (h *Hooks[T]) Snapshot() []T {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]T, 0, len(h.ids))
	for _, id := range h.ids {
		out = append(out, h.funcs[id])
	}
	return out
}

func (h *Hooks[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ids)
}
