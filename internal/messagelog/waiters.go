package messagelog

import (
	"sync"

	"github.com/serbia-gov/messagelog/internal/messagelog/domain"
)

// completion is the outcome delivered to a synchronous Log caller.
type completion struct {
	Status            domain.Status
	TimestampRecordID int64
}

type waiter struct {
	done   chan struct{}
	result completion
}

// waiters hands out one completion signal per record id. A signal is
// closed exactly once; waiters that gave up are simply forgotten.
type waiters struct {
	mu sync.Mutex
	m  map[int64]*waiter
}

func newWaiters() *waiters {
	return &waiters{m: make(map[int64]*waiter)}
}

func (w *waiters) register(id int64) *waiter {
	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, ok := w.m[id]; ok {
		return existing
	}
	wt := &waiter{done: make(chan struct{})}
	w.m[id] = wt
	return wt
}

func (w *waiters) forget(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.m, id)
}

func (w *waiters) complete(ids []int64, result completion) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, id := range ids {
		wt, ok := w.m[id]
		if !ok {
			continue
		}
		delete(w.m, id)
		wt.result = result
		close(wt.done)
	}
}

func (w *waiters) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.m)
}
