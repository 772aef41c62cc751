package messagelog

import (
	"sync"

	"github.com/serbia-gov/messagelog/internal/shared/metrics"
)

// Queue is a FIFO of record ids awaiting a timestamp. It never holds
// payloads and never holds the same id twice.
type Queue struct {
	mu    sync.Mutex
	ids   []int64
	index map[int64]struct{}
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{index: make(map[int64]struct{})}
}

// Enqueue appends id unless it is already queued. It reports whether the
// id was added.
func (q *Queue) Enqueue(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[id]; ok {
		return false
	}
	q.index[id] = struct{}{}
	q.ids = append(q.ids, id)
	metrics.SetQueueSize(len(q.ids))
	return true
}

// DrainUpTo removes and returns the oldest n ids in order.
func (q *Queue) DrainUpTo(n int) []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || len(q.ids) == 0 {
		return nil
	}
	if n > len(q.ids) {
		n = len(q.ids)
	}
	out := make([]int64, n)
	copy(out, q.ids[:n])
	q.ids = append(q.ids[:0:0], q.ids[n:]...)
	for _, id := range out {
		delete(q.index, id)
	}
	metrics.SetQueueSize(len(q.ids))
	return out
}

// RequeueFront puts ids back at the head in their given order, ahead of
// anything enqueued since they were drained. Ids already queued are moved,
// not duplicated.
func (q *Queue) RequeueFront(ids []int64) {
	if len(ids) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	front := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		front = append(front, id)
	}

	rest := make([]int64, 0, len(q.ids))
	for _, id := range q.ids {
		if _, moved := seen[id]; !moved {
			rest = append(rest, id)
		}
	}
	q.ids = append(front, rest...)
	for _, id := range front {
		q.index[id] = struct{}{}
	}
	metrics.SetQueueSize(len(q.ids))
}

// Remove takes a single id out of the queue. It reports whether the id was
// queued.
func (q *Queue) Remove(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[id]; !ok {
		return false
	}
	delete(q.index, id)
	for i, v := range q.ids {
		if v == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			break
		}
	}
	metrics.SetQueueSize(len(q.ids))
	return true
}

// Contains reports whether id is queued
func (q *Queue) Contains(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[id]
	return ok
}

// Size returns the number of queued ids
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}
