package worker

import (
	"container/list"
	"sync"
)

const defaultTrackerCapacity = 10_000

// FailureTracker counts handler failures per message id. It is owned by one
// Loop and bounded: when full, the least recently failed id is evicted.
// Counts are lost on restart; the durable count, where one exists, lives in the queue.
type FailureTracker struct {
	mu       sync.Mutex
	capacity int
	counts   map[int64]*list.Element
	order    *list.List // front = most recent
}

type trackerEntry struct {
	id    int64
	count int
}

func NewFailureTracker(capacity int) *FailureTracker {
	if capacity <= 0 {
		capacity = defaultTrackerCapacity
	}
	return &FailureTracker{
		capacity: capacity,
		counts:   make(map[int64]*list.Element),
		order:    list.New(),
	}
}

// Inc records one failure for id and returns the new count.
func (t *FailureTracker) Inc(id int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.counts[id]; ok {
		e := el.Value.(*trackerEntry)
		e.count++
		t.order.MoveToFront(el)
		return e.count
	}

	if t.order.Len() >= t.capacity {
		oldest := t.order.Back()
		t.order.Remove(oldest)
		delete(t.counts, oldest.Value.(*trackerEntry).id)
	}
	t.counts[id] = t.order.PushFront(&trackerEntry{id: id, count: 1})
	return 1
}

func (t *FailureTracker) Count(id int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.counts[id]; ok {
		return el.Value.(*trackerEntry).count
	}
	return 0
}

// Clear forgets id, after a successful ack or a forced drop.
func (t *FailureTracker) Clear(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.counts[id]; ok {
		t.order.Remove(el)
		delete(t.counts, id)
	}
}

func (t *FailureTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}
