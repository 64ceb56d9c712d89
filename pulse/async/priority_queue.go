package async

import (
	"container/list"
	"context"
	"sync"
)

// PriorityQueue holds ids of jobs ready to run. It pops strictly by priority
// class (0 first) and FIFO by push order within a class. Pop is atomic, so
// concurrent workers never receive the same id.
type PriorityQueue struct {
	mu      sync.Mutex
	classes [NumPriorities]*list.List
	index   map[string]*list.Element
	signal  chan struct{}
}

type queueEntry struct {
	id       string
	priority Priority
}

// NewPriorityQueue creates an empty queue
func NewPriorityQueue() *PriorityQueue {
	pq := &PriorityQueue{
		index:  make(map[string]*list.Element),
		signal: make(chan struct{}, 1),
	}
	for i := range pq.classes {
		pq.classes[i] = list.New()
	}
	return pq
}

// Push appends id to its priority class. Pushing an id that is already
// waiting is a no-op and returns false.
func (pq *PriorityQueue) Push(id string, p Priority) bool {
	if !p.Valid() {
		p = PriorityBulk
	}

	pq.mu.Lock()
	if _, exists := pq.index[id]; exists {
		pq.mu.Unlock()
		return false
	}
	pq.index[id] = pq.classes[p].PushBack(queueEntry{id: id, priority: p})
	pq.mu.Unlock()

	pq.wake()
	return true
}

// Pop removes and returns the next id. ok is false when the queue is empty.
func (pq *PriorityQueue) Pop() (id string, p Priority, ok bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	for _, class := range pq.classes {
		front := class.Front()
		if front == nil {
			continue
		}
		entry := class.Remove(front).(queueEntry)
		delete(pq.index, entry.id)
		if len(pq.index) > 0 {
			// more work remains; let another waiter through
			pq.wake()
		}
		return entry.id, entry.priority, true
	}
	return "", 0, false
}

// Remove drops id if it is waiting
func (pq *PriorityQueue) Remove(id string) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	elem, ok := pq.index[id]
	if !ok {
		return false
	}
	entry := elem.Value.(queueEntry)
	pq.classes[entry.priority].Remove(elem)
	delete(pq.index, id)
	return true
}

// Contains reports whether id is waiting
func (pq *PriorityQueue) Contains(id string) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	_, ok := pq.index[id]
	return ok
}

// Len returns the number of waiting ids
func (pq *PriorityQueue) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.index)
}

// Depths returns the number of waiting ids per priority class
func (pq *PriorityQueue) Depths() [NumPriorities]int {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	var depths [NumPriorities]int
	for i, class := range pq.classes {
		depths[i] = class.Len()
	}
	return depths
}

// Wait blocks until a push may have made work available or ctx is done.
// Wakeups can be spurious; callers re-check with Pop.
func (pq *PriorityQueue) Wait(ctx context.Context) error {
	select {
	case <-pq.signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wake releases one waiter without pushing, e.g. after a refill.
func (pq *PriorityQueue) Wake() {
	pq.wake()
}

func (pq *PriorityQueue) wake() {
	select {
	case pq.signal <- struct{}{}:
	default:
	}
}
