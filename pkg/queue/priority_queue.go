package queue

import (
	"container/heap"
	"sync"

	"github.com/sirupsen/logrus"
)

// --- Priority Queue Implementation ---

// PQItem represents an item in the priority queue
type PQItem[T any] struct {
	value    T
	priority int    // Lower value means higher priority (e.g., spreadsheet row)
	seq      uint64 // Insertion order, breaks ties so equal priorities stay FIFO
	index    int    // The index of the item in the heap (required by heap interface)
}

// PriorityQueue implements heap.Interface
type PriorityQueue[T any] []*PQItem[T]

func (pq PriorityQueue[T]) Len() int { return len(pq) }

func (pq PriorityQueue[T]) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority < pq[j].priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq PriorityQueue[T]) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

// Push adds an element to the heap
func (pq *PriorityQueue[T]) Push(x any) {
	n := len(*pq)
	item := x.(*PQItem[T])
	item.index = n
	*pq = append(*pq, item)
}

// Pop removes and returns the highest priority element (minimum value) from the heap
func (pq *PriorityQueue[T]) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*pq = old[0 : n-1]
	return item
}

// ThreadSafePriorityQueue wraps PriorityQueue with concurrency controls.
// Batch workers block in Pop until work arrives or the queue is closed.
type ThreadSafePriorityQueue[T any] struct {
	pq     PriorityQueue[T]
	mu     sync.Mutex
	cond   *sync.Cond // Condition variable to wait for items
	closed bool
	next   uint64
	log    *logrus.Logger
}

// NewThreadSafePriorityQueue creates a new thread-safe priority queue
func NewThreadSafePriorityQueue[T any](logger *logrus.Logger) *ThreadSafePriorityQueue[T] {
	tspq := &ThreadSafePriorityQueue[T]{log: logger}
	tspq.cond = sync.NewCond(&tspq.mu)
	heap.Init(&tspq.pq)
	return tspq
}

// Add pushes an item with the given priority. Returns false if the queue is closed.
func (tspq *ThreadSafePriorityQueue[T]) Add(item T, priority int) bool {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()

	if tspq.closed {
		if tspq.log != nil {
			tspq.log.Warnf("Attempted to add item to closed queue (priority %d)", priority)
		}
		return false
	}

	heap.Push(&tspq.pq, &PQItem[T]{value: item, priority: priority, seq: tspq.next})
	tspq.next++
	tspq.cond.Signal() // Signal one waiting worker that an item is available
	return true
}

// Pop retrieves and removes the highest priority item
// It blocks if the queue is empty until an item is added or the queue is closed
// Returns the item and true, or the zero value and false if the queue is closed and empty
func (tspq *ThreadSafePriorityQueue[T]) Pop() (T, bool) {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()

	for len(tspq.pq) == 0 {
		if tspq.closed {
			var zero T
			return zero, false
		}
		tspq.cond.Wait()
	}

	pqItem := heap.Pop(&tspq.pq).(*PQItem[T])
	return pqItem.value, true
}

// Close signals that no more items will be added to the queue
func (tspq *ThreadSafePriorityQueue[T]) Close() {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()
	if !tspq.closed {
		tspq.closed = true
		tspq.cond.Broadcast() // Wake up ALL waiting workers so they can check the closed status
	}
}

// Drain closes the queue and discards anything still pending, returning how many
// items were dropped. Used when a batch is stopped.
func (tspq *ThreadSafePriorityQueue[T]) Drain() int {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()
	n := len(tspq.pq)
	for i := range tspq.pq {
		tspq.pq[i] = nil
	}
	tspq.pq = tspq.pq[:0]
	if !tspq.closed {
		tspq.closed = true
		tspq.cond.Broadcast()
	}
	return n
}

// Len returns the current number of items in the queue (thread-safe)
func (tspq *ThreadSafePriorityQueue[T]) Len() int {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()
	return len(tspq.pq)
}
