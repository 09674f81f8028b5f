package queue

import (
	"container/heap"
	"sync"
)

// Priority is a thread-safe priority queue. Smaller priority values dequeue
// first; items with equal priority dequeue in insertion order.
type Priority[T any] struct {
	mu   sync.Mutex
	h    prioHeap[T]
	next uint64
}

// NewPriority creates an empty priority queue.
func NewPriority[T any]() *Priority[T] {
	return &Priority[T]{}
}

// Enqueue adds an item with the given priority.
func (q *Priority[T]) Enqueue(priority int, item T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	heap.Push(&q.h, prioItem[T]{priority: priority, seq: q.next, value: item})
	q.next++
}

// Dequeue removes and returns the highest-priority item.
// The second return value is false if the queue is empty.
func (q *Priority[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.h) == 0 {
		return zero, false
	}

	item := heap.Pop(&q.h).(prioItem[T])

	return item.value, true
}

// Len returns the number of queued items.
func (q *Priority[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.h)
}

type prioItem[T any] struct {
	priority int
	seq      uint64
	value    T
}

type prioHeap[T any] []prioItem[T]

func (h prioHeap[T]) Len() int { return len(h) }

func (h prioHeap[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h prioHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *prioHeap[T]) Push(x any) {
	*h = append(*h, x.(prioItem[T]))
}

func (h *prioHeap[T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
