package engine

import (
	"sync"

	"github.com/seantiz/blockio/internal/model"
)

// Queue elements are sealed interfaces so every dequeue site must handle
// the stop signal as well as the payload.

type readMsg interface{ isReadMsg() }

type resultMsg interface{ isResultMsg() }

type writeMsg interface{ isWriteMsg() }

// stopSignal asks a worker to exit. Readers forward it to the result queue.
type stopSignal struct{}

func (stopSignal) isReadMsg()   {}
func (stopSignal) isResultMsg() {}
func (stopSignal) isWriteMsg()  {}

type readRequest struct {
	req model.ReadRequest
}

func (readRequest) isReadMsg() {}

type readOutcome struct {
	result model.ReadResult
	err    error
}

func (readOutcome) isResultMsg() {}

type writeRequest struct {
	entry model.WriteEntry
}

func (writeRequest) isWriteMsg() {}

// unboundedQueue is a FIFO whose Push never blocks.
type unboundedQueue[T any] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []T
}

func newUnboundedQueue[T any]() *unboundedQueue[T] {
	q := &unboundedQueue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends v and wakes one waiting Pop.
func (q *unboundedQueue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.cond.Signal()
}

// Pop removes and returns the oldest item, blocking while the queue is empty.
func (q *unboundedQueue[T]) Pop() T {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	v := q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	return v
}

// Len returns the number of queued items.
func (q *unboundedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// RemoveFunc drops every queued item for which drop returns true and
// reports how many were dropped.
func (q *unboundedQueue[T]) RemoveFunc(drop func(T) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	for _, v := range q.items {
		if !drop(v) {
			kept = append(kept, v)
		}
	}
	n := len(q.items) - len(kept)
	clear(q.items[len(kept):])
	q.items = kept
	return n
}
