// Package memory provides the in-process workflow queue.
package memory

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

// Queue is a bounded FIFO queue with context-aware operations. Requeue
// bypasses the capacity bound so that recovered work is never dropped.
type Queue struct {
	mu       sync.Mutex
	items    *list.List
	capacity int
	closed   bool
	// notify is closed and replaced whenever an item arrives or the queue closes.
	notify chan struct{}
}

// NewQueue constructs a new queue with the provided capacity. A capacity of
// zero or less means unbounded.
func NewQueue(capacity int) *Queue {
	return &Queue{
		items:    list.New(),
		capacity: capacity,
		notify:   make(chan struct{}),
	}
}

// Enqueue appends an item to the tail of the queue.
func (q *Queue) Enqueue(ctx context.Context, item scraper.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return scraper.ErrQueueClosed
	}
	if q.capacity > 0 && q.items.Len() >= q.capacity {
		return scraper.ErrQueueFull
	}
	q.items.PushBack(item)
	q.wake()
	return nil
}

// Requeue puts item back at the head of the queue. It still succeeds after
// Close so in-flight work interrupted by shutdown can be drained afterwards.
func (q *Queue) Requeue(item scraper.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.PushFront(item)
	q.wake()
	return nil
}

// Dequeue pops the head of the queue, blocking until an item is available,
// the queue is closed and empty, or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (scraper.QueueItem, error) {
	for {
		q.mu.Lock()
		if front := q.items.Front(); front != nil {
			q.items.Remove(front)
			q.mu.Unlock()
			item, _ := front.Value.(scraper.QueueItem)
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return scraper.QueueItem{}, scraper.ErrQueueClosed
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return scraper.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Drain removes and returns every queued item in FIFO order.
func (q *Queue) Drain() []scraper.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]scraper.QueueItem, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		item, _ := e.Value.(scraper.QueueItem)
		out = append(out, item)
	}
	q.items.Init()
	return out
}

// Close stops new enqueues and wakes blocked consumers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wake()
}

// wake must be called with mu held.
func (q *Queue) wake() {
	close(q.notify)
	q.notify = make(chan struct{})
}
