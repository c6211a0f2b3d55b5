// Package memory provides the in-process work queue feeding campaign workers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained,
// and by Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan scrape.WorkItem
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan scrape.WorkItem, max(capacity, 0)),
	}
}

// Enqueue pushes an item or returns when ctx ends.
func (q *Queue) Enqueue(ctx context.Context, item scrape.WorkItem) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, respecting context cancellation. Items queued
// before Close are still delivered.
func (q *Queue) Dequeue(ctx context.Context) (scrape.WorkItem, error) {
	select {
	case <-ctx.Done():
		return scrape.WorkItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return scrape.WorkItem{}, ErrClosed
		}
		return item, nil
	}
}

// Len reports how many items wait in the queue.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue. Blocked producers must be released through their
// contexts first.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
