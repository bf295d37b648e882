package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
)

// RelayQueue is the bounded buffer between producers and the single consumer.
// Params: fixed capacity.
// Returns: FIFO with drop-new backpressure.
type RelayQueue struct {
	items   chan Record
	dropped atomic.Uint64
}

// NewRelayQueue allocates a queue with fixed capacity.
// Params: capacity maximum number of pending records.
// Returns: queue or error when capacity is not positive.
func NewRelayQueue(capacity int) (*RelayQueue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be > 0")
	}
	return &RelayQueue{items: make(chan Record, capacity)}, nil
}

// Enqueue attempts to append one record without blocking.
// Params: record admitted payload.
// Returns: true if accepted; false when queue is full (drop-new policy).
func (q *RelayQueue) Enqueue(record Record) bool {
	select {
	case q.items <- record:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Dequeue blocks until one record is available or ctx is done.
// Params: ctx cancels the wait.
// Returns: record and true, or false when ctx is done first.
// A done ctx wins over pending records.
func (q *RelayQueue) Dequeue(ctx context.Context) (Record, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	select {
	case record := <-q.items:
		return record, true
	case <-ctx.Done():
		return nil, false
	}
}

// TryDequeue pops one record if present.
// Params: none.
// Returns: record and true, or false for an empty queue.
func (q *RelayQueue) TryDequeue() (Record, bool) {
	select {
	case record := <-q.items:
		return record, true
	default:
		return nil, false
	}
}

// Len returns the number of pending records.
// Params: none.
// Returns: pending count.
func (q *RelayQueue) Len() int {
	return len(q.items)
}

// Cap returns the fixed capacity.
// Params: none.
// Returns: capacity.
func (q *RelayQueue) Cap() int {
	return cap(q.items)
}

// Dropped returns how many records were rejected because the queue was full.
// Params: none.
// Returns: dropped counter.
func (q *RelayQueue) Dropped() uint64 {
	return q.dropped.Load()
}
