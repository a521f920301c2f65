// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/relabs-tech/livestore/core"
)

// ErrClosed is returned by Next once the queue has been closed
var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO of events. When it is full, Push drops the oldest event.
type Queue struct {
	mutex   sync.Mutex
	items   []core.Event
	head    int
	count   int
	dropped int64
	closed  bool
	signal  chan struct{}
	done    chan struct{}
}

// NewQueue returns an empty queue with the given capacity
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items:  make([]core.Event, capacity),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends an event. It returns false if the oldest event had to be dropped
// to make room. Pushing to a closed queue does nothing.
func (q *Queue) Push(event core.Event) bool {
	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		return true
	}
	kept := true
	if q.count == len(q.items) {
		q.items[q.head] = core.Event{}
		q.head = (q.head + 1) % len(q.items)
		q.count--
		q.dropped++
		kept = false
	}
	q.items[(q.head+q.count)%len(q.items)] = event
	q.count++
	q.mutex.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return kept
}

// Next removes and returns the oldest event. It blocks until an event is available,
// the queue is closed or the context is done.
func (q *Queue) Next(ctx context.Context) (core.Event, error) {
	for {
		q.mutex.Lock()
		if q.closed {
			q.mutex.Unlock()
			return core.Event{}, ErrClosed
		}
		if q.count > 0 {
			event := q.items[q.head]
			q.items[q.head] = core.Event{}
			q.head = (q.head + 1) % len(q.items)
			q.count--
			q.mutex.Unlock()
			return event, nil
		}
		q.mutex.Unlock()

		select {
		case <-ctx.Done():
			return core.Event{}, ctx.Err()
		case <-q.done:
		case <-q.signal:
		}
	}
}

// Close discards all pending events and wakes up waiting readers. Close is idempotent.
func (q *Queue) Close() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.count = 0
	close(q.done)
}

// Len returns the number of pending events
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.count
}

// Dropped returns the number of events dropped because of overflow
func (q *Queue) Dropped() int64 {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.dropped
}
