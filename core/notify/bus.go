// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package notify implements the change notification bus.

The bus keeps, per collection, the set of live subscriptions. For every committed
mutation it evaluates each subscription's filter against the document and pushes
matching events onto the subscription's bounded queue. Publishing never blocks the
writer and never fails it.

Subscriptions are stored as a copy-on-write snapshot, so publishing reads them
without taking a lock. Fan-out runs in the caller of Notify: filter evaluation and
pushing onto a queue never block, and callers which notify under a per-document
lock get per-subscription order equal to commit order.
*/
package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/relabs-tech/livestore/core"
	"github.com/relabs-tech/livestore/core/logger"
	"github.com/relabs-tech/livestore/core/query"
)

// DefaultQueueCapacity is the default capacity of a subscription queue
const DefaultQueueCapacity = 256

// Builder is a builder helper for the Bus
type Builder struct {
	// QueueCapacity is the capacity of each subscription queue. Defaults to DefaultQueueCapacity.
	QueueCapacity int
}

// Subscription is one live registration on the bus
type Subscription struct {
	Name         string
	CollectionID string
	Filter       query.Filter

	queue   *Queue
	onDrop  func()
	removed atomic.Bool
}

// Next returns the next event of the subscription, see Queue.Next
func (s *Subscription) Next(ctx context.Context) (core.Event, error) {
	return s.queue.Next(ctx)
}

// Queued returns the number of undelivered events
func (s *Subscription) Queued() int {
	return s.queue.Len()
}

// Dropped returns the number of events lost to queue overflow
func (s *Subscription) Dropped() int64 {
	return s.queue.Dropped()
}

type snapshot map[string][]*Subscription

// Bus is the change notification bus. It implements core.Notifier and
// core.CollectionDropper.
type Bus struct {
	queueCapacity int

	// serializes writers of the snapshot
	mutex         sync.Mutex
	subscriptions atomic.Pointer[snapshot]

	// held shared by publishers, exclusively by Close
	closeMutex sync.RWMutex
	closed     bool
}

// New creates a new bus
func New(bb *Builder) *Bus {
	queueCapacity := bb.QueueCapacity
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	b := &Bus{queueCapacity: queueCapacity}
	empty := snapshot{}
	b.subscriptions.Store(&empty)
	return b
}

// Subscribe registers a new subscription for the collection. filter may be nil.
// onDrop is called when the subscription is removed because its collection was
// deleted; it may be nil.
func (b *Bus) Subscribe(collectionID string, filter query.Filter, name string, onDrop func()) *Subscription {
	s := &Subscription{
		Name:         name,
		CollectionID: collectionID,
		Filter:       filter,
		queue:        NewQueue(b.queueCapacity),
		onDrop:       onDrop,
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	current := *b.subscriptions.Load()
	next := make(snapshot, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	list := make([]*Subscription, 0, len(current[collectionID])+1)
	list = append(list, current[collectionID]...)
	next[collectionID] = append(list, s)
	b.subscriptions.Store(&next)
	return s
}

// Unsubscribe removes the subscription and discards its pending events. Unsubscribing
// twice is harmless.
func (b *Bus) Unsubscribe(s *Subscription) {
	s.queue.Close()
	if s.removed.Swap(true) {
		return
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	current := *b.subscriptions.Load()
	next := make(snapshot, len(current))
	for k, v := range current {
		next[k] = v
	}
	list := make([]*Subscription, 0, len(current[s.CollectionID]))
	for _, other := range current[s.CollectionID] {
		if other != s {
			list = append(list, other)
		}
	}
	if len(list) == 0 {
		delete(next, s.CollectionID)
	} else {
		next[s.CollectionID] = list
	}
	b.subscriptions.Store(&next)
}

// Subscriptions returns the live subscriptions of a collection
func (b *Bus) Subscriptions(collectionID string) []*Subscription {
	current := *b.subscriptions.Load()
	return append([]*Subscription(nil), current[collectionID]...)
}

// Notify pushes the event of a committed mutation onto the queue of every matching
// subscription of the collection. It never blocks on subscribers.
func (b *Bus) Notify(ctx context.Context, collectionID string, operation core.Operation, document core.Document) {
	b.closeMutex.RLock()
	defer b.closeMutex.RUnlock()
	if b.closed {
		return
	}
	event := core.Event{Event: operation, Data: document}
	for _, s := range (*b.subscriptions.Load())[collectionID] {
		if !b.matches(ctx, s, document) {
			continue
		}
		if !s.queue.Push(event) {
			logger.FromContext(ctx).WithField("subscription", s.Name).
				WithField("collection", collectionID).
				Debugln("subscription queue full, dropped oldest event")
		}
	}
}

// DropCollection removes all subscriptions of a collection and calls the onDrop
// callback of each. Events notified before are discarded with the queues.
func (b *Bus) DropCollection(ctx context.Context, collectionID string) {
	b.closeMutex.RLock()
	defer b.closeMutex.RUnlock()
	if b.closed {
		return
	}
	b.drop(ctx, collectionID)
}

func (b *Bus) matches(ctx context.Context, s *Subscription, document core.Document) bool {
	ok, err := callWithPanicEnvelope(func() (bool, error) { return s.Filter.Match(document) })
	if err != nil {
		logger.FromContext(ctx).WithError(err).WithField("subscription", s.Name).
			Debugln("filter evaluation failed, treating as no match")
		return false
	}
	return ok
}

func (b *Bus) drop(ctx context.Context, collectionID string) {
	for _, s := range b.Subscriptions(collectionID) {
		b.Unsubscribe(s)
		if s.onDrop != nil {
			if _, err := callWithPanicEnvelope(func() (bool, error) { s.onDrop(); return true, nil }); err != nil {
				logger.FromContext(ctx).WithError(err).WithField("subscription", s.Name).
					Errorln("Error 4741: drop callback failed")
			}
		}
	}
}

// Close waits for running notifications to finish. Notifications after Close are
// ignored. Close is idempotent.
func (b *Bus) Close() {
	b.closeMutex.Lock()
	defer b.closeMutex.Unlock()
	b.closed = true
}

func callWithPanicEnvelope(callback func() (bool, error)) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %v", r)
		}
	}()
	return callback()
}
