// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package store implements the document store.

A store owns collections and their schemaless documents. Documents are kept as
JSON in a persistence driver, keyed by collection id and document id. Every
mutation of a document runs under a per-document lock, commits synchronously to
the driver and is then handed to the notifier and, if the collection has a
webhook, to the webhook dispatcher. Webhook deliveries are handed to a fixed pool
of workers through a bounded queue; when the queue is full the delivery is
dropped and logged, the write is never blocked.

Collection metadata lives in the reserved "_collection_" registry and is cached
in memory.
*/
package store

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/relabs-tech/livestore/core"
	"github.com/relabs-tech/livestore/core/logger"
	"github.com/relabs-tech/livestore/core/persistence"
	"github.com/relabs-tech/livestore/core/registry"
)

// Defaults for the builder
const (
	DefaultLockStripes          = 256
	DefaultWebhookWorkers       = 4
	DefaultWebhookQueueCapacity = 1024
)

// Builder is a builder helper for the Store
type Builder struct {
	// Driver is the persistence backend. Mandatory.
	Driver persistence.Driver
	// Notifier receives every committed mutation. Optional.
	Notifier core.Notifier
	// Webhooks performs webhook delivery for collections with a webhook url. Optional.
	Webhooks core.WebhookDispatcher
	// LockStripes is the number of per-document lock stripes. Defaults to DefaultLockStripes.
	LockStripes int
	// WebhookWorkers is the number of concurrent webhook dispatches. Defaults to DefaultWebhookWorkers.
	WebhookWorkers int
	// WebhookQueueCapacity is the number of pending webhook deliveries. Defaults to
	// DefaultWebhookQueueCapacity.
	WebhookQueueCapacity int
}

// Store is the document store
type Store struct {
	driver      persistence.Driver
	collections registry.Accessor
	notifier    core.Notifier
	webhooks    core.WebhookDispatcher

	mutex sync.RWMutex
	table map[string]*collectionState

	locks []sync.Mutex

	webhookQueue chan webhookJob
	workers      sync.WaitGroup
	closeMutex   sync.RWMutex
	closed       bool
}

type webhookJob struct {
	ctx      context.Context
	delivery core.WebhookDelivery
}

type collectionState struct {
	// document mutations hold the read lock, collection delete holds the write lock
	mutex      sync.RWMutex
	collection core.Collection
	// set while the delete cascade runs, the state stays in the table until it is done
	deleted atomic.Bool
}

// New creates a new store and loads the collection metadata from the driver
func New(bb *Builder) *Store {
	if bb.Driver == nil {
		panic("driver missing")
	}
	stripes := bb.LockStripes
	if stripes <= 0 {
		stripes = DefaultLockStripes
	}
	s := &Store{
		driver:      bb.Driver,
		collections: registry.New(bb.Driver).Accessor(registry.Collections),
		notifier:    bb.Notifier,
		webhooks:    bb.Webhooks,
		table:       make(map[string]*collectionState),
		locks:       make([]sync.Mutex, stripes),
	}
	if err := s.loadCollections(context.Background()); err != nil {
		panic(err)
	}
	if s.webhooks != nil {
		workers := bb.WebhookWorkers
		if workers <= 0 {
			workers = DefaultWebhookWorkers
		}
		capacity := bb.WebhookQueueCapacity
		if capacity <= 0 {
			capacity = DefaultWebhookQueueCapacity
		}
		s.webhookQueue = make(chan webhookJob, capacity)
		s.workers.Add(workers)
		for i := 0; i < workers; i++ {
			go s.dispatchWebhooks()
		}
	}
	logger.Default().Infof("store ready with %d collections", len(s.table))
	return s
}

func (s *Store) lockFor(collectionID, documentID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(collectionID))
	h.Write([]byte{'/'})
	h.Write([]byte(documentID))
	return &s.locks[h.Sum32()%uint32(len(s.locks))]
}

// publish hands a committed mutation to the notifier and the webhook dispatcher.
// It must be called while the document lock is held, so that events of one
// document leave the store in commit order.
func (s *Store) publish(ctx context.Context, collection core.Collection, operation core.Operation, document core.Document) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, collection.ID, operation, document.Clone())
	}
	if s.webhooks == nil || collection.WebhookURL == "" {
		return
	}
	delivery := core.WebhookDelivery{
		URL:   collection.WebhookURL,
		Event: core.Event{Event: operation, Data: document.Clone()},
	}
	s.closeMutex.RLock()
	defer s.closeMutex.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.webhookQueue <- webhookJob{ctx: context.WithoutCancel(ctx), delivery: delivery}:
	default:
		logger.FromContext(ctx).WithField("collection", collection.ID).
			Errorf("Error 4733: webhook queue full, dropped %s event of document %s", operation, document.ID)
	}
}

func (s *Store) dispatchWebhooks() {
	defer s.workers.Done()
	for job := range s.webhookQueue {
		if err := s.webhooks.Dispatch(job.ctx, job.delivery); err != nil {
			logger.FromContext(job.ctx).WithError(err).WithField("collection", job.delivery.Event.Data.CollectionID).
				Errorln("Error 4731: webhook dispatch failed")
		}
	}
}

// Close stops the webhook workers after the pending deliveries have been
// dispatched. Later mutations are not sent to webhooks. Close is idempotent.
func (s *Store) Close() {
	s.closeMutex.Lock()
	if s.closed {
		s.closeMutex.Unlock()
		return
	}
	s.closed = true
	if s.webhookQueue != nil {
		close(s.webhookQueue)
	}
	s.closeMutex.Unlock()
	s.workers.Wait()
}
