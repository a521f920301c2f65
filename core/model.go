// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package core

import (
	"context"
	"time"

	"github.com/relabs-tech/livestore/core/value"
)

// Collection is a named container of documents
type Collection struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"createdAt"`
	WebhookURL string    `json:"webhookUrl,omitempty"`
	// Owner is the user id of the creator, if the collection was created by an authenticated user
	Owner string `json:"owner,omitempty"`
}

// Document is a schemaless record with an id unique within its collection
type Document struct {
	ID           string        `json:"id"`
	CollectionID string        `json:"collectionId"`
	Data         *value.Object `json:"data"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	Revision     int64         `json:"revision"`
}

// Clone returns a deep copy of the document
func (d Document) Clone() Document {
	d.Data = d.Data.Clone()
	return d
}

// Event is a real-time change event as it is delivered to subscribers
type Event struct {
	Event Operation `json:"event"`
	Data  Document  `json:"data"`
}

// Notifier receives committed document mutations. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, collectionID string, operation Operation, document Document)
}

// CollectionDropper is implemented by notifiers which keep per collection state. The
// store calls DropCollection after the delete events of a deleted collection.
type CollectionDropper interface {
	DropCollection(ctx context.Context, collectionID string)
}

// WebhookDelivery is a matched change event together with the webhook url of its collection
type WebhookDelivery struct {
	URL   string `json:"url"`
	Event Event  `json:"event"`
}

// WebhookDispatcher performs the outbound delivery of webhook events. The store only
// decides whether and what to deliver.
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, delivery WebhookDelivery) error
}
