// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/livestore/core"
	"github.com/relabs-tech/livestore/core/logger"
	"github.com/relabs-tech/livestore/core/pointers"
	"github.com/relabs-tech/livestore/core/registry"
)

// CollectionUpdate holds the changes of UpdateCollection. Nil fields are left unchanged.
type CollectionUpdate struct {
	Name       *string `json:"name,omitempty"`
	WebhookURL *string `json:"webhookUrl,omitempty"`
}

func (s *Store) loadCollections(ctx context.Context) error {
	return s.collections.Scan(ctx, func(key string, data []byte) error {
		var c core.Collection
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		s.table[c.ID] = &collectionState{collection: c}
		return nil
	})
}

func validateID(kind, id string) error {
	if id == "" {
		return core.Validation("%s id must not be empty", kind)
	}
	if strings.ContainsAny(id, "/") {
		return core.Validation("%s id %q must not contain a slash", kind, id)
	}
	return nil
}

func (s *Store) state(collectionID string) (*collectionState, error) {
	s.mutex.RLock()
	state, ok := s.table[collectionID]
	s.mutex.RUnlock()
	if !ok || state.deleted.Load() {
		return nil, core.NotFound("collection %s not found", collectionID)
	}
	return state, nil
}

// CreateCollection creates a new collection. If id is empty, a new id is generated.
// owner is the user id of the creator and may be empty.
func (s *Store) CreateCollection(ctx context.Context, name, webhookURL, id, owner string) (core.Collection, error) {
	if strings.TrimSpace(name) == "" {
		return core.Collection{}, core.Validation("collection name must not be empty")
	}
	if id == "" {
		id = uuid.NewString()
	}
	if err := validateID("collection", id); err != nil {
		return core.Collection{}, err
	}
	if registry.IsReserved(id) {
		return core.Collection{}, core.Validation("collection id %q must not start with an underscore", id)
	}

	c := core.Collection{
		ID:         id,
		Name:       name,
		CreatedAt:  time.Now().UTC(),
		WebhookURL: webhookURL,
		Owner:      owner,
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if state, ok := s.table[id]; ok {
		if state.deleted.Load() {
			return core.Collection{}, core.Conflict("collection %s is being deleted", id)
		}
		return core.Collection{}, core.Conflict("collection %s already exists", id)
	}
	if err := s.collections.Write(ctx, id, c); err != nil {
		return core.Collection{}, core.Internal(err, "cannot write collection %s", id)
	}
	s.table[id] = &collectionState{collection: c}
	logger.FromContext(ctx).Infof("created collection %s (%s)", id, name)
	return c, nil
}

// GetCollection returns the collection with id
func (s *Store) GetCollection(ctx context.Context, id string) (core.Collection, error) {
	state, err := s.state(id)
	if err != nil {
		return core.Collection{}, err
	}
	state.mutex.RLock()
	defer state.mutex.RUnlock()
	return state.collection, nil
}

// ListCollections returns all collections in creation order
func (s *Store) ListCollections(ctx context.Context) []core.Collection {
	s.mutex.RLock()
	states := make([]*collectionState, 0, len(s.table))
	for _, state := range s.table {
		if !state.deleted.Load() {
			states = append(states, state)
		}
	}
	s.mutex.RUnlock()

	collections := make([]core.Collection, 0, len(states))
	for _, state := range states {
		state.mutex.RLock()
		collections = append(collections, state.collection)
		state.mutex.RUnlock()
	}
	sort.Slice(collections, func(i, j int) bool {
		if !collections[i].CreatedAt.Equal(collections[j].CreatedAt) {
			return collections[i].CreatedAt.Before(collections[j].CreatedAt)
		}
		return collections[i].ID < collections[j].ID
	})
	return collections
}

// UpdateCollection changes name or webhook url of a collection
func (s *Store) UpdateCollection(ctx context.Context, id string, update CollectionUpdate) (core.Collection, error) {
	if update.Name != nil && strings.TrimSpace(pointers.Safe(update.Name)) == "" {
		return core.Collection{}, core.Validation("collection name must not be empty")
	}
	state, err := s.state(id)
	if err != nil {
		return core.Collection{}, err
	}
	state.mutex.Lock()
	defer state.mutex.Unlock()
	if state.deleted.Load() {
		return core.Collection{}, core.NotFound("collection %s not found", id)
	}
	c := state.collection
	pointers.Apply(&c.Name, update.Name)
	pointers.Apply(&c.WebhookURL, update.WebhookURL)
	if err := s.collections.Write(ctx, id, c); err != nil {
		return core.Collection{}, core.Internal(err, "cannot write collection %s", id)
	}
	state.collection = c
	return c, nil
}

// DeleteCollection deletes a collection and all its documents. Every document
// emits a delete event. Afterwards the notifier is told to drop the collection,
// if it supports that. The collection id stays taken until the cascade is done;
// if the cascade fails, the collection is kept.
func (s *Store) DeleteCollection(ctx context.Context, id string) error {
	s.mutex.RLock()
	state, ok := s.table[id]
	s.mutex.RUnlock()
	if !ok {
		return core.NotFound("collection %s not found", id)
	}

	// waits for in-flight document mutations of this collection
	state.mutex.Lock()
	defer state.mutex.Unlock()
	if state.deleted.Swap(true) {
		return core.NotFound("collection %s not found", id)
	}

	rlog := logger.FromContext(ctx)
	documents, err := s.deleteDocuments(ctx, id)
	if err != nil {
		state.deleted.Store(false)
		return err
	}
	if err = s.collections.Delete(ctx, id); err != nil {
		state.deleted.Store(false)
		return core.Internal(err, "cannot delete collection %s", id)
	}

	sortByCreation(documents)
	for _, doc := range documents {
		s.publish(ctx, state.collection, core.OperationDelete, doc)
	}
	if dropper, ok := s.notifier.(core.CollectionDropper); ok {
		dropper.DropCollection(ctx, id)
	}
	s.mutex.Lock()
	if s.table[id] == state {
		delete(s.table, id)
	}
	s.mutex.Unlock()
	rlog.Infof("deleted collection %s with %d documents", id, len(documents))
	return nil
}

// deleteDocuments removes all documents of a collection and returns them
func (s *Store) deleteDocuments(ctx context.Context, id string) ([]core.Document, error) {
	rlog := logger.FromContext(ctx)
	var documents []core.Document
	err := s.driver.Scan(ctx, id, func(documentID string, data []byte) error {
		var doc core.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			rlog.WithError(err).Errorf("Error 4732: cannot decode document %s/%s", id, documentID)
			return nil
		}
		documents = append(documents, doc)
		return nil
	})
	if err != nil {
		return nil, core.Internal(err, "cannot scan collection %s", id)
	}
	if err = s.driver.DeleteAll(ctx, id); err != nil {
		return nil, core.Internal(err, "cannot delete documents of collection %s", id)
	}
	return documents, nil
}

func sortByCreation(documents []core.Document) {
	sort.SliceStable(documents, func(i, j int) bool {
		if !documents[i].CreatedAt.Equal(documents[j].CreatedAt) {
			return documents[i].CreatedAt.Before(documents[j].CreatedAt)
		}
		return documents[i].ID < documents[j].ID
	})
}
