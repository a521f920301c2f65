// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package store

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/livestore/core"
	"github.com/relabs-tech/livestore/core/access"
	"github.com/relabs-tech/livestore/core/logger"
	"github.com/relabs-tech/livestore/core/persistence"
	"github.com/relabs-tech/livestore/core/query"
	"github.com/relabs-tech/livestore/core/value"
)

// Page is one page of a document listing
type Page struct {
	Documents []core.Document `json:"documents"`
	// Total is the number of matching documents across all pages
	Total int `json:"total"`
}

// mutable returns the collection state with its read lock held. The caller must
// release it with RUnlock.
func (s *Store) mutable(collectionID string) (*collectionState, error) {
	state, err := s.state(collectionID)
	if err != nil {
		return nil, err
	}
	state.mutex.RLock()
	if state.deleted.Load() {
		state.mutex.RUnlock()
		return nil, core.NotFound("collection %s not found", collectionID)
	}
	return state, nil
}

func (s *Store) read(ctx context.Context, collectionID, documentID string) (core.Document, error) {
	data, err := s.driver.Get(ctx, collectionID, documentID)
	if errors.Is(err, persistence.ErrNotFound) {
		return core.Document{}, core.NotFound("document %s not found in collection %s", documentID, collectionID)
	}
	if err != nil {
		return core.Document{}, core.Internal(err, "cannot read document %s/%s", collectionID, documentID)
	}
	var doc core.Document
	if err = json.Unmarshal(data, &doc); err != nil {
		return core.Document{}, core.Internal(err, "cannot decode document %s/%s", collectionID, documentID)
	}
	if doc.Data == nil {
		doc.Data = value.NewObject()
	}
	return doc, nil
}

func (s *Store) write(ctx context.Context, doc core.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return core.Internal(err, "cannot encode document %s/%s", doc.CollectionID, doc.ID)
	}
	if err = s.driver.Put(ctx, doc.CollectionID, doc.ID, data); err != nil {
		return core.Internal(err, "cannot write document %s/%s", doc.CollectionID, doc.ID)
	}
	return nil
}

// CreateDocument creates a new document in the collection. If id is empty, a new
// id is generated.
func (s *Store) CreateDocument(ctx context.Context, collectionID string, data *value.Object, id string) (core.Document, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := validateID("document", id); err != nil {
		return core.Document{}, err
	}
	state, err := s.mutable(collectionID)
	if err != nil {
		return core.Document{}, err
	}
	defer state.mutex.RUnlock()

	lock := s.lockFor(collectionID, id)
	lock.Lock()
	defer lock.Unlock()

	_, err = s.read(ctx, collectionID, id)
	if err == nil {
		return core.Document{}, core.Conflict("document %s already exists in collection %s", id, collectionID)
	}
	if !errors.Is(err, core.ErrNotFound) {
		return core.Document{}, err
	}

	if data == nil {
		data = value.NewObject()
	}
	now := time.Now().UTC()
	doc := core.Document{
		ID:           id,
		CollectionID: collectionID,
		Data:         data.Clone(),
		CreatedAt:    now,
		UpdatedAt:    now,
		Revision:     1,
	}
	if err = s.write(ctx, doc); err != nil {
		return core.Document{}, err
	}
	s.publish(ctx, state.collection, core.OperationCreate, doc)
	return doc, nil
}

// GetDocument returns the document with id
func (s *Store) GetDocument(ctx context.Context, collectionID, id string) (core.Document, error) {
	if _, err := s.state(collectionID); err != nil {
		return core.Document{}, err
	}
	return s.read(ctx, collectionID, id)
}

// ListDocuments returns the page of documents selected by q together with the total
// number of matching documents. identity is the authenticated caller and may be nil;
// it is needed for filters which refer to the current user.
func (s *Store) ListDocuments(ctx context.Context, collectionID string, q query.Query, identity *access.Identity) (Page, error) {
	if _, err := s.state(collectionID); err != nil {
		return Page{}, err
	}
	userID := ""
	if identity != nil {
		userID = identity.UserID
	}
	filter, err := q.Filter.WithCurrentUser(userID)
	if err != nil {
		return Page{}, err
	}
	q.Filter = filter

	rlog := logger.FromContext(ctx)
	var documents []core.Document
	err = s.driver.Scan(ctx, collectionID, func(documentID string, data []byte) error {
		var doc core.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			rlog.WithError(err).Errorf("Error 4733: cannot decode document %s/%s", collectionID, documentID)
			return nil
		}
		if doc.Data == nil {
			doc.Data = value.NewObject()
		}
		documents = append(documents, doc)
		return nil
	})
	if err != nil {
		return Page{}, core.Internal(err, "cannot scan collection %s", collectionID)
	}

	page, total, err := q.Apply(documents)
	if err != nil {
		return Page{}, err
	}
	return Page{Documents: page, Total: total}, nil
}

// UpdateDocument updates the data of a document. With merge, every top level field
// of patch replaces the stored field. Without merge, the data is replaced as a
// whole. If expectedRevision is not nil, the update fails with a conflict unless it
// matches the stored revision.
func (s *Store) UpdateDocument(ctx context.Context, collectionID, id string, patch *value.Object, merge bool, expectedRevision *int64) (core.Document, error) {
	state, err := s.mutable(collectionID)
	if err != nil {
		return core.Document{}, err
	}
	defer state.mutex.RUnlock()

	lock := s.lockFor(collectionID, id)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.read(ctx, collectionID, id)
	if err != nil {
		return core.Document{}, err
	}
	if expectedRevision != nil && *expectedRevision != doc.Revision {
		return core.Document{}, core.Conflict("document %s has revision %d, expected %d", id, doc.Revision, *expectedRevision)
	}

	if merge {
		doc.Data = doc.Data.Merge(patch)
	} else if patch == nil {
		doc.Data = value.NewObject()
	} else {
		doc.Data = patch.Clone()
	}
	doc.Revision++
	doc.UpdatedAt = time.Now().UTC()
	if !doc.UpdatedAt.After(doc.CreatedAt) {
		doc.UpdatedAt = doc.CreatedAt.Add(time.Nanosecond)
	}

	if err = s.write(ctx, doc); err != nil {
		return core.Document{}, err
	}
	s.publish(ctx, state.collection, core.OperationUpdate, doc)
	return doc, nil
}

// DeleteDocument deletes a document. It fails with NotFound if the document does not exist.
func (s *Store) DeleteDocument(ctx context.Context, collectionID, id string) error {
	state, err := s.mutable(collectionID)
	if err != nil {
		return err
	}
	defer state.mutex.RUnlock()

	lock := s.lockFor(collectionID, id)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.read(ctx, collectionID, id)
	if err != nil {
		return err
	}
	if err = s.driver.Delete(ctx, collectionID, id); err != nil {
		return core.Internal(err, "cannot delete document %s/%s", collectionID, id)
	}
	s.publish(ctx, state.collection, core.OperationDelete, doc)
	return nil
}
