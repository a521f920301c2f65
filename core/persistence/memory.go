// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package persistence

import (
	"context"
	"sync"
)

// Memory is an in-process driver. Every collection has its own bucket with its
// own lock, so collections never contend with each other.
type Memory struct {
	mutex   sync.RWMutex
	buckets map[string]*bucket
}

type bucket struct {
	mutex  sync.RWMutex
	values map[string][]byte
}

// NewMemory returns a new, empty in-memory driver
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]*bucket)}
}

func (m *Memory) bucket(collectionID string, create bool) *bucket {
	m.mutex.RLock()
	b, ok := m.buckets[collectionID]
	m.mutex.RUnlock()
	if ok || !create {
		return b
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if b, ok = m.buckets[collectionID]; !ok {
		b = &bucket{values: make(map[string][]byte)}
		m.buckets[collectionID] = b
	}
	return b
}

// Get returns the value stored for the key, or ErrNotFound
func (m *Memory) Get(ctx context.Context, collectionID, documentID string) ([]byte, error) {
	b := m.bucket(collectionID, false)
	if b == nil {
		return nil, ErrNotFound
	}
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	data, ok := b.values[documentID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Put stores a copy of data
func (m *Memory) Put(ctx context.Context, collectionID, documentID string, data []byte) error {
	b := m.bucket(collectionID, true)
	b.mutex.Lock()
	b.values[documentID] = append([]byte(nil), data...)
	b.mutex.Unlock()
	return nil
}

// Delete removes the value for the key
func (m *Memory) Delete(ctx context.Context, collectionID, documentID string) error {
	b := m.bucket(collectionID, false)
	if b == nil {
		return nil
	}
	b.mutex.Lock()
	delete(b.values, documentID)
	b.mutex.Unlock()
	return nil
}

// Scan calls fn for a snapshot of all values of the collection
func (m *Memory) Scan(ctx context.Context, collectionID string, fn func(documentID string, data []byte) error) error {
	b := m.bucket(collectionID, false)
	if b == nil {
		return nil
	}
	b.mutex.RLock()
	snapshot := make(map[string][]byte, len(b.values))
	for k, v := range b.values {
		snapshot[k] = v
	}
	b.mutex.RUnlock()

	for k, v := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k, append([]byte(nil), v...)); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAll drops the bucket of the collection
func (m *Memory) DeleteAll(ctx context.Context, collectionID string) error {
	m.mutex.Lock()
	delete(m.buckets, collectionID)
	m.mutex.Unlock()
	return nil
}
