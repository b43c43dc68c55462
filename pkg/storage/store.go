// Copyright 2023 The topicbus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package storage provides a small key-value store abstraction and an
// in-memory implementation. The broker keeps transient per-endpoint state in
// it, such as when an unreliable endpoint was last heard from.
package storage

import (
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned when a key is not found in the store.
	ErrNotFound = errors.New("not found")
)

// Store defines the interface for a key-value store holding values of type V.
type Store[V any] interface {
	// Get retrieves a value by key, or ErrNotFound.
	Get(key string) (V, error)
	// Set adds or updates a value.
	Set(key string, value V) error
	// Delete removes a value. Deleting a missing key is not an error.
	Delete(key string) error
	// Range calls fn for each entry until fn returns false.
	Range(fn func(key string, value V) bool)
}

// MemStore is an in-memory implementation of Store, safe for concurrent use.
type MemStore[V any] struct {
	data map[string]V
	mu   sync.RWMutex
}

// NewMemStore creates and returns a new instance of MemStore.
func NewMemStore[V any]() *MemStore[V] {
	return &MemStore[V]{
		data: make(map[string]V),
	}
}

// Get retrieves a value from the in-memory store.
func (s *MemStore[V]) Get(key string) (V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	return value, nil
}

// Set adds or updates a value in the in-memory store.
func (s *MemStore[V]) Set(key string, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// Delete removes a value from the in-memory store.
func (s *MemStore[V]) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Range iterates over a snapshot of the store, so fn may call back into it.
func (s *MemStore[V]) Range(fn func(key string, value V) bool) {
	s.mu.RLock()
	snapshot := make(map[string]V, len(s.data))
	for k, v := range s.data {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

// Len returns the number of entries.
func (s *MemStore[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

var _ Store[int] = (*MemStore[int])(nil)
