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

// Package topic provides the subscription registry: a thread-safe, in-memory
// mapping from exact topic names to the endpoints subscribed to them.
//
// All state sits behind one mutex. The lock is only held while the maps are
// read or written; callers fan out over the snapshot returned by
// SubscribersOf after the lock is released, so a slow subscriber can never
// stall other sessions' subscribe or publish calls.
package topic

import (
	"sort"
	"sync"
)

// Subscriber is anything that can be registered against a topic. ID must be
// stable for the lifetime of the subscriber and unique among live ones.
type Subscriber interface {
	ID() string
}

// Store maps topics to subscribers. The zero value is not usable; create one
// with NewStore.
type Store[S Subscriber] struct {
	mu sync.Mutex
	// topic -> subscriber id -> subscriber
	subscriptions map[string]map[string]S
	// subscriber id -> set of topics, so UnsubscribeAll does not scan every topic
	byID map[string]map[string]struct{}
}

// NewStore creates an empty Store.
func NewStore[S Subscriber]() *Store[S] {
	return &Store[S]{
		subscriptions: make(map[string]map[string]S),
		byID:          make(map[string]map[string]struct{}),
	}
}

// Subscribe adds topic to the set of topics s is subscribed to. Subscribing
// twice to the same topic is a no-op; the first registered value is kept.
// It reports whether a new subscription was created.
func (s *Store[S]) Subscribe(sub S, topic string) bool {
	id := sub.ID()

	s.mu.Lock()
	defer s.mu.Unlock()

	subs, ok := s.subscriptions[topic]
	if !ok {
		subs = make(map[string]S)
		s.subscriptions[topic] = subs
	}
	if _, exists := subs[id]; exists {
		return false
	}
	subs[id] = sub

	topics, ok := s.byID[id]
	if !ok {
		topics = make(map[string]struct{})
		s.byID[id] = topics
	}
	topics[topic] = struct{}{}
	return true
}

// UnsubscribeAll removes every subscription held by id and returns the topics
// it was removed from, sorted. Topics left without subscribers are dropped.
func (s *Store[S]) UnsubscribeAll(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics, ok := s.byID[id]
	if !ok {
		return nil
	}
	delete(s.byID, id)

	removed := make([]string, 0, len(topics))
	for topic := range topics {
		removed = append(removed, topic)
		subs := s.subscriptions[topic]
		delete(subs, id)
		if len(subs) == 0 {
			delete(s.subscriptions, topic)
		}
	}
	sort.Strings(removed)
	return removed
}

// SubscribersOf returns a snapshot of the subscribers of topic. The slice is
// owned by the caller; later registry changes are not reflected in it. The
// order is unspecified.
func (s *Store[S]) SubscribersOf(topic string) []S {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subscriptions[topic]
	snapshot := make([]S, 0, len(subs))
	for _, sub := range subs {
		snapshot = append(snapshot, sub)
	}
	return snapshot
}

// Topics returns the topics id is subscribed to, sorted.
func (s *Store[S]) Topics(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics := make([]string, 0, len(s.byID[id]))
	for topic := range s.byID[id] {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Len returns the number of topics with at least one subscriber and the total
// number of (subscriber, topic) pairs.
func (s *Store[S]) Len() (topics, subscriptions int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, subs := range s.subscriptions {
		subscriptions += len(subs)
	}
	return len(s.subscriptions), subscriptions
}
