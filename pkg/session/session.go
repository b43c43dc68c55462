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

// package session implements the per-endpoint conversation state machine and
// the actor that writes a reliable session's outbound frames.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/turtacn/topicbus/pkg/broker"
	"github.com/turtacn/topicbus/pkg/protocol/frame"
)

// ErrTerminated is returned by Handle once the session has ended.
var ErrTerminated = errors.New("session: terminated")

// State is the lifecycle stage of a session.
type State int

const (
	// StateConnected is the initial state; the session may hold any number of
	// subscriptions.
	StateConnected State = iota
	// StateTerminated is final; no further frames are dispatched.
	StateTerminated
)

// String returns the state name.
func (s State) String() string {
	if s == StateTerminated {
		return "TERMINATED"
	}
	return "CONNECTED"
}

// Session is the conversation between the broker and one endpoint.
//
// A reliable session lives as long as its connection and must be closed on
// every exit path. A datagram session is created per datagram and only ends
// through TERMINATE, since no resource is held between datagrams.
type Session struct {
	ep     broker.Endpoint
	broker *broker.Broker

	mu    sync.Mutex
	state State

	releaseOnce sync.Once
}

// New creates a session for ep in StateConnected.
func New(ep broker.Endpoint, b *broker.Broker) *Session {
	return &Session{ep: ep, broker: b}
}

// ID returns the endpoint ID.
func (s *Session) ID() string {
	return s.ep.ID()
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle dispatches one inbound message. It returns ErrTerminated when the
// message ended the session or the session had already ended, and a reply
// error if the endpoint could not be answered.
func (s *Session) Handle(ctx context.Context, msg frame.Message) error {
	if s.State() == StateTerminated {
		return ErrTerminated
	}

	outcome, err := s.broker.Dispatch(ctx, s.ep, msg)
	if outcome == broker.Terminate {
		s.releaseOnce.Do(func() {}) // Dispatch already released the registry entry.
		s.mu.Lock()
		s.state = StateTerminated
		s.mu.Unlock()
		return ErrTerminated
	}
	return err
}

// Close ends the session and removes its subscriptions. The registry entry is
// removed exactly once no matter how many exit paths call Close.
func (s *Session) Close() {
	s.mu.Lock()
	s.state = StateTerminated
	s.mu.Unlock()

	s.releaseOnce.Do(func() {
		s.broker.Release(s.ep.ID())
	})
}
