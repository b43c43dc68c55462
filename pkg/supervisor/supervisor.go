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

// package supervisor provides an OTP-style supervisor for the broker's
// concurrent tasks: one child per reliable session plus the datagram receive
// loop. Unlike fire-and-forget goroutines, every child is tracked so the
// broker can enumerate live sessions and join all of them at shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/turtacn/topicbus/pkg/actor"
	"github.com/turtacn/topicbus/pkg/metrics"
)

// RestartStrategy defines the restart behavior for a supervised child actor.
type RestartStrategy int

const (
	// RestartPermanent indicates that the child actor should always be restarted.
	RestartPermanent RestartStrategy = iota
	// RestartTransient indicates that the child actor should be restarted only if
	// it terminates abnormally (i.e., with an error or a panic).
	RestartTransient
	// RestartTemporary indicates that the child actor should never be restarted.
	RestartTemporary
)

// DefaultRestartDelay is the pause between a child's exit and its restart.
const DefaultRestartDelay = time.Second

var (
	// ErrShuttingDown is returned by StartChild once Shutdown has begun.
	ErrShuttingDown = errors.New("supervisor: shutting down")
	// ErrDuplicateChild is returned by StartChild for an ID that is still live.
	ErrDuplicateChild = errors.New("supervisor: duplicate child id")
)

// Spec describes a child actor managed by a supervisor.
type Spec struct {
	// ID is a unique identifier for the child actor, used for logging and
	// for Stop.
	ID string
	// Actor is the actor instance to be supervised.
	Actor actor.Actor
	// Restart defines the restart strategy for this child.
	Restart RestartStrategy
	// Mailbox is the mailbox handed to the actor. It is closed once the child
	// exits for good. If nil, a one-slot mailbox is created.
	Mailbox *actor.Mailbox
	// OnExit, if set, runs once after the child exits for good.
	OnExit func(err error)
}

type child struct {
	cancel context.CancelFunc
}

// Supervisor implements a one-for-one supervision strategy: if a child
// terminates, only that child is restarted, according to its Spec.
type Supervisor struct {
	children     *haxmap.Map[string, *child]
	restartDelay time.Duration

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithRestartDelay overrides DefaultRestartDelay.
func WithRestartDelay(d time.Duration) Option {
	return func(s *Supervisor) { s.restartDelay = d }
}

// New creates a new one-for-one supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		children:     haxmap.New[string, *child](),
		restartDelay: DefaultRestartDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches an initial set of children. This method is non-blocking.
func (s *Supervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("no child specs provided")
	}
	for _, spec := range specs {
		if err := s.StartChild(ctx, spec); err != nil {
			return err
		}
	}
	return nil
}

// StartChild launches and monitors a single child in its own goroutine. The
// child runs until it stops for good, ctx is cancelled, Stop is called with
// its ID, or the supervisor shuts down.
func (s *Supervisor) StartChild(ctx context.Context, spec Spec) error {
	if spec.Mailbox == nil {
		spec.Mailbox = actor.NewMailbox(1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return ErrShuttingDown
	}
	if _, live := s.children.Get(spec.ID); live {
		return fmt.Errorf("%w: %s", ErrDuplicateChild, spec.ID)
	}

	childCtx, cancel := context.WithCancel(ctx)
	c := &child{cancel: cancel}
	s.children.Set(spec.ID, c)
	s.wg.Add(1)
	go s.monitorChild(childCtx, c, spec)
	return nil
}

// Stop cancels the child with the given ID and reports whether it was live.
// It does not wait for the child to exit.
func (s *Supervisor) Stop(id string) bool {
	c, ok := s.children.Get(id)
	if !ok {
		return false
	}
	c.cancel()
	return true
}

// Active returns the IDs of all live children, sorted.
func (s *Supervisor) Active() []string {
	ids := make([]string, 0, s.children.Len())
	s.children.ForEach(func(id string, _ *child) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}

// Shutdown stops accepting children, cancels every live child and waits for
// all of them to exit or for ctx to be done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.children.ForEach(func(_ string, c *child) bool {
		c.cancel()
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor: %d children still running: %w", s.children.Len(), ctx.Err())
	}
}

// monitorChild is the internal loop that monitors a single child actor.
// It handles actor termination, panics, and restart logic.
func (s *Supervisor) monitorChild(ctx context.Context, c *child, spec Spec) {
	var err error
	defer func() {
		s.children.Del(spec.ID)
		spec.Mailbox.Close()
		c.cancel()
		if spec.OnExit != nil {
			spec.OnExit(err)
		}
		s.wg.Done()
	}()

	for {
		err = s.runChild(ctx, spec)
		slog.Debug("supervised actor terminated", "actor", spec.ID, "reason", err)

		if ctx.Err() != nil {
			return
		}

		shouldRestart := false
		switch spec.Restart {
		case RestartPermanent:
			shouldRestart = true
		case RestartTransient:
			shouldRestart = err != nil
		case RestartTemporary:
			shouldRestart = false
		}
		if !shouldRestart {
			return
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()
		slog.Warn("restarting supervised actor", "actor", spec.ID, "reason", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.restartDelay):
		}
	}
}

// runChild runs one incarnation of the child, turning a panic into an error.
func (s *Supervisor) runChild(ctx context.Context, spec Spec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s panicked: %v", spec.ID, r)
		}
	}()
	return spec.Actor.Start(ctx, spec.Mailbox)
}
