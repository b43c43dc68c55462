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

// Package actor provides the minimal actor contract used by supervised
// broker tasks and the mailbox they receive work through.
package actor

import (
	"context"
	"errors"
	"sync"
)

// ErrMailboxClosed is returned when sending to a mailbox whose owner has
// stopped.
var ErrMailboxClosed = errors.New("actor: mailbox closed")

// Actor is a long-running task. Start blocks until the actor terminates,
// either because ctx was cancelled or because the actor decided to stop. The
// returned error tells a supervisor whether the stop was abnormal.
type Actor interface {
	Start(ctx context.Context, mb *Mailbox) error
}

// Func adapts a plain function to the Actor interface.
type Func func(ctx context.Context, mb *Mailbox) error

// Start calls f.
func (f Func) Start(ctx context.Context, mb *Mailbox) error {
	return f(ctx, mb)
}

// Mailbox is a bounded, channel-backed queue of messages for one actor.
//
// Senders block while the mailbox is full. Once the owner calls Close,
// pending and future sends fail with ErrMailboxClosed instead of blocking
// forever; messages already queued are discarded with the mailbox.
type Mailbox struct {
	messages  chan any
	done      chan struct{}
	closeOnce sync.Once
}

// NewMailbox creates a mailbox that buffers up to size messages.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		messages: make(chan any, size),
		done:     make(chan struct{}),
	}
}

// Send queues msg, blocking while the mailbox is full.
func (mb *Mailbox) Send(msg any) error {
	return mb.SendContext(context.Background(), msg)
}

// SendContext queues msg, blocking while the mailbox is full until ctx is
// done or the mailbox is closed.
func (mb *Mailbox) SendContext(ctx context.Context, msg any) error {
	select {
	case <-mb.done:
		return ErrMailboxClosed
	default:
	}
	select {
	case mb.messages <- msg:
		return nil
	case <-mb.done:
		return ErrMailboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until a message is available, the mailbox is closed or ctx
// is done.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case msg := <-mb.messages:
		return msg, nil
	case <-mb.done:
		return nil, ErrMailboxClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryReceive returns the next queued message without blocking.
func (mb *Mailbox) TryReceive() (any, bool) {
	select {
	case msg := <-mb.messages:
		return msg, true
	default:
		return nil, false
	}
}

// Close marks the mailbox as closed. It is safe to call more than once.
func (mb *Mailbox) Close() {
	mb.closeOnce.Do(func() { close(mb.done) })
}

// Done is closed once the mailbox is closed.
func (mb *Mailbox) Done() <-chan struct{} {
	return mb.done
}

// Len returns the number of queued messages.
func (mb *Mailbox) Len() int {
	return len(mb.messages)
}
