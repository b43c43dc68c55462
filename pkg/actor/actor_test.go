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

package actor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMailbox(t *testing.T) {
	mb := NewMailbox(10)
	assert.NotNil(t, mb)
	assert.Equal(t, 10, cap(mb.messages))
	assert.Equal(t, 0, mb.Len())
}

func TestMailboxSendAndReceive(t *testing.T) {
	mb := NewMailbox(1)
	require.NoError(t, mb.Send("hello"))
	assert.Equal(t, 1, mb.Len())

	received, err := mb.Receive(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "hello", received)
}

func TestMailboxReceiveWithContextCancellation(t *testing.T) {
	mb := NewMailbox(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mb.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMailboxBlockingSend(t *testing.T) {
	mb := NewMailbox(1)
	require.NoError(t, mb.Send("first"))

	sendComplete := make(chan error, 1)
	go func() {
		// Blocks until a receive makes room.
		sendComplete <- mb.Send("second")
	}()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-sendComplete:
		t.Fatal("Send should block while the mailbox is full")
	default:
	}

	received, err := mb.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", received)

	select {
	case err := <-sendComplete:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Send did not complete after receive")
	}

	received, ok := mb.TryReceive()
	assert.True(t, ok)
	assert.Equal(t, "second", received)

	_, ok = mb.TryReceive()
	assert.False(t, ok)
}

func TestMailboxCloseUnblocksSenders(t *testing.T) {
	mb := NewMailbox(1)
	require.NoError(t, mb.Send("fill"))

	sendComplete := make(chan error, 1)
	go func() {
		sendComplete <- mb.Send("blocked")
	}()
	time.Sleep(10 * time.Millisecond)

	mb.Close()
	mb.Close()

	select {
	case err := <-sendComplete:
		assert.ErrorIs(t, err, ErrMailboxClosed)
	case <-time.After(time.Second):
		t.Fatal("Close did not release the blocked sender")
	}

	assert.ErrorIs(t, mb.Send("late"), ErrMailboxClosed)
	queued, ok := mb.TryReceive()
	assert.True(t, ok)
	assert.Equal(t, "fill", queued)
	_, err := mb.Receive(context.Background())
	assert.ErrorIs(t, err, ErrMailboxClosed)

	select {
	case <-mb.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestMailboxSendContextTimeout(t *testing.T) {
	mb := NewMailbox(1)
	require.NoError(t, mb.Send("fill"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, mb.SendContext(ctx, "late"), context.DeadlineExceeded)
}

func TestFunc(t *testing.T) {
	called := false
	var a Actor = Func(func(ctx context.Context, mb *Mailbox) error {
		called = true
		return nil
	})
	require.NoError(t, a.Start(context.Background(), NewMailbox(1)))
	assert.True(t, called)
}
