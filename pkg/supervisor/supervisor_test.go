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

package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/topicbus/pkg/actor"
)

// blockingActor runs until its context is cancelled.
func blockingActor(started *sync.WaitGroup) actor.Actor {
	return actor.Func(func(ctx context.Context, mb *actor.Mailbox) error {
		if started != nil {
			started.Done()
		}
		<-ctx.Done()
		return nil
	})
}

func TestSupervisor_StartAndShutdown(t *testing.T) {
	sup := New()

	var started sync.WaitGroup
	started.Add(2)
	err := sup.Start(context.Background(), []Spec{
		{ID: "a", Actor: blockingActor(&started), Restart: RestartPermanent},
		{ID: "b", Actor: blockingActor(&started), Restart: RestartTemporary},
	})
	require.NoError(t, err)
	started.Wait()

	assert.Equal(t, []string{"a", "b"}, sup.Active())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sup.Shutdown(ctx))
	assert.Empty(t, sup.Active())

	err = sup.StartChild(context.Background(), Spec{ID: "late", Actor: blockingActor(nil)})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestSupervisor_StartWithNoSpecs(t *testing.T) {
	err := New().Start(context.Background(), []Spec{})
	assert.Error(t, err)
	assert.Equal(t, "no child specs provided", err.Error())
}

func TestSupervisor_DuplicateID(t *testing.T) {
	sup := New()
	defer sup.Shutdown(context.Background())

	var started sync.WaitGroup
	started.Add(1)
	require.NoError(t, sup.StartChild(context.Background(), Spec{ID: "dup", Actor: blockingActor(&started)}))
	started.Wait()

	err := sup.StartChild(context.Background(), Spec{ID: "dup", Actor: blockingActor(nil)})
	assert.ErrorIs(t, err, ErrDuplicateChild)
}

func TestSupervisor_StopOne(t *testing.T) {
	sup := New()
	defer sup.Shutdown(context.Background())

	exited := make(chan error, 1)
	var started sync.WaitGroup
	started.Add(2)
	require.NoError(t, sup.StartChild(context.Background(), Spec{
		ID:      "victim",
		Actor:   blockingActor(&started),
		Restart: RestartPermanent,
		OnExit:  func(err error) { exited <- err },
	}))
	require.NoError(t, sup.StartChild(context.Background(), Spec{ID: "bystander", Actor: blockingActor(&started)}))
	started.Wait()

	assert.True(t, sup.Stop("victim"))
	assert.False(t, sup.Stop("nobody"))

	select {
	case err := <-exited:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stopped child did not exit")
	}
	assert.Eventually(t, func() bool {
		return len(sup.Active()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"bystander"}, sup.Active())
}

func TestSupervisor_MailboxClosedOnExit(t *testing.T) {
	sup := New()
	mb := actor.NewMailbox(1)
	exited := make(chan struct{})
	require.NoError(t, sup.StartChild(context.Background(), Spec{
		ID:      "short",
		Actor:   actor.Func(func(ctx context.Context, mb *actor.Mailbox) error { return nil }),
		Restart: RestartTemporary,
		Mailbox: mb,
		OnExit:  func(error) { close(exited) },
	}))
	<-exited
	assert.ErrorIs(t, mb.Send("x"), actor.ErrMailboxClosed)
}

func TestSupervisor_OneForOne_PermanentRestart(t *testing.T) {
	sup := New(WithRestartDelay(10 * time.Millisecond))
	defer sup.Shutdown(context.Background())

	var starts atomic.Int32
	require.NoError(t, sup.StartChild(context.Background(), Spec{
		ID: "actor-to-restart",
		Actor: actor.Func(func(ctx context.Context, mb *actor.Mailbox) error {
			starts.Add(1)
			return errors.New("i have failed")
		}),
		Restart: RestartPermanent,
	}))

	assert.Eventually(t, func() bool { return starts.Load() > 1 }, 2*time.Second, 10*time.Millisecond,
		"Actor should have been restarted")
}

func TestSupervisor_OneForOne_PanicRestart(t *testing.T) {
	sup := New(WithRestartDelay(10 * time.Millisecond))
	defer sup.Shutdown(context.Background())

	var starts atomic.Int32
	require.NoError(t, sup.StartChild(context.Background(), Spec{
		ID: "panicking-actor",
		Actor: actor.Func(func(ctx context.Context, mb *actor.Mailbox) error {
			starts.Add(1)
			panic("something went horribly wrong")
		}),
		Restart: RestartPermanent,
	}))

	assert.Eventually(t, func() bool { return starts.Load() > 1 }, 2*time.Second, 10*time.Millisecond,
		"Actor should have panicked and been restarted by the supervisor")
}

func TestSupervisor_Strategies(t *testing.T) {
	run := func(t *testing.T, restart RestartStrategy, result error) int32 {
		sup := New(WithRestartDelay(10 * time.Millisecond))
		defer sup.Shutdown(context.Background())

		var starts atomic.Int32
		require.NoError(t, sup.StartChild(context.Background(), Spec{
			ID: "child",
			Actor: actor.Func(func(ctx context.Context, mb *actor.Mailbox) error {
				starts.Add(1)
				return result
			}),
			Restart: restart,
		}))
		time.Sleep(200 * time.Millisecond)
		return starts.Load()
	}

	t.Run("temporary never restarts", func(t *testing.T) {
		assert.Equal(t, int32(1), run(t, RestartTemporary, errors.New("boom")))
	})
	t.Run("transient restarts on error", func(t *testing.T) {
		assert.Greater(t, run(t, RestartTransient, errors.New("boom")), int32(1))
	})
	t.Run("transient no restart on success", func(t *testing.T) {
		assert.Equal(t, int32(1), run(t, RestartTransient, nil))
	})
}

func TestSupervisor_ShutdownTimeout(t *testing.T) {
	sup := New()
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(1)
	require.NoError(t, sup.StartChild(context.Background(), Spec{
		ID: "stubborn",
		Actor: actor.Func(func(ctx context.Context, mb *actor.Mailbox) error {
			started.Done()
			<-release
			return nil
		}),
	}))
	started.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := sup.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, sup.Shutdown(context.Background()))
}
