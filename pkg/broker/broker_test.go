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

package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/topicbus/pkg/protocol/b64"
	"github.com/turtacn/topicbus/pkg/protocol/frame"
)

// recorder is an in-memory Endpoint that decodes everything sent to it.
type recorder struct {
	id   string
	fail error

	mu     sync.Mutex
	frames []frame.Message
}

func newRecorder(id string) *recorder { return &recorder{id: id} }

func (r *recorder) ID() string        { return r.id }
func (r *recorder) Transport() string { return "test" }

func (r *recorder) Send(_ context.Context, buf []byte) error {
	if r.fail != nil {
		return r.fail
	}
	m, err := frame.Unmarshal(buf)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, m)
	return nil
}

func (r *recorder) received(t frame.Type) []frame.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []frame.Message
	for _, m := range r.frames {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func dispatch(t *testing.T, b *Broker, ep Endpoint, msg frame.Message) Outcome {
	t.Helper()
	out, err := b.Dispatch(context.Background(), ep, msg)
	require.NoError(t, err)
	return out
}

func TestDispatch_SubscribeAcks(t *testing.T) {
	b := New()
	sub := newRecorder("sub")

	assert.Equal(t, Continue, dispatch(t, b, sub, frame.Subscribe("weather")))
	// Re-subscribing is a no-op observable only through a second ACK.
	assert.Equal(t, Continue, dispatch(t, b, sub, frame.Subscribe("weather")))

	assert.Equal(t, []frame.Message{frame.Ack("weather"), frame.Ack("weather")}, sub.received(frame.TypeAck))
	assert.Len(t, b.Topics().SubscribersOf("weather"), 1)
}

func TestDispatch_FanOutCompleteness(t *testing.T) {
	for n := 0; n <= 5; n++ {
		t.Run(fmt.Sprintf("%d subscribers", n), func(t *testing.T) {
			b := New()
			subs := make([]*recorder, n)
			for i := range subs {
				subs[i] = newRecorder(fmt.Sprintf("sub-%d", i))
				dispatch(t, b, subs[i], frame.Subscribe("T"))
			}
			pub := newRecorder("pub")
			payload := []byte(b64.EncodeString("hello"))

			assert.Equal(t, Continue, dispatch(t, b, pub, frame.Publish("T", payload)))

			for _, s := range subs {
				assert.Equal(t, []frame.Message{frame.Deliver("T", payload)}, s.received(frame.TypeDeliver))
			}
			assert.Equal(t, []frame.Message{frame.Ack("T")}, pub.received(frame.TypeAck))
			assert.Empty(t, pub.received(frame.TypeDeliver))
		})
	}
}

func TestDispatch_TopicIsolation(t *testing.T) {
	b := New()
	a := newRecorder("a")
	dispatch(t, b, a, frame.Subscribe("A"))

	dispatch(t, b, newRecorder("pub"), frame.Publish("B", []byte("eA==")))
	assert.Empty(t, a.received(frame.TypeDeliver))

	dispatch(t, b, newRecorder("pub"), frame.Publish("A", []byte("eQ==")))
	assert.Len(t, a.received(frame.TypeDeliver), 1)
}

func TestDispatch_PublisherReceivesOwnPublish(t *testing.T) {
	b := New()
	self := newRecorder("self")
	dispatch(t, b, self, frame.Subscribe("echo"))
	dispatch(t, b, self, frame.Publish("echo", []byte("aGk=")))

	assert.Equal(t, []frame.Message{frame.Deliver("echo", []byte("aGk="))}, self.received(frame.TypeDeliver))
	assert.Len(t, self.received(frame.TypeAck), 2)
}

func TestDispatch_FailingSubscriberDoesNotAbortFanOut(t *testing.T) {
	b := New()
	broken := newRecorder("broken")
	broken.fail = errors.New("peer gone")
	healthy := []*recorder{newRecorder("h1"), newRecorder("h2")}

	// Subscribe the broken endpoint directly: it cannot receive its ACK.
	b.Topics().Subscribe(broken, "news")
	for _, h := range healthy {
		dispatch(t, b, h, frame.Subscribe("news"))
	}

	pub := newRecorder("pub")
	dispatch(t, b, pub, frame.Publish("news", []byte("bmV3cw==")))
	for _, h := range healthy {
		assert.Len(t, h.received(frame.TypeDeliver), 1)
	}
	assert.Len(t, pub.received(frame.TypeAck), 1)
	assert.Equal(t, 2, b.Publish(context.Background(), "news", []byte("eA==")))
}

func TestDispatch_ReplyFailureIsReturned(t *testing.T) {
	b := New()
	ep := newRecorder("gone")
	ep.fail = errors.New("closed")

	_, err := b.Dispatch(context.Background(), ep, frame.Subscribe("x"))
	assert.Error(t, err)
}

func TestDispatch_TerminateCleansUp(t *testing.T) {
	b := New()
	e := newRecorder("e")
	dispatch(t, b, e, frame.Subscribe("a"))
	dispatch(t, b, e, frame.Subscribe("b"))

	assert.Equal(t, Terminate, dispatch(t, b, e, frame.Terminate("")))
	assert.Empty(t, b.Topics().SubscribersOf("a"))
	assert.Empty(t, b.Topics().SubscribersOf("b"))
	assert.Len(t, e.received(frame.TypeAck), 3)

	dispatch(t, b, newRecorder("pub"), frame.Publish("a", []byte("eA==")))
	assert.Empty(t, e.received(frame.TypeDeliver))
}

func TestDispatch_TerminateIgnoresAckFailure(t *testing.T) {
	b := New()
	e := newRecorder("e")
	dispatch(t, b, e, frame.Subscribe("a"))
	e.fail = errors.New("closed")

	out, err := b.Dispatch(context.Background(), e, frame.Terminate(""))
	require.NoError(t, err)
	assert.Equal(t, Terminate, out)
	assert.Empty(t, b.Topics().SubscribersOf("a"))
}

func TestDispatch_IgnoresServerOnlyFrames(t *testing.T) {
	b := New()
	e := newRecorder("e")
	assert.Equal(t, Continue, dispatch(t, b, e, frame.Ack("a")))
	assert.Equal(t, Continue, dispatch(t, b, e, frame.Deliver("a", nil)))
	assert.Empty(t, e.frames)
}

func TestBroker_ConcurrentPublishAndSubscribe(t *testing.T) {
	b := New()
	const publishers = 8
	const subscribers = 8

	subs := make([]*recorder, subscribers)
	for i := range subs {
		subs[i] = newRecorder(fmt.Sprintf("s%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < subscribers; i++ {
		wg.Add(1)
		go func(r *recorder) {
			defer wg.Done()
			_, err := b.Dispatch(context.Background(), r, frame.Subscribe("load"))
			assert.NoError(t, err)
		}(subs[i])
	}
	wg.Wait()

	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := b.Dispatch(context.Background(), newRecorder(fmt.Sprintf("p%d", i)), frame.Publish("load", []byte("eA==")))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for _, s := range subs {
		assert.Len(t, s.received(frame.TypeDeliver), publishers)
	}
}
