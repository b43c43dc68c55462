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

// package broker contains the dispatch engine shared by both transports. It
// owns the subscription registry and turns each inbound frame into registry
// changes, fan-out and acknowledgments.
package broker

import (
	"context"
	"log/slog"

	"github.com/turtacn/topicbus/pkg/metrics"
	"github.com/turtacn/topicbus/pkg/protocol/frame"
	"github.com/turtacn/topicbus/pkg/topic"
)

// Endpoint is an addressable client as seen by the broker: a reliable
// session's connection or an unreliable source address.
type Endpoint interface {
	// ID identifies the endpoint in the registry. For datagram endpoints it
	// is derived from the source address and is not a durable identity.
	ID() string
	// Transport returns the metrics label of the endpoint's transport.
	Transport() string
	// Send transmits one encoded frame. It may block, but never while the
	// registry lock is held.
	Send(ctx context.Context, frame []byte) error
}

// Outcome tells the caller what to do with the endpoint after a dispatch.
type Outcome int

const (
	// Continue keeps the endpoint's session open.
	Continue Outcome = iota
	// Terminate ends the endpoint's session; its subscriptions are gone.
	Terminate
)

// Broker routes frames between endpoints.
type Broker struct {
	topics *topic.Store[Endpoint]
}

// New creates a Broker with an empty registry.
func New() *Broker {
	return &Broker{topics: topic.NewStore[Endpoint]()}
}

// Topics exposes the registry for inspection.
func (b *Broker) Topics() *topic.Store[Endpoint] {
	return b.topics
}

// Dispatch applies one inbound message from ep.
//
// SUBSCRIBE registers ep and replies ACK. PUBLISH delivers to every current
// subscriber of the topic (ep included, if subscribed) and then replies with
// exactly one ACK. TERMINATE drops all of ep's subscriptions, replies ACK on a
// best-effort basis and returns Terminate. Frames a client should never send
// (DELIVER, ACK) are ignored.
//
// The returned error is the failure to reply to ep itself; fan-out failures
// are logged and counted only.
func (b *Broker) Dispatch(ctx context.Context, ep Endpoint, msg frame.Message) (Outcome, error) {
	metrics.FramesReceivedTotal.WithLabelValues(ep.Transport(), msg.Type.String()).Inc()

	switch msg.Type {
	case frame.TypeSubscribe:
		if b.topics.Subscribe(ep, msg.Topic) {
			slog.Info("client subscribed", "endpoint", ep.ID(), "topic", msg.Topic)
		}
		return Continue, b.reply(ctx, ep, frame.Ack(msg.Topic))

	case frame.TypePublish:
		n := b.Publish(ctx, msg.Topic, msg.Payload)
		slog.Debug("published", "endpoint", ep.ID(), "topic", msg.Topic, "subscribers", n)
		return Continue, b.reply(ctx, ep, frame.Ack(msg.Topic))

	case frame.TypeTerminate:
		removed := b.Release(ep.ID())
		slog.Info("client terminated", "endpoint", ep.ID(), "topics", removed)
		if err := b.reply(ctx, ep, frame.Ack(msg.Topic)); err != nil {
			slog.Debug("terminate ack not sent", "endpoint", ep.ID(), "error", err)
		}
		return Terminate, nil

	default:
		slog.Warn("ignoring unexpected frame", "endpoint", ep.ID(), "type", msg.Type.String())
		return Continue, nil
	}
}

// Publish delivers payload on topicName to a snapshot of its subscribers and
// returns how many sends succeeded. Each send is independent: a failing
// subscriber does not stop delivery to the rest.
func (b *Broker) Publish(ctx context.Context, topicName string, payload []byte) int {
	subscribers := b.topics.SubscribersOf(topicName)
	if len(subscribers) == 0 {
		return 0
	}
	buf, err := frame.Marshal(frame.Deliver(topicName, payload))
	if err != nil {
		slog.Error("cannot encode delivery", "topic", topicName, "error", err)
		return 0
	}

	delivered := 0
	for _, sub := range subscribers {
		if err := sub.Send(ctx, buf); err != nil {
			metrics.DeliveryFailuresTotal.WithLabelValues(sub.Transport()).Inc()
			slog.Warn("delivery failed", "endpoint", sub.ID(), "topic", topicName, "error", err)
			continue
		}
		metrics.DeliveriesTotal.WithLabelValues(sub.Transport()).Inc()
		delivered++
	}
	return delivered
}

// Release removes every subscription held by the endpoint id and returns the
// affected topics.
func (b *Broker) Release(id string) []string {
	return b.topics.UnsubscribeAll(id)
}

func (b *Broker) reply(ctx context.Context, ep Endpoint, msg frame.Message) error {
	buf, err := frame.Marshal(msg)
	if err != nil {
		return err
	}
	return ep.Send(ctx, buf)
}
