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

// Package client is the library side of the broker protocol. A Client talks
// to the broker over one transport and turns its frames into calls:
// Subscribe and Publish wait for the broker's acknowledgment, Receive
// returns deliveries.
//
// On the reliable transport every request is answered in order, so a
// missing acknowledgment is an error. On the unreliable transport the wait
// is bounded by a timeout and a missing acknowledgment is reported as
// ErrNoAck; the client stays usable and keeps receiving, even while the
// broker's port is unreachable.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/turtacn/topicbus/pkg/config"
	"github.com/turtacn/topicbus/pkg/protocol/b64"
	"github.com/turtacn/topicbus/pkg/protocol/frame"
	"github.com/turtacn/topicbus/pkg/transport"
)

// ErrNoAck is returned when the broker did not acknowledge a request within
// the transport's wait window.
var ErrNoAck = errors.New("client: no acknowledgment")

// Timeouts bounds the acknowledgment waits on the unreliable transport. The
// reliable transport waits as long as the caller's context allows.
type Timeouts struct {
	Ack       time.Duration
	Subscribe time.Duration
	Terminate time.Duration
}

// DefaultTimeouts returns the standard unreliable waits: 3s per PUBLISH, 5s
// per SUBSCRIBE and 2s for TERMINATE.
func DefaultTimeouts() Timeouts {
	d := config.DefaultClientConfig()
	return Timeouts{Ack: d.AckTimeout, Subscribe: d.SubscribeTimeout, Terminate: d.TerminateTimeout}
}

// Delivery is one DELIVER frame. Payload holds the base64 text as sent.
type Delivery struct {
	Topic   string
	Payload []byte
}

// Text decodes the payload. The error wraps b64.ErrInvalid when the
// publisher sent something that is not base64.
func (d Delivery) Text() (string, error) {
	return b64.DecodeString(string(d.Payload))
}

// Client is a connection to the broker. It is not safe for concurrent use.
type Client struct {
	transport string
	conn      net.Conn
	timeouts  Timeouts

	buf     []byte
	pending []Delivery
}

// Dial connects to the broker at addr over the named transport
// (config.TransportReliable or config.TransportUnreliable).
func Dial(ctx context.Context, transportName, addr string, timeouts Timeouts) (*Client, error) {
	var network string
	switch transportName {
	case config.TransportReliable:
		network = "tcp"
	case config.TransportUnreliable:
		network = "udp"
	default:
		return nil, fmt.Errorf("%w: unsupported transport %q", transport.ErrSetup, transportName)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s %s: %w", transport.ErrSetup, network, addr, err)
	}

	c := &Client{transport: transportName, conn: conn, timeouts: timeouts}
	if transportName == config.TransportUnreliable {
		c.buf = make([]byte, frame.MaxDatagramSize)
	}
	return c, nil
}

// Transport returns the transport name.
func (c *Client) Transport() string {
	return c.transport
}

// LocalAddr returns the client's local address.
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Subscribe registers for topic and waits for the acknowledgment. Deliveries
// that arrive while waiting are kept for Receive.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	if err := c.write(frame.Subscribe(topic)); err != nil {
		return err
	}
	return c.awaitAck(ctx, c.timeouts.Subscribe)
}

// Publish base64-encodes text and publishes it on topic, then waits for the
// acknowledgment.
func (c *Client) Publish(ctx context.Context, topic string, text []byte) error {
	if err := c.write(frame.Publish(topic, []byte(b64.Encode(text)))); err != nil {
		return err
	}
	return c.awaitAck(ctx, c.timeouts.Ack)
}

// Terminate ends the session and waits briefly for the acknowledgment. On the
// reliable transport the broker closes the connection right after replying.
func (c *Client) Terminate(ctx context.Context, topic string) error {
	if err := c.write(frame.Terminate(topic)); err != nil {
		return err
	}
	return c.awaitAck(ctx, c.timeouts.Terminate)
}

// Receive returns the next delivery. Unsolicited acknowledgments are skipped.
// On the reliable transport it returns frame.ErrConnectionClosed once the
// broker has closed the connection.
func (c *Client) Receive(ctx context.Context) (Delivery, error) {
	if len(c.pending) > 0 {
		d := c.pending[0]
		c.pending = c.pending[1:]
		return d, nil
	}
	for {
		msg, err := c.read(ctx, time.Time{})
		if err != nil {
			return Delivery{}, err
		}
		switch msg.Type {
		case frame.TypeDeliver:
			return Delivery{Topic: msg.Topic, Payload: msg.Payload}, nil
		case frame.TypeAck:
			slog.Debug("unsolicited ACK", "transport", c.transport, "topic", msg.Topic)
		default:
			slog.Debug("ignoring frame", "transport", c.transport, "type", msg.Type.String())
		}
	}
}

func (c *Client) awaitAck(ctx context.Context, timeout time.Duration) error {
	var deadline time.Time
	if c.transport == config.TransportUnreliable && timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		msg, err := c.read(ctx, deadline)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return fmt.Errorf("%w within %s", ErrNoAck, timeout)
			}
			return err
		}
		switch msg.Type {
		case frame.TypeAck:
			return nil
		case frame.TypeDeliver:
			c.pending = append(c.pending, Delivery{Topic: msg.Topic, Payload: msg.Payload})
		}
	}
}

func (c *Client) write(msg frame.Message) error {
	buf, err := frame.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(buf)
	if c.refused(err) {
		slog.Debug("datagram refused by peer", "type", msg.Type.String(), "error", err)
		return nil
	}
	return err
}

// refused reports an ICMP port-unreachable surfaced on the connected UDP
// socket. The unreliable transport treats it as a lost datagram.
func (c *Client) refused(err error) bool {
	return c.transport == config.TransportUnreliable && errors.Is(err, syscall.ECONNREFUSED)
}

// read returns the next frame, bounded by deadline (if set) and ctx.
func (c *Client) read(ctx context.Context, deadline time.Time) (frame.Message, error) {
	ctxDeadline := false
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline, ctxDeadline = d, true
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return frame.Message{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	msg, err := c.readFrame()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return frame.Message{}, ctxErr
		}
		if ctxDeadline && errors.Is(err, os.ErrDeadlineExceeded) {
			return frame.Message{}, context.DeadlineExceeded
		}
	}
	return msg, err
}

func (c *Client) readFrame() (frame.Message, error) {
	if c.transport == config.TransportReliable {
		return frame.Read(c.conn)
	}
	for {
		n, err := c.conn.Read(c.buf)
		if c.refused(err) {
			slog.Debug("datagram refused by peer", "error", err)
			continue
		}
		if err != nil {
			return frame.Message{}, err
		}
		msg, err := frame.Unmarshal(c.buf[:n])
		if err != nil {
			slog.Debug("discarding malformed datagram", "error", err)
			continue
		}
		return msg, nil
	}
}
