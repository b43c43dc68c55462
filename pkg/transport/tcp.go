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

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/turtacn/topicbus/pkg/actor"
	"github.com/turtacn/topicbus/pkg/broker"
	"github.com/turtacn/topicbus/pkg/metrics"
	"github.com/turtacn/topicbus/pkg/protocol/frame"
	"github.com/turtacn/topicbus/pkg/session"
	"github.com/turtacn/topicbus/pkg/supervisor"
)

// DefaultMailboxSize is the number of outbound frames a reliable session can
// queue before senders block.
const DefaultMailboxSize = 64

// TCPServer manages the accepting and handling of reliable connections.
// Each connection becomes a supervised session that lives until the peer
// terminates, the connection fails, or the supervisor shuts down.
type TCPServer struct {
	broker      *broker.Broker
	supervisor  *supervisor.Supervisor
	mailboxSize int

	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once
}

// TCPOption configures a TCPServer.
type TCPOption func(*TCPServer)

// WithMailboxSize sets the outbound queue length of each session.
func WithMailboxSize(n int) TCPOption {
	return func(s *TCPServer) {
		if n > 0 {
			s.mailboxSize = n
		}
	}
}

// NewTCPServer creates a TCPServer that dispatches through b and runs its
// sessions under sup.
func NewTCPServer(b *broker.Broker, sup *supervisor.Supervisor, opts ...TCPOption) *TCPServer {
	s := &TCPServer{
		broker:      b,
		supervisor:  sup,
		mailboxSize: DefaultMailboxSize,
		quit:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins listening on addr and runs the accept loop in a new
// goroutine. Sessions are children of ctx.
func (s *TCPServer) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: listen tcp %s: %w", ErrSetup, addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	slog.Info("TCP server started", "addr", ln.Addr().String())
	return nil
}

// Stop closes the listener and waits for the accept loop to finish. Open
// sessions are left to the supervisor.
func (s *TCPServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()
		slog.Info("TCP server stopped")
	})
}

// Running reports whether the accept loop is serving.
func (s *TCPServer) Running() bool {
	if s.listener == nil {
		return false
	}
	select {
	case <-s.quit:
		return false
	default:
		return true
	}
}

// Addr returns the address the server is listening on, or nil.
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *TCPServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("error accepting connection", "error", err)
			continue
		}
		metrics.ConnectionsTotal.Inc()

		id := "tcp/" + uuid.NewString()
		mb := actor.NewMailbox(s.mailboxSize)
		c := &tcpConn{
			conn:   conn,
			broker: s.broker,
			ep:     &tcpEndpoint{id: id, mailbox: mb},
		}
		err = s.supervisor.StartChild(ctx, supervisor.Spec{
			ID:      id,
			Actor:   c,
			Restart: supervisor.RestartTemporary,
			Mailbox: mb,
		})
		if err != nil {
			slog.Warn("rejecting connection", "remote", conn.RemoteAddr().String(), "error", err)
			conn.Close()
		}
	}
}

// tcpEndpoint is a reliable session as seen by the broker. Frames sent to it
// are queued on the session mailbox and written by the session's Writer.
type tcpEndpoint struct {
	id      string
	mailbox *actor.Mailbox
}

func (e *tcpEndpoint) ID() string        { return e.id }
func (e *tcpEndpoint) Transport() string { return metrics.TransportReliable }

func (e *tcpEndpoint) Send(ctx context.Context, buf []byte) error {
	return e.mailbox.SendContext(ctx, buf)
}

// tcpConn is the supervised actor serving one connection.
type tcpConn struct {
	conn   net.Conn
	broker *broker.Broker
	ep     *tcpEndpoint
}

// Start runs the session until it ends. Every exit path releases the
// session's subscriptions, flushes queued replies and closes the connection.
func (c *tcpConn) Start(ctx context.Context, mb *actor.Mailbox) error {
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	log := slog.With("session", c.ep.id, "remote", c.conn.RemoteAddr().String())
	log.Info("client connected")

	sess := session.New(c.ep, c.broker)

	writerCtx, stopWriter := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := session.NewWriter(c.ep.id, c.conn).Start(writerCtx, mb); err != nil {
			c.conn.Close()
		}
		mb.Close()
	}()

	// Unblock the reader on shutdown but keep the write side open for the
	// final flush.
	stopWatch := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})

	defer func() {
		stopWatch()
		sess.Close()
		stopWriter()
		<-writerDone
		c.conn.Close()
		log.Info("client disconnected")
	}()

	return c.readLoop(ctx, sess, log)
}

func (c *tcpConn) readLoop(ctx context.Context, sess *session.Session, log *slog.Logger) error {
	for {
		msg, err := frame.Read(c.conn)
		if err != nil {
			switch {
			case errors.Is(err, frame.ErrConnectionClosed):
				return nil
			case errors.Is(err, frame.ErrMalformed):
				metrics.MalformedFramesTotal.WithLabelValues(metrics.TransportReliable).Inc()
				log.Warn("closing session on malformed frame", "error", err)
				return err
			case ctx.Err() != nil:
				return nil
			default:
				log.Debug("read failed", "error", err)
				return err
			}
		}

		if err := sess.Handle(ctx, msg); err != nil {
			if errors.Is(err, session.ErrTerminated) {
				return nil
			}
			log.Debug("reply failed", "error", err)
			return err
		}
	}
}
