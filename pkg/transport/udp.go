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
	"net/netip"
	"sync"
	"time"

	"github.com/turtacn/topicbus/pkg/actor"
	"github.com/turtacn/topicbus/pkg/broker"
	"github.com/turtacn/topicbus/pkg/metrics"
	"github.com/turtacn/topicbus/pkg/protocol/frame"
	"github.com/turtacn/topicbus/pkg/session"
	"github.com/turtacn/topicbus/pkg/storage"
	"github.com/turtacn/topicbus/pkg/supervisor"
)

// Supervisor child IDs used by the UDP server.
const (
	UDPReceiverID = "udp/receiver"
	UDPJanitorID  = "udp/janitor"
)

// UDPServer serves the unreliable transport. Every datagram is a complete
// frame and is dispatched on the receive loop before the next one is read.
// A datagram endpoint is identified only by its source address.
type UDPServer struct {
	broker     *broker.Broker
	supervisor *supervisor.Supervisor

	idleTimeout time.Duration
	lastSeen    storage.Store[time.Time]
	// idleMu orders a datagram's last-seen update and subscription changes
	// against the janitor's check and release of the same endpoint.
	idleMu sync.Mutex

	conn *net.UDPConn
}

// UDPOption configures a UDPServer.
type UDPOption func(*UDPServer)

// WithIdleTimeout drops the subscriptions of a source address that has sent
// nothing for d. Zero disables expiry.
func WithIdleTimeout(d time.Duration) UDPOption {
	return func(s *UDPServer) { s.idleTimeout = d }
}

// NewUDPServer creates a UDPServer that dispatches through b and runs its
// loops under sup.
func NewUDPServer(b *broker.Broker, sup *supervisor.Supervisor, opts ...UDPOption) *UDPServer {
	s := &UDPServer{broker: b, supervisor: sup}
	for _, opt := range opts {
		opt(s)
	}
	if s.idleTimeout > 0 {
		s.lastSeen = storage.NewMemStore[time.Time]()
	}
	return s
}

// Start binds addr and starts the receive loop, plus the idle janitor when
// expiry is enabled.
func (s *UDPServer) Start(ctx context.Context, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: resolve udp %s: %w", ErrSetup, addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("%w: listen udp %s: %w", ErrSetup, addr, err)
	}
	s.conn = conn

	specs := []supervisor.Spec{{
		ID:      UDPReceiverID,
		Actor:   actor.Func(s.receiveLoop),
		Restart: supervisor.RestartPermanent,
	}}
	if s.idleTimeout > 0 {
		specs = append(specs, supervisor.Spec{
			ID:      UDPJanitorID,
			Actor:   actor.Func(s.janitor),
			Restart: supervisor.RestartPermanent,
		})
	}
	if err := s.supervisor.Start(ctx, specs); err != nil {
		conn.Close()
		return err
	}

	slog.Info("UDP server started", "addr", conn.LocalAddr().String(), "idle_timeout", s.idleTimeout)
	return nil
}

// Stop ends the receive loop and closes the socket. Subscriptions held by
// datagram endpoints stay in the registry until they expire or the process
// exits.
func (s *UDPServer) Stop() {
	s.supervisor.Stop(UDPReceiverID)
	s.supervisor.Stop(UDPJanitorID)
	if s.conn != nil {
		s.conn.Close()
	}
	slog.Info("UDP server stopped")
}

// Addr returns the address the server is bound to, or nil.
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *UDPServer) receiveLoop(ctx context.Context, _ *actor.Mailbox) error {
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, frame.MaxDatagramSize)
	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Warn("UDP receive failed", "error", err)
			continue
		}
		s.handleDatagram(ctx, buf[:n], from)
	}
}

func (s *UDPServer) handleDatagram(ctx context.Context, data []byte, from netip.AddrPort) {
	msg, err := frame.Unmarshal(data)
	if err != nil {
		metrics.MalformedFramesTotal.WithLabelValues(metrics.TransportUnreliable).Inc()
		slog.Debug("discarding malformed datagram", "from", from.String(), "error", err)
		return
	}

	ep := &udpEndpoint{id: "udp/" + from.String(), addr: from, conn: s.conn}
	if s.lastSeen == nil {
		s.dispatch(ctx, ep, msg)
		return
	}

	s.idleMu.Lock()
	_ = s.lastSeen.Set(ep.id, time.Now())
	if msg.Type == frame.TypePublish {
		// Fan-out can block on reliable subscribers and changes no
		// subscriptions of this endpoint.
		s.idleMu.Unlock()
		s.dispatch(ctx, ep, msg)
		return
	}
	defer s.idleMu.Unlock()
	s.dispatch(ctx, ep, msg)
}

func (s *UDPServer) dispatch(ctx context.Context, ep *udpEndpoint, msg frame.Message) {
	err := session.New(ep, s.broker).Handle(ctx, msg)
	switch {
	case errors.Is(err, session.ErrTerminated):
		if s.lastSeen != nil {
			_ = s.lastSeen.Delete(ep.id)
		}
	case err != nil:
		slog.Debug("UDP reply failed", "endpoint", ep.id, "error", err)
	}
}

// janitor periodically drops the subscriptions of idle source addresses.
func (s *UDPServer) janitor(ctx context.Context, _ *actor.Mailbox) error {
	ticker := time.NewTicker(janitorInterval(s.idleTimeout))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.expireIdle(now)
		}
	}
}

// expireIdle releases every endpoint last seen at least idleTimeout before
// now. The snapshot from Range is re-checked under idleMu, so an endpoint
// that sent a datagram since is kept.
func (s *UDPServer) expireIdle(now time.Time) int {
	expired := 0
	s.lastSeen.Range(func(id string, _ time.Time) bool {
		s.idleMu.Lock()
		defer s.idleMu.Unlock()

		seen, err := s.lastSeen.Get(id)
		if err != nil || now.Sub(seen) < s.idleTimeout {
			return true
		}
		_ = s.lastSeen.Delete(id)
		topics := s.broker.Release(id)
		metrics.UDPEndpointsExpiredTotal.Inc()
		slog.Info("expired idle UDP endpoint", "endpoint", id, "topics", topics)
		expired++
		return true
	})
	return expired
}

func janitorInterval(idle time.Duration) time.Duration {
	interval := idle / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

// udpEndpoint addresses one datagram source. Sends are single datagrams with
// no delivery guarantee.
type udpEndpoint struct {
	id   string
	addr netip.AddrPort
	conn *net.UDPConn
}

func (e *udpEndpoint) ID() string        { return e.id }
func (e *udpEndpoint) Transport() string { return metrics.TransportUnreliable }

func (e *udpEndpoint) Send(_ context.Context, buf []byte) error {
	_, err := e.conn.WriteToUDPAddrPort(buf, e.addr)
	return err
}
