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

// Package config holds the broker and client settings, their defaults and
// validation. Values come from command-line arguments only; there are no
// configuration files or environment variables.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/turtacn/topicbus/pkg/protocol/frame"
)

// Transport names accepted on the command line.
const (
	TransportReliable   = "reliable"
	TransportUnreliable = "unreliable"
)

// Role is what a client does once connected.
type Role string

const (
	RolePublish   Role = "publish"
	RoleSubscribe Role = "subscribe"
)

// BrokerConfig represents the broker settings.
type BrokerConfig struct {
	// Port is shared by the TCP listener and the UDP socket.
	Port int
	// MetricsAddr is the listen address of the /metrics endpoint. Empty
	// disables it.
	MetricsAddr string
	// UDPIdleTimeout expires datagram subscriptions after this much silence
	// from the source address. Zero disables expiry.
	UDPIdleTimeout time.Duration
	// MailboxSize is the outbound queue length of each reliable session.
	MailboxSize int
	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// DefaultBrokerConfig returns a default configuration
func DefaultBrokerConfig() *BrokerConfig {
	return &BrokerConfig{
		MailboxSize: 64,
		LogLevel:    "info",
	}
}

// ListenAddr returns the address both transports bind to.
func (c *BrokerConfig) ListenAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

// Validate validates the configuration
func (c *BrokerConfig) Validate() error {
	if err := validatePort(c.Port); err != nil {
		return err
	}
	if c.MailboxSize <= 0 {
		return fmt.Errorf("mailbox size must be positive, got %d", c.MailboxSize)
	}
	if c.UDPIdleTimeout < 0 {
		return fmt.Errorf("udp idle timeout cannot be negative")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ClientConfig represents the client settings.
type ClientConfig struct {
	Host      string
	Port      int
	Transport string
	Role      Role
	Topics    []string

	// AckTimeout bounds the wait for a PUBLISH acknowledgment on the
	// unreliable transport.
	AckTimeout time.Duration
	// SubscribeTimeout bounds the wait for each SUBSCRIBE acknowledgment on
	// the unreliable transport.
	SubscribeTimeout time.Duration
	// TerminateTimeout bounds the wait for the TERMINATE acknowledgment.
	TerminateTimeout time.Duration

	LogLevel string
}

// DefaultClientConfig returns a default configuration
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Transport:        TransportReliable,
		AckTimeout:       3 * time.Second,
		SubscribeTimeout: 5 * time.Second,
		TerminateTimeout: 2 * time.Second,
		LogLevel:         "warn",
	}
}

// Addr returns the broker address as host:port.
func (c *ClientConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate validates the configuration
func (c *ClientConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if err := validatePort(c.Port); err != nil {
		return err
	}
	if c.Transport != TransportReliable && c.Transport != TransportUnreliable {
		return fmt.Errorf("unsupported transport: %s (supported: reliable, unreliable)", c.Transport)
	}

	switch c.Role {
	case RolePublish:
		if len(c.Topics) != 1 {
			return fmt.Errorf("publish takes exactly one topic, got %d", len(c.Topics))
		}
	case RoleSubscribe:
		if len(c.Topics) == 0 {
			return fmt.Errorf("subscribe needs at least one topic")
		}
	default:
		return fmt.Errorf("unsupported role: %s (supported: publish, subscribe)", c.Role)
	}
	for _, t := range c.Topics {
		if len(t) > frame.MaxTopicLen {
			return fmt.Errorf("topic %q is longer than %d bytes", t, frame.MaxTopicLen)
		}
	}

	if c.AckTimeout <= 0 || c.SubscribeTimeout <= 0 || c.TerminateTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseTransport accepts reliable/unreliable and the tcp/udp aliases.
func ParseTransport(s string) (string, error) {
	switch strings.ToLower(s) {
	case TransportReliable, "tcp":
		return TransportReliable, nil
	case TransportUnreliable, "udp":
		return TransportUnreliable, nil
	}
	return "", fmt.Errorf("unsupported transport: %s (supported: reliable, unreliable, tcp, udp)", s)
}

// ParseRole accepts publish/subscribe and the pub/sub aliases.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case string(RolePublish), "pub":
		return RolePublish, nil
	case string(RoleSubscribe), "sub":
		return RoleSubscribe, nil
	}
	return "", fmt.Errorf("unsupported role: %s (supported: publish, subscribe, pub, sub)", s)
}

// ParsePort parses a decimal port number.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	return port, validatePort(port)
}

// ParseLogLevel maps a level name to its slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unsupported log level: %s (supported: debug, info, warn, error)", s)
	}
	return level, nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}
