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

// Package frame implements the binary framing shared by the reliable (TCP)
// and unreliable (UDP) transports.
//
// Every frame starts with a 12-byte header made of three big-endian uint32
// fields, followed by the topic bytes and then the payload bytes:
//
//	+--------+--------------+----------------+-------+---------+
//	| type   | topic_length | payload_length | topic | payload |
//	| 4 byte | 4 byte       | 4 byte         | ...   | ...     |
//	+--------+--------------+----------------+-------+---------+
//
// Lengths are always explicit; nothing is inferred from NUL bytes or from the
// size of a read.
package frame

import "fmt"

// Type identifies the kind of a frame.
type Type uint32

// Frame types. The numeric values are part of the wire format and must match
// between broker and clients.
const (
	TypeSubscribe Type = iota + 1 // 1: client registers interest in a topic
	TypePublish                   // 2: client publishes a payload on a topic
	TypeDeliver                   // 3: broker forwards a publish to a subscriber
	TypeAck                       // 4: broker confirms a subscribe, publish or terminate
	TypeTerminate                 // 5: client ends its session
)

const (
	// HeaderSize is the size of the fixed frame header.
	HeaderSize = 12
	// MaxTopicLen is the largest topic accepted, in bytes.
	MaxTopicLen = 64
	// MaxPayloadLen is the largest payload accepted, in bytes.
	MaxPayloadLen = 1024
	// MaxFrameSize is the largest frame either side will produce or accept.
	MaxFrameSize = HeaderSize + MaxTopicLen + MaxPayloadLen
	// MaxDatagramSize is the largest UDP payload over IPv4. Datagram receive
	// buffers use it so that an oversized frame is seen whole and rejected
	// rather than silently truncated.
	MaxDatagramSize = 65507
)

// String returns the protocol name of the type.
func (t Type) String() string {
	switch t {
	case TypeSubscribe:
		return "SUBSCRIBE"
	case TypePublish:
		return "PUBLISH"
	case TypeDeliver:
		return "DELIVER"
	case TypeAck:
		return "ACK"
	case TypeTerminate:
		return "TERMINATE"
	default:
		return fmt.Sprintf("TYPE(%d)", uint32(t))
	}
}

// Valid reports whether t is one of the defined frame types.
func (t Type) Valid() bool {
	return t >= TypeSubscribe && t <= TypeTerminate
}

// Message is one decoded frame.
type Message struct {
	Type    Type
	Topic   string
	Payload []byte
}

// Subscribe builds a SUBSCRIBE message.
func Subscribe(topic string) Message {
	return Message{Type: TypeSubscribe, Topic: topic}
}

// Publish builds a PUBLISH message. payload is normally base64 text.
func Publish(topic string, payload []byte) Message {
	return Message{Type: TypePublish, Topic: topic, Payload: payload}
}

// Deliver builds a DELIVER message.
func Deliver(topic string, payload []byte) Message {
	return Message{Type: TypeDeliver, Topic: topic, Payload: payload}
}

// Ack builds an ACK message for topic.
func Ack(topic string) Message {
	return Message{Type: TypeAck, Topic: topic}
}

// Terminate builds a TERMINATE message. topic is informational only.
func Terminate(topic string) Message {
	return Message{Type: TypeTerminate, Topic: topic}
}

// Size returns the encoded size of m in bytes.
func (m Message) Size() int {
	return HeaderSize + len(m.Topic) + len(m.Payload)
}
