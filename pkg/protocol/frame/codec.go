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

package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrMalformed is wrapped by every error caused by a frame whose header or
	// lengths are inconsistent with the data available.
	ErrMalformed = errors.New("frame: malformed frame")
	// ErrConnectionClosed is returned by Read when the stream ends cleanly on a
	// frame boundary.
	ErrConnectionClosed = errors.New("frame: connection closed")
)

// header is the decoded fixed header.
type header struct {
	typ        Type
	topicLen   int
	payloadLen int
}

func checkLengths(t Type, topicLen, payloadLen uint64) error {
	if !t.Valid() {
		return fmt.Errorf("%w: unknown type %d", ErrMalformed, uint32(t))
	}
	if topicLen > MaxTopicLen {
		return fmt.Errorf("%w: topic length %d exceeds %d", ErrMalformed, topicLen, MaxTopicLen)
	}
	if payloadLen > MaxPayloadLen {
		return fmt.Errorf("%w: payload length %d exceeds %d", ErrMalformed, payloadLen, MaxPayloadLen)
	}
	return nil
}

func decodeHeader(b []byte) (header, error) {
	h := header{typ: Type(binary.BigEndian.Uint32(b[0:4]))}
	topicLen := binary.BigEndian.Uint32(b[4:8])
	payloadLen := binary.BigEndian.Uint32(b[8:12])
	if err := checkLengths(h.typ, uint64(topicLen), uint64(payloadLen)); err != nil {
		return header{}, err
	}
	h.topicLen = int(topicLen)
	h.payloadLen = int(payloadLen)
	return h, nil
}

// Marshal encodes m into a newly allocated frame.
func Marshal(m Message) ([]byte, error) {
	if err := checkLengths(m.Type, uint64(len(m.Topic)), uint64(len(m.Payload))); err != nil {
		return nil, err
	}
	buf := make([]byte, m.Size())
	binary.BigEndian.PutUint32(buf[0:4], uint32(m.Type))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(m.Topic)))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(m.Payload)))
	n := copy(buf[HeaderSize:], m.Topic)
	copy(buf[HeaderSize+n:], m.Payload)
	return buf, nil
}

// Write encodes m and writes it to w in a single call.
func Write(w io.Writer, m Message) error {
	buf, err := Marshal(m)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Read reads exactly one frame from a stream. It blocks until the header and
// the declared body are complete.
//
// A stream that ends before the first header byte yields ErrConnectionClosed.
// A stream that ends inside a frame, or a header with out of range lengths,
// yields an error wrapping ErrMalformed. Other transport errors are returned
// unchanged.
func Read(r io.Reader) (Message, error) {
	var hb [HeaderSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return Message{}, ErrConnectionClosed
		case errors.Is(err, io.ErrUnexpectedEOF):
			return Message{}, fmt.Errorf("%w: truncated header", ErrMalformed)
		}
		return Message{}, err
	}
	h, err := decodeHeader(hb[:])
	if err != nil {
		return Message{}, err
	}

	body := make([]byte, h.topicLen+h.payloadLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, fmt.Errorf("%w: truncated body, want %d bytes", ErrMalformed, len(body))
		}
		return Message{}, err
	}

	m := Message{Type: h.typ, Topic: string(body[:h.topicLen])}
	if h.payloadLen > 0 {
		m.Payload = body[h.topicLen:]
	}
	return m, nil
}

// Unmarshal decodes a frame that must be wholly contained in b, as is the
// case for one datagram. Bytes after the declared payload are ignored. The
// returned message does not alias b.
func Unmarshal(b []byte) (Message, error) {
	if len(b) < HeaderSize {
		return Message{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformed, len(b))
	}
	h, err := decodeHeader(b[:HeaderSize])
	if err != nil {
		return Message{}, err
	}
	need := HeaderSize + h.topicLen + h.payloadLen
	if len(b) < need {
		return Message{}, fmt.Errorf("%w: declared %d bytes, datagram has %d", ErrMalformed, need, len(b))
	}

	m := Message{
		Type:  h.typ,
		Topic: string(b[HeaderSize : HeaderSize+h.topicLen]),
	}
	if h.payloadLen > 0 {
		m.Payload = make([]byte, h.payloadLen)
		copy(m.Payload, b[HeaderSize+h.topicLen:need])
	}
	return m, nil
}
