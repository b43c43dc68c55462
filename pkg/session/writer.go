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

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/turtacn/topicbus/pkg/actor"
)

// DefaultWriteTimeout bounds a single frame write to a reliable peer.
const DefaultWriteTimeout = 10 * time.Second

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// Writer is the actor that owns the write side of a reliable connection. All
// outbound frames for the connection (ACKs and DELIVERs alike) go through its
// mailbox, so frames are written one at a time and in queue order.
type Writer struct {
	ID      string
	conn    io.Writer
	timeout time.Duration
}

// NewWriter creates a Writer for conn. If conn supports write deadlines each
// frame write is bounded by DefaultWriteTimeout.
func NewWriter(id string, conn io.Writer) *Writer {
	return &Writer{ID: id, conn: conn, timeout: DefaultWriteTimeout}
}

// Start writes every []byte received on mb to the connection until ctx is
// cancelled or a write fails. On cancellation, frames already queued are
// flushed before returning, so a reply queued just before the session ended
// still reaches the peer.
func (w *Writer) Start(ctx context.Context, mb *actor.Mailbox) error {
	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			if errors.Is(err, actor.ErrMailboxClosed) {
				return nil
			}
			return w.flush(mb)
		}
		if err := w.write(msg); err != nil {
			slog.Debug("session write failed", "session", w.ID, "error", err)
			return err
		}
	}
}

func (w *Writer) flush(mb *actor.Mailbox) error {
	for {
		msg, ok := mb.TryReceive()
		if !ok {
			return nil
		}
		if err := w.write(msg); err != nil {
			return err
		}
	}
}

func (w *Writer) write(msg any) error {
	buf, ok := msg.([]byte)
	if !ok {
		slog.Warn("session writer received unknown message type", "session", w.ID, "type", fmt.Sprintf("%T", msg))
		return nil
	}
	if dw, ok := w.conn.(deadlineWriter); ok && w.timeout > 0 {
		_ = dw.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	_, err := w.conn.Write(buf)
	return err
}
