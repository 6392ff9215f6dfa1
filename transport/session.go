// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	hclog "github.com/hashicorp/go-hclog"
)

// ErrSessionClosed is returned by Send once the session is closed for any
// reason.
var ErrSessionClosed = errors.New("session closed")

// ProtocolError describes a frame the session could not accept. It is
// fatal to the session.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s): %s", e.Code, e.Message)
}

const (
	protoCodeParse       = "PARSE_ERROR"
	protoCodeUnknownType = "UNKNOWN_TYPE"
	protoCodeMissing     = "MISSING_FIELD"
)

// Session is one framed duplex stream to a peer. Sends are serialized by a
// write lock; received frames are delivered in order on Recv. The session
// records the time of the last inbound frame for staleness checks.
type Session struct {
	clientID string
	conn     *websocket.Conn
	logger   hclog.Logger

	writeMu   sync.Mutex
	nextMsgID atomic.Uint64

	recvCh chan *Message

	closeOnce sync.Once
	closedCh  chan struct{}
	closeErr  atomic.Value // error

	lastActivity atomic.Int64 // unix nanos
}

// NewSession wraps an established websocket connection. The caller must
// consume Recv until it closes.
func NewSession(conn *websocket.Conn, clientID string, logger hclog.Logger) *Session {
	s := &Session{
		clientID: clientID,
		conn:     conn,
		logger:   logger.Named("session"),
		recvCh:   make(chan *Message, 32),
		closedCh: make(chan struct{}),
	}
	s.touch()
	go s.readLoop()
	return s
}

// Dial opens a websocket connection to the peer's server URL and wraps it
// in a session.
func Dial(ctx context.Context, serverURL, clientID string, logger hclog.Logger) (*Session, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", serverURL, err)
	}
	return NewSession(conn, clientID, logger), nil
}

// Send marshals the payload and writes one frame, returning the assigned
// message ID. correlationID may be zero for unsolicited frames.
func (s *Session) Send(ctx context.Context, typ MessageType, correlationID uint64, payload any) (uint64, error) {
	select {
	case <-s.closedCh:
		return 0, ErrSessionClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("encoding %s payload: %w", typ, err)
		}
		raw = b
	}

	msg := &Message{
		Type:          typ,
		ClientID:      s.clientID,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Payload:       raw,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Allocated under the write lock so IDs are non-decreasing in wire
	// order even with concurrent senders.
	msg.MessageID = s.nextMsgID.Add(1)

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		s.closeWithErr(err)
		return 0, fmt.Errorf("writing %s frame: %w", typ, err)
	}
	return msg.MessageID, nil
}

// Recv returns the channel of inbound frames. It is closed when the
// session closes.
func (s *Session) Recv() <-chan *Message {
	return s.recvCh
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.closedCh
}

// Err returns the error that closed the session, if any.
func (s *Session) Err() error {
	if err, ok := s.closeErr.Load().(error); ok {
		return err
	}
	return nil
}

// LastActivity is the wall clock time of the last inbound frame.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Close sends a CLOSE frame on a best effort basis and tears the
// connection down. Safe to call multiple times.
func (s *Session) Close(reason string) error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteJSON(&Message{
			Type:      MsgClose,
			ClientID:  s.clientID,
			MessageID: s.nextMsgID.Add(1),
			Timestamp: time.Now().UTC(),
			Payload:   mustMarshal(&ClosePayload{Reason: reason}),
		})
		s.writeMu.Unlock()

		close(s.closedCh)
		_ = s.conn.Close()
	})
	return nil
}

func (s *Session) closeWithErr(err error) {
	s.closeErr.CompareAndSwap(nil, err)
	s.closeOnce.Do(func() {
		close(s.closedCh)
		_ = s.conn.Close()
	})
}

// readLoop decodes inbound frames and delivers them on recvCh. Malformed
// frames are answered with an ERROR frame and close the session, per the
// protocol's failure rules.
func (s *Session) readLoop() {
	defer close(s.recvCh)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.closeWithErr(err)
			return
		}
		s.touch()

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.failProtocol(protoCodeParse, err.Error())
			return
		}
		if _, ok := knownTypes[msg.Type]; !ok {
			s.failProtocol(protoCodeUnknownType, fmt.Sprintf("unknown message type %q", msg.Type))
			return
		}
		if msg.ClientID == "" {
			s.failProtocol(protoCodeMissing, "missing client_id")
			return
		}

		if msg.Type == MsgClose {
			s.closeWithErr(ErrSessionClosed)
			return
		}

		select {
		case s.recvCh <- &msg:
		case <-s.closedCh:
			return
		}
	}
}

func (s *Session) failProtocol(code, detail string) {
	perr := &ProtocolError{Code: code, Message: detail}
	s.logger.Error("closing session on protocol error", "code", code, "detail", detail)

	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = s.conn.WriteJSON(&Message{
		Type:      MsgError,
		ClientID:  s.clientID,
		MessageID: s.nextMsgID.Add(1),
		Timestamp: time.Now().UTC(),
		Payload:   mustMarshal(&ErrorPayload{Code: code, Message: detail}),
	})
	s.writeMu.Unlock()

	s.closeWithErr(perr)
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshaling internal payload: %v", err))
	}
	return b
}
