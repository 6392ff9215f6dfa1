// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package transport

import (
	"context"
	"fmt"
	"time"
)

// DefaultHandshakeTimeout bounds the REGISTER -> REGISTER_ACK exchange.
const DefaultHandshakeTimeout = 30 * time.Second

// Handshake drives the registration exchange from the controller side:
// send REGISTER, then wait for the matching REGISTER_ACK or REGISTER_NACK.
// Frames that arrive before the reply (heartbeats, device info) are
// returned to the caller via the early slice so they are not lost.
func Handshake(ctx context.Context, sess *Session, req *RegisterRequest, timeout time.Duration) (*RegisterResponse, []*Message, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msgID, err := sess.Send(ctx, MsgRegister, 0, req)
	if err != nil {
		return nil, nil, fmt.Errorf("sending REGISTER: %w", err)
	}

	var early []*Message
	for {
		select {
		case <-ctx.Done():
			return nil, early, fmt.Errorf("registration handshake: %w", ctx.Err())
		case msg, ok := <-sess.Recv():
			if !ok {
				err := sess.Err()
				if err == nil {
					err = ErrSessionClosed
				}
				return nil, early, fmt.Errorf("registration handshake: %w", err)
			}

			switch msg.Type {
			case MsgRegisterAck, MsgRegisterNack:
				if msg.CorrelationID != 0 && msg.CorrelationID != msgID {
					// A stale reply from a previous attempt on a
					// reused connection; keep waiting.
					continue
				}
				var resp RegisterResponse
				if err := DecodePayload(msg, &resp); err != nil {
					return nil, early, err
				}
				if msg.Type == MsgRegisterNack || resp.Status != RegisterStatusOK {
					return nil, early, fmt.Errorf("registration rejected: %s", resp.Reason)
				}
				return &resp, early, nil
			default:
				early = append(early, msg)
			}
		}
	}
}
