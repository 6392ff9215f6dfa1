// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package controller

import (
	"context"
	"errors"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/hashicorp/constellation/structs"
	"github.com/hashicorp/constellation/transport"
)

// deviceConn is the one logical actor per device: it owns the device's
// transport session end to end, driving connection establishment, the
// registration handshake, heartbeat supervision and bounded reconnection.
// All profile mutations go through the registry's serialized operations.
type deviceConn struct {
	deviceID  string
	serverURL string
	srv       *Server
	logger    hclog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}

	sessCh chan *transport.Session
}

func newDeviceConn(srv *Server, deviceID, serverURL string) *deviceConn {
	ctx, cancel := context.WithCancel(srv.shutdownCtx)
	return &deviceConn{
		deviceID:  deviceID,
		serverURL: serverURL,
		srv:       srv,
		logger:    srv.logger.Named("conn").With("device_id", deviceID),
		ctx:       ctx,
		cancel:    cancel,
		doneCh:    make(chan struct{}),
		sessCh:    make(chan *transport.Session, 1),
	}
}

// stop tears the actor down and waits for it to exit.
func (dc *deviceConn) stop() {
	dc.cancel()
	<-dc.doneCh
}

// session returns the live session, or nil when disconnected.
func (dc *deviceConn) session() *transport.Session {
	select {
	case sess := <-dc.sessCh:
		dc.sessCh <- sess
		return sess
	default:
		return nil
	}
}

func (dc *deviceConn) setSession(sess *transport.Session) {
	// drain any stale value first
	select {
	case <-dc.sessCh:
	default:
	}
	if sess != nil {
		dc.sessCh <- sess
	}
}

// sendTask emits a TASK_DISPATCH frame on the device's session.
func (dc *deviceConn) sendTask(ctx context.Context, td *transport.TaskDispatch) error {
	sess := dc.session()
	if sess == nil {
		return transport.ErrSessionClosed
	}
	_, err := sess.Send(ctx, transport.MsgTaskDispatch, 0, td)
	return err
}

// sendCancel emits a TASK_CANCEL frame on the device's session.
func (dc *deviceConn) sendCancel(ctx context.Context, taskID string) error {
	sess := dc.session()
	if sess == nil {
		return transport.ErrSessionClosed
	}
	_, err := sess.Send(ctx, transport.MsgTaskCancel, 0, &transport.TaskCancel{TaskID: taskID})
	return err
}

// run is the actor loop: connect, serve the session until it is lost,
// then reconnect, until the device fails permanently or the actor is
// stopped.
func (dc *deviceConn) run() {
	defer close(dc.doneCh)

	for {
		sess, ok := dc.connect()
		if !ok {
			dc.settleDisconnected()
			return
		}
		dc.setSession(sess)

		protoFatal := dc.serve(sess)

		dc.setSession(nil)
		dc.teardown(sess, protoFatal)

		if protoFatal || dc.ctx.Err() != nil {
			return
		}
	}
}

// connect establishes a session and completes registration, retrying with
// a constant delay until the attempt budget is exhausted. Returns false
// when the device has failed permanently, was removed, or the actor is
// stopping.
func (dc *deviceConn) connect() (*transport.Session, bool) {
	for {
		if dc.ctx.Err() != nil {
			return nil, false
		}

		profile, err := dc.srv.registry.Get(dc.deviceID)
		if err != nil {
			return nil, false
		}
		if err := dc.srv.registry.UpdateStatus(dc.deviceID, structs.DeviceStatusConnecting); err != nil {
			dc.logger.Error("cannot start connection attempt", "error", err)
			return nil, false
		}
		attempts, _ := dc.srv.registry.IncrementAttempts(dc.deviceID)

		sess, err := dc.attempt()
		if err == nil {
			return sess, true
		}

		dc.logger.Warn("connection attempt failed", "attempt", attempts,
			"max_retries", profile.MaxRetries, "error", err)
		metrics.IncrCounter([]string{"constellation", "connection", "attempt_failed"}, 1)
		_ = dc.srv.registry.UpdateStatus(dc.deviceID, structs.DeviceStatusDisconnected)

		if attempts >= profile.MaxRetries {
			dc.logger.Error("device failed: connection attempts exhausted", "attempts", attempts)
			_ = dc.srv.registry.UpdateStatus(dc.deviceID, structs.DeviceStatusFailed)
			return nil, false
		}

		select {
		case <-dc.ctx.Done():
			return nil, false
		case <-time.After(dc.srv.config.ReconnectDelay):
		}
	}
}

// attempt performs one dial plus handshake. The device moves connecting ->
// connected -> registering -> idle on success; the caller rolls the status
// back on failure.
func (dc *deviceConn) attempt() (*transport.Session, error) {
	dialCtx, cancel := context.WithTimeout(dc.ctx, dc.srv.config.HandshakeTimeout)
	defer cancel()

	sess, err := transport.Dial(dialCtx, dc.serverURL, dc.deviceID, dc.logger)
	if err != nil {
		return nil, err
	}
	if err := dc.srv.registry.UpdateStatus(dc.deviceID, structs.DeviceStatusConnected); err != nil {
		sess.Close("")
		return nil, err
	}
	if err := dc.srv.registry.UpdateStatus(dc.deviceID, structs.DeviceStatusRegistering); err != nil {
		sess.Close("")
		return nil, err
	}

	profile, err := dc.srv.registry.Get(dc.deviceID)
	if err != nil {
		sess.Close("")
		return nil, err
	}

	resp, early, err := transport.Handshake(dc.ctx, sess, &transport.RegisterRequest{
		ClientID:   dc.deviceID,
		ClientType: transport.ClientTypeDevice,
		Platform:   profile.OS,
	}, dc.srv.config.HandshakeTimeout)
	if err != nil {
		sess.Close("registration failed")
		return nil, err
	}

	if resp.SystemInfo != nil {
		_ = dc.srv.registry.MergeSystemInfo(dc.deviceID, resp.SystemInfo)
	}
	for _, msg := range early {
		dc.handleFrame(sess, msg)
	}

	if err := dc.srv.registry.SetIdle(dc.deviceID); err != nil {
		sess.Close("")
		return nil, err
	}
	_ = dc.srv.registry.RecordHeartbeat(dc.deviceID, dc.srv.config.Clock.Now().UTC())

	dc.logger.Info("device session established", "session_id", resp.SessionID)
	metrics.IncrCounter([]string{"constellation", "connection", "established"}, 1)
	dc.srv.wakeExecutions()
	return sess, nil
}

// serve pumps the live session: pings on the heartbeat interval, watches
// for staleness, and routes inbound frames. It returns when the session is
// lost, reporting whether the loss was a protocol error (which fails the
// device permanently).
func (dc *deviceConn) serve(sess *transport.Session) bool {
	pingTicker := time.NewTicker(dc.srv.config.HeartbeatInterval)
	defer pingTicker.Stop()
	staleTicker := time.NewTicker(dc.srv.config.HeartbeatInterval)
	defer staleTicker.Stop()

	var nonce uint64
	for {
		select {
		case <-dc.ctx.Done():
			sess.Close("controller shutting down")
			return false

		case msg, ok := <-sess.Recv():
			if !ok {
				var perr *transport.ProtocolError
				if errors.As(sess.Err(), &perr) {
					dc.logger.Error("session failed with protocol error", "error", perr)
					return true
				}
				return false
			}
			_ = dc.srv.registry.RecordHeartbeat(dc.deviceID, dc.srv.config.Clock.Now().UTC())
			if fatal := dc.handleFrame(sess, msg); fatal {
				return true
			}

		case <-pingTicker.C:
			nonce++
			if _, err := sess.Send(dc.ctx, transport.MsgHeartbeatPing, 0, &transport.Heartbeat{Nonce: nonce}); err != nil {
				dc.logger.Debug("heartbeat ping failed", "error", err)
			}

		case <-staleTicker.C:
			silent := dc.srv.config.Clock.Now().Sub(sess.LastActivity())
			if silent > dc.srv.config.HeartbeatTimeout {
				dc.logger.Warn("heartbeat timeout, closing session", "silent", silent)
				metrics.IncrCounter([]string{"constellation", "connection", "heartbeat_timeout"}, 1)
				sess.Close("heartbeat timeout")
				return false
			}
		}
	}
}

// handleFrame processes one inbound frame, returning true when the frame
// is fatal to the session.
func (dc *deviceConn) handleFrame(sess *transport.Session, msg *transport.Message) bool {
	switch msg.Type {
	case transport.MsgHeartbeatPing:
		var hb transport.Heartbeat
		if err := transport.DecodePayload(msg, &hb); err != nil {
			dc.logger.Debug("bad heartbeat ping", "error", err)
			return false
		}
		_, _ = sess.Send(dc.ctx, transport.MsgHeartbeatPong, msg.MessageID, &transport.Heartbeat{Nonce: hb.Nonce})

	case transport.MsgHeartbeatPong:
		// Activity is recorded for every frame; nothing else to do.

	case transport.MsgDeviceInfo:
		var info structs.SystemInfo
		if err := transport.DecodePayload(msg, &info); err != nil {
			dc.logger.Warn("bad device info payload", "error", err)
			return false
		}
		if err := dc.srv.registry.MergeSystemInfo(dc.deviceID, &info); err != nil {
			dc.logger.Warn("merging device info", "error", err)
			return false
		}
		// Telemetry can expand the capability set, which can make
		// pending tasks schedulable.
		dc.srv.wakeExecutions()

	case transport.MsgTaskResult:
		var res transport.TaskResult
		if err := transport.DecodePayload(msg, &res); err != nil {
			dc.logger.Warn("bad task result payload", "error", err)
			return false
		}
		dc.srv.routeTaskResult(dc.deviceID, &res, false)

	case transport.MsgError:
		var ep transport.ErrorPayload
		_ = transport.DecodePayload(msg, &ep)
		dc.logger.Error("peer reported protocol error", "code", ep.Code, "message", ep.Message)
		sess.Close("peer protocol error")
		return true

	default:
		dc.logger.Debug("ignoring unexpected frame", "type", msg.Type)
	}
	return false
}

// teardown settles registry state after a session is lost: an in-flight
// task fails with device lost, and the device moves to disconnected (or
// failed, after a protocol error).
func (dc *deviceConn) teardown(sess *transport.Session, protoFatal bool) {
	sess.Close("")

	profile, err := dc.srv.registry.Get(dc.deviceID)
	if err != nil {
		return
	}

	var lostTask string
	if profile.CurrentTaskID != nil {
		lostTask = *profile.CurrentTaskID
	}

	if protoFatal {
		_ = dc.srv.registry.UpdateStatus(dc.deviceID, structs.DeviceStatusFailed)
	} else if profile.Connected() {
		_ = dc.srv.registry.UpdateStatus(dc.deviceID, structs.DeviceStatusDisconnected)
	}

	if lostTask != "" {
		metrics.IncrCounter([]string{"constellation", "connection", "task_lost"}, 1)
		dc.srv.routeTaskResult(dc.deviceID, &transport.TaskResult{
			TaskID: lostTask,
			Status: structs.TaskStatusFailed,
			Error: &structs.TaskError{
				Kind:    structs.ErrKindDeviceLost,
				Message: "device connection lost while task in flight",
			},
		}, true)
	}
}

// settleDisconnected makes sure a stopping actor does not leave the device
// in a transient status.
func (dc *deviceConn) settleDisconnected() {
	profile, err := dc.srv.registry.Get(dc.deviceID)
	if err != nil {
		return
	}
	switch profile.Status {
	case structs.DeviceStatusConnecting, structs.DeviceStatusConnected,
		structs.DeviceStatusRegistering, structs.DeviceStatusIdle, structs.DeviceStatusBusy:
		_ = dc.srv.registry.UpdateStatus(dc.deviceID, structs.DeviceStatusDisconnected)
	}
}
