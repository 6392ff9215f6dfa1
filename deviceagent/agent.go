// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package deviceagent implements the device side of the control protocol:
// a small websocket server the controller dials, which answers the
// registration handshake, reports telemetry, echoes heartbeats and
// executes dispatched tasks through a pluggable handler.
package deviceagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/constellation/helper/uuid"
	"github.com/hashicorp/constellation/structs"
	"github.com/hashicorp/constellation/transport"
)

// TaskHandler executes one dispatched task. The context is cancelled when
// the controller cancels the task or the agent stops; handlers should
// return ctx.Err() promptly in that case.
type TaskHandler func(ctx context.Context, dispatch *transport.TaskDispatch) (json.RawMessage, error)

// Config parameterizes an Agent.
type Config struct {
	// DeviceID is the identity the agent expects the controller to
	// register as, and the client ID stamped on its own frames.
	DeviceID string

	// BindAddr is the listen address; defaults to an ephemeral local
	// port.
	BindAddr string

	Logger hclog.Logger

	// SystemInfo is the telemetry block reported to the controller,
	// pushed as a DEVICE_INFO frame after each successful registration.
	SystemInfo *structs.SystemInfo

	// SystemInfoOnAck attaches SystemInfo to the REGISTER_ACK instead of
	// pushing a DEVICE_INFO frame after registration.
	SystemInfoOnAck bool

	// Handler executes dispatched tasks. When nil the agent echoes the
	// dispatch payload back as the result.
	Handler TaskHandler

	// RegisterTimeout bounds how long a new session may sit without a
	// REGISTER frame.
	RegisterTimeout time.Duration
}

// Agent is a device endpoint. One agent serves one device identity but
// tolerates session churn: the controller may reconnect any number of
// times.
type Agent struct {
	config *Config
	logger hclog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	ln      net.Listener
	httpSrv *http.Server
	wg      sync.WaitGroup

	mu      sync.Mutex
	sess    *transport.Session
	cancels map[string]context.CancelFunc
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewAgent constructs an agent; call Start to begin listening.
func NewAgent(config *Config) (*Agent, error) {
	if config == nil || config.DeviceID == "" {
		return nil, errors.New("device agent requires a device ID")
	}
	if config.Logger == nil {
		config.Logger = hclog.Default()
	}
	if config.BindAddr == "" {
		config.BindAddr = "127.0.0.1:0"
	}
	if config.RegisterTimeout <= 0 {
		config.RegisterTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		config:  config,
		logger:  config.Logger.Named("deviceagent").With("device_id", config.DeviceID),
		ctx:     ctx,
		cancel:  cancel,
		cancels: make(map[string]context.CancelFunc),
	}, nil
}

// Start begins accepting controller connections.
func (a *Agent) Start() error {
	ln, err := net.Listen("tcp", a.config.BindAddr)
	if err != nil {
		return fmt.Errorf("device agent listen: %w", err)
	}
	a.ln = ln
	a.httpSrv = &http.Server{Handler: http.HandlerFunc(a.handleHTTP)}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("agent http server stopped", "error", err)
		}
	}()

	a.logger.Info("device agent listening", "addr", ln.Addr().String())
	return nil
}

// URL returns the websocket URL the controller should register for this
// device. Only valid after Start.
func (a *Agent) URL() string {
	return "ws://" + a.ln.Addr().String() + "/session"
}

// Stop tears the agent down: running tasks are cancelled, the session is
// closed and the listener shut.
func (a *Agent) Stop() error {
	a.cancel()

	a.mu.Lock()
	sess := a.sess
	a.sess = nil
	a.mu.Unlock()
	if sess != nil {
		sess.Close("agent stopping")
	}

	var err error
	if a.httpSrv != nil {
		err = a.httpSrv.Close()
	}
	a.wg.Wait()
	return err
}

// SendDeviceInfo pushes a DEVICE_INFO telemetry frame on the live session.
func (a *Agent) SendDeviceInfo(ctx context.Context, info *structs.SystemInfo) error {
	a.mu.Lock()
	sess := a.sess
	a.mu.Unlock()
	if sess == nil {
		return transport.ErrSessionClosed
	}
	_, err := sess.Send(ctx, transport.MsgDeviceInfo, 0, info)
	return err
}

func (a *Agent) handleHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	sess := transport.NewSession(conn, a.config.DeviceID, a.logger)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.serve(sess)
	}()
}

// serve drives one controller session: the registration exchange first,
// then the frame loop until the session is lost.
func (a *Agent) serve(sess *transport.Session) {
	defer sess.Close("")

	if !a.register(sess) {
		return
	}

	a.mu.Lock()
	prev := a.sess
	a.sess = sess
	a.mu.Unlock()
	if prev != nil && prev != sess {
		prev.Close("superseded")
	}

	// Telemetry that did not ride the ack is pushed right after
	// registration so the controller's profile is complete before the
	// first dispatch.
	if a.config.SystemInfo != nil && !a.config.SystemInfoOnAck {
		if _, err := sess.Send(a.ctx, transport.MsgDeviceInfo, 0, a.config.SystemInfo); err != nil {
			a.logger.Warn("sending device info failed", "error", err)
		}
	}

	for {
		select {
		case <-a.ctx.Done():
			sess.Close("agent stopping")
			return
		case msg, ok := <-sess.Recv():
			if !ok {
				return
			}
			a.handleFrame(sess, msg)
		}
	}
}

// register waits for the controller's REGISTER frame and answers it,
// reporting whether the session may proceed.
func (a *Agent) register(sess *transport.Session) bool {
	var msg *transport.Message
	select {
	case <-a.ctx.Done():
		return false
	case <-time.After(a.config.RegisterTimeout):
		a.logger.Warn("no registration before timeout")
		sess.Close("registration timeout")
		return false
	case m, ok := <-sess.Recv():
		if !ok {
			return false
		}
		msg = m
	}

	nack := func(reason string) {
		_, _ = sess.Send(a.ctx, transport.MsgRegisterNack, msg.MessageID, &transport.RegisterResponse{
			ResponseID: uuid.Generate(),
			Status:     transport.RegisterStatusError,
			Reason:     reason,
		})
		sess.Close(reason)
	}

	if msg.Type != transport.MsgRegister {
		nack(fmt.Sprintf("expected REGISTER, got %s", msg.Type))
		return false
	}
	var req transport.RegisterRequest
	if err := transport.DecodePayload(msg, &req); err != nil {
		nack("malformed register payload")
		return false
	}
	if req.ClientID == "" {
		nack("missing client_id")
		return false
	}

	resp := &transport.RegisterResponse{
		ResponseID: uuid.Generate(),
		Status:     transport.RegisterStatusOK,
		SessionID:  uuid.Generate(),
	}
	if a.config.SystemInfoOnAck {
		resp.SystemInfo = a.config.SystemInfo
	}
	if _, err := sess.Send(a.ctx, transport.MsgRegisterAck, msg.MessageID, resp); err != nil {
		a.logger.Warn("sending register ack failed", "error", err)
		return false
	}

	a.logger.Info("controller session registered", "client_id", req.ClientID,
		"session_id", resp.SessionID)
	return true
}

func (a *Agent) handleFrame(sess *transport.Session, msg *transport.Message) {
	switch msg.Type {
	case transport.MsgHeartbeatPing:
		var hb transport.Heartbeat
		if err := transport.DecodePayload(msg, &hb); err != nil {
			a.logger.Debug("bad heartbeat ping", "error", err)
			return
		}
		_, _ = sess.Send(a.ctx, transport.MsgHeartbeatPong, msg.MessageID, &transport.Heartbeat{Nonce: hb.Nonce})

	case transport.MsgHeartbeatPong:

	case transport.MsgTaskDispatch:
		var td transport.TaskDispatch
		if err := transport.DecodePayload(msg, &td); err != nil {
			a.logger.Warn("bad task dispatch payload", "error", err)
			return
		}
		a.startTask(sess, &td)

	case transport.MsgTaskCancel:
		var tc transport.TaskCancel
		if err := transport.DecodePayload(msg, &tc); err != nil {
			a.logger.Warn("bad task cancel payload", "error", err)
			return
		}
		a.cancelTask(tc.TaskID)

	default:
		a.logger.Debug("ignoring unexpected frame", "type", msg.Type)
	}
}

// startTask runs the dispatched task in its own goroutine and reports the
// result frame when it settles.
func (a *Agent) startTask(sess *transport.Session, td *transport.TaskDispatch) {
	ctx, cancel := context.WithCancel(a.ctx)

	a.mu.Lock()
	a.cancels[td.TaskID] = cancel
	a.mu.Unlock()

	a.logger.Debug("task started", "task_id", td.TaskID)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			cancel()
			a.mu.Lock()
			delete(a.cancels, td.TaskID)
			a.mu.Unlock()
		}()

		handler := a.config.Handler
		if handler == nil {
			handler = echoHandler
		}
		result, err := handler(ctx, td)

		res := &transport.TaskResult{TaskID: td.TaskID}
		switch {
		case err == nil:
			res.Status = structs.TaskStatusCompleted
			res.Result = result
		case errors.Is(err, context.Canceled):
			res.Status = structs.TaskStatusCancelled
			res.Error = &structs.TaskError{
				Kind:    structs.ErrKindCancelled,
				Message: "task cancelled on device",
			}
		default:
			res.Status = structs.TaskStatusFailed
			res.Error = &structs.TaskError{
				Kind:    structs.ErrKindApplication,
				Message: err.Error(),
			}
		}

		if _, err := sess.Send(a.ctx, transport.MsgTaskResult, 0, res); err != nil {
			a.logger.Warn("sending task result failed", "task_id", td.TaskID, "error", err)
		}
		a.logger.Debug("task settled", "task_id", td.TaskID, "status", res.Status)
	}()
}

func (a *Agent) cancelTask(taskID string) {
	a.mu.Lock()
	cancel, ok := a.cancels[taskID]
	a.mu.Unlock()
	if ok {
		a.logger.Debug("cancelling task", "task_id", taskID)
		cancel()
	}
}

// echoHandler is the default task handler: it completes immediately with
// the dispatch payload as the result.
func echoHandler(_ context.Context, td *transport.TaskDispatch) (json.RawMessage, error) {
	return td.Payload, nil
}
