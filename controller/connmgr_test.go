// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package controller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shoenig/test/must"
	"github.com/shoenig/test/wait"

	"github.com/hashicorp/constellation/controller/stream"
	"github.com/hashicorp/constellation/helper/testlog"
	"github.com/hashicorp/constellation/structs"
	"github.com/hashicorp/constellation/transport"
)

// fakeDevice is a hand-driven device endpoint for exercising misbehaving
// peers the real agent never produces.
type fakeDevice struct {
	t       *testing.T
	srv     *httptest.Server
	sessCh  chan *transport.Session
	serveFn func(sess *transport.Session)
}

// newFakeDevice serves one websocket endpoint; every controller connection
// is acked and then handed to serveFn.
func newFakeDevice(t *testing.T, serveFn func(sess *transport.Session)) *fakeDevice {
	t.Helper()
	logger := testlog.HCLogger(t)
	fd := &fakeDevice{t: t, sessCh: make(chan *transport.Session, 4), serveFn: serveFn}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	fd.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sess := transport.NewSession(conn, "fake-device", logger)
		go fd.serve(sess)
	}))
	t.Cleanup(fd.srv.Close)
	return fd
}

func (fd *fakeDevice) url() string {
	return "ws" + strings.TrimPrefix(fd.srv.URL, "http")
}

func (fd *fakeDevice) serve(sess *transport.Session) {
	defer sess.Close("")

	msg, ok := <-sess.Recv()
	if !ok || msg.Type != transport.MsgRegister {
		return
	}
	_, _ = sess.Send(context.Background(), transport.MsgRegisterAck, msg.MessageID, &transport.RegisterResponse{
		Status: transport.RegisterStatusOK,
	})
	select {
	case fd.sessCh <- sess:
	default:
	}
	if fd.serveFn != nil {
		fd.serveFn(sess)
	}
}

// drain consumes frames without ever answering, simulating a device whose
// agent process hangs after registration.
func drain(sess *transport.Session) {
	for range sess.Recv() {
	}
}

func TestDeviceConn_HeartbeatTimeout(t *testing.T) {
	// timing sensitive, not run in parallel

	srv := testServer(t, nil)
	fd := newFakeDevice(t, drain)

	sub, err := srv.Subscribe(&stream.SubscribeRequest{
		Topics: map[structs.Topic][]string{structs.TopicDevice: {"dev-1"}},
	})
	must.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = srv.RegisterDevice(&RegisterRequest{
		DeviceID:    "dev-1",
		ServerURL:   fd.url(),
		AutoConnect: true,
	})
	must.NoError(t, err)
	waitDeviceStatus(t, srv, "dev-1", structs.DeviceStatusIdle)

	// a silent device must be declared lost: wait for the idle ->
	// disconnected edge caused by the heartbeat timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sawTimeout := false
	for !sawTimeout {
		batch, err := sub.Next(ctx)
		must.NoError(t, err)
		for _, event := range batch.Events {
			change, ok := event.Payload.(*structs.DeviceStatusChange)
			if ok && change.Old == structs.DeviceStatusIdle &&
				change.New == structs.DeviceStatusDisconnected {
				sawTimeout = true
			}
		}
	}

	// and the actor reconnects on its own
	waitDeviceStatus(t, srv, "dev-1", structs.DeviceStatusIdle)
}

func TestDeviceConn_ProtocolErrorFailsDevice(t *testing.T) {
	// timing sensitive, not run in parallel

	srv := testServer(t, nil)
	fd := newFakeDevice(t, func(sess *transport.Session) {
		// an unknown frame type is fatal to the session and the device
		_, _ = sess.Send(context.Background(), transport.MessageType("WAT"), 0, nil)
		drain(sess)
	})

	_, err := srv.RegisterDevice(&RegisterRequest{
		DeviceID:    "dev-1",
		ServerURL:   fd.url(),
		AutoConnect: true,
	})
	must.NoError(t, err)

	waitDeviceStatus(t, srv, "dev-1", structs.DeviceStatusFailed)

	// no reconnect after a protocol failure until an operator steps in
	time.Sleep(100 * time.Millisecond)
	p, _ := srv.GetDevice("dev-1")
	must.Eq(t, structs.DeviceStatusFailed, p.Status)
}

func TestDeviceConn_PingPong(t *testing.T) {
	// timing sensitive, not run in parallel

	srv := testServer(t, nil)

	pongCh := make(chan uint64, 16)
	fd := newFakeDevice(t, func(sess *transport.Session) {
		// ping the controller ourselves and collect the echoed nonce
		_, _ = sess.Send(context.Background(), transport.MsgHeartbeatPing, 0, &transport.Heartbeat{Nonce: 99})
		for msg := range sess.Recv() {
			if msg.Type == transport.MsgHeartbeatPong {
				var hb transport.Heartbeat
				if transport.DecodePayload(msg, &hb) == nil {
					pongCh <- hb.Nonce
				}
			}
		}
	})

	_, err := srv.RegisterDevice(&RegisterRequest{
		DeviceID:    "dev-1",
		ServerURL:   fd.url(),
		AutoConnect: true,
	})
	must.NoError(t, err)
	waitDeviceStatus(t, srv, "dev-1", structs.DeviceStatusIdle)

	must.Wait(t, wait.InitialSuccess(
		wait.BoolFunc(func() bool {
			select {
			case nonce := <-pongCh:
				return nonce == 99
			default:
				return false
			}
		}),
		wait.Timeout(10*time.Second),
		wait.Gap(10*time.Millisecond),
	))
}
