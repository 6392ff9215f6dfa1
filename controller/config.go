// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package controller

import (
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"oss.indeed.com/go/libtime"
)

// Config parameterizes a controller Server. Zero values are replaced with
// the documented defaults by DefaultConfig / normalize.
type Config struct {
	// Logger is the parent logger; components derive named sub-loggers
	// from it.
	Logger hclog.Logger

	// Clock supplies wall clock time; injectable for tests.
	Clock libtime.Clock

	// HeartbeatInterval is how often the controller pings each device.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long a device session may be silent before
	// it is treated as disconnected. Defaults to three heartbeat
	// intervals.
	HeartbeatTimeout time.Duration

	// ReconnectDelay is the pause between connection attempts.
	ReconnectDelay time.Duration

	// DefaultMaxRetries bounds connection attempts for devices that do
	// not set their own limit.
	DefaultMaxRetries int

	// HandshakeTimeout bounds the registration exchange.
	HandshakeTimeout time.Duration

	// CancelGrace is how long the executor waits for a cancelled task's
	// result before declaring the device unresponsive.
	CancelGrace time.Duration

	// DispatchReadyPollInterval is the fallback wake-up period for the
	// executor's ready set evaluation; dispatch is normally event
	// driven.
	DispatchReadyPollInterval time.Duration

	// APIDeadline bounds outbound control frames toward a device, such
	// as task dispatch and cancel.
	APIDeadline time.Duration

	// EventBufferSize is the number of event batches retained for
	// subscribers that fall behind.
	EventBufferSize int64

	// FinishedRetention is how many terminal constellations are kept
	// available for status queries after execution ends.
	FinishedRetention int

	// FailUnschedulable makes the executor fail a pending task with an
	// unschedulable error as soon as no registered device could ever
	// satisfy its capability requirements. The default is to keep the
	// task pending and wait for a matching device to register.
	FailUnschedulable bool
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() *Config {
	return &Config{
		Logger:                    hclog.Default(),
		Clock:                     libtime.SystemClock(),
		HeartbeatInterval:         30 * time.Second,
		HeartbeatTimeout:          90 * time.Second,
		ReconnectDelay:            5 * time.Second,
		DefaultMaxRetries:         5,
		HandshakeTimeout:          30 * time.Second,
		CancelGrace:               10 * time.Second,
		DispatchReadyPollInterval: 100 * time.Millisecond,
		APIDeadline:               5 * time.Second,
		EventBufferSize:           256,
		FinishedRetention:         128,
	}
}

// normalize fills any unset field from the defaults so a partially
// populated Config is usable.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	if c.Clock == nil {
		c.Clock = def.Clock
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 3 * c.HeartbeatInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = def.CancelGrace
	}
	if c.DispatchReadyPollInterval <= 0 {
		c.DispatchReadyPollInterval = def.DispatchReadyPollInterval
	}
	if c.APIDeadline <= 0 {
		c.APIDeadline = def.APIDeadline
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = def.EventBufferSize
	}
	if c.FinishedRetention <= 0 {
		c.FinishedRetention = def.FinishedRetention
	}
}
