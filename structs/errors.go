// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "errors"

var (
	// ErrDeviceNotFound is returned by registry lookups for unknown IDs.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrAlreadyRegistered is returned when registering an existing
	// device ID without asking for overwrite.
	ErrAlreadyRegistered = errors.New("device already registered")

	// ErrNotIdle is returned by SetBusy when the device is not idle. The
	// dispatcher treats it as a signal to re-run selection.
	ErrNotIdle = errors.New("device is not idle")

	// ErrInvalidTransition is returned when a status change is not
	// permitted by the device lifecycle table.
	ErrInvalidTransition = errors.New("invalid device status transition")

	// ErrInvalidConstellation wraps submission time validation failures.
	// Submissions that fail validation have no side effects.
	ErrInvalidConstellation = errors.New("invalid constellation")

	// ErrConstellationNotFound is returned for status or cancel requests
	// against unknown constellation IDs.
	ErrConstellationNotFound = errors.New("constellation not found")
)

// ErrorKind classifies a task failure for retry decisions and reporting.
type ErrorKind string

const (
	// ErrKindDeviceLost indicates the device's heartbeat lapsed or its
	// transport closed while the task was in flight.
	ErrKindDeviceLost ErrorKind = "device_lost"

	// ErrKindDeviceUnresponsive indicates a cancel was not acknowledged
	// within the grace period.
	ErrKindDeviceUnresponsive ErrorKind = "device_unresponsive"

	// ErrKindTaskTimeout indicates the task exceeded its per-task
	// execution timeout.
	ErrKindTaskTimeout ErrorKind = "task_timeout"

	// ErrKindApplication indicates the device returned a failed result
	// with an application level error.
	ErrKindApplication ErrorKind = "task_application_error"

	// ErrKindProtocol indicates a malformed or unknown frame; fatal to
	// the session.
	ErrKindProtocol ErrorKind = "protocol_error"

	// ErrKindUnschedulable indicates no registered device could ever
	// satisfy the task's capability requirements.
	ErrKindUnschedulable ErrorKind = "unschedulable"

	// ErrKindCancelled indicates the task was cancelled by the user or
	// by dependency cascade.
	ErrKindCancelled ErrorKind = "cancelled"
)

// Retriable reports the default retry classification for an error kind.
// Tasks may widen or narrow this via their own retry policy.
func (k ErrorKind) Retriable() bool {
	switch k {
	case ErrKindDeviceLost, ErrKindTaskTimeout, ErrKindApplication:
		return true
	default:
		return false
	}
}

// TaskError is the structured failure recorded on a task.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *TaskError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *TaskError) Copy() *TaskError {
	if e == nil {
		return nil
	}
	ne := *e
	return &ne
}
