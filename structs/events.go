// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "time"

// Topic partitions the event stream by subject.
type Topic string

const (
	TopicDevice        Topic = "Device"
	TopicTask          Topic = "Task"
	TopicConstellation Topic = "Constellation"

	// TopicAll subscribes to every topic.
	TopicAll Topic = "*"
)

// Event types published on the broker.
const (
	TypeDeviceRegistered      = "DeviceRegistered"
	TypeDeviceStatusChanged   = "DeviceStatusChanged"
	TypeDeviceHeartbeat       = "DeviceHeartbeat"
	TypeConstellationStarted  = "ConstellationStarted"
	TypeConstellationFinished = "ConstellationFinished"
	TypeTaskStatusChanged     = "TaskStatusChanged"
	TypeTaskDispatched        = "TaskDispatched"
	TypeTaskResult            = "TaskResult"
	TypeError                 = "Error"
)

// Event is a single state change fanned out to subscribers. Key is the ID
// of the subject entity (device, task or constellation).
type Event struct {
	Topic     Topic
	Type      string
	Key       string
	Index     uint64
	Timestamp time.Time
	Payload   any
}

// Events is an indexed batch of events published atomically.
type Events struct {
	Index  uint64
	Events []Event
}

// DeviceStatusChange is the payload of TypeDeviceStatusChanged events.
type DeviceStatusChange struct {
	DeviceID string
	Old      DeviceStatus
	New      DeviceStatus
}

// TaskStatusChange is the payload of TypeTaskStatusChanged events.
type TaskStatusChange struct {
	ConstellationID string
	TaskID          string
	Old             TaskStatus
	New             TaskStatus
}

// ConstellationFinish is the payload of TypeConstellationFinished events.
type ConstellationFinish struct {
	ConstellationID string
	State           ConstellationState
}
