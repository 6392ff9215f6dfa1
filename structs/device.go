// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"time"

	"github.com/hashicorp/go-set/v3"
)

// DeviceStatus captures where a device is in its connection lifecycle.
type DeviceStatus string

const (
	DeviceStatusDisconnected DeviceStatus = "disconnected"
	DeviceStatusConnecting   DeviceStatus = "connecting"
	DeviceStatusConnected    DeviceStatus = "connected"
	DeviceStatusRegistering  DeviceStatus = "registering"
	DeviceStatusIdle         DeviceStatus = "idle"
	DeviceStatusBusy         DeviceStatus = "busy"
	DeviceStatusFailed       DeviceStatus = "failed"
)

// validDeviceTransitions is the device lifecycle transition table. A missing
// entry means the transition is rejected with ErrInvalidTransition.
var validDeviceTransitions = map[DeviceStatus][]DeviceStatus{
	DeviceStatusDisconnected: {DeviceStatusConnecting, DeviceStatusFailed},
	DeviceStatusConnecting:   {DeviceStatusDisconnected, DeviceStatusConnected, DeviceStatusFailed},
	DeviceStatusConnected:    {DeviceStatusDisconnected, DeviceStatusRegistering, DeviceStatusFailed},
	DeviceStatusRegistering:  {DeviceStatusDisconnected, DeviceStatusIdle, DeviceStatusFailed},
	DeviceStatusIdle:         {DeviceStatusDisconnected, DeviceStatusBusy, DeviceStatusFailed},
	DeviceStatusBusy:         {DeviceStatusDisconnected, DeviceStatusIdle, DeviceStatusFailed},
	DeviceStatusFailed:       {DeviceStatusConnecting},
}

// CanTransition returns whether the lifecycle table permits moving a device
// from one status to another. Self transitions are always rejected.
func CanTransition(from, to DeviceStatus) bool {
	for _, next := range validDeviceTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DefaultMaxRetries bounds connection attempts for devices that do not set
// their own limit.
const DefaultMaxRetries = 5

// OSUnknown is the placeholder OS value used until telemetry arrives.
const OSUnknown = "unknown"

// AgentProfile is the controller's view of a registered remote device. It
// merges user supplied registration config, handshake data and runtime
// telemetry. Profiles are owned by the registry; callers only ever see
// copies.
type AgentProfile struct {
	// DeviceID uniquely identifies the device. Immutable.
	DeviceID string

	// ServerURL is the endpoint the transport dials. Immutable after
	// registration.
	ServerURL string

	// OS is the device operating system, "unknown" until telemetry
	// reports a platform.
	OS string

	// Capabilities advertises what kinds of tasks the device can run.
	Capabilities *set.Set[string]

	// Metadata holds opaque registration and telemetry values keyed by
	// string. Nested values are not interpreted by the controller.
	Metadata map[string]any

	Status DeviceStatus

	// LastHeartbeat is the wall clock time of the last frame received
	// from the device. Never moves backward.
	LastHeartbeat *time.Time

	// ConnectionAttempts counts consecutive failed connection attempts.
	// Reset to zero when the device reaches idle.
	ConnectionAttempts int

	// MaxRetries bounds ConnectionAttempts; reaching it fails the device.
	MaxRetries int

	// CurrentTaskID is set if and only if Status is busy.
	CurrentTaskID *string
}

func (p *AgentProfile) Copy() *AgentProfile {
	if p == nil {
		return nil
	}
	np := new(AgentProfile)
	*np = *p
	np.Capabilities = p.Capabilities.Copy()
	np.Metadata = copyMetadata(p.Metadata)
	if p.LastHeartbeat != nil {
		hb := *p.LastHeartbeat
		np.LastHeartbeat = &hb
	}
	if p.CurrentTaskID != nil {
		id := *p.CurrentTaskID
		np.CurrentTaskID = &id
	}
	return np
}

// Connected returns whether the device has a live session in some stage of
// use.
func (p *AgentProfile) Connected() bool {
	switch p.Status {
	case DeviceStatusConnected, DeviceStatusRegistering, DeviceStatusIdle, DeviceStatusBusy:
		return true
	default:
		return false
	}
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// SystemInfo is the typed view over the telemetry payload a device agent
// reports after registration. Unknown fields are preserved in the raw
// metadata block rather than here.
type SystemInfo struct {
	Platform          string         `json:"platform"`
	OSVersion         string         `json:"os_version"`
	CPUCount          int            `json:"cpu_count"`
	MemoryTotalGB     float64        `json:"memory_total_gb"`
	Hostname          string         `json:"hostname"`
	IPAddress         string         `json:"ip_address"`
	SupportedFeatures []string       `json:"supported_features"`
	PlatformType      string         `json:"platform_type"`
	SchemaVersion     string         `json:"schema_version"`
	CustomMetadata    map[string]any `json:"custom_metadata,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
}

func (s *SystemInfo) Copy() *SystemInfo {
	if s == nil {
		return nil
	}
	ns := new(SystemInfo)
	*ns = *s
	ns.SupportedFeatures = append([]string(nil), s.SupportedFeatures...)
	ns.CustomMetadata = copyMetadata(s.CustomMetadata)
	ns.Tags = append([]string(nil), s.Tags...)
	return ns
}
