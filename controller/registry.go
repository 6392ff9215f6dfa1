// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package controller

import (
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/hashicorp/go-set/v3"
	"oss.indeed.com/go/libtime"

	"github.com/hashicorp/constellation/controller/stream"
	"github.com/hashicorp/constellation/structs"
)

// RegisterRequest is the input to Registry.Register.
type RegisterRequest struct {
	DeviceID     string
	ServerURL    string
	OS           string
	Capabilities []string
	Metadata     map[string]any
	MaxRetries   int

	// Overwrite replaces an existing profile instead of failing with
	// ErrAlreadyRegistered.
	Overwrite bool

	// AutoConnect makes the server start the device's connection actor
	// immediately after registration. Ignored by the registry itself.
	AutoConnect bool
}

// ListFilter narrows Registry.List results. A zero filter matches every
// device.
type ListFilter struct {
	// ConnectedOnly keeps devices with a live session (connected,
	// registering, idle or busy).
	ConnectedOnly bool

	// HasCapabilities keeps devices whose capability set contains every
	// listed capability.
	HasCapabilities []string

	// Statuses keeps devices whose status is in the set, when non-empty.
	Statuses []structs.DeviceStatus
}

// Registry is the in-memory device registry. It exclusively owns every
// AgentProfile; all accessors return deep copies, and all mutations are
// serialized so per-device reads and writes are linearizable. Registry
// operations never block on I/O and fail fast on precondition violations.
type Registry struct {
	logger hclog.Logger
	clock  libtime.Clock
	broker *stream.EventBroker

	// defaultMaxRetries applies to registrations that do not set their
	// own connection attempt limit.
	defaultMaxRetries int

	mu      sync.RWMutex
	devices map[string]*structs.AgentProfile
}

// NewRegistry returns an empty registry publishing device events to the
// given broker. defaultMaxRetries is the connection attempt limit for
// registrations that do not set their own; non-positive values fall back
// to structs.DefaultMaxRetries.
func NewRegistry(logger hclog.Logger, clock libtime.Clock, broker *stream.EventBroker, defaultMaxRetries int) *Registry {
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = structs.DefaultMaxRetries
	}
	return &Registry{
		logger:            logger.Named("registry"),
		clock:             clock,
		broker:            broker,
		defaultMaxRetries: defaultMaxRetries,
		devices:           make(map[string]*structs.AgentProfile),
	}
}

// Register creates a device profile in the disconnected state. It fails
// with ErrAlreadyRegistered when the ID exists and Overwrite is unset.
func (r *Registry) Register(req *RegisterRequest) (*structs.AgentProfile, error) {
	if req.DeviceID == "" {
		return nil, fmt.Errorf("missing device ID")
	}
	if req.ServerURL == "" {
		return nil, fmt.Errorf("missing server URL for device %q", req.DeviceID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[req.DeviceID]; ok && !req.Overwrite {
		return nil, fmt.Errorf("%w: %q", structs.ErrAlreadyRegistered, req.DeviceID)
	}

	os := req.OS
	if os == "" {
		os = structs.OSUnknown
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = r.defaultMaxRetries
	}

	profile := &structs.AgentProfile{
		DeviceID:     req.DeviceID,
		ServerURL:    req.ServerURL,
		OS:           os,
		Capabilities: set.From(req.Capabilities),
		Metadata:     req.Metadata,
		Status:       structs.DeviceStatusDisconnected,
		MaxRetries:   maxRetries,
	}
	if profile.Metadata == nil {
		profile.Metadata = make(map[string]any)
	}
	r.devices[req.DeviceID] = profile

	metrics.IncrCounter([]string{"constellation", "registry", "register"}, 1)
	r.broker.PublishEvents(structs.Event{
		Topic:   structs.TopicDevice,
		Type:    structs.TypeDeviceRegistered,
		Key:     req.DeviceID,
		Payload: profile.Copy(),
	})
	r.logger.Info("registered device", "device_id", req.DeviceID, "server_url", req.ServerURL)

	return profile.Copy(), nil
}

// Get returns a copy of the device profile.
func (r *Registry) Get(deviceID string) (*structs.AgentProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, ok := r.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", structs.ErrDeviceNotFound, deviceID)
	}
	return profile.Copy(), nil
}

// List returns copies of the profiles matching the filter, in unspecified
// order.
func (r *Registry) List(filter *ListFilter) []*structs.AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*structs.AgentProfile
	for _, profile := range r.devices {
		if filter != nil && !matchFilter(profile, filter) {
			continue
		}
		out = append(out, profile.Copy())
	}
	return out
}

func matchFilter(p *structs.AgentProfile, f *ListFilter) bool {
	if f.ConnectedOnly && !p.Connected() {
		return false
	}
	for _, capability := range f.HasCapabilities {
		if !p.Capabilities.Contains(capability) {
			return false
		}
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if p.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// UpdateStatus moves a device through the lifecycle table, failing with
// ErrInvalidTransition on disallowed moves. Reaching idle resets the
// connection attempt counter; leaving busy clears the current task.
func (r *Registry) UpdateStatus(deviceID string, to structs.DeviceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %q", structs.ErrDeviceNotFound, deviceID)
	}
	return r.applyStatus(profile, to)
}

// applyStatus enforces the transition table and the profile invariants.
// Callers must hold the registry lock.
func (r *Registry) applyStatus(profile *structs.AgentProfile, to structs.DeviceStatus) error {
	from := profile.Status
	if !structs.CanTransition(from, to) {
		return fmt.Errorf("%w: %q cannot move %s -> %s",
			structs.ErrInvalidTransition, profile.DeviceID, from, to)
	}

	profile.Status = to
	if from == structs.DeviceStatusBusy {
		profile.CurrentTaskID = nil
	}
	if to == structs.DeviceStatusIdle {
		profile.ConnectionAttempts = 0
	}
	if from == structs.DeviceStatusFailed && to == structs.DeviceStatusConnecting {
		// An operator reconnecting a failed device gets a fresh attempt
		// budget.
		profile.ConnectionAttempts = 0
	}

	r.broker.PublishEvents(structs.Event{
		Topic: structs.TopicDevice,
		Type:  structs.TypeDeviceStatusChanged,
		Key:   profile.DeviceID,
		Payload: &structs.DeviceStatusChange{
			DeviceID: profile.DeviceID,
			Old:      from,
			New:      to,
		},
	})
	r.logger.Debug("device status changed", "device_id", profile.DeviceID, "from", from, "to", to)
	return nil
}

// SetBusy atomically assigns a task to an idle device.
func (r *Registry) SetBusy(deviceID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %q", structs.ErrDeviceNotFound, deviceID)
	}
	if profile.Status != structs.DeviceStatusIdle {
		return fmt.Errorf("%w: %q is %s", structs.ErrNotIdle, deviceID, profile.Status)
	}
	if err := r.applyStatus(profile, structs.DeviceStatusBusy); err != nil {
		return err
	}
	profile.CurrentTaskID = &taskID
	return nil
}

// SetIdle atomically releases a device, clearing its task assignment and
// resetting the connection attempt counter.
func (r *Registry) SetIdle(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %q", structs.ErrDeviceNotFound, deviceID)
	}
	return r.applyStatus(profile, structs.DeviceStatusIdle)
}

// RecordHeartbeat updates the device's last heartbeat timestamp. The
// timestamp never moves backward.
func (r *Registry) RecordHeartbeat(deviceID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %q", structs.ErrDeviceNotFound, deviceID)
	}
	if at.IsZero() {
		at = r.clock.Now().UTC()
	}
	if profile.LastHeartbeat != nil && at.Before(*profile.LastHeartbeat) {
		return nil
	}
	profile.LastHeartbeat = &at

	r.broker.PublishEvents(structs.Event{
		Topic:   structs.TopicDevice,
		Type:    structs.TypeDeviceHeartbeat,
		Key:     deviceID,
		Payload: at,
	})
	return nil
}

// LastHeartbeat returns the device's last heartbeat time, which may be
// zero when no frame has been seen yet.
func (r *Registry) LastHeartbeat(deviceID string) (time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, ok := r.devices[deviceID]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %q", structs.ErrDeviceNotFound, deviceID)
	}
	if profile.LastHeartbeat == nil {
		return time.Time{}, nil
	}
	return *profile.LastHeartbeat, nil
}

// IncrementAttempts records the start of a connection attempt and returns
// the new attempt count. The count never exceeds the device's retry limit.
func (r *Registry) IncrementAttempts(deviceID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.devices[deviceID]
	if !ok {
		return 0, fmt.Errorf("%w: %q", structs.ErrDeviceNotFound, deviceID)
	}
	if profile.ConnectionAttempts < profile.MaxRetries {
		profile.ConnectionAttempts++
	}
	return profile.ConnectionAttempts, nil
}

// MergeSystemInfo folds a telemetry payload into the device profile:
// platform becomes the profile OS, supported features union into the
// capability set (capabilities never shrink from telemetry), and the full
// block replaces the profile's system_info metadata. The merge is
// idempotent with respect to the latest payload.
func (r *Registry) MergeSystemInfo(deviceID string, info *structs.SystemInfo) error {
	if info == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %q", structs.ErrDeviceNotFound, deviceID)
	}

	if info.Platform != "" {
		profile.OS = info.Platform
	}
	profile.Capabilities.InsertSlice(info.SupportedFeatures)
	profile.Metadata["system_info"] = info.Copy()
	if info.CustomMetadata != nil {
		profile.Metadata["custom_metadata"] = info.CustomMetadata
	}
	if info.Tags != nil {
		profile.Metadata["tags"] = append([]string(nil), info.Tags...)
	}

	r.logger.Debug("merged system info", "device_id", deviceID,
		"platform", info.Platform, "features", len(info.SupportedFeatures))
	return nil
}

// Remove deletes the device profile.
func (r *Registry) Remove(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[deviceID]; !ok {
		return fmt.Errorf("%w: %q", structs.ErrDeviceNotFound, deviceID)
	}
	delete(r.devices, deviceID)
	r.logger.Info("removed device", "device_id", deviceID)
	return nil
}

// CouldEverSatisfy reports whether any registered device, regardless of
// its current status, advertises every listed capability.
func (r *Registry) CouldEverSatisfy(capabilities *set.Set[string]) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	required := capabilities.Slice()
	for _, profile := range r.devices {
		ok := true
		for _, capability := range required {
			if !profile.Capabilities.Contains(capability) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}
