// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package controller

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-set/v3"
	"github.com/shoenig/test/must"
	"oss.indeed.com/go/libtime"
	"pgregory.net/rapid"

	"github.com/hashicorp/constellation/ci"
	"github.com/hashicorp/constellation/controller/stream"
	"github.com/hashicorp/constellation/helper/testlog"
	"github.com/hashicorp/constellation/structs"
)

func testBroker(t *testing.T) *stream.EventBroker {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return stream.NewEventBroker(ctx, stream.EventBrokerCfg{
		Logger: testlog.HCLogger(t),
	})
}

func testRegistry(t *testing.T) *Registry {
	return NewRegistry(testlog.HCLogger(t), libtime.SystemClock(), testBroker(t), 0)
}

func registerTestDevice(t *testing.T, r *Registry, id string, capabilities ...string) *structs.AgentProfile {
	t.Helper()
	profile, err := r.Register(&RegisterRequest{
		DeviceID:     id,
		ServerURL:    "ws://127.0.0.1:9999/session",
		Capabilities: capabilities,
	})
	must.NoError(t, err)
	return profile
}

func TestRegistry_Register(t *testing.T) {
	ci.Parallel(t)
	r := testRegistry(t)

	profile, err := r.Register(&RegisterRequest{
		DeviceID:     "dev-1",
		ServerURL:    "ws://127.0.0.1:9999/session",
		OS:           "linux",
		Capabilities: []string{"camera", "gps"},
		Metadata:     map[string]any{"rack": "r1"},
	})
	must.NoError(t, err)
	must.Eq(t, "dev-1", profile.DeviceID)
	must.Eq(t, "linux", profile.OS)
	must.Eq(t, structs.DeviceStatusDisconnected, profile.Status)
	must.Eq(t, structs.DefaultMaxRetries, profile.MaxRetries)
	must.Zero(t, profile.ConnectionAttempts)
	must.Nil(t, profile.LastHeartbeat)
	must.True(t, profile.Capabilities.Contains("camera"))

	t.Run("defaults", func(t *testing.T) {
		p := registerTestDevice(t, r, "dev-2")
		must.Eq(t, structs.OSUnknown, p.OS)
		must.NotNil(t, p.Metadata)
	})

	t.Run("configured default max retries", func(t *testing.T) {
		r := NewRegistry(testlog.HCLogger(t), libtime.SystemClock(), testBroker(t), 7)
		p := registerTestDevice(t, r, "dev-3")
		must.Eq(t, 7, p.MaxRetries)
	})

	t.Run("duplicate rejected", func(t *testing.T) {
		_, err := r.Register(&RegisterRequest{
			DeviceID:  "dev-1",
			ServerURL: "ws://elsewhere/session",
		})
		must.ErrorIs(t, err, structs.ErrAlreadyRegistered)
	})

	t.Run("overwrite", func(t *testing.T) {
		p, err := r.Register(&RegisterRequest{
			DeviceID:  "dev-1",
			ServerURL: "ws://elsewhere/session",
			Overwrite: true,
		})
		must.NoError(t, err)
		must.Eq(t, "ws://elsewhere/session", p.ServerURL)
		must.Eq(t, structs.DeviceStatusDisconnected, p.Status)
	})

	t.Run("missing fields", func(t *testing.T) {
		_, err := r.Register(&RegisterRequest{ServerURL: "ws://x/session"})
		must.Error(t, err)
		_, err = r.Register(&RegisterRequest{DeviceID: "dev-3"})
		must.Error(t, err)
	})
}

func TestRegistry_Get_ReturnsCopy(t *testing.T) {
	ci.Parallel(t)
	r := testRegistry(t)
	registerTestDevice(t, r, "dev-1", "camera")

	p1, err := r.Get("dev-1")
	must.NoError(t, err)
	p1.Capabilities.Insert("gps")
	p1.OS = "plan9"

	p2, err := r.Get("dev-1")
	must.NoError(t, err)
	must.False(t, p2.Capabilities.Contains("gps"))
	must.Eq(t, structs.OSUnknown, p2.OS)

	_, err = r.Get("nope")
	must.ErrorIs(t, err, structs.ErrDeviceNotFound)
}

func TestRegistry_List(t *testing.T) {
	ci.Parallel(t)
	r := testRegistry(t)
	registerTestDevice(t, r, "dev-1", "camera")
	registerTestDevice(t, r, "dev-2", "camera", "gps")
	registerTestDevice(t, r, "dev-3")

	must.Len(t, 3, r.List(nil))
	must.Len(t, 2, r.List(&ListFilter{HasCapabilities: []string{"camera"}}))
	must.Len(t, 1, r.List(&ListFilter{HasCapabilities: []string{"camera", "gps"}}))
	must.Len(t, 0, r.List(&ListFilter{ConnectedOnly: true}))
	must.Len(t, 3, r.List(&ListFilter{
		Statuses: []structs.DeviceStatus{structs.DeviceStatusDisconnected},
	}))

	// walk dev-1 to idle
	must.NoError(t, r.UpdateStatus("dev-1", structs.DeviceStatusConnecting))
	must.NoError(t, r.UpdateStatus("dev-1", structs.DeviceStatusConnected))
	must.NoError(t, r.UpdateStatus("dev-1", structs.DeviceStatusRegistering))
	must.NoError(t, r.UpdateStatus("dev-1", structs.DeviceStatusIdle))

	must.Len(t, 1, r.List(&ListFilter{ConnectedOnly: true}))
	idle := r.List(&ListFilter{Statuses: []structs.DeviceStatus{structs.DeviceStatusIdle}})
	must.Len(t, 1, idle)
	must.Eq(t, "dev-1", idle[0].DeviceID)
}

func TestRegistry_UpdateStatus(t *testing.T) {
	ci.Parallel(t)
	r := testRegistry(t)
	registerTestDevice(t, r, "dev-1")

	// a jump straight to idle is not in the lifecycle table
	err := r.UpdateStatus("dev-1", structs.DeviceStatusIdle)
	must.ErrorIs(t, err, structs.ErrInvalidTransition)

	must.NoError(t, r.UpdateStatus("dev-1", structs.DeviceStatusConnecting))
	must.NoError(t, r.UpdateStatus("dev-1", structs.DeviceStatusConnected))
	must.NoError(t, r.UpdateStatus("dev-1", structs.DeviceStatusRegistering))
	must.NoError(t, r.UpdateStatus("dev-1", structs.DeviceStatusIdle))

	must.ErrorIs(t, r.UpdateStatus("nope", structs.DeviceStatusConnecting), structs.ErrDeviceNotFound)
}

func TestRegistry_BusyIdle(t *testing.T) {
	ci.Parallel(t)
	r := testRegistry(t)
	registerTestDevice(t, r, "dev-1")

	// busy requires idle
	must.ErrorIs(t, r.SetBusy("dev-1", "t1"), structs.ErrNotIdle)

	must.NoError(t, r.UpdateStatus("dev-1", structs.DeviceStatusConnecting))
	must.NoError(t, r.UpdateStatus("dev-1", structs.DeviceStatusConnected))
	must.NoError(t, r.UpdateStatus("dev-1", structs.DeviceStatusRegistering))
	must.NoError(t, r.UpdateStatus("dev-1", structs.DeviceStatusIdle))

	must.NoError(t, r.SetBusy("dev-1", "t1"))
	p, _ := r.Get("dev-1")
	must.Eq(t, structs.DeviceStatusBusy, p.Status)
	must.NotNil(t, p.CurrentTaskID)
	must.Eq(t, "t1", *p.CurrentTaskID)

	// double claim fails
	must.ErrorIs(t, r.SetBusy("dev-1", "t2"), structs.ErrNotIdle)

	must.NoError(t, r.SetIdle("dev-1"))
	p, _ = r.Get("dev-1")
	must.Eq(t, structs.DeviceStatusIdle, p.Status)
	must.Nil(t, p.CurrentTaskID)
}

func TestRegistry_Heartbeat(t *testing.T) {
	ci.Parallel(t)
	r := testRegistry(t)
	registerTestDevice(t, r, "dev-1")

	at, err := r.LastHeartbeat("dev-1")
	must.NoError(t, err)
	must.True(t, at.IsZero())

	t1 := time.Now().UTC()
	must.NoError(t, r.RecordHeartbeat("dev-1", t1))
	at, _ = r.LastHeartbeat("dev-1")
	must.Eq(t, t1, at)

	// heartbeats never move backward
	must.NoError(t, r.RecordHeartbeat("dev-1", t1.Add(-time.Minute)))
	at, _ = r.LastHeartbeat("dev-1")
	must.Eq(t, t1, at)

	t2 := t1.Add(time.Second)
	must.NoError(t, r.RecordHeartbeat("dev-1", t2))
	at, _ = r.LastHeartbeat("dev-1")
	must.Eq(t, t2, at)
}

func TestRegistry_Attempts(t *testing.T) {
	ci.Parallel(t)
	r := testRegistry(t)

	_, err := r.Register(&RegisterRequest{
		DeviceID:   "dev-1",
		ServerURL:  "ws://127.0.0.1:9999/session",
		MaxRetries: 2,
	})
	must.NoError(t, err)

	n, err := r.IncrementAttempts("dev-1")
	must.NoError(t, err)
	must.Eq(t, 1, n)
	n, _ = r.IncrementAttempts("dev-1")
	must.Eq(t, 2, n)

	// capped at the retry limit
	n, _ = r.IncrementAttempts("dev-1")
	must.Eq(t, 2, n)

	// a failed device reconnected by an operator starts fresh
	must.NoError(t, r.UpdateStatus("dev-1", structs.DeviceStatusFailed))
	must.NoError(t, r.UpdateStatus("dev-1", structs.DeviceStatusConnecting))
	p, _ := r.Get("dev-1")
	must.Zero(t, p.ConnectionAttempts)

	// reaching idle resets the counter too
	must.NoError(t, r.UpdateStatus("dev-1", structs.DeviceStatusConnected))
	must.NoError(t, r.UpdateStatus("dev-1", structs.DeviceStatusRegistering))
	_, _ = r.IncrementAttempts("dev-1")
	must.NoError(t, r.UpdateStatus("dev-1", structs.DeviceStatusIdle))
	p, _ = r.Get("dev-1")
	must.Zero(t, p.ConnectionAttempts)
}

func TestRegistry_MergeSystemInfo(t *testing.T) {
	ci.Parallel(t)
	r := testRegistry(t)
	registerTestDevice(t, r, "dev-1", "camera")

	info := &structs.SystemInfo{
		Platform:          "darwin",
		OSVersion:         "14.2",
		CPUCount:          8,
		SupportedFeatures: []string{"gps", "lidar"},
		CustomMetadata:    map[string]any{"pool": "lab"},
		Tags:              []string{"beta"},
	}
	must.NoError(t, r.MergeSystemInfo("dev-1", info))

	p, _ := r.Get("dev-1")
	must.Eq(t, "darwin", p.OS)
	// telemetry unions into capabilities, never removes
	must.True(t, p.Capabilities.Contains("camera"))
	must.True(t, p.Capabilities.Contains("gps"))
	must.True(t, p.Capabilities.Contains("lidar"))

	stored, ok := p.Metadata["system_info"].(*structs.SystemInfo)
	must.True(t, ok)
	must.Eq(t, "14.2", stored.OSVersion)

	// merging the same payload again changes nothing
	before := p.Capabilities.Size()
	must.NoError(t, r.MergeSystemInfo("dev-1", info))
	p, _ = r.Get("dev-1")
	must.Eq(t, before, p.Capabilities.Size())

	// a later payload without platform keeps the known OS
	must.NoError(t, r.MergeSystemInfo("dev-1", &structs.SystemInfo{
		SupportedFeatures: []string{"thermal"},
	}))
	p, _ = r.Get("dev-1")
	must.Eq(t, "darwin", p.OS)
	must.True(t, p.Capabilities.Contains("thermal"))

	must.NoError(t, r.MergeSystemInfo("dev-1", nil))
}

func TestRegistry_CouldEverSatisfy(t *testing.T) {
	ci.Parallel(t)
	r := testRegistry(t)
	registerTestDevice(t, r, "dev-1", "camera")
	registerTestDevice(t, r, "dev-2", "gps")

	must.True(t, r.CouldEverSatisfy(set.From([]string{"camera"})))
	must.True(t, r.CouldEverSatisfy(set.From([]string{"gps"})))
	must.True(t, r.CouldEverSatisfy(set.New[string](0)))
	// no single device has both
	must.False(t, r.CouldEverSatisfy(set.From([]string{"camera", "gps"})))
	must.False(t, r.CouldEverSatisfy(set.From([]string{"lidar"})))
}

func TestRegistry_Remove(t *testing.T) {
	ci.Parallel(t)
	r := testRegistry(t)
	registerTestDevice(t, r, "dev-1")

	must.NoError(t, r.Remove("dev-1"))
	_, err := r.Get("dev-1")
	must.ErrorIs(t, err, structs.ErrDeviceNotFound)
	must.ErrorIs(t, r.Remove("dev-1"), structs.ErrDeviceNotFound)
}

// TestRegistry_TransitionProperties drives a device through random status
// changes and checks that the registry only ever accepts moves from the
// lifecycle table and keeps the profile invariants.
func TestRegistry_TransitionProperties(t *testing.T) {
	ci.Parallel(t)

	statuses := []structs.DeviceStatus{
		structs.DeviceStatusDisconnected,
		structs.DeviceStatusConnecting,
		structs.DeviceStatusConnected,
		structs.DeviceStatusRegistering,
		structs.DeviceStatusIdle,
		structs.DeviceStatusBusy,
		structs.DeviceStatusFailed,
	}

	rapid.Check(t, func(rt *rapid.T) {
		r := testRegistry(t)
		registerTestDevice(t, r, "dev-1")

		current := structs.DeviceStatusDisconnected
		steps := rapid.IntRange(1, 50).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			target := rapid.SampledFrom(statuses).Draw(rt, "target")

			var err error
			if target == structs.DeviceStatusBusy {
				err = r.SetBusy("dev-1", "t1")
			} else {
				err = r.UpdateStatus("dev-1", target)
			}

			if structs.CanTransition(current, target) {
				if err != nil {
					rt.Fatalf("%s -> %s rejected: %v", current, target, err)
				}
				current = target
			} else if err == nil {
				rt.Fatalf("%s -> %s accepted", current, target)
			}

			p, getErr := r.Get("dev-1")
			if getErr != nil {
				rt.Fatalf("get: %v", getErr)
			}
			if p.Status != current {
				rt.Fatalf("status %s, expected %s", p.Status, current)
			}
			if (p.CurrentTaskID != nil) != (current == structs.DeviceStatusBusy) {
				rt.Fatalf("task assignment out of sync in %s", current)
			}
			if p.ConnectionAttempts < 0 || p.ConnectionAttempts > p.MaxRetries {
				rt.Fatalf("attempts %d outside [0, %d]", p.ConnectionAttempts, p.MaxRetries)
			}
		}
	})
}
