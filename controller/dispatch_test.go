// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package controller

import (
	"testing"

	"github.com/hashicorp/go-set/v3"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/constellation/ci"
	"github.com/hashicorp/constellation/helper/testlog"
	"github.com/hashicorp/constellation/structs"
)

func idleTestDevice(t *testing.T, r *Registry, id string, capabilities ...string) {
	t.Helper()
	registerTestDevice(t, r, id, capabilities...)
	must.NoError(t, r.UpdateStatus(id, structs.DeviceStatusConnecting))
	must.NoError(t, r.UpdateStatus(id, structs.DeviceStatusConnected))
	must.NoError(t, r.UpdateStatus(id, structs.DeviceStatusRegistering))
	must.NoError(t, r.UpdateStatus(id, structs.DeviceStatusIdle))
}

func dispatchTask(id string, capabilities ...string) *structs.TaskStar {
	return &structs.TaskStar{
		TaskID:               id,
		Name:                 id,
		Priority:             structs.TaskPriorityMedium,
		MaxAttempts:          1,
		RequiredCapabilities: set.From(capabilities),
	}
}

func TestDispatcher_NoDevices(t *testing.T) {
	ci.Parallel(t)
	r := testRegistry(t)
	d := NewDispatcher(testlog.HCLogger(t), r)

	_, ok := d.Dispatch(dispatchTask("t1"), nil)
	must.False(t, ok)

	// a registered but disconnected device is not eligible
	registerTestDevice(t, r, "dev-1")
	_, ok = d.Dispatch(dispatchTask("t1"), nil)
	must.False(t, ok)
}

func TestDispatcher_CapabilityMatching(t *testing.T) {
	ci.Parallel(t)
	r := testRegistry(t)
	d := NewDispatcher(testlog.HCLogger(t), r)

	idleTestDevice(t, r, "dev-1", "camera")
	idleTestDevice(t, r, "dev-2", "camera", "gps")

	// only dev-2 covers both requirements
	deviceID, ok := d.Dispatch(dispatchTask("t1", "camera", "gps"), nil)
	must.True(t, ok)
	must.Eq(t, "dev-2", deviceID)

	p, _ := r.Get("dev-2")
	must.Eq(t, structs.DeviceStatusBusy, p.Status)
	must.Eq(t, "t1", *p.CurrentTaskID)

	// dev-2 is busy now, so a second gps task has nowhere to go
	_, ok = d.Dispatch(dispatchTask("t2", "gps"), nil)
	must.False(t, ok)

	// but a camera task still lands on dev-1
	deviceID, ok = d.Dispatch(dispatchTask("t3", "camera"), nil)
	must.True(t, ok)
	must.Eq(t, "dev-1", deviceID)
}

func TestDispatcher_BalancesByCompletions(t *testing.T) {
	ci.Parallel(t)
	r := testRegistry(t)
	d := NewDispatcher(testlog.HCLogger(t), r)

	idleTestDevice(t, r, "dev-1")
	idleTestDevice(t, r, "dev-2")

	// dev-1 has already done work in this constellation, so dev-2 wins
	deviceID, ok := d.Dispatch(dispatchTask("t1"), map[string]int{"dev-1": 3})
	must.True(t, ok)
	must.Eq(t, "dev-2", deviceID)
	must.NoError(t, r.SetIdle("dev-2"))

	// all even: lexicographic device ID breaks the tie
	deviceID, ok = d.Dispatch(dispatchTask("t2"), map[string]int{"dev-1": 1, "dev-2": 1})
	must.True(t, ok)
	must.Eq(t, "dev-1", deviceID)
}
