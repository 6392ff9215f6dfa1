// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package controller

import (
	"errors"
	"sort"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/hashicorp/constellation/structs"
)

// Dispatcher pairs a ready task with an idle device whose advertised
// capabilities cover the task's requirements. It holds no references to
// profiles or tasks; it re-queries the registry at each decision point and
// claims a device optimistically through SetBusy.
type Dispatcher struct {
	logger   hclog.Logger
	registry *Registry
}

func NewDispatcher(logger hclog.Logger, registry *Registry) *Dispatcher {
	return &Dispatcher{
		logger:   logger.Named("dispatcher"),
		registry: registry,
	}
}

// Dispatch selects a device for the task and marks it busy. completions
// maps device ID to the number of tasks that device has completed in the
// current constellation, used to balance load within a run; ties break on
// lexicographic device ID for determinism. Returns ok=false when no
// eligible device is idle right now.
func (d *Dispatcher) Dispatch(task *structs.TaskStar, completions map[string]int) (string, bool) {
	required := task.RequiredCapabilities.Slice()

	for {
		candidates := d.registry.List(&ListFilter{
			Statuses:        []structs.DeviceStatus{structs.DeviceStatusIdle},
			HasCapabilities: required,
		})
		if len(candidates) == 0 {
			metrics.IncrCounter([]string{"constellation", "dispatch", "no_device"}, 1)
			return "", false
		}

		sort.Slice(candidates, func(i, j int) bool {
			ci, cj := completions[candidates[i].DeviceID], completions[candidates[j].DeviceID]
			if ci != cj {
				return ci < cj
			}
			return candidates[i].DeviceID < candidates[j].DeviceID
		})

		// Claim optimistically: another task may have taken the device
		// between List and SetBusy, in which case selection restarts.
		chosen := candidates[0]
		err := d.registry.SetBusy(chosen.DeviceID, task.TaskID)
		if err == nil {
			metrics.IncrCounter([]string{"constellation", "dispatch", "placed"}, 1)
			d.logger.Debug("placed task", "task_id", task.TaskID, "device_id", chosen.DeviceID)
			return chosen.DeviceID, true
		}
		if errors.Is(err, structs.ErrNotIdle) {
			continue
		}

		d.logger.Warn("failed to claim device", "device_id", chosen.DeviceID, "error", err)
		return "", false
	}
}
