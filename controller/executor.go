// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/hashicorp/constellation/structs"
	"github.com/hashicorp/constellation/transport"
)

// taskResult is the internal envelope for a task outcome delivered to an
// execution. deviceLost marks synthetic results produced when a session is
// torn down with the task in flight; the device's state is settled by the
// connection actor in that case, not by the executor.
type taskResult struct {
	res        *transport.TaskResult
	deviceLost bool
}

// execution drives one constellation to a terminal state. It is the one
// logical actor for its constellation: the scheduling loop is event
// driven, waking on task results, device availability changes and a
// fallback poll tick.
type execution struct {
	srv    *Server
	logger hclog.Logger

	mu sync.Mutex
	c  *structs.TaskConstellation

	wakeCh   chan struct{}
	resultCh chan *taskResult
	cancelCh chan struct{}
	doneCh   chan struct{}

	cancelOnce sync.Once

	// paused stops dispatching new tasks; results are still accepted.
	paused bool

	// userCancel disables retries once the submitter has cancelled.
	userCancel bool

	// completions counts completed tasks per device within this
	// constellation, for dispatcher load balancing.
	completions map[string]int

	timeoutTimers map[string]*time.Timer
	graceTimers   map[string]*time.Timer

	// timedOut marks tasks whose cancel was triggered by the per-task
	// timeout, so the eventual cancelled result is reclassified.
	timedOut map[string]bool
}

func newExecution(srv *Server, c *structs.TaskConstellation) *execution {
	return &execution{
		srv:           srv,
		logger:        srv.logger.Named("executor").With("constellation_id", c.ConstellationID),
		c:             c,
		wakeCh:        make(chan struct{}, 1),
		resultCh:      make(chan *taskResult, 16),
		cancelCh:      make(chan struct{}),
		doneCh:        make(chan struct{}),
		completions:   make(map[string]int),
		timeoutTimers: make(map[string]*time.Timer),
		graceTimers:   make(map[string]*time.Timer),
		timedOut:      make(map[string]bool),
	}
}

// wake nudges the scheduling loop without blocking.
func (e *execution) wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

func (e *execution) deliver(tr *taskResult) {
	select {
	case e.resultCh <- tr:
	case <-e.doneCh:
	}
}

func (e *execution) requestCancel() {
	e.cancelOnce.Do(func() { close(e.cancelCh) })
}

func (e *execution) setPaused(paused bool) {
	e.mu.Lock()
	e.paused = paused
	e.mu.Unlock()
	e.wake()
}

// Snapshot returns a deep copy of the constellation for status queries.
func (e *execution) Snapshot() *structs.TaskConstellation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.c.Copy()
}

// run is the scheduling loop.
func (e *execution) run(ctx context.Context) {
	defer close(e.doneCh)
	defer e.stopTimers()

	e.begin()

	ticker := time.NewTicker(e.srv.config.DispatchReadyPollInterval)
	defer ticker.Stop()

	for {
		if finished := e.evaluate(ctx); finished {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-e.cancelCh:
			e.runCancel(ctx)
			return
		case tr := <-e.resultCh:
			e.handleResult(tr)
		case <-e.wakeCh:
		case <-ticker.C:
		}
	}
}

func (e *execution) begin() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.srv.config.Clock.Now().UTC()
	e.c.State = structs.ConstellationStateExecuting
	e.c.StartedAt = &now

	e.srv.broker.PublishEvents(structs.Event{
		Topic:   structs.TopicConstellation,
		Type:    structs.TypeConstellationStarted,
		Key:     e.c.ConstellationID,
		Payload: e.c.ConstellationID,
	})
	e.logger.Info("constellation execution started", "tasks", len(e.c.Tasks))
}

// evaluate runs one pass of the scheduling step: dependency propagation,
// dispatch of the ready set, and the termination check. Returns true when
// the constellation reached a terminal state.
func (e *execution) evaluate(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.propagateLocked()
	if !e.paused {
		e.dispatchReadyLocked(ctx)
	}
	return e.checkTerminationLocked()
}

// lineSatisfied evaluates one dependency edge against its predecessor's
// status. unsatisfiable means the edge can never be satisfied and the
// dependent must be cancelled.
func lineSatisfied(line *structs.TaskStarLine, pred *structs.TaskStar) (satisfied, unsatisfiable bool) {
	terminal := pred.Status.Terminal()

	switch line.Kind {
	case structs.LineUnconditional:
		return terminal, false

	case structs.LineSuccessOnly:
		switch pred.Status {
		case structs.TaskStatusCompleted:
			return true, false
		case structs.TaskStatusFailed, structs.TaskStatusCancelled:
			return false, true
		}
		return false, false

	case structs.LineCompletionOnly:
		switch pred.Status {
		case structs.TaskStatusCompleted, structs.TaskStatusFailed:
			return true, false
		case structs.TaskStatusCancelled:
			return false, true
		}
		return false, false

	case structs.LineConditional:
		if !terminal {
			return false, false
		}
		if line.Predicate != nil && line.Predicate(pred.Result) {
			return true, false
		}
		return false, true
	}
	return false, false
}

// propagateLocked re-evaluates waiting tasks until a fixpoint: tasks whose
// inbound edges are all satisfied become pending, and tasks with a
// permanently unsatisfiable edge are cancelled, cascading transitively.
func (e *execution) propagateLocked() {
	for changed := true; changed; {
		changed = false
		for _, t := range e.c.Tasks {
			if t.Status != structs.TaskStatusWaitingDependency {
				continue
			}

			allSatisfied := true
			dead := false
			for _, line := range e.c.InboundLines(t.TaskID) {
				pred, ok := e.c.Tasks[line.FromTaskID]
				if !ok {
					continue
				}
				satisfied, unsatisfiable := lineSatisfied(line, pred)
				if unsatisfiable {
					dead = true
					break
				}
				if !satisfied {
					allSatisfied = false
				}
			}

			switch {
			case dead:
				now := e.srv.config.Clock.Now().UTC()
				t.Error = &structs.TaskError{
					Kind:    structs.ErrKindCancelled,
					Message: "dependency can no longer be satisfied",
				}
				t.CompletedAt = &now
				e.setTaskStatusLocked(t, structs.TaskStatusCancelled)
				changed = true
			case allSatisfied:
				e.setTaskStatusLocked(t, structs.TaskStatusPending)
				changed = true
			}
		}
	}
}

// dispatchReadyLocked places every ready task it can. Ready tasks are
// ordered by priority descending, then task ID ascending so scheduling is
// deterministic. Tasks with no eligible device stay pending and are
// reconsidered when a device becomes idle or telemetry expands a
// capability set.
func (e *execution) dispatchReadyLocked(ctx context.Context) {
	var ready []*structs.TaskStar
	for _, t := range e.c.Tasks {
		if t.Status == structs.TaskStatusPending {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].TaskID < ready[j].TaskID
	})

	for _, t := range ready {
		if e.srv.config.FailUnschedulable && !e.srv.registry.CouldEverSatisfy(t.RequiredCapabilities) {
			now := e.srv.config.Clock.Now().UTC()
			t.Error = &structs.TaskError{
				Kind:    structs.ErrKindUnschedulable,
				Message: "no registered device advertises the required capabilities",
			}
			t.CompletedAt = &now
			e.setTaskStatusLocked(t, structs.TaskStatusFailed)
			continue
		}

		deviceID, ok := e.srv.dispatcher.Dispatch(t, e.completions)
		if !ok {
			continue
		}

		now := e.srv.config.Clock.Now().UTC()
		t.Attempts++
		t.AssignedDeviceID = deviceID
		t.StartedAt = &now
		e.setTaskStatusLocked(t, structs.TaskStatusRunning)
		e.srv.trackTask(t.TaskID, e)

		var raw json.RawMessage
		if t.Payload != nil {
			b, err := json.Marshal(t.Payload)
			if err != nil {
				e.logger.Error("unencodable task payload", "task_id", t.TaskID, "error", err)
				e.srv.untrackTask(t.TaskID)
				e.failRunningLocked(t, &structs.TaskError{
					Kind:    structs.ErrKindApplication,
					Message: "unencodable task payload: " + err.Error(),
				})
				continue
			}
			raw = b
		}

		err := e.srv.sendTask(ctx, deviceID, &transport.TaskDispatch{
			TaskID:               t.TaskID,
			Payload:              raw,
			Timeout:              t.Timeout,
			RequiredCapabilities: t.RequiredCapabilities.Slice(),
		})
		if err != nil {
			e.logger.Warn("task dispatch send failed", "task_id", t.TaskID,
				"device_id", deviceID, "error", err)
			e.srv.untrackTask(t.TaskID)
			// The connection actor settles the device; treat the task
			// as lost in flight.
			e.failRunningLocked(t, &structs.TaskError{
				Kind:    structs.ErrKindDeviceLost,
				Message: "dispatch send failed: " + err.Error(),
			})
			continue
		}

		metrics.IncrCounter([]string{"constellation", "executor", "dispatched"}, 1)
		e.srv.broker.PublishEvents(structs.Event{
			Topic: structs.TopicTask,
			Type:  structs.TypeTaskDispatched,
			Key:   t.TaskID,
			Payload: &structs.TaskStatusChange{
				ConstellationID: e.c.ConstellationID,
				TaskID:          t.TaskID,
				New:             structs.TaskStatusRunning,
			},
		})

		if t.Timeout > 0 {
			taskID := t.TaskID
			e.timeoutTimers[taskID] = time.AfterFunc(t.Timeout, func() {
				e.onTaskTimeout(taskID)
			})
		}
	}
}

// handleResult records a task outcome, releases the device, applies retry
// policy and republishes state.
func (e *execution) handleResult(tr *taskResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handleResultLocked(tr)
}

func (e *execution) handleResultLocked(tr *taskResult) {
	res := tr.res
	t, ok := e.c.Tasks[res.TaskID]
	if !ok || t.Status != structs.TaskStatusRunning {
		// Late or duplicate result, e.g. after a timeout already
		// settled the task.
		return
	}

	switch res.Status {
	case structs.TaskStatusCompleted, structs.TaskStatusFailed, structs.TaskStatusCancelled:
	default:
		// A result outside the terminal statuses is a protocol
		// violation and the device's view of the task is unknowable.
		// Settle the task and drop the session rather than leave the
		// task running forever on a device marked idle.
		e.invalidResultLocked(t, res)
		return
	}

	e.srv.untrackTask(res.TaskID)
	e.stopTaskTimers(res.TaskID)
	deviceID := t.AssignedDeviceID

	if !tr.deviceLost && deviceID != "" {
		if err := e.srv.registry.SetIdle(deviceID); err != nil {
			e.logger.Debug("could not release device", "device_id", deviceID, "error", err)
		}
		e.srv.wakeExecutions()
	}

	timedOut := e.timedOut[res.TaskID]
	delete(e.timedOut, res.TaskID)
	now := e.srv.config.Clock.Now().UTC()

	switch res.Status {
	case structs.TaskStatusCompleted:
		t.Result = decodeResult(res.Result)
		t.Error = nil
		t.CompletedAt = &now
		e.setTaskStatusLocked(t, structs.TaskStatusCompleted)
		e.completions[deviceID]++
		metrics.IncrCounter([]string{"constellation", "executor", "task_completed"}, 1)

	case structs.TaskStatusCancelled:
		if timedOut && !e.userCancel {
			// The cancel was issued by the per-task timeout; classify
			// accordingly so the retry policy applies.
			e.failRunningLocked(t, &structs.TaskError{
				Kind:    structs.ErrKindTaskTimeout,
				Message: "task exceeded its execution timeout",
			})
		} else {
			if t.Error == nil {
				t.Error = &structs.TaskError{Kind: structs.ErrKindCancelled, Message: "task cancelled"}
			}
			t.CompletedAt = &now
			e.setTaskStatusLocked(t, structs.TaskStatusCancelled)
		}

	case structs.TaskStatusFailed:
		terr := res.Error
		if terr == nil {
			terr = &structs.TaskError{Kind: structs.ErrKindApplication, Message: "task failed"}
		}
		e.failRunningLocked(t, terr)
	}

	e.srv.broker.PublishEvents(structs.Event{
		Topic:   structs.TopicTask,
		Type:    structs.TypeTaskResult,
		Key:     res.TaskID,
		Payload: t.Copy(),
	})
}

// invalidResultLocked settles a running task whose device reported a
// result with a status outside the terminal set. The task fails with a
// protocol error and the device's session is dropped so the connection
// actor re-establishes a known-good state.
func (e *execution) invalidResultLocked(t *structs.TaskStar, res *transport.TaskResult) {
	deviceID := t.AssignedDeviceID
	e.logger.Error("task result carries invalid status",
		"task_id", res.TaskID, "status", res.Status, "device_id", deviceID)
	metrics.IncrCounter([]string{"constellation", "executor", "invalid_result"}, 1)

	e.srv.untrackTask(res.TaskID)
	e.stopTaskTimers(res.TaskID)
	delete(e.timedOut, res.TaskID)

	e.failRunningLocked(t, &structs.TaskError{
		Kind:    structs.ErrKindProtocol,
		Message: fmt.Sprintf("device reported invalid task status %q", res.Status),
	})
	e.srv.broker.PublishEvents(structs.Event{
		Topic:   structs.TopicTask,
		Type:    structs.TypeTaskResult,
		Key:     res.TaskID,
		Payload: t.Copy(),
	})
	if deviceID != "" {
		e.srv.kickDevice(deviceID, "invalid task result status")
	}
}

// failRunningLocked applies the retry policy to a failed task: retriable
// failures with attempts remaining go back to pending (possibly landing on
// a different device); everything else is terminal.
func (e *execution) failRunningLocked(t *structs.TaskStar, terr *structs.TaskError) {
	t.Error = terr

	if !e.userCancel && t.Retriable(terr.Kind) && t.Attempts < t.MaxAttempts {
		e.logger.Info("retrying task", "task_id", t.TaskID, "kind", terr.Kind,
			"attempt", t.Attempts, "max_attempts", t.MaxAttempts)
		t.AssignedDeviceID = ""
		t.StartedAt = nil
		e.setTaskStatusLocked(t, structs.TaskStatusPending)
		return
	}

	now := e.srv.config.Clock.Now().UTC()
	t.CompletedAt = &now
	e.setTaskStatusLocked(t, structs.TaskStatusFailed)
	metrics.IncrCounter([]string{"constellation", "executor", "task_failed"}, 1)
}

// onTaskTimeout fires when a running task exceeds its execution timeout:
// send TASK_CANCEL and give the device the cancel grace period to answer.
func (e *execution) onTaskTimeout(taskID string) {
	e.mu.Lock()
	t, ok := e.c.Tasks[taskID]
	if !ok || t.Status != structs.TaskStatusRunning {
		e.mu.Unlock()
		return
	}
	e.timedOut[taskID] = true
	deviceID := t.AssignedDeviceID
	grace := e.srv.config.CancelGrace
	e.graceTimers[taskID] = time.AfterFunc(grace, func() {
		e.onCancelGraceExpired(taskID)
	})
	e.mu.Unlock()

	e.logger.Warn("task execution timeout, cancelling", "task_id", taskID, "device_id", deviceID)
	metrics.IncrCounter([]string{"constellation", "executor", "task_timeout"}, 1)
	_ = e.srv.sendCancel(context.Background(), deviceID, taskID)
}

// onCancelGraceExpired fires when a cancelled task's result did not arrive
// within the grace period: the task fails as unresponsive and the device's
// session is dropped.
func (e *execution) onCancelGraceExpired(taskID string) {
	e.mu.Lock()
	t, ok := e.c.Tasks[taskID]
	if !ok || t.Status != structs.TaskStatusRunning {
		e.mu.Unlock()
		return
	}
	deviceID := t.AssignedDeviceID
	e.srv.untrackTask(taskID)
	delete(e.timedOut, taskID)

	now := e.srv.config.Clock.Now().UTC()
	t.Error = &structs.TaskError{
		Kind:    structs.ErrKindDeviceUnresponsive,
		Message: "cancel not acknowledged within grace period",
	}
	t.CompletedAt = &now
	e.setTaskStatusLocked(t, structs.TaskStatusFailed)
	e.mu.Unlock()

	e.logger.Error("device unresponsive to cancel, dropping session",
		"task_id", taskID, "device_id", deviceID)
	e.srv.kickDevice(deviceID, "cancel not acknowledged")
	e.wake()
}

// runCancel implements user initiated cancellation: every non-terminal
// task is cancelled, running ones get TASK_CANCEL and a bounded wait for
// their result, and the constellation finishes failed.
func (e *execution) runCancel(ctx context.Context) {
	e.mu.Lock()
	e.userCancel = true

	waiting := make(map[string]string)
	now := e.srv.config.Clock.Now().UTC()
	for _, t := range e.c.Tasks {
		switch t.Status {
		case structs.TaskStatusPending, structs.TaskStatusWaitingDependency:
			t.Error = &structs.TaskError{Kind: structs.ErrKindCancelled, Message: "cancelled by user"}
			t.CompletedAt = &now
			e.setTaskStatusLocked(t, structs.TaskStatusCancelled)
		case structs.TaskStatusRunning:
			waiting[t.TaskID] = t.AssignedDeviceID
		}
	}
	e.mu.Unlock()

	for taskID, deviceID := range waiting {
		if err := e.srv.sendCancel(ctx, deviceID, taskID); err != nil {
			e.logger.Debug("sending cancel failed", "task_id", taskID, "error", err)
		}
	}

	deadline := time.After(e.srv.config.CancelGrace)
	for len(waiting) > 0 {
		select {
		case tr := <-e.resultCh:
			e.handleResult(tr)
			delete(waiting, tr.res.TaskID)

		case <-deadline:
			for taskID, deviceID := range waiting {
				e.mu.Lock()
				if t, ok := e.c.Tasks[taskID]; ok && t.Status == structs.TaskStatusRunning {
					e.srv.untrackTask(taskID)
					at := e.srv.config.Clock.Now().UTC()
					t.Error = &structs.TaskError{
						Kind:    structs.ErrKindDeviceUnresponsive,
						Message: "cancel not acknowledged within grace period",
					}
					t.CompletedAt = &at
					e.setTaskStatusLocked(t, structs.TaskStatusFailed)
				}
				e.mu.Unlock()
				e.srv.kickDevice(deviceID, "cancel not acknowledged")
			}
			waiting = nil

		case <-ctx.Done():
			waiting = nil
		}
	}

	e.mu.Lock()
	e.finishLocked(structs.ConstellationStateFailed, "cancelled_by_user")
	e.mu.Unlock()
}

// checkTerminationLocked finishes the constellation once no task can make
// further progress.
func (e *execution) checkTerminationLocked() bool {
	if e.c.State.Terminal() {
		return true
	}

	hasCompleted := false
	hasFailedOrCancelled := false
	for _, t := range e.c.Tasks {
		switch t.Status {
		case structs.TaskStatusPending, structs.TaskStatusWaitingDependency, structs.TaskStatusRunning:
			return false
		case structs.TaskStatusCompleted:
			hasCompleted = true
		case structs.TaskStatusFailed, structs.TaskStatusCancelled:
			hasFailedOrCancelled = true
		}
	}

	var state structs.ConstellationState
	switch {
	case !hasFailedOrCancelled:
		// Includes the empty constellation.
		state = structs.ConstellationStateCompleted
	case hasCompleted:
		state = structs.ConstellationStatePartiallyFailed
	default:
		state = structs.ConstellationStateFailed
	}
	e.finishLocked(state, "")
	return true
}

// finishLocked freezes the constellation in a terminal state exactly once.
func (e *execution) finishLocked(state structs.ConstellationState, reason string) {
	if e.c.State.Terminal() {
		return
	}
	now := e.srv.config.Clock.Now().UTC()
	e.c.State = state
	e.c.CompletedAt = &now

	e.srv.broker.PublishEvents(structs.Event{
		Topic: structs.TopicConstellation,
		Type:  structs.TypeConstellationFinished,
		Key:   e.c.ConstellationID,
		Payload: &structs.ConstellationFinish{
			ConstellationID: e.c.ConstellationID,
			State:           state,
		},
	})
	e.logger.Info("constellation finished", "state", state, "reason", reason)
	metrics.IncrCounter([]string{"constellation", "executor", "finished"}, 1)

	e.srv.retireExecution(e.c.ConstellationID, e.c.Copy())
}

func (e *execution) setTaskStatusLocked(t *structs.TaskStar, to structs.TaskStatus) {
	from := t.Status
	if from == to {
		return
	}
	t.Status = to

	e.srv.broker.PublishEvents(structs.Event{
		Topic: structs.TopicTask,
		Type:  structs.TypeTaskStatusChanged,
		Key:   t.TaskID,
		Payload: &structs.TaskStatusChange{
			ConstellationID: e.c.ConstellationID,
			TaskID:          t.TaskID,
			Old:             from,
			New:             to,
		},
	})
	e.logger.Debug("task status changed", "task_id", t.TaskID, "from", from, "to", to)
}

func (e *execution) stopTaskTimers(taskID string) {
	if timer, ok := e.timeoutTimers[taskID]; ok {
		timer.Stop()
		delete(e.timeoutTimers, taskID)
	}
	if timer, ok := e.graceTimers[taskID]; ok {
		timer.Stop()
		delete(e.graceTimers, taskID)
	}
}

func (e *execution) stopTimers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.timeoutTimers {
		e.timeoutTimers[id].Stop()
		delete(e.timeoutTimers, id)
	}
	for id := range e.graceTimers {
		e.graceTimers[id].Stop()
		delete(e.graceTimers, id)
	}
}

// decodeResult keeps results opaque: valid JSON decodes to its natural Go
// shape, anything else is preserved raw.
func decodeResult(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	return v
}
