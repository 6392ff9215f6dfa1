// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"errors"
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-set/v3"
)

// TaskPriority orders tasks within a ready set. Higher values dispatch
// first.
type TaskPriority int

const (
	TaskPriorityLow      TaskPriority = 10
	TaskPriorityMedium   TaskPriority = 50
	TaskPriorityHigh     TaskPriority = 70
	TaskPriorityCritical TaskPriority = 90
)

// DefaultTaskMaxAttempts is applied to tasks submitted without an explicit
// attempt limit.
const DefaultTaskMaxAttempts = 3

// TaskStatus is the lifecycle state of a single task.
type TaskStatus string

const (
	TaskStatusPending           TaskStatus = "pending"
	TaskStatusWaitingDependency TaskStatus = "waiting_dependency"
	TaskStatusRunning           TaskStatus = "running"
	TaskStatusCompleted         TaskStatus = "completed"
	TaskStatusFailed            TaskStatus = "failed"
	TaskStatusCancelled         TaskStatus = "cancelled"
)

// Terminal returns whether the task status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// LineKind is the dependency semantics of an edge between two tasks.
type LineKind string

const (
	// LineUnconditional is satisfied once the predecessor reaches any
	// terminal state.
	LineUnconditional LineKind = "unconditional"

	// LineSuccessOnly is satisfied only by a completed predecessor. A
	// failed or cancelled predecessor makes it permanently
	// unsatisfiable and cascades cancellation.
	LineSuccessOnly LineKind = "success_only"

	// LineCompletionOnly is satisfied by a completed or failed
	// predecessor, but not a cancelled one.
	LineCompletionOnly LineKind = "completion_only"

	// LineConditional is satisfied when the predecessor is terminal and
	// the edge predicate accepts its result.
	LineConditional LineKind = "conditional"
)

// TaskStarLine is a directed dependency edge between two tasks of a
// constellation.
type TaskStarLine struct {
	FromTaskID string   `json:"from_task_id"`
	ToTaskID   string   `json:"to_task_id"`
	Kind       LineKind `json:"kind"`

	// Predicate gates LineConditional edges on the predecessor's result.
	// Ignored for other kinds.
	Predicate func(result any) bool `json:"-"`
}

// TaskStar is a single task node within a constellation.
type TaskStar struct {
	TaskID      string       `json:"task_id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Priority    TaskPriority `json:"priority"`

	// RequiredCapabilities must be a subset of the chosen device's
	// advertised capabilities.
	RequiredCapabilities *set.Set[string] `json:"-"`

	// Payload is passed opaquely to the device.
	Payload any `json:"payload,omitempty"`

	// Timeout bounds task execution; zero means unbounded.
	Timeout time.Duration `json:"timeout,omitempty"`

	Status           TaskStatus `json:"status"`
	AssignedDeviceID string     `json:"assigned_device_id,omitempty"`
	Result           any        `json:"result,omitempty"`
	Error            *TaskError `json:"error,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`

	// Attempts counts dispatches so far; MaxAttempts bounds retries of
	// retriable failures.
	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	// RetryPolicy overrides the default retriable classification per
	// error kind when set.
	RetryPolicy map[ErrorKind]bool `json:"-"`
}

// Retriable reports whether a failure of the given kind may be retried on
// this task, consulting the per-task policy before the default classifier.
func (t *TaskStar) Retriable(kind ErrorKind) bool {
	if t.RetryPolicy != nil {
		if allow, ok := t.RetryPolicy[kind]; ok {
			return allow
		}
	}
	return kind.Retriable()
}

func (t *TaskStar) Copy() *TaskStar {
	if t == nil {
		return nil
	}
	nt := new(TaskStar)
	*nt = *t
	nt.RequiredCapabilities = t.RequiredCapabilities.Copy()
	nt.Error = t.Error.Copy()
	if t.StartedAt != nil {
		at := *t.StartedAt
		nt.StartedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		nt.CompletedAt = &at
	}
	if t.RetryPolicy != nil {
		nt.RetryPolicy = make(map[ErrorKind]bool, len(t.RetryPolicy))
		for k, v := range t.RetryPolicy {
			nt.RetryPolicy[k] = v
		}
	}
	return nt
}

// ConstellationState is the lifecycle state of a submitted constellation.
type ConstellationState string

const (
	ConstellationStateCreated         ConstellationState = "created"
	ConstellationStateReady           ConstellationState = "ready"
	ConstellationStateExecuting       ConstellationState = "executing"
	ConstellationStateCompleted       ConstellationState = "completed"
	ConstellationStateFailed          ConstellationState = "failed"
	ConstellationStatePartiallyFailed ConstellationState = "partially_failed"
)

// Terminal returns whether the constellation state is final.
func (s ConstellationState) Terminal() bool {
	switch s {
	case ConstellationStateCompleted, ConstellationStateFailed, ConstellationStatePartiallyFailed:
		return true
	default:
		return false
	}
}

// TaskConstellation is a DAG of tasks submitted as one unit of work. The
// executor exclusively owns a constellation while it is executing; API
// callers only ever see copies.
type TaskConstellation struct {
	ConstellationID string                `json:"constellation_id"`
	Name            string                `json:"name"`
	Tasks           map[string]*TaskStar  `json:"tasks"`
	Edges           []*TaskStarLine       `json:"edges"`
	State           ConstellationState    `json:"state"`
	CreatedAt       time.Time             `json:"created_at"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
}

func (c *TaskConstellation) Copy() *TaskConstellation {
	if c == nil {
		return nil
	}
	nc := new(TaskConstellation)
	*nc = *c
	nc.Tasks = make(map[string]*TaskStar, len(c.Tasks))
	for id, t := range c.Tasks {
		nc.Tasks[id] = t.Copy()
	}
	nc.Edges = make([]*TaskStarLine, len(c.Edges))
	for i, e := range c.Edges {
		ne := *e
		nc.Edges[i] = &ne
	}
	if c.StartedAt != nil {
		at := *c.StartedAt
		nc.StartedAt = &at
	}
	if c.CompletedAt != nil {
		at := *c.CompletedAt
		nc.CompletedAt = &at
	}
	return nc
}

// InboundLines returns the dependency edges terminating at the given task.
func (c *TaskConstellation) InboundLines(taskID string) []*TaskStarLine {
	var lines []*TaskStarLine
	for _, e := range c.Edges {
		if e.ToTaskID == taskID {
			lines = append(lines, e)
		}
	}
	return lines
}

// OutboundLines returns the dependency edges originating at the given task.
func (c *TaskConstellation) OutboundLines(taskID string) []*TaskStarLine {
	var lines []*TaskStarLine
	for _, e := range c.Edges {
		if e.FromTaskID == taskID {
			lines = append(lines, e)
		}
	}
	return lines
}

// Validate checks a constellation at submission time: every edge endpoint
// must exist, task IDs and the constellation ID must be non-empty, edge
// kinds must be known, conditional edges must carry a predicate, and the
// edge induced graph must be acyclic. Failures are accumulated and wrapped
// with ErrInvalidConstellation; a rejected submission has no side effects.
func (c *TaskConstellation) Validate() error {
	var mErr multierror.Error

	if c.ConstellationID == "" {
		mErr.Errors = append(mErr.Errors, errors.New("missing constellation ID"))
	}
	for id, task := range c.Tasks {
		if id == "" || task.TaskID == "" {
			mErr.Errors = append(mErr.Errors, errors.New("task with empty ID"))
			continue
		}
		if id != task.TaskID {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("task %q keyed under %q", task.TaskID, id))
		}
		if task.MaxAttempts < 1 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("task %q max attempts must be positive", id))
		}
	}

	for _, e := range c.Edges {
		if _, ok := c.Tasks[e.FromTaskID]; !ok {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("edge references unknown task %q", e.FromTaskID))
		}
		if _, ok := c.Tasks[e.ToTaskID]; !ok {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("edge references unknown task %q", e.ToTaskID))
		}
		switch e.Kind {
		case LineUnconditional, LineSuccessOnly, LineCompletionOnly:
		case LineConditional:
			if e.Predicate == nil {
				mErr.Errors = append(mErr.Errors, fmt.Errorf("conditional edge %s->%s missing predicate", e.FromTaskID, e.ToTaskID))
			}
		default:
			mErr.Errors = append(mErr.Errors, fmt.Errorf("edge %s->%s has unknown kind %q", e.FromTaskID, e.ToTaskID, e.Kind))
		}
	}

	if len(mErr.Errors) == 0 {
		if err := c.checkAcyclic(); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}

	if err := mErr.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConstellation, err)
	}
	return nil
}

// checkAcyclic runs Kahn's algorithm over the edge induced graph.
func (c *TaskConstellation) checkAcyclic() error {
	inDegree := make(map[string]int, len(c.Tasks))
	for id := range c.Tasks {
		inDegree[id] = 0
	}
	for _, e := range c.Edges {
		inDegree[e.ToTaskID]++
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, e := range c.Edges {
			if e.FromTaskID != id {
				continue
			}
			inDegree[e.ToTaskID]--
			if inDegree[e.ToTaskID] == 0 {
				queue = append(queue, e.ToTaskID)
			}
		}
	}

	if visited != len(c.Tasks) {
		return errors.New("dependency graph contains a cycle")
	}
	return nil
}
