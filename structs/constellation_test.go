// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"testing"

	"github.com/hashicorp/go-set/v3"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/constellation/ci"
)

func testTask(id string) *TaskStar {
	return &TaskStar{
		TaskID:               id,
		Name:                 id,
		Priority:             TaskPriorityMedium,
		MaxAttempts:          1,
		Status:               TaskStatusWaitingDependency,
		RequiredCapabilities: set.New[string](0),
	}
}

func testConstellation(edges []*TaskStarLine, taskIDs ...string) *TaskConstellation {
	tasks := make(map[string]*TaskStar, len(taskIDs))
	for _, id := range taskIDs {
		tasks[id] = testTask(id)
	}
	return &TaskConstellation{
		ConstellationID: "c1",
		Name:            "test",
		Tasks:           tasks,
		Edges:           edges,
	}
}

func TestTaskConstellation_Validate(t *testing.T) {
	ci.Parallel(t)

	t.Run("diamond is valid", func(t *testing.T) {
		c := testConstellation([]*TaskStarLine{
			{FromTaskID: "a", ToTaskID: "b", Kind: LineSuccessOnly},
			{FromTaskID: "a", ToTaskID: "c", Kind: LineSuccessOnly},
			{FromTaskID: "b", ToTaskID: "d", Kind: LineUnconditional},
			{FromTaskID: "c", ToTaskID: "d", Kind: LineCompletionOnly},
		}, "a", "b", "c", "d")
		must.NoError(t, c.Validate())
	})

	t.Run("empty constellation is valid", func(t *testing.T) {
		c := testConstellation(nil)
		must.NoError(t, c.Validate())
	})

	t.Run("cycle is rejected", func(t *testing.T) {
		c := testConstellation([]*TaskStarLine{
			{FromTaskID: "a", ToTaskID: "b", Kind: LineSuccessOnly},
			{FromTaskID: "b", ToTaskID: "c", Kind: LineSuccessOnly},
			{FromTaskID: "c", ToTaskID: "a", Kind: LineSuccessOnly},
		}, "a", "b", "c")
		err := c.Validate()
		must.ErrorIs(t, err, ErrInvalidConstellation)
		must.ErrorContains(t, err, "cycle")
	})

	t.Run("self edge is rejected", func(t *testing.T) {
		c := testConstellation([]*TaskStarLine{
			{FromTaskID: "a", ToTaskID: "a", Kind: LineUnconditional},
		}, "a")
		must.ErrorIs(t, c.Validate(), ErrInvalidConstellation)
	})

	t.Run("dangling edge is rejected", func(t *testing.T) {
		c := testConstellation([]*TaskStarLine{
			{FromTaskID: "a", ToTaskID: "ghost", Kind: LineSuccessOnly},
		}, "a")
		err := c.Validate()
		must.ErrorIs(t, err, ErrInvalidConstellation)
		must.ErrorContains(t, err, "ghost")
	})

	t.Run("unknown edge kind is rejected", func(t *testing.T) {
		c := testConstellation([]*TaskStarLine{
			{FromTaskID: "a", ToTaskID: "b", Kind: LineKind("sometimes")},
		}, "a", "b")
		must.ErrorIs(t, c.Validate(), ErrInvalidConstellation)
	})

	t.Run("conditional edge requires a predicate", func(t *testing.T) {
		c := testConstellation([]*TaskStarLine{
			{FromTaskID: "a", ToTaskID: "b", Kind: LineConditional},
		}, "a", "b")
		err := c.Validate()
		must.ErrorIs(t, err, ErrInvalidConstellation)
		must.ErrorContains(t, err, "predicate")
	})

	t.Run("missing constellation ID is rejected", func(t *testing.T) {
		c := testConstellation(nil, "a")
		c.ConstellationID = ""
		must.ErrorIs(t, c.Validate(), ErrInvalidConstellation)
	})

	t.Run("task keyed under wrong ID is rejected", func(t *testing.T) {
		c := testConstellation(nil, "a")
		c.Tasks["b"] = testTask("not-b")
		must.ErrorIs(t, c.Validate(), ErrInvalidConstellation)
	})

	t.Run("non-positive max attempts is rejected", func(t *testing.T) {
		c := testConstellation(nil, "a")
		c.Tasks["a"].MaxAttempts = 0
		must.ErrorIs(t, c.Validate(), ErrInvalidConstellation)
	})

	t.Run("multiple problems are accumulated", func(t *testing.T) {
		c := testConstellation([]*TaskStarLine{
			{FromTaskID: "a", ToTaskID: "ghost", Kind: LineKind("sometimes")},
		}, "a")
		c.ConstellationID = ""
		err := c.Validate()
		must.ErrorIs(t, err, ErrInvalidConstellation)
		must.ErrorContains(t, err, "ghost")
		must.ErrorContains(t, err, "sometimes")
		must.ErrorContains(t, err, "missing constellation ID")
	})
}

func TestTaskConstellation_Lines(t *testing.T) {
	ci.Parallel(t)

	c := testConstellation([]*TaskStarLine{
		{FromTaskID: "a", ToTaskID: "b", Kind: LineSuccessOnly},
		{FromTaskID: "a", ToTaskID: "c", Kind: LineSuccessOnly},
		{FromTaskID: "b", ToTaskID: "c", Kind: LineUnconditional},
	}, "a", "b", "c")

	must.Len(t, 2, c.OutboundLines("a"))
	must.Len(t, 2, c.InboundLines("c"))
	must.Len(t, 0, c.InboundLines("a"))
	must.Len(t, 0, c.OutboundLines("c"))
}

func TestTaskConstellation_Copy(t *testing.T) {
	ci.Parallel(t)

	c := testConstellation([]*TaskStarLine{
		{FromTaskID: "a", ToTaskID: "b", Kind: LineSuccessOnly},
	}, "a", "b")
	c.Tasks["a"].RequiredCapabilities.Insert("camera")

	cp := c.Copy()
	cp.Tasks["a"].Status = TaskStatusCompleted
	cp.Tasks["a"].RequiredCapabilities.Insert("gps")
	cp.Edges[0].Kind = LineUnconditional

	must.Eq(t, TaskStatusWaitingDependency, c.Tasks["a"].Status)
	must.False(t, c.Tasks["a"].RequiredCapabilities.Contains("gps"))
	must.Eq(t, LineSuccessOnly, c.Edges[0].Kind)
}

func TestTaskStar_Retriable(t *testing.T) {
	ci.Parallel(t)

	task := testTask("a")

	// default classification
	must.True(t, task.Retriable(ErrKindDeviceLost))
	must.True(t, task.Retriable(ErrKindTaskTimeout))
	must.True(t, task.Retriable(ErrKindApplication))
	must.False(t, task.Retriable(ErrKindDeviceUnresponsive))
	must.False(t, task.Retriable(ErrKindUnschedulable))
	must.False(t, task.Retriable(ErrKindCancelled))

	// per-task policy overrides the default in both directions
	task.RetryPolicy = map[ErrorKind]bool{
		ErrKindApplication:        false,
		ErrKindDeviceUnresponsive: true,
	}
	must.False(t, task.Retriable(ErrKindApplication))
	must.True(t, task.Retriable(ErrKindDeviceUnresponsive))
	must.True(t, task.Retriable(ErrKindDeviceLost))
}

func TestConstellationState_Terminal(t *testing.T) {
	ci.Parallel(t)

	must.False(t, ConstellationStateCreated.Terminal())
	must.False(t, ConstellationStateReady.Terminal())
	must.False(t, ConstellationStateExecuting.Terminal())
	must.True(t, ConstellationStateCompleted.Terminal())
	must.True(t, ConstellationStateFailed.Terminal())
	must.True(t, ConstellationStatePartiallyFailed.Terminal())
}
