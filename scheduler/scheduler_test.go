// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package scheduler

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duxnet/duxnetd/events"
	"github.com/duxnet/duxnetd/ids"
	"github.com/duxnet/duxnetd/utils/logging"
	"github.com/duxnet/duxnetd/utils/set"
)

type fakeNodeSource struct {
	nodes []NodeInfo
}

func (f *fakeNodeSource) SchedulableNodes() []NodeInfo {
	return f.nodes
}

type dispatchRecorder struct {
	mu     sync.Mutex
	calls  []Assignment
	killed []ids.TaskID
}

func (r *dispatchRecorder) dispatch(task *Task, nodeID ids.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Assignment{TaskID: task.ID, NodeID: nodeID})
}

func (r *dispatchRecorder) kill(taskID ids.TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killed = append(r.killed, taskID)
}

func (r *dispatchRecorder) assignments() []Assignment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Assignment(nil), r.calls...)
}

type schedulerFixture struct {
	scheduler *Scheduler
	nodes     *fakeNodeSource
	recorder  *dispatchRecorder
}

func newSchedulerFixture(t *testing.T, config Config) *schedulerFixture {
	nodes := &fakeNodeSource{}
	recorder := &dispatchRecorder{}
	s := New(
		config, logging.NoLog{}, events.NewBus(logging.NoLog{}),
		nodes, recorder.dispatch, recorder.kill, nil,
	)
	return &schedulerFixture{scheduler: s, nodes: nodes, recorder: recorder}
}

func node(nodeID ids.NodeID, services ...string) NodeInfo {
	return NodeInfo{
		NodeID:     nodeID,
		CPUCores:   4,
		MemoryMB:   4096,
		Services:   set.Of(services...),
		Reputation: 50,
	}
}

func testTask(service string, priority int) *Task {
	return &Task{
		ServiceName:    service,
		TaskType:       "python",
		Code:           "print(1)",
		CPUCores:       1,
		MemoryMB:       MinMemoryMB,
		TimeoutSeconds: MinTimeoutSec,
		Priority:       priority,
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newSchedulerFixture(t, Config{})

	tests := []struct {
		name   string
		mutate func(*Task)
	}{
		{"no service", func(task *Task) { task.ServiceName = "" }},
		{"no code", func(task *Task) { task.Code = "" }},
		{"zero cpu", func(task *Task) { task.CPUCores = 0 }},
		{"memory too low", func(task *Task) { task.MemoryMB = MinMemoryMB - 1 }},
		{"memory too high", func(task *Task) { task.MemoryMB = MaxMemoryMB + 1 }},
		{"timeout too low", func(task *Task) { task.TimeoutSeconds = MinTimeoutSec - 1 }},
		{"timeout too high", func(task *Task) { task.TimeoutSeconds = MaxTimeoutSec + 1 }},
		{"priority too low", func(task *Task) { task.Priority = 0 }},
		{"priority too high", func(task *Task) { task.Priority = MaxPriority + 1 }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)

			task := testTask("svc", 3)
			test.mutate(task)
			_, err := f.scheduler.Submit(task)
			require.Error(err)
		})
	}
}

func TestSubmitAndAssign(t *testing.T) {
	require := require.New(t)
	f := newSchedulerFixture(t, Config{})
	f.nodes.nodes = []NodeInfo{node("node-a", "svc")}

	taskID, err := f.scheduler.Submit(testTask("svc", 3))
	require.NoError(err)
	require.Equal(1, f.scheduler.Pending())

	f.scheduler.Tick()

	got, err := f.scheduler.Get(taskID)
	require.NoError(err)
	require.Equal(StatusAssigned, got.Status)
	require.Equal(ids.NodeID("node-a"), got.AssignedNode)
	require.Zero(f.scheduler.Pending())

	calls := f.recorder.assignments()
	require.Len(calls, 1)
	require.Equal(taskID, calls[0].TaskID)
}

func TestPriorityOrder(t *testing.T) {
	require := require.New(t)
	f := newSchedulerFixture(t, Config{})
	f.nodes.nodes = []NodeInfo{node("node-a", "svc")}

	low, err := f.scheduler.Submit(testTask("svc", 1))
	require.NoError(err)
	high, err := f.scheduler.Submit(testTask("svc", 5))
	require.NoError(err)
	mid, err := f.scheduler.Submit(testTask("svc", 3))
	require.NoError(err)

	f.scheduler.Tick()

	calls := f.recorder.assignments()
	require.Len(calls, 3)
	require.Equal(high, calls[0].TaskID)
	require.Equal(mid, calls[1].TaskID)
	require.Equal(low, calls[2].TaskID)
}

func TestFIFOWithinPriority(t *testing.T) {
	require := require.New(t)
	f := newSchedulerFixture(t, Config{})
	f.nodes.nodes = []NodeInfo{node("node-a", "svc")}

	first, err := f.scheduler.Submit(testTask("svc", 3))
	require.NoError(err)
	second, err := f.scheduler.Submit(testTask("svc", 3))
	require.NoError(err)

	f.scheduler.Tick()

	calls := f.recorder.assignments()
	require.Equal(first, calls[0].TaskID)
	require.Equal(second, calls[1].TaskID)
}

func TestServiceFilter(t *testing.T) {
	require := require.New(t)
	f := newSchedulerFixture(t, Config{MaxRetries: 5})
	f.nodes.nodes = []NodeInfo{
		node("node-img", "image_processing_v1"),
		node("node-ml", "ml_inference"),
	}

	taskID, err := f.scheduler.Submit(testTask("ml_inference", 3))
	require.NoError(err)
	f.scheduler.Tick()

	got, err := f.scheduler.Get(taskID)
	require.NoError(err)
	require.Equal(ids.NodeID("node-ml"), got.AssignedNode)
}

func TestResourceFilter(t *testing.T) {
	require := require.New(t)
	f := newSchedulerFixture(t, Config{MaxRetries: 5})
	small := node("node-small", "svc")
	small.MemoryMB = 256
	big := node("node-big", "svc")
	big.MemoryMB = 8192
	f.nodes.nodes = []NodeInfo{small, big}

	task := testTask("svc", 3)
	task.MemoryMB = 1024
	taskID, err := f.scheduler.Submit(task)
	require.NoError(err)
	f.scheduler.Tick()

	got, err := f.scheduler.Get(taskID)
	require.NoError(err)
	require.Equal(ids.NodeID("node-big"), got.AssignedNode)
}

func TestScorePrefersTrackRecord(t *testing.T) {
	require := require.New(t)
	f := newSchedulerFixture(t, Config{})

	weak := node("node-weak", "svc")
	weak.SuccessRate = 0.1
	weak.Reputation = 10
	strong := node("node-strong", "svc")
	strong.SuccessRate = 1.0
	strong.Reputation = 95
	f.nodes.nodes = []NodeInfo{weak, strong}

	taskID, err := f.scheduler.Submit(testTask("svc", 3))
	require.NoError(err)
	f.scheduler.Tick()

	got, err := f.scheduler.Get(taskID)
	require.NoError(err)
	require.Equal(ids.NodeID("node-strong"), got.AssignedNode)
}

func TestNoNodeRetriesThenFails(t *testing.T) {
	require := require.New(t)
	f := newSchedulerFixture(t, Config{MaxRetries: 3})

	taskID, err := f.scheduler.Submit(testTask("svc", 3))
	require.NoError(err)

	// No candidates at all: two requeues, then the third tick fails it.
	f.scheduler.Tick()
	f.scheduler.Tick()
	got, err := f.scheduler.Get(taskID)
	require.NoError(err)
	require.Equal(StatusPending, got.Status)
	require.Equal(2, got.RetryCount)

	f.scheduler.Tick()
	got, err = f.scheduler.Get(taskID)
	require.NoError(err)
	require.Equal(StatusFailed, got.Status)
	require.Equal("no-node", got.FailureReason)
	require.Zero(f.scheduler.Pending())
}

func TestMaxTasksPerNode(t *testing.T) {
	require := require.New(t)
	f := newSchedulerFixture(t, Config{MaxTasksPerNode: 2, MaxRetries: 5})
	f.nodes.nodes = []NodeInfo{node("node-a", "svc")}

	var taskIDs []ids.TaskID
	for i := 0; i < 3; i++ {
		taskID, err := f.scheduler.Submit(testTask("svc", 3))
		require.NoError(err)
		taskIDs = append(taskIDs, taskID)
	}

	f.scheduler.Tick()
	require.Len(f.recorder.assignments(), 2)
	require.Equal(1, f.scheduler.Pending())

	// Completing one task frees a slot for the third.
	require.NoError(f.scheduler.Complete(taskIDs[0], StatusCompleted, ""))
	f.scheduler.Tick()
	require.Len(f.recorder.assignments(), 3)
}

func TestCancelPending(t *testing.T) {
	require := require.New(t)
	f := newSchedulerFixture(t, Config{})
	f.nodes.nodes = []NodeInfo{node("node-a", "svc")}

	taskID, err := f.scheduler.Submit(testTask("svc", 3))
	require.NoError(err)
	require.NoError(f.scheduler.Cancel(taskID))

	got, err := f.scheduler.Get(taskID)
	require.NoError(err)
	require.Equal(StatusCancelled, got.Status)
	require.Zero(f.scheduler.Pending())
	require.Empty(f.recorder.killed)

	// A cancelled task never dispatches.
	f.scheduler.Tick()
	require.Empty(f.recorder.assignments())

	require.ErrorIs(f.scheduler.Cancel(taskID), ErrTaskTerminal)
	require.ErrorIs(f.scheduler.Cancel("missing"), ErrTaskNotFound)
}

func TestCancelRunningKills(t *testing.T) {
	require := require.New(t)
	f := newSchedulerFixture(t, Config{})
	f.nodes.nodes = []NodeInfo{node("node-a", "svc")}

	taskID, err := f.scheduler.Submit(testTask("svc", 3))
	require.NoError(err)
	f.scheduler.Tick()
	require.NoError(f.scheduler.MarkRunning(taskID))

	require.NoError(f.scheduler.Cancel(taskID))
	require.Equal([]ids.TaskID{taskID}, f.recorder.killed)

	// The slot came back.
	another, err := f.scheduler.Submit(testTask("svc", 3))
	require.NoError(err)
	f.scheduler.Tick()
	got, err := f.scheduler.Get(another)
	require.NoError(err)
	require.Equal(StatusAssigned, got.Status)
}

func TestMarkRunningRequiresAssigned(t *testing.T) {
	require := require.New(t)
	f := newSchedulerFixture(t, Config{})

	taskID, err := f.scheduler.Submit(testTask("svc", 3))
	require.NoError(err)
	require.Error(f.scheduler.MarkRunning(taskID))
	require.ErrorIs(f.scheduler.MarkRunning("missing"), ErrTaskNotFound)
}

func TestComplete(t *testing.T) {
	require := require.New(t)
	f := newSchedulerFixture(t, Config{})
	f.nodes.nodes = []NodeInfo{node("node-a", "svc")}

	taskID, err := f.scheduler.Submit(testTask("svc", 3))
	require.NoError(err)
	f.scheduler.Tick()

	require.Error(f.scheduler.Complete(taskID, StatusRunning, "")) // not terminal
	require.NoError(f.scheduler.Complete(taskID, StatusTimeout, "wall clock exceeded"))

	got, err := f.scheduler.Get(taskID)
	require.NoError(err)
	require.Equal(StatusTimeout, got.Status)
	require.Equal("wall clock exceeded", got.FailureReason)

	require.ErrorIs(f.scheduler.Complete(taskID, StatusCompleted, ""), ErrTaskTerminal)
}
