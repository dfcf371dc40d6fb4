// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package scheduler owns the task lifecycle: five priority queues, node
// scoring, assignment, retry, and cancellation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/duxnet/duxnetd/errs"
	"github.com/duxnet/duxnetd/events"
	"github.com/duxnet/duxnetd/ids"
	"github.com/duxnet/duxnetd/utils/logging"
	"github.com/duxnet/duxnetd/utils/set"
	"github.com/duxnet/duxnetd/utils/timer/mockable"
)

const (
	DefaultTickInterval    = 5 * time.Second
	DefaultMaxTasksPerNode = 10

	noNodeReason = "no-node"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskTerminal = errors.New("task already terminal")
)

// NodeInfo is the scheduler's runtime view of one schedulable node, derived
// from the registry row and execution history.
type NodeInfo struct {
	NodeID              ids.NodeID
	CPUCores            int
	MemoryMB            int
	GPU                 bool
	Services            set.Set[string]
	Reputation          int
	SuccessRate         float64 // in [0,1]
	AvgExecutionSeconds float64
}

// NodeSource supplies candidate nodes at each tick.
type NodeSource interface {
	SchedulableNodes() []NodeInfo
}

// Dispatch hands an assigned task to its executor. Called outside the
// scheduler lock.
type Dispatch func(task *Task, nodeID ids.NodeID)

// Killer asks the executor to stop a running task.
type Killer func(taskID ids.TaskID)

// Config for the scheduler.
type Config struct {
	TickInterval    time.Duration
	MaxTasksPerNode int
	MaxRetries      int
}

// Scheduler matches pending tasks to nodes. All queue and lifecycle state
// is guarded by one lock; dispatch and kill callbacks run outside it.
type Scheduler struct {
	log      logging.Logger
	clock    mockable.Clock
	bus      *events.Bus
	nodes    NodeSource
	dispatch Dispatch
	kill     Killer
	metrics  *metrics

	tickInterval time.Duration
	maxPerNode   int
	maxRetries   int

	lock        sync.Mutex
	rng         *rand.Rand
	queues      *priorityQueues
	tasks       map[ids.TaskID]*Task
	assignments map[ids.NodeID]set.Set[ids.TaskID]
}

func New(
	config Config,
	log logging.Logger,
	bus *events.Bus,
	nodes NodeSource,
	dispatch Dispatch,
	kill Killer,
	m *metrics,
) *Scheduler {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.MaxTasksPerNode <= 0 {
		config.MaxTasksPerNode = DefaultMaxTasksPerNode
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	return &Scheduler{
		log:          log,
		bus:          bus,
		nodes:        nodes,
		dispatch:     dispatch,
		kill:         kill,
		metrics:      m,
		tickInterval: config.TickInterval,
		maxPerNode:   config.MaxTasksPerNode,
		maxRetries:   config.MaxRetries,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		queues:       newPriorityQueues(),
		tasks:        make(map[ids.TaskID]*Task),
		assignments:  make(map[ids.NodeID]set.Set[ids.TaskID]),
	}
}

// Submit validates [task] and queues it at its priority. The returned ID is
// the cancellation handle.
func (s *Scheduler) Submit(task *Task) (ids.TaskID, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if task.ID == "" {
		task.ID = ids.GenerateTaskID()
	}
	if _, exists := s.tasks[task.ID]; exists {
		return "", errs.WithField(errs.State, "task_id",
			fmt.Errorf("task %s already submitted", task.ID))
	}
	task.Status = StatusPending
	task.CreatedAt = s.clock.Time()
	s.tasks[task.ID] = task
	s.queues.push(task)
	s.metrics.queued(task.Priority, s.queues.lenAt(task.Priority))

	s.log.Debug("task queued",
		zap.String("taskID", string(task.ID)),
		zap.String("service", task.ServiceName),
		zap.Int("priority", task.Priority),
	)
	return task.ID, nil
}

// Get returns a copy of the task row.
func (s *Scheduler) Get(taskID ids.TaskID) (*Task, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, errs.WithField(errs.State, "task_id", fmt.Errorf("%w: %s", ErrTaskNotFound, taskID))
	}
	cloned := *task
	return &cloned, nil
}

// Pending reports the number of queued tasks.
func (s *Scheduler) Pending() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.queues.len()
}

// Cancel removes a pending task from its queue or, for an assigned or
// running task, breaks the assignment and asks the executor to kill it.
func (s *Scheduler) Cancel(taskID ids.TaskID) error {
	s.lock.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.lock.Unlock()
		return errs.WithField(errs.State, "task_id", fmt.Errorf("%w: %s", ErrTaskNotFound, taskID))
	}
	if task.Status.Terminal() {
		s.lock.Unlock()
		return errs.WithField(errs.State, "status",
			fmt.Errorf("%w: %s is %s", ErrTaskTerminal, taskID, task.Status))
	}

	wasRunning := false
	switch task.Status {
	case StatusPending:
		s.queues.remove(taskID, task.Priority)
		s.metrics.queued(task.Priority, s.queues.lenAt(task.Priority))
	case StatusAssigned, StatusRunning:
		s.releaseLocked(task)
		wasRunning = true
	}
	task.Status = StatusCancelled
	s.metrics.finished(StatusCancelled)
	s.lock.Unlock()

	if wasRunning && s.kill != nil {
		s.kill(taskID)
	}
	s.log.Info("task cancelled", zap.String("taskID", string(taskID)))
	return nil
}

// MarkRunning moves an assigned task to running once its sandbox starts.
func (s *Scheduler) MarkRunning(taskID ids.TaskID) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return errs.WithField(errs.State, "task_id", fmt.Errorf("%w: %s", ErrTaskNotFound, taskID))
	}
	if task.Status != StatusAssigned {
		return errs.WithField(errs.State, "status",
			fmt.Errorf("task %s is %s, not assigned", taskID, task.Status))
	}
	task.Status = StatusRunning
	return nil
}

// Complete records a terminal status for [taskID] and frees its node slot.
func (s *Scheduler) Complete(taskID ids.TaskID, status Status, reason string) error {
	if !status.Terminal() {
		return errs.WithField(errs.Validation, "status",
			fmt.Errorf("%s is not a terminal status", status))
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return errs.WithField(errs.State, "task_id", fmt.Errorf("%w: %s", ErrTaskNotFound, taskID))
	}
	if task.Status.Terminal() {
		return errs.WithField(errs.State, "status",
			fmt.Errorf("%w: %s is %s", ErrTaskTerminal, taskID, task.Status))
	}
	s.releaseLocked(task)
	task.Status = status
	task.FailureReason = reason
	s.metrics.finished(status)
	return nil
}

// releaseLocked frees the node slot held by [task], if any.
func (s *Scheduler) releaseLocked(task *Task) {
	if task.AssignedNode == "" {
		return
	}
	if held, ok := s.assignments[task.AssignedNode]; ok {
		held.Remove(task.ID)
		if held.Len() == 0 {
			delete(s.assignments, task.AssignedNode)
		}
	}
}

// Tick drains the queues once, highest priority first. Tasks with no
// eligible node are requeued with retry_count incremented, then failed with
// reason "no-node" once retries are exhausted.
func (s *Scheduler) Tick() {
	candidates := s.nodes.SchedulableNodes()

	type handoff struct {
		task   *Task
		nodeID ids.NodeID
	}
	var dispatches []handoff
	var requeue []*Task

	s.lock.Lock()
	for {
		task := s.queues.popHighest()
		if task == nil {
			break
		}
		if task.Status != StatusPending {
			continue
		}

		nodeID, found := s.chooseLocked(task, candidates)
		if !found {
			task.RetryCount++
			if task.RetryCount >= s.maxRetries {
				task.Status = StatusFailed
				task.FailureReason = noNodeReason
				s.metrics.finished(StatusFailed)
				s.bus.Publish(events.TaskFailed, map[string]interface{}{
					"task_id": task.ID,
					"reason":  noNodeReason,
				})
				s.log.Warn("task failed",
					zap.String("taskID", string(task.ID)),
					zap.String("reason", noNodeReason),
				)
				continue
			}
			requeue = append(requeue, task)
			continue
		}

		task.Status = StatusAssigned
		task.AssignedNode = nodeID
		task.AssignedAt = s.clock.Time()
		held, ok := s.assignments[nodeID]
		if !ok {
			held = set.NewSet[ids.TaskID](1)
			s.assignments[nodeID] = held
		}
		held.Add(task.ID)
		dispatches = append(dispatches, handoff{task: task, nodeID: nodeID})
	}
	for _, task := range requeue {
		s.queues.push(task)
	}
	for priority := MinPriority; priority <= MaxPriority; priority++ {
		s.metrics.queued(priority, s.queues.lenAt(priority))
	}
	s.lock.Unlock()

	for _, h := range dispatches {
		s.log.Info("task assigned",
			zap.String("taskID", string(h.task.ID)),
			zap.String("nodeID", string(h.nodeID)),
		)
		if s.dispatch != nil {
			cloned := *h.task
			s.dispatch(&cloned, h.nodeID)
		}
	}
}

// chooseLocked scores the candidates that satisfy [task]'s requirements and
// returns the best.
func (s *Scheduler) chooseLocked(task *Task, candidates []NodeInfo) (ids.NodeID, bool) {
	var (
		bestID    ids.NodeID
		bestScore float64
		found     bool
	)
	for _, node := range candidates {
		held := 0
		if taskSet, ok := s.assignments[node.NodeID]; ok {
			held = taskSet.Len()
		}
		if held >= s.maxPerNode {
			continue
		}
		if node.CPUCores < task.CPUCores || node.MemoryMB < task.MemoryMB {
			continue
		}
		if !node.Services.Contains(task.ServiceName) {
			continue
		}

		score := s.scoreLocked(task, node, held)
		if !found || score > bestScore {
			bestID = node.NodeID
			bestScore = score
			found = true
		}
	}
	return bestID, found
}

// scoreLocked implements the node ranking: raw capacity, track record,
// service affinity, load penalty, and a small random tiebreak.
func (s *Scheduler) scoreLocked(task *Task, node NodeInfo, held int) float64 {
	score := float64(node.CPUCores)*10 +
		float64(node.MemoryMB)/100 +
		node.SuccessRate*50 +
		float64(node.Reputation)*0.5
	if penalty := 100 - node.AvgExecutionSeconds; penalty > 0 {
		score += penalty
	}
	if node.Services.Contains(task.ServiceName) {
		score += 100
	}
	score -= 10 * float64(held)
	score += s.rng.Float64()
	return score
}

// Run ticks until [ctx] is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}
