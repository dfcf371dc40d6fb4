// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package core wires the platform together: it feeds the scheduler with
// node views, hands assigned tasks to the sandbox, runs results through the
// verifier, and settles escrows and reputation from the outcome.
package core

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/duxnet/duxnetd/dispute"
	"github.com/duxnet/duxnetd/escrow"
	"github.com/duxnet/duxnetd/events"
	"github.com/duxnet/duxnetd/governance"
	"github.com/duxnet/duxnetd/ids"
	"github.com/duxnet/duxnetd/registry"
	"github.com/duxnet/duxnetd/reputation"
	"github.com/duxnet/duxnetd/sandbox"
	"github.com/duxnet/duxnetd/scheduler"
	"github.com/duxnet/duxnetd/utils/logging"
	"github.com/duxnet/duxnetd/utils/set"
	"github.com/duxnet/duxnetd/utils/timer/mockable"
	"github.com/duxnet/duxnetd/verify"
)

const (
	DefaultHeartbeatTTL  = 2 * time.Minute
	defaultSweepInterval = 30 * time.Second
)

// Config for the orchestrator.
type Config struct {
	HeartbeatTTL  time.Duration
	SweepInterval time.Duration
}

// ResultSigner produces the provider release signature for a locally
// executed task. The signature covers the release payload with the
// result's creation time as the timestamp.
type ResultSigner func(escrowID ids.EscrowID, resultHash string, timestamp int64) (string, error)

// nodeStats is the execution history the scheduler scores against.
type nodeStats struct {
	completed    int
	failed       int
	totalSeconds float64
}

func (s *nodeStats) successRate() float64 {
	total := s.completed + s.failed
	if total == 0 {
		return 0
	}
	return float64(s.completed) / float64(total)
}

func (s *nodeStats) avgSeconds() float64 {
	if s.completed == 0 {
		return 0
	}
	return s.totalSeconds / float64(s.completed)
}

// Orchestrator is the control loop between the scheduler, the sandbox, the
// verifier, and the settlement components.
type Orchestrator struct {
	log        logging.Logger
	clock      mockable.Clock
	bus        *events.Bus
	registry   *registry.Registry
	reputation *reputation.Engine
	escrow     *escrow.Engine
	disputes   *dispute.Resolver
	governance *governance.Engine
	verifier   *verify.Verifier
	sandbox    *sandbox.Sandbox
	scheduler  *scheduler.Scheduler

	heartbeatTTL  time.Duration
	sweepInterval time.Duration
	signer        ResultSigner

	statsLock sync.Mutex
	stats     map[ids.NodeID]*nodeStats
}

func NewOrchestrator(
	config Config,
	log logging.Logger,
	bus *events.Bus,
	reg *registry.Registry,
	rep *reputation.Engine,
	esc *escrow.Engine,
	disputes *dispute.Resolver,
	gov *governance.Engine,
	verifier *verify.Verifier,
	sb *sandbox.Sandbox,
) *Orchestrator {
	if config.HeartbeatTTL <= 0 {
		config.HeartbeatTTL = DefaultHeartbeatTTL
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaultSweepInterval
	}
	return &Orchestrator{
		log:           log,
		bus:           bus,
		registry:      reg,
		reputation:    rep,
		escrow:        esc,
		disputes:      disputes,
		governance:    gov,
		verifier:      verifier,
		sandbox:       sb,
		heartbeatTTL:  config.HeartbeatTTL,
		sweepInterval: config.SweepInterval,
		stats:         make(map[ids.NodeID]*nodeStats),
	}
}

// AttachScheduler completes the wiring loop. The scheduler needs the
// orchestrator's dispatch and node view, and the orchestrator needs the
// scheduler for lifecycle transitions, so construction happens in two
// steps.
func (o *Orchestrator) AttachScheduler(s *scheduler.Scheduler) {
	o.scheduler = s
	o.escrow.SetReleaseCheck(o.releaseCheck)
}

// SetResultSigner lets this daemon release escrows for tasks it executed
// itself. Without one, results must arrive already signed.
func (o *Orchestrator) SetResultSigner(signer ResultSigner) {
	o.signer = signer
}

var _ scheduler.NodeSource = (*Orchestrator)(nil)

// SchedulableNodes builds the scheduler's node views from registry rows and
// tracked execution history. Resource numbers come from node metadata,
// advertised at registration.
func (o *Orchestrator) SchedulableNodes() []scheduler.NodeInfo {
	nodes := o.registry.ActiveNodes()
	views := make([]scheduler.NodeInfo, 0, len(nodes))

	o.statsLock.Lock()
	defer o.statsLock.Unlock()

	for _, node := range nodes {
		view := scheduler.NodeInfo{
			NodeID:     node.ID,
			CPUCores:   metadataInt(node.Metadata, "cpu_cores"),
			MemoryMB:   metadataInt(node.Metadata, "memory_mb"),
			GPU:        metadataBool(node.Metadata, "gpu"),
			Services:   servicesOf(node),
			Reputation: node.Reputation,
		}
		if stats, ok := o.stats[node.ID]; ok {
			view.SuccessRate = stats.successRate()
			view.AvgExecutionSeconds = stats.avgSeconds()
		}
		views = append(views, view)
	}
	return views
}

// servicesOf treats every registered capability as a supported service.
func servicesOf(node *registry.Node) set.Set[string] {
	services := set.NewSet[string](node.Capabilities.Len())
	services.Union(node.Capabilities)
	return services
}

// Metadata values arrive as whatever type the registration JSON decoded
// to; missing or malformed keys read as zero.
func metadataInt(metadata map[string]interface{}, key string) int {
	return cast.ToInt(metadata[key])
}

func metadataBool(metadata map[string]interface{}, key string) bool {
	return cast.ToBool(metadata[key])
}

// Dispatch runs one assigned task through the sandbox and settles the
// outcome. The scheduler calls it outside its lock; each task gets its own
// goroutine.
func (o *Orchestrator) Dispatch(task *scheduler.Task, nodeID ids.NodeID) {
	go func() {
		if err := o.scheduler.MarkRunning(task.ID); err != nil {
			// Cancelled between assignment and start.
			o.log.Debug("task not started",
				zap.String("taskID", string(task.ID)),
				zap.Error(err),
			)
			return
		}
		result := o.sandbox.Execute(context.Background(), task, nodeID)
		o.HandleResult(context.Background(), task, result)
	}()
}

// Kill is the scheduler's cancellation hook.
func (o *Orchestrator) Kill(taskID ids.TaskID) {
	o.sandbox.Kill(taskID)
}

// releaseCheck runs inside the escrow engine's release path. Task-driven
// releases were already verified in HandleResult before reaching the
// engine, and direct releases carry no task output to verify.
func (o *Orchestrator) releaseCheck(escrowID ids.EscrowID, taskID ids.TaskID, resultHash string) error {
	return nil
}

// HandleResult settles one terminal TaskResult: verify, then release or
// refund the escrow, then apply the reputation event. Settlement steps are
// fire-and-log; a reputation failure never rolls back a release.
func (o *Orchestrator) HandleResult(ctx context.Context, task *scheduler.Task, result *scheduler.TaskResult) {
	if result.Status == scheduler.StatusCompleted {
		verdict := o.verifier.Verify(task, result)
		result.Verified = verdict.OK
		if !verdict.OK {
			o.log.Warn("result verification failed",
				zap.String("taskID", string(task.ID)),
				zap.String("check", verdict.Check),
				zap.String("reason", verdict.Reason),
			)
			result.Status = scheduler.StatusFailed
			result.ErrorMessage = verdict.Reason
		}
	}
	o.verifier.ClearRules(task.ID)

	if err := o.scheduler.Complete(task.ID, result.Status, result.ErrorMessage); err != nil {
		o.log.Debug("task already settled",
			zap.String("taskID", string(task.ID)),
			zap.Error(err),
		)
		return
	}
	o.recordStats(result)

	if task.EscrowID != "" {
		o.settleEscrow(ctx, task, result)
	}

	if event, ok := reputationEvent(result); ok {
		if _, err := o.reputation.Apply(result.NodeID, event, nil); err != nil {
			o.log.Warn("reputation update failed",
				zap.String("nodeID", string(result.NodeID)),
				zap.String("event", string(event)),
				zap.Error(err),
			)
		}
	}

	topic := events.TaskCompleted
	if result.Status != scheduler.StatusCompleted {
		topic = events.TaskFailed
	}
	o.bus.Publish(topic, map[string]interface{}{
		"task_id": task.ID,
		"node_id": result.NodeID,
		"status":  result.Status,
	})
}

func (o *Orchestrator) settleEscrow(ctx context.Context, task *scheduler.Task, result *scheduler.TaskResult) {
	switch result.Status {
	case scheduler.StatusCompleted:
		timestamp := result.CreatedAt.Unix()
		signature := result.Signature
		if signature == "" && o.signer != nil {
			var err error
			signature, err = o.signer(task.EscrowID, result.ResultHash, timestamp)
			if err != nil {
				o.log.Warn("result signing failed",
					zap.String("escrowID", string(task.EscrowID)),
					zap.Error(err),
				)
				return
			}
		}
		err := o.escrow.Release(ctx, task.EscrowID, result.ResultHash, signature, timestamp)
		if err != nil {
			o.log.Warn("escrow release failed",
				zap.String("escrowID", string(task.EscrowID)),
				zap.String("taskID", string(task.ID)),
				zap.Error(err),
			)
		}
	case scheduler.StatusFailed, scheduler.StatusTimeout:
		err := o.escrow.Refund(ctx, task.EscrowID, string(result.Status))
		if err != nil {
			o.log.Warn("escrow refund failed",
				zap.String("escrowID", string(task.EscrowID)),
				zap.String("taskID", string(task.ID)),
				zap.Error(err),
			)
		}
	case scheduler.StatusCancelled:
		// The submitter decides what happens to a cancelled task's escrow.
	}
}

func reputationEvent(result *scheduler.TaskResult) (reputation.Event, bool) {
	switch result.Status {
	case scheduler.StatusCompleted:
		return reputation.TaskSuccess, true
	case scheduler.StatusFailed:
		return reputation.TaskFailure, true
	case scheduler.StatusTimeout:
		return reputation.TaskTimeout, true
	default:
		return "", false
	}
}

func (o *Orchestrator) recordStats(result *scheduler.TaskResult) {
	o.statsLock.Lock()
	defer o.statsLock.Unlock()

	stats, ok := o.stats[result.NodeID]
	if !ok {
		stats = &nodeStats{}
		o.stats[result.NodeID] = stats
	}
	switch result.Status {
	case scheduler.StatusCompleted:
		stats.completed++
		stats.totalSeconds += result.ExecutionSeconds
	case scheduler.StatusFailed, scheduler.StatusTimeout:
		stats.failed++
	}
}

// Disputes exposes the dispute resolver to embedders.
func (o *Orchestrator) Disputes() *dispute.Resolver {
	return o.disputes
}

// Governance exposes the governance engine to embedders.
func (o *Orchestrator) Governance() *governance.Engine {
	return o.governance
}

// finalizeProposals closes any active proposal whose voting window has
// passed.
func (o *Orchestrator) finalizeProposals() {
	for _, proposal := range o.governance.List() {
		if proposal.Status != governance.StatusActive || o.clock.Time().Before(proposal.VotingEnds) {
			continue
		}
		if _, err := o.governance.Finalize(proposal.ID); err != nil {
			o.log.Warn("proposal finalize failed",
				zap.String("proposalID", string(proposal.ID)),
				zap.Error(err),
			)
		}
	}
}

// Run drives the background loops until [ctx] ends: the scheduler tick, the
// heartbeat sweep that marks silent nodes offline, and the governance
// finalize sweep.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		o.scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(o.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if swept := o.registry.SweepOffline(o.heartbeatTTL); swept > 0 {
					o.log.Info("nodes swept offline", zap.Int("count", swept))
				}
				o.finalizeProposals()
			}
		}
	}()

	wg.Wait()
}
