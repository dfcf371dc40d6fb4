// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package reputation applies typed events with configurable deltas to node
// reputation, clamped to [0,100]. Per-node ordering is inherited from the
// registry's lock.
package reputation

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/duxnet/duxnetd/errs"
	"github.com/duxnet/duxnetd/ids"
	"github.com/duxnet/duxnetd/registry"
	"github.com/duxnet/duxnetd/utils/logging"
)

var ErrUnknownEvent = errors.New("unknown reputation event")

// Event names a typed occurrence that changes a node's reputation.
type Event string

const (
	TaskSuccess           Event = "task_success"
	TaskFailure           Event = "task_failure"
	TaskTimeout           Event = "task_timeout"
	MaliciousBehavior     Event = "malicious_behavior"
	HealthMilestone       Event = "health_milestone"
	UptimeMilestone       Event = "uptime_milestone"
	CommunityContribution Event = "community_contribution"
)

// defaultDeltas is the rule table. A custom delta on Apply overrides it.
var defaultDeltas = map[Event]int{
	TaskSuccess:           10,
	TaskFailure:           -5,
	TaskTimeout:           -10,
	MaliciousBehavior:     -50,
	HealthMilestone:       2,
	UptimeMilestone:       5,
	CommunityContribution: 15,
}

// Result reports one applied update.
type Result struct {
	Old     int  `json:"old"`
	New     int  `json:"new"`
	Delta   int  `json:"delta"`
	Clamped bool `json:"clamped"`
}

// Store is the slice of the registry the engine needs.
type Store interface {
	Reputation(ids.NodeID) (int, error)
	SetReputation(ids.NodeID, int) error
}

var _ Store = (*registry.Registry)(nil)

type Engine struct {
	log   logging.Logger
	store Store
}

func NewEngine(log logging.Logger, store Store) *Engine {
	return &Engine{log: log, store: store}
}

// Apply runs [event] against [nodeID]. A non-nil [customDelta] overrides the
// rule table. The returned Result carries the pre- and post-clamp values.
func (e *Engine) Apply(nodeID ids.NodeID, event Event, customDelta *int) (Result, error) {
	delta, known := defaultDeltas[event]
	if customDelta != nil {
		delta = *customDelta
	} else if !known {
		return Result{}, errs.WithField(errs.Validation, "event",
			fmt.Errorf("%w: %q", ErrUnknownEvent, event))
	}

	old, err := e.store.Reputation(nodeID)
	if err != nil {
		return Result{}, err
	}

	unclamped := old + delta
	clamped := unclamped
	if clamped > registry.MaxReputation {
		clamped = registry.MaxReputation
	} else if clamped < registry.MinReputation {
		clamped = registry.MinReputation
	}

	if err := e.store.SetReputation(nodeID, clamped); err != nil {
		return Result{}, err
	}

	result := Result{
		Old:     old,
		New:     clamped,
		Delta:   delta,
		Clamped: clamped != unclamped,
	}
	e.log.Debug("reputation updated",
		zap.String("nodeID", string(nodeID)),
		zap.String("event", string(event)),
		zap.Int("old", result.Old),
		zap.Int("new", result.New),
		zap.Bool("clamped", result.Clamped),
	)
	return result, nil
}
