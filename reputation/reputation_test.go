// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package reputation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duxnet/duxnetd/database/memdb"
	"github.com/duxnet/duxnetd/errs"
	"github.com/duxnet/duxnetd/ids"
	"github.com/duxnet/duxnetd/registry"
	"github.com/duxnet/duxnetd/utils/logging"
)

func newTestEngine(t *testing.T) (*Engine, ids.NodeID) {
	require := require.New(t)

	reg, err := registry.New(logging.NoLog{}, memdb.New())
	require.NoError(err)

	nodeID := ids.GenerateTestNodeID()
	require.NoError(reg.Register(nodeID, "addr", nil, nil))
	return NewEngine(logging.NoLog{}, reg), nodeID
}

func TestApplyDeltas(t *testing.T) {
	tests := []struct {
		event Event
		want  int // starting from the registration default of 50
	}{
		{TaskSuccess, 60},
		{TaskFailure, 45},
		{TaskTimeout, 40},
		{MaliciousBehavior, 0},
		{HealthMilestone, 52},
		{UptimeMilestone, 55},
		{CommunityContribution, 65},
	}
	for _, test := range tests {
		t.Run(string(test.event), func(t *testing.T) {
			require := require.New(t)
			e, nodeID := newTestEngine(t)

			result, err := e.Apply(nodeID, test.event, nil)
			require.NoError(err)
			require.Equal(50, result.Old)
			require.Equal(test.want, result.New)
		})
	}
}

func TestApplyClampsHigh(t *testing.T) {
	require := require.New(t)
	e, nodeID := newTestEngine(t)

	delta := 1000
	result, err := e.Apply(nodeID, TaskSuccess, &delta)
	require.NoError(err)
	require.Equal(registry.MaxReputation, result.New)
	require.True(result.Clamped)

	// Already at the ceiling, a further gain is a no-op.
	result, err = e.Apply(nodeID, TaskSuccess, nil)
	require.NoError(err)
	require.Equal(registry.MaxReputation, result.Old)
	require.Equal(registry.MaxReputation, result.New)
	require.True(result.Clamped)
}

func TestApplyClampsLow(t *testing.T) {
	require := require.New(t)
	e, nodeID := newTestEngine(t)

	result, err := e.Apply(nodeID, MaliciousBehavior, nil)
	require.NoError(err)
	require.Equal(registry.MinReputation, result.New)
	require.True(result.Clamped)

	result, err = e.Apply(nodeID, TaskFailure, nil)
	require.NoError(err)
	require.Equal(registry.MinReputation, result.New)
}

func TestApplyCustomDelta(t *testing.T) {
	require := require.New(t)
	e, nodeID := newTestEngine(t)

	delta := -7
	result, err := e.Apply(nodeID, TaskSuccess, &delta)
	require.NoError(err)
	require.Equal(-7, result.Delta)
	require.Equal(43, result.New)
	require.False(result.Clamped)

	// A custom delta also makes an otherwise unknown event valid.
	delta = 3
	result, err = e.Apply(nodeID, Event("manual_adjustment"), &delta)
	require.NoError(err)
	require.Equal(46, result.New)
}

func TestApplyUnknownEvent(t *testing.T) {
	require := require.New(t)
	e, nodeID := newTestEngine(t)

	_, err := e.Apply(nodeID, Event("not_a_thing"), nil)
	require.ErrorIs(err, ErrUnknownEvent)
	require.True(errs.IsKind(err, errs.Validation))
}

func TestApplyUnknownNode(t *testing.T) {
	require := require.New(t)
	e, _ := newTestEngine(t)

	_, err := e.Apply(ids.GenerateTestNodeID(), TaskSuccess, nil)
	require.ErrorIs(err, registry.ErrNodeNotFound)
}
