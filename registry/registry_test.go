// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duxnet/duxnetd/database/memdb"
	"github.com/duxnet/duxnetd/ids"
	"github.com/duxnet/duxnetd/utils/logging"
)

func newTestRegistry(t *testing.T) *Registry {
	require := require.New(t)

	r, err := New(logging.NoLog{}, memdb.New())
	require.NoError(err)
	r.clock.Set(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	return r
}

func TestRegisterAndGet(t *testing.T) {
	require := require.New(t)
	r := newTestRegistry(t)

	nodeID := ids.GenerateTestNodeID()
	require.NoError(r.Register(nodeID, "10.0.0.1:9630", []string{"img_v1", "gpu"}, nil))

	node, err := r.Get(nodeID)
	require.NoError(err)
	require.Equal(StatusOnline, node.Status)
	require.Equal(50, node.Reputation)
	require.True(node.Capabilities.Contains("img_v1"))
	require.True(node.Capabilities.Contains("gpu"))

	err = r.Register(nodeID, "10.0.0.1:9630", nil, nil)
	require.ErrorIs(err, ErrNodeExists)
}

func TestRegisterRejectsBadCapability(t *testing.T) {
	require := require.New(t)
	r := newTestRegistry(t)

	err := r.Register(ids.GenerateTestNodeID(), "addr", []string{"no spaces"}, nil)
	require.ErrorIs(err, ErrInvalidCapability)
}

func TestDeregisterLeavesIndexes(t *testing.T) {
	require := require.New(t)
	r := newTestRegistry(t)

	nodeID := ids.GenerateTestNodeID()
	require.NoError(r.Register(nodeID, "addr", []string{"ml"}, nil))
	require.NoError(r.Deregister(nodeID))

	_, err := r.Get(nodeID)
	require.ErrorIs(err, ErrNodeNotFound)
	require.Empty(r.ListByCapabilities([]string{"ml"}, false))
	require.Zero(r.Len())

	// A soft-deleted node can register again from scratch.
	require.NoError(r.Register(nodeID, "addr", nil, nil))
}

func TestCapabilityIndexConsistency(t *testing.T) {
	require := require.New(t)
	r := newTestRegistry(t)

	nodeID := ids.GenerateTestNodeID()
	require.NoError(r.Register(nodeID, "addr", []string{"img_v1"}, nil))

	require.NoError(r.AddCapability(nodeID, "ml"))
	require.Len(r.ListByCapabilities([]string{"ml"}, false), 1)

	// Idempotent add and remove.
	require.NoError(r.AddCapability(nodeID, "ml"))
	require.NoError(r.RemoveCapability(nodeID, "ml"))
	require.NoError(r.RemoveCapability(nodeID, "ml"))
	require.Empty(r.ListByCapabilities([]string{"ml"}, false))
}

func TestListByCapabilitiesMatchAll(t *testing.T) {
	require := require.New(t)
	r := newTestRegistry(t)

	both := ids.GenerateTestNodeID()
	gpuOnly := ids.GenerateTestNodeID()
	require.NoError(r.Register(both, "a", []string{"gpu", "ml"}, nil))
	require.NoError(r.Register(gpuOnly, "b", []string{"gpu"}, nil))

	all := r.ListByCapabilities([]string{"gpu", "ml"}, true)
	require.Len(all, 1)
	require.Equal(both, all[0].ID)

	any := r.ListByCapabilities([]string{"gpu", "ml"}, false)
	require.Len(any, 2)
}

func TestHeartbeatAndSweep(t *testing.T) {
	require := require.New(t)
	r := newTestRegistry(t)

	fresh := ids.GenerateTestNodeID()
	stale := ids.GenerateTestNodeID()
	require.NoError(r.Register(fresh, "a", nil, nil))
	require.NoError(r.Register(stale, "b", nil, nil))

	r.clock.Set(r.clock.Time().Add(3 * time.Minute))
	require.NoError(r.Heartbeat(fresh))

	require.Equal(1, r.SweepOffline(2*time.Minute))

	node, err := r.Get(stale)
	require.NoError(err)
	require.Equal(StatusOffline, node.Status)

	// A heartbeat brings a swept node back online.
	require.NoError(r.Heartbeat(stale))
	node, err = r.Get(stale)
	require.NoError(err)
	require.Equal(StatusOnline, node.Status)
}

func TestActiveNodesOrder(t *testing.T) {
	require := require.New(t)
	r := newTestRegistry(t)

	low := ids.NodeID("node-a")
	high := ids.NodeID("node-b")
	tied := ids.NodeID("node-c")
	offline := ids.NodeID("node-d")

	for _, nodeID := range []ids.NodeID{low, high, tied, offline} {
		require.NoError(r.Register(nodeID, "addr", nil, nil))
	}
	require.NoError(r.SetReputation(high, 90))
	require.NoError(r.SetReputation(tied, 90))
	require.NoError(r.SetReputation(low, 10))
	require.NoError(r.SetStatus(offline, StatusOffline))

	active := r.ActiveNodes()
	require.Len(active, 3)
	require.Equal(high, active[0].ID) // node-b before node-c at equal reputation
	require.Equal(tied, active[1].ID)
	require.Equal(low, active[2].ID)
}

func TestPersistenceRoundTrip(t *testing.T) {
	require := require.New(t)

	db := memdb.New()
	r, err := New(logging.NoLog{}, db)
	require.NoError(err)

	nodeID := ids.GenerateTestNodeID()
	require.NoError(r.Register(nodeID, "addr", []string{"img_v1"}, map[string]interface{}{"cpu_cores": 8}))
	require.NoError(r.SetReputation(nodeID, 75))

	reloaded, err := New(logging.NoLog{}, db)
	require.NoError(err)

	node, err := reloaded.Get(nodeID)
	require.NoError(err)
	require.Equal(75, node.Reputation)
	require.True(node.Capabilities.Contains("img_v1"))
	require.Len(reloaded.ListByCapabilities([]string{"img_v1"}, true), 1)
}
