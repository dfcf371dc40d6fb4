// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package registry is the authenticated catalog of nodes and their
// capabilities. The in-memory maps are authoritative for a process lifetime
// and are mirrored to durable storage on every mutation. The capability
// index is kept consistent with the union of node capability sets under one
// lock.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"golang.org/x/exp/slices"

	"github.com/duxnet/duxnetd/database"
	"github.com/duxnet/duxnetd/errs"
	"github.com/duxnet/duxnetd/ids"
	"github.com/duxnet/duxnetd/utils/logging"
	"github.com/duxnet/duxnetd/utils/set"
	"github.com/duxnet/duxnetd/utils/timer/mockable"
)

const (
	MinReputation     = 0
	MaxReputation     = 100
	initialReputation = 50
)

var (
	ErrNodeExists        = errors.New("node already registered")
	ErrNodeNotFound      = errors.New("node not found")
	ErrInvalidCapability = errors.New("invalid capability tag")
)

// Registry stores nodes, their capability index, status, reputation and
// heartbeats.
type Registry struct {
	log   logging.Logger
	clock mockable.Clock

	lock    sync.RWMutex
	nodes   map[ids.NodeID]*Node
	byCap   map[string]set.Set[ids.NodeID]
	db      database.Database
	deleted map[ids.NodeID]*Node
}

func New(log logging.Logger, db database.Database) (*Registry, error) {
	r := &Registry{
		log:     log,
		nodes:   make(map[ids.NodeID]*Node),
		byCap:   make(map[string]set.Set[ids.NodeID]),
		db:      db,
		deleted: make(map[ids.NodeID]*Node),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	if r.db == nil {
		return nil
	}
	it := r.db.NewIterator()
	defer it.Release()
	for it.Next() {
		row := &nodeRow{}
		if err := json.Unmarshal(it.Value(), row); err != nil {
			return errs.Wrap(errs.Internal, err)
		}
		node := row.Node
		node.Capabilities = set.Of(row.CapabilityList...)
		if node.Deleted {
			r.deleted[node.ID] = &node
			continue
		}
		r.nodes[node.ID] = &node
		r.indexLocked(&node)
	}
	return it.Error()
}

func (r *Registry) persistLocked(node *Node) error {
	if r.db == nil {
		return nil
	}
	caps := node.Capabilities.List()
	slices.Sort(caps)
	bytes, err := json.Marshal(nodeRow{Node: *node, CapabilityList: caps})
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	return errs.Wrap(errs.Internal, r.db.Put([]byte(node.ID), bytes))
}

func (r *Registry) indexLocked(node *Node) {
	for capability := range node.Capabilities {
		nodeSet, ok := r.byCap[capability]
		if !ok {
			nodeSet = set.NewSet[ids.NodeID](1)
			r.byCap[capability] = nodeSet
		}
		nodeSet.Add(node.ID)
	}
}

func (r *Registry) unindexLocked(node *Node) {
	for capability := range node.Capabilities {
		nodeSet := r.byCap[capability]
		nodeSet.Remove(node.ID)
		if nodeSet.Len() == 0 {
			delete(r.byCap, capability)
		}
	}
}

// Register adds [node] to the catalog. Capabilities must match the allowed
// tag grammar; an empty capability set is fine.
func (r *Registry) Register(nodeID ids.NodeID, address string, capabilities []string, metadata map[string]interface{}) error {
	for _, capability := range capabilities {
		if !ValidCapability(capability) {
			return errs.WithField(errs.Validation, "capabilities",
				fmt.Errorf("%w: %q", ErrInvalidCapability, capability))
		}
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, exists := r.nodes[nodeID]; exists {
		return errs.WithField(errs.State, "node_id", fmt.Errorf("%w: %s", ErrNodeExists, nodeID))
	}

	node := &Node{
		ID:            nodeID,
		Address:       address,
		Capabilities:  set.Of(capabilities...),
		Status:        StatusOnline,
		Reputation:    initialReputation,
		LastHeartbeat: r.clock.Time(),
		Metadata:      metadata,
	}
	// A re-registration after soft delete starts from a fresh row.
	delete(r.deleted, nodeID)

	if err := r.persistLocked(node); err != nil {
		return err
	}
	r.nodes[nodeID] = node
	r.indexLocked(node)

	r.log.Info("node registered",
		zap.String("nodeID", string(nodeID)),
		zap.String("address", address),
		zap.Int("capabilities", node.Capabilities.Len()),
	)
	return nil
}

// Deregister soft-deletes [nodeID]: the row survives, flagged, but leaves
// every index and listing.
func (r *Registry) Deregister(nodeID ids.NodeID) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return errs.WithField(errs.State, "node_id", fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID))
	}

	r.unindexLocked(node)
	delete(r.nodes, nodeID)
	node.Deleted = true
	node.Status = StatusOffline
	r.deleted[nodeID] = node
	if err := r.persistLocked(node); err != nil {
		return err
	}

	r.log.Info("node deregistered", zap.String("nodeID", string(nodeID)))
	return nil
}

// Get returns a copy of the node's current row.
func (r *Registry) Get(nodeID ids.NodeID) (*Node, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return nil, errs.WithField(errs.State, "node_id", fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID))
	}
	return node.clone(), nil
}

// SetStatus moves [nodeID] to [status].
func (r *Registry) SetStatus(nodeID ids.NodeID, status Status) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return errs.WithField(errs.State, "node_id", fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID))
	}
	node.Status = status
	return r.persistLocked(node)
}

// Heartbeat records liveness and flips an offline node back online.
func (r *Registry) Heartbeat(nodeID ids.NodeID) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return errs.WithField(errs.State, "node_id", fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID))
	}
	node.LastHeartbeat = r.clock.Time()
	if node.Status == StatusOffline || node.Status == StatusUnknown {
		node.Status = StatusOnline
	}
	return r.persistLocked(node)
}

// SweepOffline flips nodes whose last heartbeat is older than [ttl] to
// offline and returns how many changed.
func (r *Registry) SweepOffline(ttl time.Duration) int {
	now := r.clock.Time()

	r.lock.Lock()
	defer r.lock.Unlock()

	flipped := 0
	for _, node := range r.nodes {
		if node.Status == StatusOffline {
			continue
		}
		if now.Sub(node.LastHeartbeat) > ttl {
			node.Status = StatusOffline
			if err := r.persistLocked(node); err != nil {
				r.log.Error("persisting offline sweep",
					zap.String("nodeID", string(node.ID)),
					zap.Error(err),
				)
			}
			flipped++
		}
	}
	return flipped
}

// AddCapability attaches [capability] to the node and the index atomically.
func (r *Registry) AddCapability(nodeID ids.NodeID, capability string) error {
	if !ValidCapability(capability) {
		return errs.WithField(errs.Validation, "capability",
			fmt.Errorf("%w: %q", ErrInvalidCapability, capability))
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return errs.WithField(errs.State, "node_id", fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID))
	}
	if node.Capabilities.Contains(capability) {
		return nil
	}
	node.Capabilities.Add(capability)
	nodeSet, ok := r.byCap[capability]
	if !ok {
		nodeSet = set.NewSet[ids.NodeID](1)
		r.byCap[capability] = nodeSet
	}
	nodeSet.Add(nodeID)
	return r.persistLocked(node)
}

// RemoveCapability detaches [capability] from the node and the index
// atomically.
func (r *Registry) RemoveCapability(nodeID ids.NodeID, capability string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return errs.WithField(errs.State, "node_id", fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID))
	}
	if !node.Capabilities.Contains(capability) {
		return nil
	}
	node.Capabilities.Remove(capability)
	nodeSet := r.byCap[capability]
	nodeSet.Remove(nodeID)
	if nodeSet.Len() == 0 {
		delete(r.byCap, capability)
	}
	return r.persistLocked(node)
}

// ListByCapabilities returns nodes matching the requested capabilities.
// With [matchAll] the result is the set intersection; otherwise the union.
func (r *Registry) ListByCapabilities(capabilities []string, matchAll bool) []*Node {
	r.lock.RLock()
	defer r.lock.RUnlock()

	var matched set.Set[ids.NodeID]
	for i, capability := range capabilities {
		nodeSet := r.byCap[capability]
		if matchAll {
			if i == 0 {
				matched = set.NewSet[ids.NodeID](nodeSet.Len())
				matched.Union(nodeSet)
				continue
			}
			for nodeID := range matched {
				if !nodeSet.Contains(nodeID) {
					matched.Remove(nodeID)
				}
			}
		} else {
			matched.Union(nodeSet)
		}
	}

	nodes := make([]*Node, 0, matched.Len())
	for nodeID := range matched {
		if node, ok := r.nodes[nodeID]; ok {
			nodes = append(nodes, node.clone())
		}
	}
	return nodes
}

// ActiveNodes lists online nodes ordered by descending reputation, ties
// broken by node ID. This is the airdrop recipient order.
func (r *Registry) ActiveNodes() []*Node {
	r.lock.RLock()
	defer r.lock.RUnlock()

	nodes := make([]*Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		if node.Status == StatusOnline || node.Status == StatusBusy {
			nodes = append(nodes, node.clone())
		}
	}
	slices.SortFunc(nodes, func(a, b *Node) int {
		if a.Reputation != b.Reputation {
			return b.Reputation - a.Reputation
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return nodes
}

// Reputation reads the current reputation of [nodeID].
func (r *Registry) Reputation(nodeID ids.NodeID) (int, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return 0, errs.WithField(errs.State, "node_id", fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID))
	}
	return node.Reputation, nil
}

// SetReputation writes a reputation value already clamped by the caller.
// Only the reputation engine should call this.
func (r *Registry) SetReputation(nodeID ids.NodeID, reputation int) error {
	if reputation < MinReputation || reputation > MaxReputation {
		return errs.WithField(errs.Internal, "reputation",
			fmt.Errorf("value %d outside [%d,%d]", reputation, MinReputation, MaxReputation))
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return errs.WithField(errs.State, "node_id", fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID))
	}
	node.Reputation = reputation
	return r.persistLocked(node)
}

// Len reports how many live (not soft-deleted) nodes are registered.
func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return len(r.nodes)
}
