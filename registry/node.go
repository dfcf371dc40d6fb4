// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package registry

import (
	"regexp"
	"time"

	"github.com/duxnet/duxnetd/ids"
	"github.com/duxnet/duxnetd/utils/set"
)

// Status of a node as the registry sees it.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusBusy    Status = "busy"
)

// capabilityRegexp constrains capability tags: short identifiers such as
// "gpu" or "img_v1".
var capabilityRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func ValidCapability(capability string) bool {
	return capabilityRegexp.MatchString(capability)
}

// Node is one registered participant. Reputation is bounded to [0,100] by
// the reputation engine; the registry never writes it out of range. A node
// with no capabilities is valid.
type Node struct {
	ID            ids.NodeID             `json:"id"`
	Address       string                 `json:"address"`
	Capabilities  set.Set[string]        `json:"-"`
	Status        Status                 `json:"status"`
	Reputation    int                    `json:"reputation"`
	LastHeartbeat time.Time              `json:"last_heartbeat"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`

	// Deleted marks a soft-deleted node. It stays out of every index and
	// listing but its row survives for audit.
	Deleted bool `json:"deleted,omitempty"`
}

// nodeRow is the persisted form; capabilities serialize as a sorted list.
type nodeRow struct {
	Node
	CapabilityList []string `json:"capabilities"`
}

func (n *Node) clone() *Node {
	cloned := *n
	cloned.Capabilities = set.NewSet[string](n.Capabilities.Len())
	cloned.Capabilities.Union(n.Capabilities)
	if n.Metadata != nil {
		cloned.Metadata = make(map[string]interface{}, len(n.Metadata))
		for k, v := range n.Metadata {
			cloned.Metadata[k] = v
		}
	}
	return &cloned
}
