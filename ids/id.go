// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ids

import (
	"github.com/google/uuid"
)

// Typed identifiers for the entities the core tracks. All of them are
// UUID strings except NodeID and WalletID, which are caller-supplied
// opaque strings.
type (
	NodeID     string
	WalletID   string
	EscrowID   string
	DisputeID  string
	ProposalID string
	VoteID     string
	TaskID     string
)

func GenerateEscrowID() EscrowID {
	return EscrowID(uuid.NewString())
}

func GenerateDisputeID() DisputeID {
	return DisputeID(uuid.NewString())
}

func GenerateProposalID() ProposalID {
	return ProposalID(uuid.NewString())
}

func GenerateVoteID() VoteID {
	return VoteID(uuid.NewString())
}

func GenerateTaskID() TaskID {
	return TaskID(uuid.NewString())
}

// GenerateTestNodeID returns a random node ID. Should only be used in tests.
func GenerateTestNodeID() NodeID {
	return NodeID(uuid.NewString())
}

// GenerateTestWalletID returns a random wallet ID. Should only be used in
// tests.
func GenerateTestWalletID() WalletID {
	return WalletID(uuid.NewString())
}

func (id NodeID) String() string     { return string(id) }
func (id WalletID) String() string   { return string(id) }
func (id EscrowID) String() string   { return string(id) }
func (id DisputeID) String() string  { return string(id) }
func (id ProposalID) String() string { return string(id) }
func (id VoteID) String() string     { return string(id) }
func (id TaskID) String() string     { return string(id) }
