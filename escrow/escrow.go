// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package escrow

import (
	"regexp"
	"time"

	"github.com/duxnet/duxnetd/chain"
	"github.com/duxnet/duxnetd/ids"
)

// Status of an escrow contract.
//
//	pending → active → {released | refunded | disputed}
//	disputed → {resolved | refunded | released}
//
// released, refunded and resolved are terminal. inconsistent is an
// out-of-band operator state reached only when a release leg committed and
// its sibling could not.
type Status string

const (
	StatusPending      Status = "pending"
	StatusActive       Status = "active"
	StatusReleased     Status = "released"
	StatusRefunded     Status = "refunded"
	StatusDisputed     Status = "disputed"
	StatusResolved     Status = "resolved"
	StatusInconsistent Status = "inconsistent"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusResolved:
		return true
	default:
		return false
	}
}

// resultHashRegexp matches a SHA-256 hex digest, lowercase only.
var resultHashRegexp = regexp.MustCompile(`^[0-9a-f]{64}$`)

func ValidResultHash(hash string) bool {
	return resultHashRegexp.MatchString(hash)
}

// Escrow is one two-party contract holding locked funds. Amounts are minor
// units; ProviderAmount + CommunityAmount == Amount always.
type Escrow struct {
	ID             ids.EscrowID   `json:"id"`
	PayerWallet    ids.WalletID   `json:"payer_wallet_id"`
	ProviderWallet ids.WalletID   `json:"provider_wallet_id"`
	Amount         uint64         `json:"amount"`
	Currency       chain.Currency `json:"currency"`
	Status         Status         `json:"status"`
	ServiceName    string         `json:"service_name"`
	TaskID         ids.TaskID     `json:"task_id,omitempty"`
	APICallID      string         `json:"api_call_id,omitempty"`

	ProviderAmount  uint64 `json:"provider_amount"`
	CommunityAmount uint64 `json:"community_amount"`

	ResultHash        string `json:"result_hash,omitempty"`
	ProviderSignature string `json:"provider_signature,omitempty"`

	DisputeID ids.DisputeID `json:"dispute_id,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ReleasedAt time.Time `json:"released_at,omitempty"`
	RefundedAt time.Time `json:"refunded_at,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ProviderNodeID reads the provider's node identity from escrow metadata.
// Release signature verification is addressed to this node.
func (e *Escrow) ProviderNodeID() (ids.NodeID, bool) {
	raw, ok := e.Metadata["provider_node_id"]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", false
	}
	return ids.NodeID(s), true
}
