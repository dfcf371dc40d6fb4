// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package dispute opens, accumulates evidence for, and terminates disputes,
// driving the escrow state machine to its terminal state.
package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/duxnet/duxnetd/database"
	"github.com/duxnet/duxnetd/errs"
	"github.com/duxnet/duxnetd/escrow"
	"github.com/duxnet/duxnetd/events"
	"github.com/duxnet/duxnetd/ids"
	"github.com/duxnet/duxnetd/utils/logging"
	"github.com/duxnet/duxnetd/utils/timer/mockable"
)

var (
	ErrNotFound        = errors.New("dispute not found")
	ErrAlreadyDisputed = errors.New("escrow already has a dispute")
	ErrNotParty        = errors.New("wallet is not a party to this dispute")
	ErrNotOpen         = errors.New("dispute is not open")
	ErrBadEscrowState  = errors.New("escrow must be active or released to dispute")
	ErrNeedResolution  = errors.New("resolution requires a winner or a refund amount")
)

// Status of a dispute.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
	StatusRejected    Status = "rejected"
)

// Dispute is 1:1 with its escrow. Each involved party owns one evidence
// slot; re-submitting overwrites it.
type Dispute struct {
	ID               ids.DisputeID           `json:"id"`
	EscrowID         ids.EscrowID            `json:"escrow_id"`
	Status           Status                  `json:"status"`
	Reason           string                  `json:"reason"`
	Evidence         map[ids.WalletID]string `json:"evidence"`
	InitiatorWallet  ids.WalletID            `json:"initiator_wallet_id"`
	RespondentWallet ids.WalletID            `json:"respondent_wallet_id"`
	Resolution       string                  `json:"resolution,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
	ResolvedAt       time.Time               `json:"resolved_at,omitempty"`
}

// Resolver owns Dispute rows and drives escrow transitions on termination.
type Resolver struct {
	log    logging.Logger
	clock  mockable.Clock
	bus    *events.Bus
	engine *escrow.Engine

	lock     sync.Mutex
	disputes map[ids.DisputeID]*Dispute
	byEscrow map[ids.EscrowID]ids.DisputeID
	db       database.Database
}

func NewResolver(log logging.Logger, bus *events.Bus, engine *escrow.Engine, db database.Database) (*Resolver, error) {
	r := &Resolver{
		log:      log,
		bus:      bus,
		engine:   engine,
		disputes: make(map[ids.DisputeID]*Dispute),
		byEscrow: make(map[ids.EscrowID]ids.DisputeID),
		db:       db,
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Resolver) load() error {
	if r.db == nil {
		return nil
	}
	it := r.db.NewIterator()
	defer it.Release()
	for it.Next() {
		row := &Dispute{}
		if err := json.Unmarshal(it.Value(), row); err != nil {
			return errs.Wrap(errs.Internal, err)
		}
		r.disputes[row.ID] = row
		r.byEscrow[row.EscrowID] = row.ID
	}
	return it.Error()
}

func (r *Resolver) persistLocked(row *Dispute) error {
	if r.db == nil {
		return nil
	}
	bytes, err := json.Marshal(row)
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	return errs.Wrap(errs.Internal, r.db.Put([]byte(row.ID), bytes))
}

// Create opens a dispute on [escrowID]. The initiator must be the payer or
// the provider; the respondent is derived as the other party. The escrow
// must be active (it transitions to disputed) or already released (the
// dispute is tracked post-hoc and cannot move funds that already settled).
func (r *Resolver) Create(escrowID ids.EscrowID, initiator ids.WalletID, reason string, evidence string) (*Dispute, error) {
	esc, err := r.engine.Get(escrowID)
	if err != nil {
		return nil, err
	}
	if esc.Status != escrow.StatusActive && esc.Status != escrow.StatusReleased {
		return nil, errs.WithField(errs.State, "status",
			fmt.Errorf("%w: escrow is %s", ErrBadEscrowState, esc.Status))
	}

	var respondent ids.WalletID
	switch initiator {
	case esc.PayerWallet:
		respondent = esc.ProviderWallet
	case esc.ProviderWallet:
		respondent = esc.PayerWallet
	default:
		return nil, errs.WithField(errs.Validation, "initiator_wallet_id", ErrNotParty)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, exists := r.byEscrow[escrowID]; exists {
		return nil, errs.WithField(errs.State, "escrow_id",
			fmt.Errorf("%w: %s", ErrAlreadyDisputed, escrowID))
	}

	row := &Dispute{
		ID:               ids.GenerateDisputeID(),
		EscrowID:         escrowID,
		Status:           StatusOpen,
		Reason:           reason,
		Evidence:         make(map[ids.WalletID]string),
		InitiatorWallet:  initiator,
		RespondentWallet: respondent,
		CreatedAt:        r.clock.Time(),
	}
	if evidence != "" {
		row.Evidence[initiator] = evidence
	}

	if esc.Status == escrow.StatusActive {
		if err := r.engine.MarkDisputed(escrowID, row.ID); err != nil {
			return nil, err
		}
	}
	if err := r.persistLocked(row); err != nil {
		return nil, err
	}
	r.disputes[row.ID] = row
	r.byEscrow[escrowID] = row.ID

	r.bus.Publish(events.DisputeOpened, map[string]interface{}{
		"dispute_id": row.ID,
		"escrow_id":  escrowID,
		"reason":     reason,
		"ts":         row.CreatedAt.Unix(),
	})
	r.log.Info("dispute opened",
		zap.String("disputeID", string(row.ID)),
		zap.String("escrowID", string(escrowID)),
	)
	cloned := r.cloneLocked(row)
	return cloned, nil
}

func (r *Resolver) cloneLocked(row *Dispute) *Dispute {
	cloned := *row
	cloned.Evidence = make(map[ids.WalletID]string, len(row.Evidence))
	for k, v := range row.Evidence {
		cloned.Evidence[k] = v
	}
	return &cloned
}

// Get returns a copy of the dispute row.
func (r *Resolver) Get(disputeID ids.DisputeID) (*Dispute, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	row, ok := r.disputes[disputeID]
	if !ok {
		return nil, errs.WithField(errs.State, "dispute_id", fmt.Errorf("%w: %s", ErrNotFound, disputeID))
	}
	return r.cloneLocked(row), nil
}

// AddEvidence stores [evidence] in the caller's slot. Only involved parties
// may submit, and only while the dispute is open; the latest call wins.
func (r *Resolver) AddEvidence(disputeID ids.DisputeID, walletID ids.WalletID, evidence string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	row, ok := r.disputes[disputeID]
	if !ok {
		return errs.WithField(errs.State, "dispute_id", fmt.Errorf("%w: %s", ErrNotFound, disputeID))
	}
	if row.Status != StatusOpen {
		return errs.WithField(errs.State, "status", fmt.Errorf("%w: %s", ErrNotOpen, row.Status))
	}
	if walletID != row.InitiatorWallet && walletID != row.RespondentWallet {
		return errs.WithField(errs.Validation, "wallet_id", ErrNotParty)
	}
	row.Evidence[walletID] = evidence
	return r.persistLocked(row)
}

// Resolution selects the escrow's terminal state.
type Resolution struct {
	Text         string
	WinnerWallet ids.WalletID // empty for a split
	RefundAmount uint64       // used when WinnerWallet is empty
}

// Resolve terminates the dispute and drives the escrow: winner=payer
// refunds, winner=provider releases with the stored result hash and
// signature, no winner splits per RefundAmount.
func (r *Resolver) Resolve(ctx context.Context, disputeID ids.DisputeID, resolution Resolution) error {
	r.lock.Lock()
	row, ok := r.disputes[disputeID]
	if !ok {
		r.lock.Unlock()
		return errs.WithField(errs.State, "dispute_id", fmt.Errorf("%w: %s", ErrNotFound, disputeID))
	}
	if row.Status != StatusOpen && row.Status != StatusUnderReview {
		r.lock.Unlock()
		return errs.WithField(errs.State, "status", fmt.Errorf("%w: %s", ErrNotOpen, row.Status))
	}
	escrowID := row.EscrowID
	initiator := row.InitiatorWallet
	respondent := row.RespondentWallet
	r.lock.Unlock()

	esc, err := r.engine.Get(escrowID)
	if err != nil {
		return err
	}

	// Only a disputed escrow still has funds to move; a post-release
	// dispute resolution records the outcome without touching settlement.
	if esc.Status == escrow.StatusDisputed {
		switch resolution.WinnerWallet {
		case "":
			err = r.engine.ResolveSplit(ctx, escrowID, resolution.RefundAmount)
		case esc.PayerWallet:
			err = r.engine.ResolveRefund(ctx, escrowID, "dispute resolved for payer")
		case esc.ProviderWallet:
			err = r.engine.ResolveRelease(ctx, escrowID)
		default:
			err = errs.WithField(errs.Validation, "winner_wallet_id", ErrNotParty)
		}
		if err != nil {
			return err
		}
	} else if resolution.WinnerWallet != "" &&
		resolution.WinnerWallet != initiator && resolution.WinnerWallet != respondent {
		return errs.WithField(errs.Validation, "winner_wallet_id", ErrNotParty)
	}

	r.lock.Lock()
	row.Status = StatusResolved
	row.Resolution = resolution.Text
	row.ResolvedAt = r.clock.Time()
	err = r.persistLocked(row)
	r.lock.Unlock()
	if err != nil {
		return err
	}

	r.bus.Publish(events.DisputeResolved, map[string]interface{}{
		"dispute_id": disputeID,
		"escrow_id":  escrowID,
		"resolution": resolution.Text,
		"ts":         row.ResolvedAt.Unix(),
	})
	r.log.Info("dispute resolved",
		zap.String("disputeID", string(disputeID)),
		zap.String("escrowID", string(escrowID)),
	)
	return nil
}

// Reject closes the dispute without moving funds and returns the escrow to
// active.
func (r *Resolver) Reject(disputeID ids.DisputeID, reason string) error {
	r.lock.Lock()
	row, ok := r.disputes[disputeID]
	if !ok {
		r.lock.Unlock()
		return errs.WithField(errs.State, "dispute_id", fmt.Errorf("%w: %s", ErrNotFound, disputeID))
	}
	if row.Status != StatusOpen && row.Status != StatusUnderReview {
		r.lock.Unlock()
		return errs.WithField(errs.State, "status", fmt.Errorf("%w: %s", ErrNotOpen, row.Status))
	}
	escrowID := row.EscrowID
	r.lock.Unlock()

	esc, err := r.engine.Get(escrowID)
	if err != nil {
		return err
	}
	if esc.Status == escrow.StatusDisputed {
		if err := r.engine.ReopenFromDispute(escrowID); err != nil {
			return err
		}
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	row.Status = StatusRejected
	row.Resolution = reason
	row.ResolvedAt = r.clock.Time()
	return r.persistLocked(row)
}
