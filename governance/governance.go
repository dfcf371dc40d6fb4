// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package governance runs proposals through draft, voting, finalization,
// and a one-shot execution dispatched to the escrow engine or the community
// fund.
package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/duxnet/duxnetd/database"
	"github.com/duxnet/duxnetd/errs"
	"github.com/duxnet/duxnetd/fund"
	"github.com/duxnet/duxnetd/ids"
	"github.com/duxnet/duxnetd/utils/logging"
	"github.com/duxnet/duxnetd/utils/timer/mockable"
)

const (
	minTitleLen       = 5
	minDescriptionLen = 20
	minVotingPeriod   = 24 * time.Hour
	maxVotingPeriod   = 30 * 24 * time.Hour
)

var (
	ErrProposalNotFound = errors.New("proposal not found")
	ErrBadTransition    = errors.New("invalid proposal transition")
	ErrVotingClosed     = errors.New("proposal is not accepting votes")
	ErrVotingOpen       = errors.New("voting period has not ended")
	ErrNotPassed        = errors.New("only passed proposals execute")
	ErrUnknownCategory  = errors.New("unknown proposal category")
	ErrBadVotingPower   = errors.New("voting power must be positive")
)

// Status of a proposal.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusPassed   Status = "passed"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
	StatusExecuted Status = "executed"
)

// Category selects the execution target.
type Category string

const (
	CategoryCommunityFund  Category = "community_fund"
	CategoryEscrowParams   Category = "escrow_params"
	CategoryGovernance     Category = "governance"
	CategoryFeatureRequest Category = "feature_request"
	CategoryBugFix         Category = "bug_fix"
	CategoryOther          Category = "other"
)

// Outcome of a single vote.
type Outcome string

const (
	VoteYes     Outcome = "yes"
	VoteNo      Outcome = "no"
	VoteAbstain Outcome = "abstain"
)

// Vote is one wallet's current position on a proposal. Re-voting replaces
// the previous row.
type Vote struct {
	ID       ids.VoteID   `json:"id"`
	WalletID ids.WalletID `json:"wallet_id"`
	Outcome  Outcome      `json:"outcome"`
	Power    float64      `json:"voting_power"`
	CastAt   time.Time    `json:"cast_at"`
}

// Proposal is the governance unit of work.
type Proposal struct {
	ID             ids.ProposalID         `json:"id"`
	Title          string                 `json:"title"`
	Description    string                 `json:"description"`
	Category       Category               `json:"category"`
	Status         Status                 `json:"status"`
	ProposerWallet ids.WalletID           `json:"proposer_wallet_id"`
	RequiredQuorum float64                `json:"required_quorum"`
	VotingPeriod   time.Duration          `json:"voting_period"`
	VotingStarted  time.Time              `json:"voting_started,omitempty"`
	VotingEnds     time.Time              `json:"voting_ends,omitempty"`
	ExecutionData  map[string]interface{} `json:"execution_data,omitempty"`
	ExecutorWallet ids.WalletID           `json:"executor_wallet_id,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`

	Votes map[ids.WalletID]*Vote `json:"votes"`
}

// Tally is a point-in-time vote summary.
type Tally struct {
	Yes     float64
	No      float64
	Abstain float64
	Total   float64
	Count   int
}

// ParameterChange is the decoded execution_data of an escrow_params
// proposal.
type ParameterChange struct {
	Parameter string `mapstructure:"parameter"`
	Value     uint64 `mapstructure:"value"`
}

// FundAction is the decoded execution_data of a community_fund proposal.
// Action selects the fund operation: airdrop, withdraw, or set_threshold.
type FundAction struct {
	Action    string `mapstructure:"action"`
	ToWallet  string `mapstructure:"to_wallet_id"`
	Amount    uint64 `mapstructure:"amount"`
	Threshold uint64 `mapstructure:"threshold"`
}

// ShareSetter is the escrow engine hook for parameter changes.
type ShareSetter interface {
	SetProviderShare(share uint32) error
}

// FundExecutor is the community fund hook for airdrops and withdrawals.
type FundExecutor interface {
	GovernanceEnabled() bool
	Airdrop(ctx context.Context) (*fund.AirdropResult, error)
	Withdraw(ctx context.Context, toWallet ids.WalletID, amount uint64) (string, error)
	SetAirdropThreshold(threshold uint64) error
}

var _ FundExecutor = (*fund.Fund)(nil)

// Engine owns proposals and votes.
type Engine struct {
	log    logging.Logger
	clock  mockable.Clock
	escrow ShareSetter
	fund   FundExecutor

	lock      sync.Mutex
	proposals map[ids.ProposalID]*Proposal
	db        database.Database
}

func NewEngine(log logging.Logger, escrow ShareSetter, fund FundExecutor, db database.Database) (*Engine, error) {
	e := &Engine{
		log:       log,
		escrow:    escrow,
		fund:      fund,
		proposals: make(map[ids.ProposalID]*Proposal),
		db:        db,
	}
	if err := e.load(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) load() error {
	if e.db == nil {
		return nil
	}
	it := e.db.NewIterator()
	defer it.Release()
	for it.Next() {
		row := &Proposal{}
		if err := json.Unmarshal(it.Value(), row); err != nil {
			return errs.Wrap(errs.Internal, err)
		}
		if row.Votes == nil {
			row.Votes = make(map[ids.WalletID]*Vote)
		}
		e.proposals[row.ID] = row
	}
	return it.Error()
}

func (e *Engine) persistLocked(row *Proposal) error {
	if e.db == nil {
		return nil
	}
	bytes, err := json.Marshal(row)
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	return errs.Wrap(errs.Internal, e.db.Put([]byte(row.ID), bytes))
}

// CreateParams for a new proposal.
type CreateParams struct {
	Title          string
	Description    string
	Category       Category
	ProposerWallet ids.WalletID
	RequiredQuorum float64
	VotingPeriod   time.Duration
	ExecutionData  map[string]interface{}
}

// Create validates and stores a draft proposal.
func (e *Engine) Create(params CreateParams) (*Proposal, error) {
	if len(params.Title) < minTitleLen {
		return nil, errs.WithField(errs.Validation, "title",
			fmt.Errorf("title must be at least %d characters", minTitleLen))
	}
	if len(params.Description) < minDescriptionLen {
		return nil, errs.WithField(errs.Validation, "description",
			fmt.Errorf("description must be at least %d characters", minDescriptionLen))
	}
	if params.RequiredQuorum <= 0 {
		return nil, errs.WithField(errs.Validation, "required_quorum",
			errors.New("quorum must be positive"))
	}
	if params.VotingPeriod < minVotingPeriod || params.VotingPeriod > maxVotingPeriod {
		return nil, errs.WithField(errs.Validation, "voting_period",
			fmt.Errorf("voting period must be between %s and %s", minVotingPeriod, maxVotingPeriod))
	}
	switch params.Category {
	case CategoryCommunityFund, CategoryEscrowParams, CategoryGovernance,
		CategoryFeatureRequest, CategoryBugFix, CategoryOther:
	default:
		return nil, errs.WithField(errs.Validation, "category",
			fmt.Errorf("%w: %q", ErrUnknownCategory, params.Category))
	}

	row := &Proposal{
		ID:             ids.GenerateProposalID(),
		Title:          params.Title,
		Description:    params.Description,
		Category:       params.Category,
		Status:         StatusDraft,
		ProposerWallet: params.ProposerWallet,
		RequiredQuorum: params.RequiredQuorum,
		VotingPeriod:   params.VotingPeriod,
		ExecutionData:  params.ExecutionData,
		CreatedAt:      e.clock.Time(),
		Votes:          make(map[ids.WalletID]*Vote),
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	if err := e.persistLocked(row); err != nil {
		return nil, err
	}
	e.proposals[row.ID] = row

	e.log.Info("proposal created",
		zap.String("proposalID", string(row.ID)),
		zap.String("category", string(row.Category)),
	)
	return e.cloneLocked(row), nil
}

func (e *Engine) cloneLocked(row *Proposal) *Proposal {
	cloned := *row
	cloned.Votes = make(map[ids.WalletID]*Vote, len(row.Votes))
	for k, v := range row.Votes {
		vote := *v
		cloned.Votes[k] = &vote
	}
	if row.ExecutionData != nil {
		cloned.ExecutionData = make(map[string]interface{}, len(row.ExecutionData))
		for k, v := range row.ExecutionData {
			cloned.ExecutionData[k] = v
		}
	}
	return &cloned
}

// Get returns a copy of the proposal.
func (e *Engine) Get(proposalID ids.ProposalID) (*Proposal, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	row, ok := e.proposals[proposalID]
	if !ok {
		return nil, errs.WithField(errs.State, "proposal_id",
			fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID))
	}
	return e.cloneLocked(row), nil
}

// List returns copies of every proposal, unordered.
func (e *Engine) List() []*Proposal {
	e.lock.Lock()
	defer e.lock.Unlock()

	rows := make([]*Proposal, 0, len(e.proposals))
	for _, row := range e.proposals {
		rows = append(rows, e.cloneLocked(row))
	}
	return rows
}

// Activate opens a draft for voting and stamps the voting window.
func (e *Engine) Activate(proposalID ids.ProposalID) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	row, ok := e.proposals[proposalID]
	if !ok {
		return errs.WithField(errs.State, "proposal_id",
			fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID))
	}
	if row.Status != StatusDraft {
		return errs.WithField(errs.State, "status",
			fmt.Errorf("%w: %s is %s", ErrBadTransition, proposalID, row.Status))
	}
	now := e.clock.Time()
	row.Status = StatusActive
	row.VotingStarted = now
	row.VotingEnds = now.Add(row.VotingPeriod)
	return e.persistLocked(row)
}

// CastVote records [wallet]'s position with [power]. A second vote from the
// same wallet replaces the first.
func (e *Engine) CastVote(proposalID ids.ProposalID, wallet ids.WalletID, outcome Outcome, power float64) error {
	if power <= 0 {
		return errs.WithField(errs.Validation, "voting_power", ErrBadVotingPower)
	}
	switch outcome {
	case VoteYes, VoteNo, VoteAbstain:
	default:
		return errs.WithField(errs.Validation, "outcome",
			fmt.Errorf("unknown vote outcome %q", outcome))
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	row, ok := e.proposals[proposalID]
	if !ok {
		return errs.WithField(errs.State, "proposal_id",
			fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID))
	}
	now := e.clock.Time()
	if row.Status != StatusActive || now.After(row.VotingEnds) {
		return errs.WithField(errs.State, "status", ErrVotingClosed)
	}

	row.Votes[wallet] = &Vote{
		ID:       ids.GenerateVoteID(),
		WalletID: wallet,
		Outcome:  outcome,
		Power:    power,
		CastAt:   now,
	}
	return e.persistLocked(row)
}

func tallyLocked(row *Proposal) Tally {
	t := Tally{}
	for _, vote := range row.Votes {
		switch vote.Outcome {
		case VoteYes:
			t.Yes += vote.Power
		case VoteNo:
			t.No += vote.Power
		case VoteAbstain:
			t.Abstain += vote.Power
		}
		t.Total += vote.Power
		t.Count++
	}
	return t
}

// Tally reports the current vote totals. Abstentions count toward Total
// only.
func (e *Engine) Tally(proposalID ids.ProposalID) (Tally, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	row, ok := e.proposals[proposalID]
	if !ok {
		return Tally{}, errs.WithField(errs.State, "proposal_id",
			fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID))
	}
	return tallyLocked(row), nil
}

// Finalize closes an active proposal after its voting window. It passes iff
// yes outweighs no and total power reaches the quorum; with no votes at all
// it expires instead of being rejected.
func (e *Engine) Finalize(proposalID ids.ProposalID) (Status, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	row, ok := e.proposals[proposalID]
	if !ok {
		return "", errs.WithField(errs.State, "proposal_id",
			fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID))
	}
	if row.Status != StatusActive {
		return "", errs.WithField(errs.State, "status",
			fmt.Errorf("%w: %s is %s", ErrBadTransition, proposalID, row.Status))
	}
	if e.clock.Time().Before(row.VotingEnds) {
		return "", errs.WithField(errs.State, "voting_ends", ErrVotingOpen)
	}

	t := tallyLocked(row)
	switch {
	case t.Count == 0:
		row.Status = StatusExpired
	case t.Yes > t.No && t.Total >= row.RequiredQuorum:
		row.Status = StatusPassed
	default:
		row.Status = StatusRejected
	}
	if err := e.persistLocked(row); err != nil {
		return "", err
	}

	e.log.Info("proposal finalized",
		zap.String("proposalID", string(proposalID)),
		zap.String("status", string(row.Status)),
		zap.Float64("yes", t.Yes),
		zap.Float64("no", t.No),
		zap.Float64("total", t.Total),
	)
	return row.Status, nil
}

// Execute runs a passed proposal's side effect exactly once, recording the
// executor.
func (e *Engine) Execute(ctx context.Context, proposalID ids.ProposalID, executor ids.WalletID) error {
	e.lock.Lock()
	row, ok := e.proposals[proposalID]
	if !ok {
		e.lock.Unlock()
		return errs.WithField(errs.State, "proposal_id",
			fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID))
	}
	if row.Status != StatusPassed {
		e.lock.Unlock()
		return errs.WithField(errs.State, "status",
			fmt.Errorf("%w: %s is %s", ErrNotPassed, proposalID, row.Status))
	}
	// Mark executed before running the side effect so a concurrent Execute
	// cannot double-dispatch.
	row.Status = StatusExecuted
	row.ExecutorWallet = executor
	if err := e.persistLocked(row); err != nil {
		row.Status = StatusPassed
		row.ExecutorWallet = ""
		e.lock.Unlock()
		return err
	}
	category := row.Category
	data := row.ExecutionData
	e.lock.Unlock()

	if err := e.dispatch(ctx, category, data); err != nil {
		e.lock.Lock()
		row.Status = StatusPassed
		row.ExecutorWallet = ""
		_ = e.persistLocked(row)
		e.lock.Unlock()
		return err
	}

	e.log.Info("proposal executed",
		zap.String("proposalID", string(proposalID)),
		zap.String("category", string(category)),
		zap.String("executor", string(executor)),
	)
	return nil
}

func (e *Engine) dispatch(ctx context.Context, category Category, data map[string]interface{}) error {
	switch category {
	case CategoryGovernance, CategoryFeatureRequest, CategoryBugFix, CategoryOther:
		// Advisory outcomes are recorded, nothing runs.
		return nil

	case CategoryEscrowParams:
		change := ParameterChange{}
		if err := mapstructure.Decode(data, &change); err != nil {
			return errs.WithField(errs.Validation, "execution_data", err)
		}
		switch change.Parameter {
		case "provider_share":
			if change.Value > uint64(^uint32(0)) {
				return errs.WithField(errs.Validation, "value",
					errors.New("provider share out of range"))
			}
			return e.escrow.SetProviderShare(uint32(change.Value))
		default:
			return errs.WithField(errs.Validation, "parameter",
				fmt.Errorf("unknown parameter %q", change.Parameter))
		}

	case CategoryCommunityFund:
		if !e.fund.GovernanceEnabled() {
			return errs.Wrap(errs.State, errors.New("fund governance is disabled"))
		}
		action := FundAction{}
		if err := mapstructure.Decode(data, &action); err != nil {
			return errs.WithField(errs.Validation, "execution_data", err)
		}
		switch action.Action {
		case "airdrop":
			_, err := e.fund.Airdrop(ctx)
			return err
		case "withdraw":
			if action.ToWallet == "" || action.Amount == 0 {
				return errs.WithField(errs.Validation, "execution_data",
					errors.New("withdrawal needs to_wallet_id and a positive amount"))
			}
			_, err := e.fund.Withdraw(ctx, ids.WalletID(action.ToWallet), action.Amount)
			return err
		case "set_threshold":
			if action.Threshold == 0 {
				return errs.WithField(errs.Validation, "threshold",
					errors.New("airdrop threshold must be positive"))
			}
			return e.fund.SetAirdropThreshold(action.Threshold)
		default:
			return errs.WithField(errs.Validation, "action",
				fmt.Errorf("unknown fund action %q", action.Action))
		}

	default:
		return errs.WithField(errs.Validation, "category",
			fmt.Errorf("%w: %q", ErrUnknownCategory, category))
	}
}
