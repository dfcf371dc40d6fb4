// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package fund holds the community fund: the 5% escrow tax accumulates in a
// singleton balance that is periodically airdropped to active nodes.
package fund

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/duxnet/duxnetd/database"
	"github.com/duxnet/duxnetd/errs"
	"github.com/duxnet/duxnetd/escrow"
	"github.com/duxnet/duxnetd/events"
	"github.com/duxnet/duxnetd/ids"
	"github.com/duxnet/duxnetd/registry"
	"github.com/duxnet/duxnetd/utils/logging"
	safemath "github.com/duxnet/duxnetd/utils/math"
	"github.com/duxnet/duxnetd/utils/timer/mockable"
	"github.com/duxnet/duxnetd/wallet"
)

const (
	stateKey = "community_fund"

	DefaultAirdropInterval = 24 * time.Hour
	DefaultMaxAirdropNodes = 100
	DefaultPerNodeTimeout  = 60 * time.Second
)

var (
	ErrAirdropInProgress = errors.New("airdrop already in progress")
	ErrInsufficientFund  = errors.New("insufficient fund balance")
	ErrNoEligibleNodes   = errors.New("no eligible nodes for airdrop")
	ErrBelowMinimum      = errors.New("per-node amount below minimum")
)

var _ escrow.TaxCollector = (*Fund)(nil)

// NodeSource is the slice of the registry the fund needs: active nodes in
// airdrop order, best reputation first.
type NodeSource interface {
	ActiveNodes() []*registry.Node
}

// Payer sends funds from the platform's daemon wallet.
type Payer interface {
	SendToWallet(ctx context.Context, toWallet ids.WalletID, amount uint64) (string, error)
}

// State is the persisted singleton row. Only this package mutates it.
type State struct {
	Balance           uint64    `json:"balance"`
	AirdropThreshold  uint64    `json:"airdrop_threshold"`
	LastAirdropAt     time.Time `json:"last_airdrop_at"`
	LastAirdropAmount uint64    `json:"last_airdrop_amount"`
	GovernanceEnabled bool      `json:"governance_enabled"`
	MinVoteThreshold  float64   `json:"min_vote_threshold"`
}

// Config for the fund.
type Config struct {
	AirdropThreshold uint64
	AirdropInterval  time.Duration
	MaxAirdropNodes  int
	MinAirdropAmount uint64
	PerNodeTimeout   time.Duration

	GovernanceEnabled bool
	MinVoteThreshold  float64
}

// Fund accumulates tax and pays airdrops. Airdrop rounds are at most one at
// a time; per-node transfers inside a round are at-most-once, and a node
// that fails a round is simply picked up again on the next one.
type Fund struct {
	log      logging.Logger
	clock    mockable.Clock
	bus      *events.Bus
	nodes    NodeSource
	wallets  *wallet.Store
	payer    Payer
	audit    *wallet.Audit
	interval time.Duration
	maxNodes int
	minDrop  uint64
	timeout  time.Duration

	lock       sync.Mutex
	state      State
	inProgress bool
	db         database.Database
}

func New(
	config Config,
	log logging.Logger,
	bus *events.Bus,
	nodes NodeSource,
	wallets *wallet.Store,
	payer Payer,
	audit *wallet.Audit,
	db database.Database,
) (*Fund, error) {
	if config.AirdropThreshold == 0 {
		return nil, errs.WithField(errs.Validation, "airdrop_threshold",
			errors.New("airdrop threshold must be positive"))
	}
	if config.MinVoteThreshold <= 0 || config.MinVoteThreshold > 1 {
		return nil, errs.WithField(errs.Validation, "min_vote_threshold",
			errors.New("min vote threshold must be in (0,1]"))
	}
	if config.AirdropInterval <= 0 {
		config.AirdropInterval = DefaultAirdropInterval
	}
	if config.MaxAirdropNodes <= 0 {
		config.MaxAirdropNodes = DefaultMaxAirdropNodes
	}
	if config.PerNodeTimeout <= 0 {
		config.PerNodeTimeout = DefaultPerNodeTimeout
	}

	f := &Fund{
		log:      log,
		bus:      bus,
		nodes:    nodes,
		wallets:  wallets,
		payer:    payer,
		audit:    audit,
		interval: config.AirdropInterval,
		maxNodes: config.MaxAirdropNodes,
		minDrop:  config.MinAirdropAmount,
		timeout:  config.PerNodeTimeout,
		state: State{
			AirdropThreshold:  config.AirdropThreshold,
			GovernanceEnabled: config.GovernanceEnabled,
			MinVoteThreshold:  config.MinVoteThreshold,
		},
		db: db,
	}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Fund) load() error {
	if f.db == nil {
		return nil
	}
	bytes, err := f.db.Get([]byte(stateKey))
	switch {
	case errors.Is(err, database.ErrNotFound):
		return nil
	case err != nil:
		return errs.Wrap(errs.Internal, err)
	}
	stored := State{}
	if err := json.Unmarshal(bytes, &stored); err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	// Config wins for the tunables; the balance and airdrop history are
	// the durable parts.
	f.state.Balance = stored.Balance
	f.state.LastAirdropAt = stored.LastAirdropAt
	f.state.LastAirdropAmount = stored.LastAirdropAmount
	return nil
}

func (f *Fund) persistLocked() error {
	if f.db == nil {
		return nil
	}
	bytes, err := json.Marshal(f.state)
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	return errs.Wrap(errs.Internal, f.db.Put([]byte(stateKey), bytes))
}

// CollectTax credits [amount] to the fund and writes a community_fund audit
// row. If the credit makes an airdrop round eligible, one is started in the
// background.
func (f *Fund) CollectTax(ctx context.Context, escrowID ids.EscrowID, amount uint64) error {
	f.lock.Lock()
	newBalance, err := safemath.Add64(f.state.Balance, amount)
	if err != nil {
		f.lock.Unlock()
		return errs.Wrap(errs.Internal, err)
	}
	f.state.Balance = newBalance
	if err := f.persistLocked(); err != nil {
		f.lock.Unlock()
		return err
	}
	eligible := f.eligibleLocked()
	if eligible {
		f.inProgress = true
	}
	f.lock.Unlock()

	if _, err := f.audit.Append(wallet.Transaction{
		EscrowID: escrowID,
		Type:     wallet.TxCommunityFund,
		Amount:   amount,
	}); err != nil {
		f.log.Warn("fund audit append failed",
			zap.String("escrowID", string(escrowID)),
			zap.Error(err),
		)
	}

	if eligible {
		go func() {
			if _, err := f.runAirdrop(context.WithoutCancel(ctx)); err != nil {
				f.log.Warn("scheduled airdrop failed", zap.Error(err))
			}
		}()
	}
	return nil
}

func (f *Fund) eligibleLocked() bool {
	if f.inProgress {
		return false
	}
	if f.state.Balance < f.state.AirdropThreshold {
		return false
	}
	return f.clock.Time().Sub(f.state.LastAirdropAt) >= f.interval
}

// AirdropResult reports one completed round.
type AirdropResult struct {
	Nodes     int
	Succeeded int
	PerNode   uint64
	Total     uint64
}

// Airdrop runs a round immediately, regardless of threshold and interval.
// Governance uses this for manual rounds. Only one round runs at a time.
func (f *Fund) Airdrop(ctx context.Context) (*AirdropResult, error) {
	f.lock.Lock()
	if f.inProgress {
		f.lock.Unlock()
		return nil, errs.Wrap(errs.State, ErrAirdropInProgress)
	}
	f.inProgress = true
	f.lock.Unlock()

	return f.runAirdrop(ctx)
}

// runAirdrop owns the inProgress flag set by its caller and clears it on
// return.
func (f *Fund) runAirdrop(ctx context.Context) (*AirdropResult, error) {
	defer func() {
		f.lock.Lock()
		f.inProgress = false
		f.lock.Unlock()
	}()

	f.lock.Lock()
	balance := f.state.Balance
	f.lock.Unlock()

	targets := f.selectTargets()
	if len(targets) == 0 {
		return nil, errs.Wrap(errs.State, ErrNoEligibleNodes)
	}

	perNode := balance / uint64(len(targets))
	if perNode < f.minDrop || perNode == 0 {
		return nil, errs.Wrap(errs.State,
			fmt.Errorf("%w: %d per node across %d nodes", ErrBelowMinimum, perNode, len(targets)))
	}

	var (
		resultLock sync.Mutex
		succeeded  []ids.NodeID
	)
	eg, egCtx := errgroup.WithContext(ctx)
	for _, target := range targets {
		target := target
		eg.Go(func() error {
			sendCtx, cancel := context.WithTimeout(egCtx, f.timeout)
			defer cancel()

			txid, err := f.payer.SendToWallet(sendCtx, target.walletID, perNode)
			if err != nil {
				// One node's failure never aborts the round.
				f.log.Warn("airdrop transfer failed",
					zap.String("nodeID", string(target.nodeID)),
					zap.Error(err),
				)
				return nil
			}
			if _, err := f.audit.Append(wallet.Transaction{
				Type:      wallet.TxTransfer,
				Amount:    perNode,
				ToWallet:  target.walletID,
				ChainTxID: txid,
				Metadata: map[string]interface{}{
					"airdrop": true,
					"node_id": target.nodeID,
				},
			}); err != nil {
				f.log.Warn("airdrop audit append failed", zap.Error(err))
			}
			resultLock.Lock()
			succeeded = append(succeeded, target.nodeID)
			resultLock.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	total := perNode * uint64(len(succeeded))

	f.lock.Lock()
	debited, err := safemath.Sub(f.state.Balance, total)
	if err != nil {
		// Taxes collected mid-round only grow the balance, so this is a
		// bookkeeping bug rather than a recoverable state.
		f.lock.Unlock()
		return nil, errs.Wrap(errs.Internal, err)
	}
	f.state.Balance = debited
	f.state.LastAirdropAt = f.clock.Time()
	f.state.LastAirdropAmount = total
	persistErr := f.persistLocked()
	f.lock.Unlock()
	if persistErr != nil {
		return nil, persistErr
	}

	f.bus.Publish(events.FundAirdrop, map[string]interface{}{
		"nodes":    len(targets),
		"paid":     len(succeeded),
		"per_node": perNode,
		"total":    total,
	})
	f.log.Info("airdrop round complete",
		zap.Int("nodes", len(targets)),
		zap.Int("paid", len(succeeded)),
		zap.Uint64("perNode", perNode),
		zap.Uint64("total", total),
	)

	return &AirdropResult{
		Nodes:     len(targets),
		Succeeded: len(succeeded),
		PerNode:   perNode,
		Total:     total,
	}, nil
}

type airdropTarget struct {
	nodeID   ids.NodeID
	walletID ids.WalletID
}

// selectTargets picks up to maxNodes active nodes that have an active
// wallet. ActiveNodes is already ordered best reputation first with node ID
// as the tiebreak.
func (f *Fund) selectTargets() []airdropTarget {
	var targets []airdropTarget
	for _, node := range f.nodes.ActiveNodes() {
		walletID, ok := f.activeWalletFor(node.ID)
		if !ok {
			continue
		}
		targets = append(targets, airdropTarget{nodeID: node.ID, walletID: walletID})
		if len(targets) == f.maxNodes {
			break
		}
	}
	return targets
}

func (f *Fund) activeWalletFor(nodeID ids.NodeID) (ids.WalletID, bool) {
	wallets := f.wallets.ByNode(nodeID)
	sort.Slice(wallets, func(i, j int) bool {
		return wallets[i].ID < wallets[j].ID
	})
	for _, w := range wallets {
		if w.Active {
			return w.ID, true
		}
	}
	return "", false
}

// Withdraw debits [amount] from the fund and pays it to [toWallet]. Used by
// governance execution.
func (f *Fund) Withdraw(ctx context.Context, toWallet ids.WalletID, amount uint64) (string, error) {
	f.lock.Lock()
	if f.state.Balance < amount {
		balance := f.state.Balance
		f.lock.Unlock()
		return "", errs.WithField(errs.Resource, "amount",
			fmt.Errorf("%w: have %d, need %d", ErrInsufficientFund, balance, amount))
	}
	f.state.Balance -= amount
	if err := f.persistLocked(); err != nil {
		f.state.Balance += amount
		f.lock.Unlock()
		return "", err
	}
	f.lock.Unlock()

	txid, err := f.payer.SendToWallet(ctx, toWallet, amount)
	if err != nil {
		f.lock.Lock()
		f.state.Balance += amount
		_ = f.persistLocked()
		f.lock.Unlock()
		return "", err
	}

	if _, err := f.audit.Append(wallet.Transaction{
		Type:      wallet.TxCommunityFund,
		Amount:    amount,
		ToWallet:  toWallet,
		ChainTxID: txid,
		Metadata: map[string]interface{}{
			"withdrawal": true,
		},
	}); err != nil {
		f.log.Warn("withdrawal audit append failed", zap.Error(err))
	}
	return txid, nil
}

// Balance reports the current fund balance.
func (f *Fund) Balance() uint64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.state.Balance
}

// Snapshot returns a copy of the singleton row.
func (f *Fund) Snapshot() State {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.state
}

// GovernanceEnabled reports whether proposals may execute against the fund.
func (f *Fund) GovernanceEnabled() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.state.GovernanceEnabled
}

// MinVoteThreshold is the fraction of total weight a proposal needs.
func (f *Fund) MinVoteThreshold() float64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.state.MinVoteThreshold
}

// SetAirdropThreshold updates the eligibility threshold. Governance hook.
func (f *Fund) SetAirdropThreshold(threshold uint64) error {
	if threshold == 0 {
		return errs.WithField(errs.Validation, "airdrop_threshold",
			errors.New("airdrop threshold must be positive"))
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	f.state.AirdropThreshold = threshold
	return f.persistLocked()
}
