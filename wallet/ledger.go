// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"golang.org/x/time/rate"

	"github.com/duxnet/duxnetd/chain"
	"github.com/duxnet/duxnetd/database"
	"github.com/duxnet/duxnetd/errs"
	"github.com/duxnet/duxnetd/ids"
	"github.com/duxnet/duxnetd/utils/logging"
	"github.com/duxnet/duxnetd/utils/timer/mockable"
)

var (
	ErrAlreadyLocked      = errors.New("escrow already holds a lock")
	ErrLockNotFound       = errors.New("no lock for escrow")
	ErrInsufficientLocked = errors.New("insufficient locked funds")
	ErrTransferLimited    = errors.New("transfer rate limit exceeded")
)

// LockStatus of a ledger entry.
type LockStatus string

const (
	Locked   LockStatus = "locked"
	Unlocked LockStatus = "unlocked"
)

// Lock is the in-memory record of funds held for one escrow. The in-memory
// copy is authoritative during a process lifetime; the database mirror is
// for restart reconciliation.
type Lock struct {
	EscrowID   ids.EscrowID `json:"escrow_id"`
	WalletID   ids.WalletID `json:"wallet_id"`
	Amount     uint64       `json:"amount"`
	Status     LockStatus   `json:"status"`
	LockedAt   time.Time    `json:"locked_at"`
	UnlockedAt time.Time    `json:"unlocked_at,omitempty"`
	ChainTxID  string       `json:"txid,omitempty"`
}

// LedgerConfig bounds per-node wallet-to-wallet transfers.
type LedgerConfig struct {
	TransfersPerWindow int
	TransferWindow     time.Duration
}

// Ledger tracks per-escrow locked balances and records lock/unlock/transfer
// audit rows.
type Ledger struct {
	log     logging.Logger
	clock   mockable.Clock
	wallets *Store
	router  *chain.Router
	audit   *Audit
	config  LedgerConfig

	lock     sync.Mutex
	locks    map[ids.EscrowID]*Lock
	db       database.Database
	limiters map[ids.NodeID]*rate.Limiter
}

func NewLedger(
	log logging.Logger,
	config LedgerConfig,
	wallets *Store,
	router *chain.Router,
	audit *Audit,
	db database.Database,
) (*Ledger, error) {
	if config.TransfersPerWindow == 0 {
		config.TransfersPerWindow = 10
	}
	if config.TransferWindow == 0 {
		config.TransferWindow = time.Hour
	}
	l := &Ledger{
		log:      log,
		wallets:  wallets,
		router:   router,
		audit:    audit,
		config:   config,
		locks:    make(map[ids.EscrowID]*Lock),
		db:       db,
		limiters: make(map[ids.NodeID]*rate.Limiter),
	}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// reload rebuilds the in-memory ledger from the mirror after a restart.
// Only rows still locked come back; unlocked rows are history.
func (l *Ledger) reload() error {
	if l.db == nil {
		return nil
	}
	it := l.db.NewIterator()
	defer it.Release()
	for it.Next() {
		row := &Lock{}
		if err := json.Unmarshal(it.Value(), row); err != nil {
			return errs.Wrap(errs.Internal, err)
		}
		if row.Status == Locked {
			l.locks[row.EscrowID] = row
		}
	}
	return it.Error()
}

func (l *Ledger) persistLocked(row *Lock) error {
	if l.db == nil {
		return nil
	}
	bytes, err := json.Marshal(row)
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	return errs.Wrap(errs.Internal, l.db.Put([]byte(row.EscrowID), bytes))
}

func (l *Ledger) removeLocked(escrowID ids.EscrowID) error {
	delete(l.locks, escrowID)
	if l.db == nil {
		return nil
	}
	return errs.Wrap(errs.Internal, l.db.Delete([]byte(escrowID)))
}

// lockedSumFor sums the active locks held against [walletID].
func (l *Ledger) lockedSumFor(walletID ids.WalletID) uint64 {
	sum := uint64(0)
	for _, row := range l.locks {
		if row.WalletID == walletID && row.Status == Locked {
			sum += row.Amount
		}
	}
	return sum
}

// LockFunds validates the wallet, consults the chain for its confirmed
// balance, and records a lock keyed by [escrowID]. The invariant held here:
// the sum of active locks for a wallet never exceeds the confirmed balance
// observed at lock time.
func (l *Ledger) LockFunds(ctx context.Context, escrowID ids.EscrowID, walletID ids.WalletID, amount uint64) error {
	w, err := l.wallets.GetActive(walletID)
	if err != nil {
		return err
	}
	adapter, err := l.router.ForCurrency(w.Currency)
	if err != nil {
		return errs.WithField(errs.Validation, "currency", err)
	}
	balance, err := adapter.Balance(ctx)
	if err != nil {
		return errs.Wrap(errs.External, err)
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	if _, exists := l.locks[escrowID]; exists {
		return errs.WithField(errs.State, "escrow_id", fmt.Errorf("%w: %s", ErrAlreadyLocked, escrowID))
	}
	if balance.Confirmed < l.lockedSumFor(walletID)+amount {
		return errs.WithField(errs.Resource, "amount",
			fmt.Errorf("%w: confirmed %d, requested %d", chain.ErrInsufficientFunds, balance.Confirmed, amount))
	}

	row := &Lock{
		EscrowID: escrowID,
		WalletID: walletID,
		Amount:   amount,
		Status:   Locked,
		LockedAt: l.clock.Time(),
	}
	if err := l.persistLocked(row); err != nil {
		return err
	}
	l.locks[escrowID] = row

	_, err = l.audit.Append(Transaction{
		EscrowID:   escrowID,
		Type:       TxLock,
		Amount:     amount,
		Currency:   w.Currency,
		FromWallet: walletID,
	})
	return err
}

// UnlockFunds clears the lock for [escrowID] in full, writing an unlock
// audit row. Used by refunds: the original locked amount, not the split,
// returns to the payer.
func (l *Ledger) UnlockFunds(escrowID ids.EscrowID) (uint64, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	row, ok := l.locks[escrowID]
	if !ok {
		return 0, errs.WithField(errs.State, "escrow_id", fmt.Errorf("%w: %s", ErrLockNotFound, escrowID))
	}
	amount := row.Amount
	row.Status = Unlocked
	row.UnlockedAt = l.clock.Time()
	if err := l.persistLocked(row); err != nil {
		return 0, err
	}
	if err := l.removeLocked(escrowID); err != nil {
		return 0, err
	}

	w, err := l.wallets.Get(row.WalletID)
	if err != nil {
		return 0, err
	}
	_, err = l.audit.Append(Transaction{
		EscrowID: escrowID,
		Type:     TxUnlock,
		Amount:   amount,
		Currency: w.Currency,
		ToWallet: row.WalletID,
	})
	return amount, err
}

// LockedAmount reports the active lock held for [escrowID], zero if none.
func (l *Ledger) LockedAmount(escrowID ids.EscrowID) uint64 {
	l.lock.Lock()
	defer l.lock.Unlock()

	if row, ok := l.locks[escrowID]; ok && row.Status == Locked {
		return row.Amount
	}
	return 0
}

// TransferFromEscrow pays [amount] of the funds locked under [escrowID] to
// [toWallet] on chain, reduces the lock by the transferred portion, and
// records an audit row of [txType]. When the lock reaches zero it is
// removed.
func (l *Ledger) TransferFromEscrow(
	ctx context.Context,
	escrowID ids.EscrowID,
	toWallet ids.WalletID,
	amount uint64,
	txType TxType,
	metadata map[string]interface{},
) (string, error) {
	to, err := l.wallets.Get(toWallet)
	if err != nil {
		return "", err
	}
	adapter, err := l.router.ForCurrency(to.Currency)
	if err != nil {
		return "", errs.WithField(errs.Validation, "currency", err)
	}

	l.lock.Lock()
	row, ok := l.locks[escrowID]
	if !ok || row.Status != Locked {
		l.lock.Unlock()
		return "", errs.WithField(errs.State, "escrow_id", fmt.Errorf("%w: %s", ErrLockNotFound, escrowID))
	}
	if row.Amount < amount {
		l.lock.Unlock()
		return "", errs.WithField(errs.Resource, "amount",
			fmt.Errorf("%w: locked %d, requested %d", ErrInsufficientLocked, row.Amount, amount))
	}
	l.lock.Unlock()

	// The chain send happens outside the ledger lock; escrow-level
	// serialization guarantees no competing transfer for this escrow.
	txid, err := adapter.Send(ctx, to.Address, amount)
	if err != nil {
		return "", errs.Wrap(errs.External, err)
	}

	l.lock.Lock()
	row.Amount -= amount
	row.ChainTxID = txid
	if row.Amount == 0 {
		err = l.removeLocked(escrowID)
	} else {
		err = l.persistLocked(row)
	}
	l.lock.Unlock()
	if err != nil {
		return txid, err
	}

	_, err = l.audit.Append(Transaction{
		EscrowID:         escrowID,
		Type:             txType,
		Amount:           amount,
		Currency:         to.Currency,
		FromWallet:       row.WalletID,
		ToWallet:         toWallet,
		ChainTxID:        txid,
		BlockchainStatus: ChainPending,
		Metadata:         metadata,
	})
	return txid, err
}

// DebitLock reduces the lock without an on-chain transfer. The community
// share of a release moves value into the fund's ledger, not onto a chain.
func (l *Ledger) DebitLock(escrowID ids.EscrowID, amount uint64) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	row, ok := l.locks[escrowID]
	if !ok || row.Status != Locked {
		return errs.WithField(errs.State, "escrow_id", fmt.Errorf("%w: %s", ErrLockNotFound, escrowID))
	}
	if row.Amount < amount {
		return errs.WithField(errs.Resource, "amount",
			fmt.Errorf("%w: locked %d, requested %d", ErrInsufficientLocked, row.Amount, amount))
	}
	row.Amount -= amount
	if row.Amount == 0 {
		return l.removeLocked(escrowID)
	}
	return l.persistLocked(row)
}

// CreditLock restores a previously debited portion. Used to compensate when
// the second leg of a release fails after the first committed.
func (l *Ledger) CreditLock(escrowID ids.EscrowID, walletID ids.WalletID, amount uint64) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	row, ok := l.locks[escrowID]
	if !ok {
		row = &Lock{
			EscrowID: escrowID,
			WalletID: walletID,
			Status:   Locked,
			LockedAt: l.clock.Time(),
		}
		l.locks[escrowID] = row
	}
	row.Amount += amount
	return l.persistLocked(row)
}

// SendToWallet pays [amount] from the platform's daemon wallet to the
// address of [toWallet]. Used for refunds after the lock is released; no
// lock bookkeeping happens here.
func (l *Ledger) SendToWallet(ctx context.Context, toWallet ids.WalletID, amount uint64) (string, error) {
	to, err := l.wallets.Get(toWallet)
	if err != nil {
		return "", err
	}
	adapter, err := l.router.ForCurrency(to.Currency)
	if err != nil {
		return "", errs.WithField(errs.Validation, "currency", err)
	}
	txid, err := adapter.Send(ctx, to.Address, amount)
	if err != nil {
		return "", errs.Wrap(errs.External, err)
	}
	return txid, nil
}

// TransferBetweenWallets moves funds directly between two wallets via the
// chain adapter, subject to the per-node transfer rate limit.
func (l *Ledger) TransferBetweenWallets(
	ctx context.Context,
	fromWallet ids.WalletID,
	toWallet ids.WalletID,
	amount uint64,
) (string, error) {
	from, err := l.wallets.GetActive(fromWallet)
	if err != nil {
		return "", err
	}
	to, err := l.wallets.Get(toWallet)
	if err != nil {
		return "", err
	}
	if from.Currency != to.Currency {
		return "", errs.WithField(errs.Validation, "currency",
			fmt.Errorf("cannot transfer %s to a %s wallet", from.Currency, to.Currency))
	}
	if !l.allowTransfer(from.NodeID) {
		return "", errs.WithField(errs.Resource, "node_id",
			fmt.Errorf("%w: node %s", ErrTransferLimited, from.NodeID))
	}

	adapter, err := l.router.ForCurrency(from.Currency)
	if err != nil {
		return "", errs.WithField(errs.Validation, "currency", err)
	}
	txid, err := adapter.Send(ctx, to.Address, amount)
	if err != nil {
		return "", errs.Wrap(errs.External, err)
	}

	l.log.Info("wallet transfer",
		zap.String("from", string(fromWallet)),
		zap.String("to", string(toWallet)),
		zap.Uint64("amount", amount),
		zap.String("txid", txid),
	)
	_, err = l.audit.Append(Transaction{
		Type:             TxTransfer,
		Amount:           amount,
		Currency:         from.Currency,
		FromWallet:       fromWallet,
		ToWallet:         toWallet,
		ChainTxID:        txid,
		BlockchainStatus: ChainPending,
	})
	return txid, err
}

func (l *Ledger) allowTransfer(nodeID ids.NodeID) bool {
	l.lock.Lock()
	limiter, ok := l.limiters[nodeID]
	if !ok {
		every := l.config.TransferWindow / time.Duration(l.config.TransfersPerWindow)
		limiter = rate.NewLimiter(rate.Every(every), l.config.TransfersPerWindow)
		l.limiters[nodeID] = limiter
	}
	l.lock.Unlock()
	return limiter.Allow()
}
