// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wallet tracks per-node wallets, the per-escrow locked-funds
// ledger, and the append-only escrow transaction audit. The in-memory ledger
// is authoritative during a process lifetime; every mutation is mirrored to
// the audit store.
package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/duxnet/duxnetd/chain"
	"github.com/duxnet/duxnetd/database"
	"github.com/duxnet/duxnetd/errs"
	"github.com/duxnet/duxnetd/ids"
)

var (
	ErrWalletExists   = errors.New("wallet already exists")
	ErrWalletNotFound = errors.New("wallet not found")
	ErrWalletInactive = errors.New("wallet inactive")
)

// Wallet is one per node, per currency class. The address is an opaque
// string validated by the chain adapter for its currency.
type Wallet struct {
	ID       ids.WalletID   `json:"id"`
	NodeID   ids.NodeID     `json:"node_id"`
	Name     string         `json:"wallet_name"`
	Address  string         `json:"address"`
	Currency chain.Currency `json:"currency"`
	Active   bool           `json:"active"`
}

// Store is the wallet catalog.
type Store struct {
	lock    sync.RWMutex
	wallets map[ids.WalletID]*Wallet
	db      database.Database
}

func NewStore(db database.Database) (*Store, error) {
	s := &Store{
		wallets: make(map[ids.WalletID]*Wallet),
		db:      db,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	if s.db == nil {
		return nil
	}
	it := s.db.NewIterator()
	defer it.Release()
	for it.Next() {
		w := &Wallet{}
		if err := json.Unmarshal(it.Value(), w); err != nil {
			return errs.Wrap(errs.Internal, err)
		}
		s.wallets[w.ID] = w
	}
	return it.Error()
}

func (s *Store) persistLocked(w *Wallet) error {
	if s.db == nil {
		return nil
	}
	bytes, err := json.Marshal(w)
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	return errs.Wrap(errs.Internal, s.db.Put([]byte(w.ID), bytes))
}

// Add registers a wallet. Currency must be in the supported set.
func (s *Store) Add(w *Wallet) error {
	if !w.Currency.Supported() {
		return errs.WithField(errs.Validation, "currency",
			fmt.Errorf("%w: %s", chain.ErrUnknownCurrency, w.Currency))
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if _, exists := s.wallets[w.ID]; exists {
		return errs.WithField(errs.State, "wallet_id", fmt.Errorf("%w: %s", ErrWalletExists, w.ID))
	}
	cloned := *w
	if err := s.persistLocked(&cloned); err != nil {
		return err
	}
	s.wallets[w.ID] = &cloned
	return nil
}

// Get returns the wallet row, active or not.
func (s *Store) Get(id ids.WalletID) (*Wallet, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	w, ok := s.wallets[id]
	if !ok {
		return nil, errs.WithField(errs.State, "wallet_id", fmt.Errorf("%w: %s", ErrWalletNotFound, id))
	}
	cloned := *w
	return &cloned, nil
}

// GetActive returns the wallet and fails if it is deactivated.
func (s *Store) GetActive(id ids.WalletID) (*Wallet, error) {
	w, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !w.Active {
		return nil, errs.WithField(errs.State, "wallet_id", fmt.Errorf("%w: %s", ErrWalletInactive, id))
	}
	return w, nil
}

// SetActive toggles the active flag.
func (s *Store) SetActive(id ids.WalletID, active bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	w, ok := s.wallets[id]
	if !ok {
		return errs.WithField(errs.State, "wallet_id", fmt.Errorf("%w: %s", ErrWalletNotFound, id))
	}
	w.Active = active
	return s.persistLocked(w)
}

// ByNode lists the wallets of [nodeID].
func (s *Store) ByNode(nodeID ids.NodeID) []*Wallet {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var wallets []*Wallet
	for _, w := range s.wallets {
		if w.NodeID == nodeID {
			cloned := *w
			wallets = append(wallets, &cloned)
		}
	}
	return wallets
}

// TxType labels one audit row.
type TxType string

const (
	TxCreate           TxType = "create"
	TxReleaseProvider  TxType = "release_provider"
	TxReleaseCommunity TxType = "release_community"
	TxRefund           TxType = "refund"
	TxLock             TxType = "lock"
	TxUnlock           TxType = "unlock"
	TxCommunityFund    TxType = "community_fund"
	TxTransfer         TxType = "transfer"
)

// BlockchainStatus of the on-chain leg of an audit row.
type BlockchainStatus string

const (
	ChainPending   BlockchainStatus = "pending"
	ChainConfirmed BlockchainStatus = "confirmed"
	ChainFailed    BlockchainStatus = "failed"
)

// Transaction is one append-only audit row. Rows are never mutated after
// insertion.
type Transaction struct {
	ID               string                 `json:"id"`
	EscrowID         ids.EscrowID           `json:"escrow_id"`
	Type             TxType                 `json:"type"`
	Amount           uint64                 `json:"amount"`
	Currency         chain.Currency         `json:"currency"`
	FromWallet       ids.WalletID           `json:"from_wallet_id,omitempty"`
	ToWallet         ids.WalletID           `json:"to_wallet_id,omitempty"`
	ChainTxID        string                 `json:"txid,omitempty"`
	BlockchainStatus BlockchainStatus       `json:"blockchain_status"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}
