// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package escrow drives the lifecycle of escrow contracts: multi-currency
// fund locking, the 95/5 payout split, release, refund, and dispute
// transitions. All transitions for one escrow are serialized on a per-escrow
// mutex; across escrows, ordering is unspecified.
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/duxnet/duxnetd/chain"
	"github.com/duxnet/duxnetd/database"
	"github.com/duxnet/duxnetd/errs"
	"github.com/duxnet/duxnetd/events"
	"github.com/duxnet/duxnetd/ids"
	"github.com/duxnet/duxnetd/utils/logging"
	"github.com/duxnet/duxnetd/utils/timer/mockable"
	"github.com/duxnet/duxnetd/wallet"
)

var (
	ErrNotFound         = errors.New("escrow not found")
	ErrInvalidState     = errors.New("operation not allowed in current state")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrSameParty        = errors.New("payer and provider must differ")
	ErrBadResultHash    = errors.New("result hash must be 64 lowercase hex chars")
	ErrMissingSignature = errors.New("provider signature required")
	ErrMissingProvider  = errors.New("escrow metadata lacks provider_node_id")
)

// SignatureVerifier is the slice of the authenticator the engine needs to
// check a provider's release signature.
type SignatureVerifier interface {
	Verify(nodeID ids.NodeID, payload map[string]interface{}, timestamp int64, signature string) error
}

// TaxCollector is the narrow port into the community fund. The fund never
// calls back into the engine.
type TaxCollector interface {
	CollectTax(ctx context.Context, escrowID ids.EscrowID, amount uint64) error
}

// ReleaseCheck lets the orchestrator attach result verification to a
// release. It runs after format validation and before any transfer.
type ReleaseCheck func(escrowID ids.EscrowID, taskID ids.TaskID, resultHash string) error

// Config for the engine.
type Config struct {
	// ProviderShare in basis points of ShareDenominator. Governance may
	// change it at runtime within (0, ShareDenominator].
	ProviderShare uint32
}

// Engine is the escrow state machine.
type Engine struct {
	log      logging.Logger
	clock    mockable.Clock
	bus      *events.Bus
	ledger   *wallet.Ledger
	audit    *wallet.Audit
	wallets  *wallet.Store
	verifier SignatureVerifier
	fund     TaxCollector
	check    ReleaseCheck
	metrics  *metrics

	configLock    sync.RWMutex
	providerShare uint32

	lock    sync.Mutex
	escrows map[ids.EscrowID]*Escrow
	perID   map[ids.EscrowID]*sync.Mutex
	db      database.Database
}

func NewEngine(
	log logging.Logger,
	config Config,
	bus *events.Bus,
	wallets *wallet.Store,
	ledger *wallet.Ledger,
	audit *wallet.Audit,
	verifier SignatureVerifier,
	fund TaxCollector,
	db database.Database,
	m *metrics,
) (*Engine, error) {
	if config.ProviderShare == 0 {
		config.ProviderShare = DefaultProviderShare
	}
	e := &Engine{
		log:           log,
		bus:           bus,
		wallets:       wallets,
		ledger:        ledger,
		audit:         audit,
		verifier:      verifier,
		fund:          fund,
		metrics:       m,
		providerShare: config.ProviderShare,
		escrows:       make(map[ids.EscrowID]*Escrow),
		perID:         make(map[ids.EscrowID]*sync.Mutex),
		db:            db,
	}
	if err := e.load(); err != nil {
		return nil, err
	}
	return e, nil
}

// SetReleaseCheck attaches the result-verification hook. Must be called
// before the engine serves traffic; the orchestrator does this at wiring.
func (e *Engine) SetReleaseCheck(check ReleaseCheck) {
	e.check = check
}

// ProviderShare reports the current provider share in basis points.
func (e *Engine) ProviderShare() uint32 {
	e.configLock.RLock()
	defer e.configLock.RUnlock()
	return e.providerShare
}

// SetProviderShare is the governance execution hook for escrow parameter
// changes. Only new escrows observe the new split.
func (e *Engine) SetProviderShare(share uint32) error {
	if share == 0 || share > ShareDenominator {
		return errs.WithField(errs.Validation, "provider_share",
			fmt.Errorf("share %d outside (0,%d]", share, ShareDenominator))
	}
	e.configLock.Lock()
	defer e.configLock.Unlock()
	e.providerShare = share
	return nil
}

func (e *Engine) load() error {
	if e.db == nil {
		return nil
	}
	it := e.db.NewIterator()
	defer it.Release()
	for it.Next() {
		row := &Escrow{}
		if err := json.Unmarshal(it.Value(), row); err != nil {
			return errs.Wrap(errs.Internal, err)
		}
		e.escrows[row.ID] = row
	}
	return it.Error()
}

func (e *Engine) persist(row *Escrow) error {
	if e.db == nil {
		return nil
	}
	bytes, err := json.Marshal(row)
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	return errs.Wrap(errs.Internal, e.db.Put([]byte(row.ID), bytes))
}

// mutexFor returns the per-escrow mutex, creating it on first use.
func (e *Engine) mutexFor(escrowID ids.EscrowID) *sync.Mutex {
	e.lock.Lock()
	defer e.lock.Unlock()

	mu, ok := e.perID[escrowID]
	if !ok {
		mu = &sync.Mutex{}
		e.perID[escrowID] = mu
	}
	return mu
}

func (e *Engine) get(escrowID ids.EscrowID) (*Escrow, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	row, ok := e.escrows[escrowID]
	if !ok {
		return nil, errs.WithField(errs.State, "escrow_id", fmt.Errorf("%w: %s", ErrNotFound, escrowID))
	}
	return row, nil
}

// Get returns a copy of the escrow row.
func (e *Engine) Get(escrowID ids.EscrowID) (*Escrow, error) {
	row, err := e.get(escrowID)
	if err != nil {
		return nil, err
	}
	mu := e.mutexFor(escrowID)
	mu.Lock()
	defer mu.Unlock()
	cloned := *row
	return &cloned, nil
}

// CreateParams describe a new escrow.
type CreateParams struct {
	PayerWallet    ids.WalletID
	ProviderWallet ids.WalletID
	Amount         uint64
	Currency       chain.Currency
	ServiceName    string
	TaskID         ids.TaskID
	APICallID      string
	Metadata       map[string]interface{}
}

// Create validates the contract, locks the payer's funds and activates the
// escrow. A failed lock aborts creation entirely; no pending row is left
// behind.
func (e *Engine) Create(ctx context.Context, params CreateParams) (*Escrow, error) {
	if params.Amount == 0 {
		return nil, errs.WithField(errs.Validation, "amount", ErrInvalidAmount)
	}
	if params.PayerWallet == params.ProviderWallet {
		return nil, errs.WithField(errs.Validation, "provider_wallet_id", ErrSameParty)
	}
	if !params.Currency.Supported() {
		return nil, errs.WithField(errs.Validation, "currency",
			fmt.Errorf("%w: %s", chain.ErrUnknownCurrency, params.Currency))
	}
	if _, err := e.wallets.GetActive(params.PayerWallet); err != nil {
		return nil, err
	}
	if _, err := e.wallets.Get(params.ProviderWallet); err != nil {
		return nil, err
	}

	provider, community := Split(params.Amount, e.ProviderShare())
	row := &Escrow{
		ID:              ids.GenerateEscrowID(),
		PayerWallet:     params.PayerWallet,
		ProviderWallet:  params.ProviderWallet,
		Amount:          params.Amount,
		Currency:        params.Currency,
		Status:          StatusPending,
		ServiceName:     params.ServiceName,
		TaskID:          params.TaskID,
		APICallID:       params.APICallID,
		ProviderAmount:  provider,
		CommunityAmount: community,
		CreatedAt:       e.clock.Time(),
		Metadata:        params.Metadata,
	}

	if err := e.ledger.LockFunds(ctx, row.ID, row.PayerWallet, row.Amount); err != nil {
		return nil, err
	}
	row.Status = StatusActive

	e.lock.Lock()
	e.escrows[row.ID] = row
	e.lock.Unlock()
	if err := e.persist(row); err != nil {
		return nil, err
	}

	if _, err := e.audit.Append(wallet.Transaction{
		EscrowID:   row.ID,
		Type:       wallet.TxCreate,
		Amount:     row.Amount,
		Currency:   row.Currency,
		FromWallet: row.PayerWallet,
		ToWallet:   row.ProviderWallet,
	}); err != nil {
		return nil, err
	}

	e.metrics.transition(StatusActive)
	e.bus.Publish(events.EscrowCreated, map[string]interface{}{
		"escrow_id":    row.ID,
		"amount":       row.Amount,
		"currency":     row.Currency,
		"service_name": row.ServiceName,
		"ts":           row.CreatedAt.Unix(),
	})
	e.log.Info("escrow created",
		zap.String("escrowID", string(row.ID)),
		zap.Uint64("amount", row.Amount),
		zap.String("currency", string(row.Currency)),
	)
	cloned := *row
	return &cloned, nil
}

// ReleasePayload is the canonical payload a provider signs to release an
// escrow.
func ReleasePayload(escrowID ids.EscrowID, resultHash string, timestamp int64) map[string]interface{} {
	return map[string]interface{}{
		"escrow_id":   string(escrowID),
		"result_hash": resultHash,
		"action":      "release",
		"timestamp":   timestamp,
	}
}

// Release moves an active escrow to released: provider signature and result
// hash are checked, then the 95% leg pays the provider on chain and the 5%
// leg credits the community fund. A duplicate release carrying the same
// result hash is idempotent.
func (e *Engine) Release(ctx context.Context, escrowID ids.EscrowID, resultHash string, signature string, timestamp int64) error {
	row, err := e.get(escrowID)
	if err != nil {
		return err
	}
	mu := e.mutexFor(escrowID)
	mu.Lock()
	defer mu.Unlock()

	if row.Status == StatusReleased && row.ResultHash == resultHash {
		// Idempotent duplicate: success without a second transfer.
		return nil
	}
	if row.Status != StatusActive {
		return errs.WithField(errs.State, "status",
			fmt.Errorf("%w: release on %s escrow", ErrInvalidState, row.Status))
	}
	if !ValidResultHash(resultHash) {
		return errs.WithField(errs.Validation, "result_hash", ErrBadResultHash)
	}
	if signature == "" {
		return errs.WithField(errs.Validation, "provider_signature", ErrMissingSignature)
	}

	providerNodeID, ok := row.ProviderNodeID()
	if !ok {
		return errs.WithField(errs.Validation, "metadata", ErrMissingProvider)
	}
	payload := ReleasePayload(row.ID, resultHash, timestamp)
	if err := e.verifier.Verify(providerNodeID, payload, timestamp, signature); err != nil {
		return err
	}
	if e.check != nil {
		if err := e.check(row.ID, row.TaskID, resultHash); err != nil {
			return err
		}
	}

	return e.payout(ctx, row, resultHash, signature)
}

// payout performs the two release legs. Caller holds the per-escrow mutex.
func (e *Engine) payout(ctx context.Context, row *Escrow, resultHash, signature string) error {
	// Chain transfers are not cancellable once begun; they complete or
	// error regardless of the caller's deadline from here on.
	sendCtx := context.WithoutCancel(ctx)

	txid, err := e.ledger.TransferFromEscrow(
		sendCtx, row.ID, row.ProviderWallet, row.ProviderAmount,
		wallet.TxReleaseProvider, nil,
	)
	if err != nil {
		// Nothing committed; escrow stays active for retry.
		return err
	}

	// A dust-sized escrow rounds to a zero community share and the provider
	// transfer above already drained the lock; there is no second leg.
	if row.CommunityAmount > 0 {
		if err := e.ledger.DebitLock(row.ID, row.CommunityAmount); err != nil {
			row.Status = StatusInconsistent
			_ = e.persist(row)
			e.metrics.transition(StatusInconsistent)
			return errs.Wrap(errs.Internal, err)
		}
		if err := e.fund.CollectTax(sendCtx, row.ID, row.CommunityAmount); err != nil {
			// Compensate the internal leg so the books still balance,
			// then park the escrow for the operator: the provider leg is
			// on chain and cannot be recalled.
			if creditErr := e.ledger.CreditLock(row.ID, row.PayerWallet, row.CommunityAmount); creditErr != nil {
				e.log.Error("release compensation failed",
					zap.String("escrowID", string(row.ID)),
					zap.Error(creditErr),
				)
			}
			row.Status = StatusInconsistent
			_ = e.persist(row)
			e.metrics.transition(StatusInconsistent)
			return errs.Wrap(errs.Internal, err)
		}
	}

	now := e.clock.Time()
	row.Status = StatusReleased
	row.ReleasedAt = now
	row.ResultHash = resultHash
	row.ProviderSignature = signature
	if err := e.persist(row); err != nil {
		return err
	}

	if row.CommunityAmount > 0 {
		if _, err := e.audit.Append(wallet.Transaction{
			EscrowID:         row.ID,
			Type:             wallet.TxReleaseCommunity,
			Amount:           row.CommunityAmount,
			Currency:         row.Currency,
			FromWallet:       row.PayerWallet,
			BlockchainStatus: wallet.ChainConfirmed,
		}); err != nil {
			return err
		}
	}

	e.metrics.transition(StatusReleased)
	e.bus.Publish(events.EscrowReleased, map[string]interface{}{
		"escrow_id":        row.ID,
		"provider_amount":  row.ProviderAmount,
		"community_amount": row.CommunityAmount,
		"currency":         row.Currency,
		"ts":               now.Unix(),
	})
	e.log.Info("escrow released",
		zap.String("escrowID", string(row.ID)),
		zap.Uint64("providerAmount", row.ProviderAmount),
		zap.Uint64("communityAmount", row.CommunityAmount),
		zap.String("txid", txid),
	)
	return nil
}

// Refund returns the full original amount to the payer. Allowed from active
// and disputed.
func (e *Engine) Refund(ctx context.Context, escrowID ids.EscrowID, reason string) error {
	row, err := e.get(escrowID)
	if err != nil {
		return err
	}
	mu := e.mutexFor(escrowID)
	mu.Lock()
	defer mu.Unlock()

	return e.refundLocked(ctx, row, reason, StatusRefunded)
}

// refundLocked performs the refund. Caller holds the per-escrow mutex.
func (e *Engine) refundLocked(ctx context.Context, row *Escrow, reason string, terminal Status) error {
	if row.Status != StatusActive && row.Status != StatusDisputed {
		return errs.WithField(errs.State, "status",
			fmt.Errorf("%w: refund on %s escrow", ErrInvalidState, row.Status))
	}

	// The unlock releases the original locked amount in full; the 95/5
	// split never happened for a refunded escrow.
	amount, err := e.ledger.UnlockFunds(row.ID)
	if err != nil {
		return err
	}
	payer, err := e.wallets.Get(row.PayerWallet)
	if err != nil {
		return err
	}
	// The transfer back to the payer is not cancellable once begun.
	txid, err := e.ledger.SendToWallet(context.WithoutCancel(ctx), payer.ID, amount)
	if err != nil {
		return err
	}

	now := e.clock.Time()
	row.Status = terminal
	row.RefundedAt = now
	if err := e.persist(row); err != nil {
		return err
	}

	if _, err := e.audit.Append(wallet.Transaction{
		EscrowID:         row.ID,
		Type:             wallet.TxRefund,
		Amount:           amount,
		Currency:         row.Currency,
		ToWallet:         row.PayerWallet,
		ChainTxID:        txid,
		BlockchainStatus: wallet.ChainPending,
		Metadata:         map[string]interface{}{"reason": reason},
	}); err != nil {
		return err
	}

	e.metrics.transition(terminal)
	e.bus.Publish(events.EscrowRefunded, map[string]interface{}{
		"escrow_id": row.ID,
		"amount":    amount,
		"currency":  row.Currency,
		"reason":    reason,
		"ts":        now.Unix(),
	})
	e.log.Info("escrow refunded",
		zap.String("escrowID", string(row.ID)),
		zap.Uint64("amount", amount),
		zap.String("reason", reason),
	)
	return nil
}

// MarkDisputed links an open dispute to an active escrow.
func (e *Engine) MarkDisputed(escrowID ids.EscrowID, disputeID ids.DisputeID) error {
	row, err := e.get(escrowID)
	if err != nil {
		return err
	}
	mu := e.mutexFor(escrowID)
	mu.Lock()
	defer mu.Unlock()

	if row.Status != StatusActive {
		return errs.WithField(errs.State, "status",
			fmt.Errorf("%w: dispute on %s escrow", ErrInvalidState, row.Status))
	}
	row.Status = StatusDisputed
	row.DisputeID = disputeID
	e.metrics.transition(StatusDisputed)
	return e.persist(row)
}

// ReopenFromDispute returns a disputed escrow to active after a dispute is
// rejected.
func (e *Engine) ReopenFromDispute(escrowID ids.EscrowID) error {
	row, err := e.get(escrowID)
	if err != nil {
		return err
	}
	mu := e.mutexFor(escrowID)
	mu.Lock()
	defer mu.Unlock()

	if row.Status != StatusDisputed {
		return errs.WithField(errs.State, "status",
			fmt.Errorf("%w: reopen on %s escrow", ErrInvalidState, row.Status))
	}
	row.Status = StatusActive
	row.DisputeID = ""
	return e.persist(row)
}

// ResolveRelease settles a disputed escrow in the provider's favor, reusing
// the stored result hash and signature when present.
func (e *Engine) ResolveRelease(ctx context.Context, escrowID ids.EscrowID) error {
	row, err := e.get(escrowID)
	if err != nil {
		return err
	}
	mu := e.mutexFor(escrowID)
	mu.Lock()
	defer mu.Unlock()

	if row.Status != StatusDisputed {
		return errs.WithField(errs.State, "status",
			fmt.Errorf("%w: resolve-release on %s escrow", ErrInvalidState, row.Status))
	}
	return e.payout(ctx, row, row.ResultHash, row.ProviderSignature)
}

// ResolveRefund settles a disputed escrow in the payer's favor.
func (e *Engine) ResolveRefund(ctx context.Context, escrowID ids.EscrowID, reason string) error {
	row, err := e.get(escrowID)
	if err != nil {
		return err
	}
	mu := e.mutexFor(escrowID)
	mu.Lock()
	defer mu.Unlock()

	return e.refundLocked(ctx, row, reason, StatusRefunded)
}

// ResolveSplit settles a disputed escrow partially: the payer receives
// [refundAmount], the provider receives the remainder less the community
// share, which is taken from the provider's portion.
func (e *Engine) ResolveSplit(ctx context.Context, escrowID ids.EscrowID, refundAmount uint64) error {
	row, err := e.get(escrowID)
	if err != nil {
		return err
	}
	mu := e.mutexFor(escrowID)
	mu.Lock()
	defer mu.Unlock()

	if row.Status != StatusDisputed {
		return errs.WithField(errs.State, "status",
			fmt.Errorf("%w: resolve-split on %s escrow", ErrInvalidState, row.Status))
	}
	if refundAmount > row.Amount {
		return errs.WithField(errs.Validation, "refund_amount",
			fmt.Errorf("refund %d exceeds escrow amount %d", refundAmount, row.Amount))
	}

	sendCtx := context.WithoutCancel(ctx)
	providerPortion := row.Amount - refundAmount
	providerAmount, communityAmount := Split(providerPortion, e.ProviderShare())

	if refundAmount > 0 {
		payer, err := e.wallets.Get(row.PayerWallet)
		if err != nil {
			return err
		}
		if _, err := e.ledger.TransferFromEscrow(
			sendCtx, row.ID, payer.ID, refundAmount,
			wallet.TxRefund, map[string]interface{}{"reason": "dispute split"},
		); err != nil {
			return err
		}
	}
	if providerAmount > 0 {
		if _, err := e.ledger.TransferFromEscrow(
			sendCtx, row.ID, row.ProviderWallet, providerAmount,
			wallet.TxReleaseProvider, map[string]interface{}{"reason": "dispute split"},
		); err != nil {
			return err
		}
	}
	if communityAmount > 0 {
		if err := e.ledger.DebitLock(row.ID, communityAmount); err != nil {
			return errs.Wrap(errs.Internal, err)
		}
		if err := e.fund.CollectTax(sendCtx, row.ID, communityAmount); err != nil {
			row.Status = StatusInconsistent
			_ = e.persist(row)
			return errs.Wrap(errs.Internal, err)
		}
	}

	now := e.clock.Time()
	row.Status = StatusResolved
	row.ReleasedAt = now
	if err := e.persist(row); err != nil {
		return err
	}
	e.metrics.transition(StatusResolved)
	e.log.Info("escrow resolved by split",
		zap.String("escrowID", string(row.ID)),
		zap.Uint64("refund", refundAmount),
		zap.Uint64("provider", providerAmount),
		zap.Uint64("community", communityAmount),
	)
	return nil
}

// SetResult records the result hash and provider signature on an active or
// disputed escrow without releasing it. Dispute resolution reuses these.
func (e *Engine) SetResult(escrowID ids.EscrowID, resultHash, signature string) error {
	if !ValidResultHash(resultHash) {
		return errs.WithField(errs.Validation, "result_hash", ErrBadResultHash)
	}
	row, err := e.get(escrowID)
	if err != nil {
		return err
	}
	mu := e.mutexFor(escrowID)
	mu.Lock()
	defer mu.Unlock()

	if row.Status.Terminal() {
		return errs.WithField(errs.State, "status",
			fmt.Errorf("%w: set-result on %s escrow", ErrInvalidState, row.Status))
	}
	row.ResultHash = resultHash
	row.ProviderSignature = signature
	return e.persist(row)
}
