// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wallet

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/duxnet/duxnetd/database"
	"github.com/duxnet/duxnetd/errs"
	"github.com/duxnet/duxnetd/ids"
	"github.com/duxnet/duxnetd/utils/timer/mockable"
)

// Audit is the append-only EscrowTransaction store. Rows are keyed by a
// monotonic sequence so iteration returns insertion order.
type Audit struct {
	clock mockable.Clock

	lock sync.Mutex
	rows []*Transaction
	db   database.Database
	seq  uint64
}

func NewAudit(db database.Database) (*Audit, error) {
	a := &Audit{db: db}
	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Audit) load() error {
	if a.db == nil {
		return nil
	}
	it := a.db.NewIterator()
	defer it.Release()
	for it.Next() {
		row := &Transaction{}
		if err := json.Unmarshal(it.Value(), row); err != nil {
			return errs.Wrap(errs.Internal, err)
		}
		a.rows = append(a.rows, row)
		a.seq++
	}
	return it.Error()
}

// Append inserts [row], assigning its ID and timestamp. The stored row is
// immutable from this point on.
func (a *Audit) Append(row Transaction) (*Transaction, error) {
	row.ID = uuid.NewString()
	row.CreatedAt = a.clock.Time()
	if row.BlockchainStatus == "" {
		row.BlockchainStatus = ChainConfirmed
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	if a.db != nil {
		bytes, err := json.Marshal(&row)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, err)
		}
		key := []byte(fmt.Sprintf("%020d", a.seq))
		if err := a.db.Put(key, bytes); err != nil {
			return nil, errs.Wrap(errs.Internal, err)
		}
	}
	a.seq++
	a.rows = append(a.rows, &row)
	return &row, nil
}

// ByEscrow lists the audit rows of [escrowID] in insertion order.
func (a *Audit) ByEscrow(escrowID ids.EscrowID) []*Transaction {
	a.lock.Lock()
	defer a.lock.Unlock()

	var rows []*Transaction
	for _, row := range a.rows {
		if row.EscrowID == escrowID {
			cloned := *row
			rows = append(rows, &cloned)
		}
	}
	return rows
}

// Len reports the total number of audit rows.
func (a *Audit) Len() int {
	a.lock.Lock()
	defer a.lock.Unlock()

	return len(a.rows)
}
