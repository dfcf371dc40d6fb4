// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"fmt"
	"sync"
)

// Router maps each supported currency onto its adapter. Components hold a
// Router and never reach a daemon directly.
type Router struct {
	lock     sync.RWMutex
	adapters map[Currency]Adapter
}

func NewRouter() *Router {
	return &Router{adapters: make(map[Currency]Adapter)}
}

// Register wires [adapter] as the settlement path for its currency.
// Re-registering a currency replaces the previous adapter.
func (r *Router) Register(adapter Adapter) error {
	currency := adapter.Currency()
	if !currency.Supported() {
		return fmt.Errorf("%w: %s", ErrUnknownCurrency, currency)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	r.adapters[currency] = adapter
	return nil
}

// ForCurrency returns the adapter settling [currency].
func (r *Router) ForCurrency(currency Currency) (Adapter, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	adapter, ok := r.adapters[currency]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCurrency, currency)
	}
	return adapter, nil
}

// Currencies lists the currencies with a registered adapter.
func (r *Router) Currencies() []Currency {
	r.lock.RLock()
	defer r.lock.RUnlock()

	currencies := make([]Currency, 0, len(r.adapters))
	for c := range r.adapters {
		currencies = append(currencies, c)
	}
	return currencies
}
