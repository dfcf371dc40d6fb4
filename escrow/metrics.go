// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package escrow

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	transitions *prometheus.CounterVec
}

// NewMetrics registers the engine's collectors. A nil receiver is valid and
// records nothing, which keeps tests quiet.
func NewMetrics(namespace string, registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escrow_transitions",
				Help:      "number of escrow state transitions by resulting status",
			},
			[]string{"status"},
		),
	}
	if err := registerer.Register(m.transitions); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) transition(status Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(status)).Inc()
}
