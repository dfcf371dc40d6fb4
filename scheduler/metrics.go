// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package scheduler

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	pending  *prometheus.GaugeVec
	finishes *prometheus.CounterVec
}

// NewMetrics registers the scheduler's collectors. A nil receiver records
// nothing.
func NewMetrics(namespace string, registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		pending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_pending",
				Help:      "queued tasks by priority",
			},
			[]string{"priority"},
		),
		finishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_finished",
				Help:      "terminal task transitions by status",
			},
			[]string{"status"},
		),
	}
	if err := registerer.Register(m.pending); err != nil {
		return nil, err
	}
	if err := registerer.Register(m.finishes); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) queued(priority, depth int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(strconv.Itoa(priority)).Set(float64(depth))
}

func (m *metrics) finished(status Status) {
	if m == nil {
		return
	}
	m.finishes.WithLabelValues(string(status)).Inc()
}
