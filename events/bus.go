// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package events implements the fire-and-forget, in-process event bus the
// core publishes lifecycle notifications on. Payloads are JSON. Slow
// subscribers drop messages rather than block publishers.
package events

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/duxnet/duxnetd/utils/logging"
)

type Topic string

const (
	EscrowCreated   Topic = "escrow.created"
	EscrowReleased  Topic = "escrow.released"
	EscrowRefunded  Topic = "escrow.refunded"
	DisputeOpened   Topic = "dispute.opened"
	DisputeResolved Topic = "dispute.resolved"
	FundAirdrop     Topic = "fund.airdrop"
	TaskCompleted   Topic = "task.completed"
	TaskFailed      Topic = "task.failed"
)

const defaultSubscriberBuffer = 64

type Bus struct {
	log logging.Logger

	lock sync.RWMutex
	subs map[Topic][]chan []byte
}

func NewBus(log logging.Logger) *Bus {
	return &Bus{
		log:  log,
		subs: make(map[Topic][]chan []byte),
	}
}

// Publish marshals [payload] and delivers it to every subscriber of [topic].
// Delivery never blocks; a subscriber with a full buffer misses the message.
func (b *Bus) Publish(topic Topic, payload interface{}) {
	bytes, err := json.Marshal(payload)
	if err != nil {
		b.log.Error("dropping unmarshalable event",
			zap.String("topic", string(topic)),
			zap.Error(err),
		)
		return
	}

	b.lock.RLock()
	defer b.lock.RUnlock()

	for _, ch := range b.subs[topic] {
		select {
		case ch <- bytes:
		default:
			b.log.Warn("subscriber too slow, dropping event",
				zap.String("topic", string(topic)),
			)
		}
	}
}

// Subscribe registers a listener for [topic]. The returned cancel func
// removes the subscription and closes the channel.
func (b *Bus) Subscribe(topic Topic) (<-chan []byte, func()) {
	ch := make(chan []byte, defaultSubscriberBuffer)

	b.lock.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.lock.Unlock()

	cancel := func() {
		b.lock.Lock()
		defer b.lock.Unlock()

		subs := b.subs[topic]
		for i, sub := range subs {
			if sub == ch {
				b.subs[topic] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}
