// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duxnet/duxnetd/utils/logging"
)

func TestPublishSubscribe(t *testing.T) {
	require := require.New(t)
	bus := NewBus(logging.NoLog{})

	ch, cancel := bus.Subscribe(EscrowCreated)
	defer cancel()

	bus.Publish(EscrowCreated, map[string]interface{}{"escrow_id": "e-1"})

	var payload map[string]interface{}
	require.NoError(json.Unmarshal(<-ch, &payload))
	require.Equal("e-1", payload["escrow_id"])
}

func TestTopicsAreIndependent(t *testing.T) {
	require := require.New(t)
	bus := NewBus(logging.NoLog{})

	released, cancelReleased := bus.Subscribe(EscrowReleased)
	defer cancelReleased()
	refunded, cancelRefunded := bus.Subscribe(EscrowRefunded)
	defer cancelRefunded()

	bus.Publish(EscrowReleased, map[string]interface{}{"escrow_id": "e-1"})

	require.Len(released, 1)
	require.Empty(refunded)
}

func TestMultipleSubscribers(t *testing.T) {
	require := require.New(t)
	bus := NewBus(logging.NoLog{})

	first, cancelFirst := bus.Subscribe(TaskCompleted)
	defer cancelFirst()
	second, cancelSecond := bus.Subscribe(TaskCompleted)
	defer cancelSecond()

	bus.Publish(TaskCompleted, map[string]interface{}{"task_id": "t-1"})

	require.Len(first, 1)
	require.Len(second, 1)
}

func TestCancelClosesChannel(t *testing.T) {
	require := require.New(t)
	bus := NewBus(logging.NoLog{})

	ch, cancel := bus.Subscribe(DisputeOpened)
	cancel()

	_, open := <-ch
	require.False(open)

	// Publishing after cancel reaches nobody and does not panic.
	bus.Publish(DisputeOpened, map[string]interface{}{"dispute_id": "d-1"})

	// A second cancel is a no-op.
	cancel()
}

func TestSlowSubscriberDrops(t *testing.T) {
	require := require.New(t)
	bus := NewBus(logging.NoLog{})

	ch, cancel := bus.Subscribe(FundAirdrop)
	defer cancel()

	for i := 0; i < defaultSubscriberBuffer+5; i++ {
		bus.Publish(FundAirdrop, map[string]interface{}{"round": i})
	}

	// The buffer holds the first messages; the overflow was dropped, not
	// blocked on.
	require.Len(ch, defaultSubscriberBuffer)

	var payload map[string]interface{}
	require.NoError(json.Unmarshal(<-ch, &payload))
	require.Equal(float64(0), payload["round"])
}

func TestUnmarshalablePayloadDropped(t *testing.T) {
	require := require.New(t)
	bus := NewBus(logging.NoLog{})

	ch, cancel := bus.Subscribe(TaskFailed)
	defer cancel()

	bus.Publish(TaskFailed, map[string]interface{}{"bad": func() {}})
	require.Empty(ch)
}
