package eventbus

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestEmit_InvokesListenersInRegistrationOrder(t *testing.T) {
	bus := New(zerolog.Nop())

	var order []int
	bus.On(RangePersisted, func(any) { order = append(order, 1) })
	bus.On(RangePersisted, func(any) { order = append(order, 2) })
	bus.On(RangePersisted, func(any) { order = append(order, 3) })

	bus.Emit(RangePersisted, RangePersistedPayload{Start: 10, End: 12})
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestEmit_PanickingListenerIsIsolated(t *testing.T) {
	bus := New(zerolog.Nop())

	var reached bool
	bus.On(InitialSyncComplete, func(any) { panic("boom") })
	bus.On(InitialSyncComplete, func(any) { reached = true })

	require.NotPanics(t, func() { bus.Emit(InitialSyncComplete, nil) })
	require.True(t, reached)
}

func TestEmit_PayloadDelivered(t *testing.T) {
	bus := New(zerolog.Nop())

	var got RangePersistedPayload
	bus.On(RangePersisted, func(payload any) {
		got = payload.(RangePersistedPayload)
	})

	bus.Emit(RangePersisted, RangePersistedPayload{Start: 5, End: 9})
	require.Equal(t, uint64(5), got.Start)
	require.Equal(t, uint64(9), got.End)
}

func TestEmit_NoListenersIsNoop(t *testing.T) {
	bus := New(zerolog.Nop())
	require.NotPanics(t, func() { bus.Emit(TailSyncComplete, nil) })
}
