package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusCountersGlobalAndPerChannel(t *testing.T) {
	b := NewBus(16)
	b.Emit(Event{Ts: 1, ChannelID: "a", Kind: KindCall})
	b.Emit(Event{Ts: 2, ChannelID: "a", Kind: KindExecution, DurationMs: 5})
	b.Emit(Event{Ts: 3, ChannelID: "b", Kind: KindSkip, Reason: "throttled"})

	global := b.Counters("")
	assert.Equal(t, uint64(1), global.Calls)
	assert.Equal(t, uint64(1), global.Executions)
	assert.Equal(t, uint64(1), global.Skips)

	a := b.Counters("a")
	assert.Equal(t, uint64(1), a.Calls)
	assert.Equal(t, uint64(0), a.Skips)

	bb := b.Counters("b")
	assert.Equal(t, uint64(1), bb.Skips)
	require.NotNil(t, bb.SkipReasons)
	assert.Equal(t, uint64(1), bb.SkipReasons["throttled"])
}

func TestBusEventsRingBufferWraps(t *testing.T) {
	b := NewBus(3)
	for i := int64(1); i <= 5; i++ {
		b.Emit(Event{Ts: i, ChannelID: "x", Kind: KindCall})
	}
	events := b.Events("x", 0)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].Ts)
	assert.Equal(t, int64(5), events[2].Ts)
}

func TestBusEventsLimit(t *testing.T) {
	b := NewBus(16)
	for i := int64(1); i <= 5; i++ {
		b.Emit(Event{Ts: i, ChannelID: "x", Kind: KindCall})
	}
	events := b.Events("x", 2)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Ts)
	assert.Equal(t, int64(5), events[1].Ts)
}

func TestBusSubscribeAndUnsubscribe(t *testing.T) {
	b := NewBus(16)
	var got []Event
	unsub := b.Subscribe(func(ev Event) bool { return ev.Kind == KindError }, func(ev Event) {
		got = append(got, ev)
	})

	b.Emit(Event{Ts: 1, Kind: KindCall})
	b.Emit(Event{Ts: 2, Kind: KindError})
	require.Len(t, got, 1)

	unsub()
	b.Emit(Event{Ts: 3, Kind: KindError})
	assert.Len(t, got, 1)
}

func TestBusCallRateAndLatencyP95(t *testing.T) {
	b := NewBus(64)
	for i := int64(0); i < 10; i++ {
		b.Emit(Event{Ts: i * 100, Kind: KindCall})
	}
	for i := int64(1); i <= 20; i++ {
		b.Emit(Event{Ts: 500, Kind: KindExecution, DurationMs: i})
	}

	rate := b.CallRate(1000000000, 1000)
	assert.Greater(t, rate, 0.0)

	p95 := b.LatencyP95(1000000000, 1000)
	assert.InDelta(t, 19, p95, 1)
}

func TestBusErrorRate(t *testing.T) {
	b := NewBus(64)
	b.Emit(Event{Ts: 10, Kind: KindCall})
	b.Emit(Event{Ts: 20, Kind: KindCall})
	b.Emit(Event{Ts: 30, Kind: KindError})

	rate := b.ErrorRate(1000000000, 1000)
	assert.Equal(t, 0.5, rate)
}
