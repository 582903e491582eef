package timekeeper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firestige/cyre/internal/breathing"
	"github.com/firestige/cyre/internal/clock"
)

func TestOneShotDelayFiresOnce(t *testing.T) {
	fc := clock.NewFake()
	tk := New(fc)

	var fires int
	tk.Keep("ch1", KindDelay, 100*time.Millisecond, 0, 0, func() { fires++ })

	fc.Advance(99)
	assert.Equal(t, 0, tk.RunOnce(fc.Now()))
	fc.Advance(1)
	assert.Equal(t, 1, tk.RunOnce(fc.Now()))
	assert.Equal(t, 1, fires)

	fc.Advance(1000)
	assert.Equal(t, 0, tk.RunOnce(fc.Now()), "one-shot timer must not fire twice")
}

func TestIntervalRepeatsExactCount(t *testing.T) {
	fc := clock.NewFake()
	tk := New(fc)

	var fires []int64
	tk.Keep("ch-i", KindInterval, 1000*time.Millisecond, 1000*time.Millisecond, 3, func() {
		fires = append(fires, fc.Now())
	})

	for i := 0; i < 5; i++ {
		fc.Advance(1000)
		tk.RunOnce(fc.Now())
	}

	require.Len(t, fires, 3)
	assert.Equal(t, []int64{1000, 2000, 3000}, fires)
}

func TestRepeatZeroNeverFires(t *testing.T) {
	fc := clock.NewFake()
	tk := New(fc)
	fired := false
	tk.Keep("ch-0", KindInterval, 0, 1000*time.Millisecond, 0, func() { fired = true })
	fc.Advance(5000)
	tk.RunOnce(fc.Now())
	assert.False(t, fired)
}

func TestInfiniteRepeatKeepsFiring(t *testing.T) {
	fc := clock.NewFake()
	tk := New(fc)
	var n int
	tk.Keep("ch-inf", KindInterval, 10*time.Millisecond, 10*time.Millisecond, RepeatInfinite, func() { n++ })
	for i := 0; i < 20; i++ {
		fc.Advance(10)
		tk.RunOnce(fc.Now())
	}
	assert.Equal(t, 20, n)
}

func TestCancelIsIdempotentAndPreventsFiring(t *testing.T) {
	fc := clock.NewFake()
	tk := New(fc)
	fired := false
	h := tk.Keep("ch1", KindDelay, 100*time.Millisecond, 0, 0, func() { fired = true })
	tk.Cancel(h)
	tk.Cancel(h) // idempotent

	fc.Advance(200)
	tk.RunOnce(fc.Now())
	assert.False(t, fired)
}

func TestForgetChannelCancelsAllItsTimers(t *testing.T) {
	fc := clock.NewFake()
	tk := New(fc)
	var n int
	tk.Keep("ch1", KindDelay, 100*time.Millisecond, 0, 0, func() { n++ })
	tk.Keep("ch1", KindInterval, 100*time.Millisecond, 100*time.Millisecond, RepeatInfinite, func() { n++ })
	tk.Keep("ch2", KindDelay, 100*time.Millisecond, 0, 0, func() { n++ })

	tk.ForgetChannel("ch1")

	fc.Advance(500)
	tk.RunOnce(fc.Now())
	assert.Equal(t, 1, n, "only ch2's timer should have fired")
}

func TestEqualDeadlinesFireInInsertionOrder(t *testing.T) {
	fc := clock.NewFake()
	tk := New(fc)
	var order []string
	tk.Keep("a", KindDelay, 100*time.Millisecond, 0, 0, func() { order = append(order, "a") })
	tk.Keep("b", KindDelay, 100*time.Millisecond, 0, 0, func() { order = append(order, "b") })
	tk.Keep("c", KindDelay, 100*time.Millisecond, 0, 0, func() { order = append(order, "c") })

	fc.Advance(100)
	tk.RunOnce(fc.Now())
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestDriftCompensationReschedulesFromScheduledDeadlineNotNow(t *testing.T) {
	fc := clock.NewFake()
	tk := New(fc)
	var fires []int64
	tk.Keep("ch", KindInterval, 100*time.Millisecond, 100*time.Millisecond, RepeatInfinite, func() {
		fires = append(fires, fc.Now())
	})

	// host "pauses" well past the first deadline
	fc.Advance(350)
	tk.RunOnce(fc.Now())
	require.Len(t, fires, 1, "at most one catch-up fire per tick")
	assert.Equal(t, int64(350), fires[0])

	// next scheduled deadline is 100+100=200, already behind; it fires
	// again on the very next RunOnce rather than waiting a full period
	fired := tk.RunOnce(fc.Now())
	assert.Equal(t, 1, fired)
}

func TestNextDeadlineReflectsSoonestTimer(t *testing.T) {
	fc := clock.NewFake()
	tk := New(fc)
	_, ok := tk.NextDeadline()
	assert.False(t, ok)

	tk.Keep("a", KindDelay, 500*time.Millisecond, 0, 0, func() {})
	tk.Keep("b", KindDelay, 100*time.Millisecond, 0, 0, func() {})

	d, ok := tk.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, int64(100), d)
}

func TestRecoveryStretchesNonCriticalInterval(t *testing.T) {
	fc := clock.NewFake()
	reg := breathing.New(fc)
	tk := New(fc).WithBreathing(reg)

	// drive stress into RECOVERY (>= ThresholdMedium) so RateMultiplier > 1
	reg.Publish(breathing.Sample{CallRate: 1, LatencyP95Ms: 1, ErrorRate: 1, HostLoad: 1})
	rate := reg.Snapshot().RateMultiplier
	require.Greater(t, rate, 1.0)

	var fires []int64
	tk.Keep("ch", KindInterval, 100*time.Millisecond, 100*time.Millisecond, RepeatInfinite, func() {
		fires = append(fires, fc.Now())
	})

	fc.Advance(100)
	tk.RunOnce(fc.Now())
	require.Len(t, fires, 1)

	fc.Advance(int64(100 * rate))
	tk.RunOnce(fc.Now())
	require.Len(t, fires, 2, "the second fire must wait the stretched interval, not the bare period")
}

func TestKeepCriticalIsExemptFromRecoveryStretch(t *testing.T) {
	fc := clock.NewFake()
	reg := breathing.New(fc)
	tk := New(fc).WithBreathing(reg)

	reg.Publish(breathing.Sample{CallRate: 1, LatencyP95Ms: 1, ErrorRate: 1, HostLoad: 1})
	require.Greater(t, reg.Snapshot().RateMultiplier, 1.0)

	var fires []int64
	tk.KeepCritical("ch", KindInterval, 100*time.Millisecond, 100*time.Millisecond, RepeatInfinite, func() {
		fires = append(fires, fc.Now())
	})

	fc.Advance(100)
	tk.RunOnce(fc.Now())
	require.Len(t, fires, 1)

	fc.Advance(100)
	tk.RunOnce(fc.Now())
	require.Len(t, fires, 2, "a critical timer's cadence must not be stretched by recovery")
}
