package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firestige/cyre/internal/clock"
	"github.com/firestige/cyre/internal/metrics"
	"github.com/firestige/cyre/internal/payload"
	"github.com/firestige/cyre/internal/timekeeper"
)

type harness struct {
	fc    *clock.Fake
	tk    *timekeeper.TimeKeeper
	ps    *payload.Store
	bus   *metrics.Bus
	calls []any
}

func newHarness() *harness {
	fc := clock.NewFake()
	return &harness{
		fc:  fc,
		tk:  timekeeper.New(fc),
		ps:  payload.NewStore(),
		bus: metrics.NewBus(256),
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Clock:   h.fc,
		Timers:  h.tk,
		Payload: h.ps,
		Metrics: h.bus,
		Invoke: func(p any) Outcome {
			h.calls = append(h.calls, p)
			return Outcome{OK: true, Payload: p, Message: "executed"}
		},
	}
}

func TestConfigValidateInvariants(t *testing.T) {
	assert.ErrorIs(t, Config{Throttle: 100 * time.Millisecond, Debounce: 100 * time.Millisecond}.Validate(), ErrThrottleDebounceExclusive)
	assert.ErrorIs(t, Config{MaxWait: 100 * time.Millisecond}.Validate(), ErrMaxWaitRequiresDebounce)
	assert.ErrorIs(t, Config{Debounce: 100 * time.Millisecond, MaxWait: 50 * time.Millisecond}.Validate(), ErrMaxWaitMustExceedDebounce)
	assert.ErrorIs(t, Config{Interval: 100 * time.Millisecond}.Validate(), ErrIntervalRequiresRepeat)
	assert.ErrorIs(t, Config{Delay: -1}.Validate(), ErrNegativeTiming)
	assert.NoError(t, Config{Throttle: 100 * time.Millisecond}.Validate())
	assert.NoError(t, Config{Debounce: 100 * time.Millisecond, MaxWait: 200 * time.Millisecond}.Validate())
	assert.NoError(t, Config{Interval: 100 * time.Millisecond, Repeat: Repeat{Set: true, Count: 3}}.Validate())
}

func TestRepeatZeroIsNoop(t *testing.T) {
	h := newHarness()
	cfg := Config{ID: "ch", Interval: 100 * time.Millisecond, Repeat: Repeat{Set: true, Count: 0}}
	p := Compile(cfg, h.deps())
	out := p.Call(0, "x")
	assert.True(t, out.OK)
	assert.Empty(t, h.calls)
}

func TestBlockDeclinesImmediately(t *testing.T) {
	h := newHarness()
	p := Compile(Config{ID: "ch", Block: true}, h.deps())
	out := p.Call(0, "x")
	assert.False(t, out.OK)
	assert.Equal(t, ReasonBlocked, out.Message)
}

func TestRequiredDeclinesEmptyPayload(t *testing.T) {
	h := newHarness()
	p := Compile(Config{ID: "ch", Required: true}, h.deps())
	out := p.Call(0, "")
	assert.False(t, out.OK)
	assert.Equal(t, ReasonRequiredEmpty, out.Message)
}

func TestConditionDeclinesWhenFalse(t *testing.T) {
	h := newHarness()
	p := Compile(Config{ID: "ch", Condition: func(any) bool { return false }}, h.deps())
	out := p.Call(0, "x")
	assert.False(t, out.OK)
	assert.Equal(t, ReasonConditionUnmet, out.Message)
}

func TestSchemaErrorDeclines(t *testing.T) {
	h := newHarness()
	p := Compile(Config{ID: "ch", Schema: func(any) (any, error) { return nil, assertErr }}, h.deps())
	out := p.Call(0, "x")
	assert.False(t, out.OK)
	assert.Equal(t, ReasonSchemaInvalid, out.Message)
}

func TestDetectChangesSkipsUnchangedSecondCall(t *testing.T) {
	h := newHarness()
	p := Compile(Config{ID: "ch", DetectChanges: true}, h.deps())

	out1 := p.Call(0, map[string]any{"a": 1.0})
	assert.True(t, out1.OK)

	out2 := p.Call(10, map[string]any{"a": 1.0})
	assert.False(t, out2.OK)
	assert.Equal(t, ReasonUnchanged, out2.Message)

	require.Len(t, h.calls, 1)
}

func TestThrottleKeepsOnlyFirstWithinWindow(t *testing.T) {
	h := newHarness()
	p := Compile(Config{ID: "ch", Throttle: 100 * time.Millisecond}, h.deps())

	assert.True(t, p.Call(0, "a").OK)
	assert.False(t, p.Call(10, "b").OK)
	assert.False(t, p.Call(20, "c").OK)
	assert.False(t, p.Call(30, "d").OK)
	assert.True(t, p.Call(200, "e").OK)

	require.Len(t, h.calls, 2)
	assert.Equal(t, "a", h.calls[0])
	assert.Equal(t, "e", h.calls[1])
}

func TestDebounceFiresOnceWithLatestPayloadAfterQuietPeriod(t *testing.T) {
	h := newHarness()
	p := Compile(Config{ID: "ch", Debounce: 300 * time.Millisecond}, h.deps())

	out := p.Call(0, "A")
	assert.True(t, out.OK)
	assert.Equal(t, ReasonDebouncedDeferred, out.Message)

	h.fc.Advance(50)
	p.Call(h.fc.Now(), "B")
	h.fc.Advance(50)
	p.Call(h.fc.Now(), "C")
	h.fc.Advance(50)
	p.Call(h.fc.Now(), "D")

	assert.Empty(t, h.calls, "no execution should happen before the quiet period elapses")

	h.fc.Advance(300)
	fired := h.tk.RunOnce(h.fc.Now())
	assert.Equal(t, 1, fired)

	require.Len(t, h.calls, 1)
	assert.Equal(t, "D", h.calls[0])
}

func TestDebounceWithMaxWaitFiresOnceCeiling(t *testing.T) {
	h := newHarness()
	p := Compile(Config{ID: "ch", Debounce: 300 * time.Millisecond, MaxWait: 800 * time.Millisecond}, h.deps())

	for i, payload := range []string{"p0", "p1", "p2", "p3", "p4", "p5", "p6", "p7", "p8"} {
		p.Call(h.fc.Now(), payload)
		h.tk.RunOnce(h.fc.Now())
		if i < 8 {
			h.fc.Advance(100)
		}
	}

	require.GreaterOrEqual(t, len(h.calls), 1, "maxWait must force at least one execution during a continuous burst")
}

func TestIntervalWithRepeatViaTimingGate(t *testing.T) {
	h := newHarness()
	p := Compile(Config{
		ID:       "ch",
		Delay:    1000 * time.Millisecond,
		Interval: 1000 * time.Millisecond,
		Repeat:   Repeat{Set: true, Count: 3},
	}, h.deps())

	out := p.Call(0, "x")
	assert.True(t, out.Scheduled)

	for i := 0; i < 5; i++ {
		h.fc.Advance(1000)
		h.tk.RunOnce(h.fc.Now())
	}

	assert.Len(t, h.calls, 3)
}

func TestForgetCancelsDebounceAndResetsState(t *testing.T) {
	h := newHarness()
	p := Compile(Config{ID: "ch", Debounce: 300 * time.Millisecond}, h.deps())
	p.Call(0, "A")
	p.Forget()

	h.fc.Advance(1000)
	h.tk.RunOnce(h.fc.Now())
	assert.Empty(t, h.calls)
}

type staticErr string

func (e staticErr) Error() string { return string(e) }

const assertErr = staticErr("boom")

func TestCompileFillsDefaultPriority(t *testing.T) {
	h := newHarness()
	p := Compile(Config{ID: "ch"}, h.deps())
	assert.Equal(t, PriorityMedium, p.cfg.Priority)
}

func TestCompilePreservesExplicitPriority(t *testing.T) {
	h := newHarness()
	p := Compile(Config{ID: "ch", Priority: PriorityCritical}, h.deps())
	assert.Equal(t, PriorityCritical, p.cfg.Priority)
}

func TestThrottleReservesSlotBeforeSecondCheck(t *testing.T) {
	h := newHarness()
	p := Compile(Config{ID: "ch", Throttle: 100 * time.Millisecond}, h.deps())

	out1 := p.Call(0, "first")
	assert.True(t, out1.OK)
	out2 := p.Call(0, "second")
	assert.False(t, out2.OK)
	assert.Equal(t, ReasonThrottled, out2.Message)
	assert.Len(t, h.calls, 1, "the throttled call must never reach Invoke")
}
