package pipeline

import (
	"sync"
	"time"

	"github.com/firestige/cyre/internal/breathing"
	"github.com/firestige/cyre/internal/clock"
	"github.com/firestige/cyre/internal/metrics"
	"github.com/firestige/cyre/internal/payload"
	"github.com/firestige/cyre/internal/timekeeper"
)

// Reason codes are the fixed set from spec §6's normative call result shape.
const (
	ReasonBlocked           = "blocked"
	ReasonSystemBusy        = "system-busy"
	ReasonSchemaInvalid     = "schema-invalid"
	ReasonRequiredEmpty     = "required-empty"
	ReasonConditionUnmet    = "condition-unmet"
	ReasonUnchanged         = "unchanged"
	ReasonThrottled         = "throttled"
	ReasonDebouncedDeferred = "debounced-deferred"
	ReasonOperatorError     = "operator-error"
)

// Outcome is the call result shape of spec §6, minus the channel-missing
// case (that belongs to the registry/dispatch lookup, not the pipeline).
type Outcome struct {
	OK          bool
	Payload     any
	Message     string
	Scheduled   bool
	ChainResult any
	DurationMs  int64
}

func decline(reason string) Outcome { return Outcome{OK: false, Message: reason} }

// InvokeFunc is supplied by the dispatch core: it runs the channel's
// registered handler(s) against the final working payload and reports the
// outcome. Pipeline never imports dispatch; this is the inversion point.
type InvokeFunc func(payload any) Outcome

// Deps bundles the cross-cutting subsystems a compiled Pipeline reads from
// or schedules against.
type Deps struct {
	Clock     clock.Clock
	Timers    *timekeeper.TimeKeeper
	Payload   *payload.Store
	Breathing *breathing.Regulator
	Metrics   *metrics.Bus
	Invoke    InvokeFunc
}

type debouncePhase int

const (
	debounceIdle debouncePhase = iota
	debounceArmed
	debounceFiredByMaxWait
)

// Pipeline is a compiled, per-channel operator chain plus its mutable
// runtime state (debounce state machine, last-execution timestamp for
// throttle, outstanding timer handles). One Pipeline instance is created
// per channel at registration and lives until the channel is forgotten or
// re-registered.
//
// p.mu only ever guards this pipeline's own state transitions (throttle's
// last-exec slot, the debounce phase). Caller-supplied operator functions
// (schema/selector/condition/transform) and Invoke itself run unlocked, by
// design — serializing arbitrary user code behind the pipeline mutex would
// make one slow handler stall every other call on the channel. Spec §5's
// note that "implementers on preemptive runtimes must serialise mutations
// through a single worker or equivalent" is about exactly this: a host
// that wants a hard single-fire guarantee across *concurrent* goroutines
// calling the same channel needs a caller-side dispatch queue in front of
// Call, not a bigger lock in here.
type Pipeline struct {
	cfg  Config
	deps Deps

	mu            sync.Mutex
	hasExecuted   bool
	lastExecMs    int64
	debouncePhase debouncePhase
	debounceFirst int64
	debounceTimer timekeeper.Handle
}

// Compile builds a Pipeline for cfg. cfg must already have passed
// Validate(); Compile does not re-validate, but it does fill in cfg's
// zero-value Priority with DefaultPriority.
func Compile(cfg Config, deps Deps) *Pipeline {
	return &Pipeline{cfg: cfg.WithDefaults(), deps: deps}
}

// Call runs payload through the canonical operator order (spec §4.F) and
// returns the resulting Outcome. now is the caller-observed monotonic time
// in milliseconds (callers obtain it from internal/clock).
func (p *Pipeline) Call(now int64, in any) Outcome {
	if p.cfg.IsNoop() {
		return Outcome{OK: true, Message: "no-op: repeat=0"}
	}

	// 1. block
	if p.cfg.Block {
		p.emit(now, metrics.KindSkip, 0, ReasonBlocked)
		return decline(ReasonBlocked)
	}

	// 2. system-recuperation
	if p.deps.Breathing != nil && p.cfg.Priority != PriorityCritical {
		if p.deps.Breathing.Snapshot().IsRecuperating {
			p.emit(now, metrics.KindSkip, 0, ReasonSystemBusy)
			return decline(ReasonSystemBusy)
		}
	}

	working := in

	// 3. schema
	if p.cfg.Schema != nil {
		out, err := p.cfg.Schema(working)
		if err != nil {
			p.emit(now, metrics.KindError, 0, ReasonSchemaInvalid)
			return decline(ReasonSchemaInvalid)
		}
		working = out
	}

	// 4. required
	if p.cfg.Required && isEmptyPayload(working) {
		p.emit(now, metrics.KindSkip, 0, ReasonRequiredEmpty)
		return decline(ReasonRequiredEmpty)
	}

	// 5. selector
	if p.cfg.Selector != nil {
		out, err := p.cfg.Selector(working)
		if err != nil {
			p.emit(now, metrics.KindError, 0, ReasonOperatorError)
			return decline(ReasonOperatorError)
		}
		working = out
	}

	// 6. condition
	if p.cfg.Condition != nil && !p.cfg.Condition(working) {
		p.emit(now, metrics.KindSkip, 0, ReasonConditionUnmet)
		return decline(ReasonConditionUnmet)
	}

	p.emit(now, metrics.KindCall, 0, "")
	return p.callAccepted(now, working, false)
}

// callAccepted runs the remainder of the canonical order (detectChanges
// through dispatch) on a payload that has already cleared block,
// recuperation, schema, required, selector and condition. It is also the
// re-entry point for a debounce tail fire, which per spec §4.F step 9
// re-checks detectChanges and throttle before transform/timing-gate/dispatch.
// fromTail is true for that re-entry, which skips step 9.
func (p *Pipeline) callAccepted(now int64, working any, fromTail bool) Outcome {
	deferred := p.cfg.Debounce > 0 && !fromTail

	// 7. detectChanges. A call that is about to be deferred by debounce only
	// checks; the fingerprint is recorded when the tail itself is accepted.
	if p.cfg.DetectChanges && p.deps.Payload != nil {
		fp := payload.Fingerprint64(working)
		if !p.deps.Payload.DetectChanges(p.cfg.ID, fp) {
			p.emit(now, metrics.KindSkip, 0, ReasonUnchanged)
			return decline(ReasonUnchanged)
		}
		if !deferred {
			p.deps.Payload.RecordAccepted(p.cfg.ID, fp)
		}
	}

	// 8. throttle. The check and the reservation of this call's slot happen
	// under one lock acquisition so two goroutines calling the same channel
	// concurrently cannot both read "not throttled" before either updates
	// lastExecMs (spec §5's single-worker-serialization note covers exactly
	// this race on preemptive runtimes).
	if p.cfg.Throttle > 0 {
		p.mu.Lock()
		throttled := p.hasExecuted && now-p.lastExecMs < p.cfg.Throttle.Milliseconds()
		if !throttled {
			p.lastExecMs = now
			p.hasExecuted = true
		}
		p.mu.Unlock()
		if throttled {
			p.emit(now, metrics.KindThrottle, 0, ReasonThrottled)
			return decline(ReasonThrottled)
		}
	}

	// 9. debounce
	if deferred {
		return p.armDebounce(now, working)
	}

	return p.finish(now, working)
}

// finish runs transform and the timing gate, then dispatches to the
// handler (synchronously) or to TimeKeeper (asynchronously).
func (p *Pipeline) finish(now int64, working any) Outcome {
	// 10. transform
	if p.cfg.Transform != nil {
		out, err := p.cfg.Transform(working)
		if err != nil {
			p.emit(now, metrics.KindError, 0, ReasonOperatorError)
			return decline(ReasonOperatorError)
		}
		working = out
	}

	// 11. timing gate
	if p.cfg.Delay > 0 || p.cfg.Interval > 0 {
		p.scheduleTimingGate(now, working)
		return Outcome{OK: true, Scheduled: true, Message: "scheduled"}
	}

	return p.dispatch(now, working)
}

func (p *Pipeline) dispatch(now int64, working any) Outcome {
	start := now
	out := p.deps.Invoke(working)
	p.mu.Lock()
	p.lastExecMs = now
	p.hasExecuted = true
	p.mu.Unlock()
	p.emit(now, metrics.KindExecution, maxInt64(0, p.now()-start), "")
	return out
}

// armDebounce implements the per-channel {idle, armed, fired-by-maxwait}
// state machine of spec §4.F's state-machine note.
func (p *Pipeline) armDebounce(now int64, working any) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.debouncePhase {
	case debounceIdle:
		p.debouncePhase = debounceArmed
		p.debounceFirst = now
		p.scheduleTailLocked(working, p.cfg.Debounce)
	case debounceArmed, debounceFiredByMaxWait:
		if p.cfg.MaxWait > 0 && now-p.debounceFirst >= p.cfg.MaxWait.Milliseconds() {
			p.debouncePhase = debounceFiredByMaxWait
			if p.deps.Timers != nil {
				p.deps.Timers.Cancel(p.debounceTimer)
			}
			p.fireTailLocked(now, working)
		} else {
			if p.deps.Timers != nil {
				p.deps.Timers.Cancel(p.debounceTimer)
			}
			p.scheduleTailLocked(working, p.cfg.Debounce)
		}
	}
	p.emit(now, metrics.KindDebounce, 0, "")
	return Outcome{OK: true, Message: ReasonDebouncedDeferred}
}

func (p *Pipeline) scheduleTailLocked(working any, delay time.Duration) {
	if p.deps.Timers == nil {
		return
	}
	p.debounceTimer = p.deps.Timers.Keep(p.cfg.ID, timekeeper.KindDebounceTail, delay, 0, 0, func() {
		p.mu.Lock()
		p.debouncePhase = debounceIdle
		p.mu.Unlock()
		p.callAccepted(p.now(), working, true)
	})
}

// fireTailLocked runs the tail continuation on the very next scheduler
// turn (a zero-delay one-shot timer) rather than recursing back into the
// pipeline while still holding p.mu, keeping every re-entry funnelled
// through TimeKeeper's single cooperative turn per spec §5.
func (p *Pipeline) fireTailLocked(now int64, working any) {
	p.debouncePhase = debounceIdle
	if p.deps.Timers == nil {
		return
	}
	p.deps.Timers.Keep(p.cfg.ID, timekeeper.KindDebounceTail, 0, 0, 0, func() {
		p.callAccepted(now, working, true)
	})
}

func (p *Pipeline) now() int64 {
	if p.deps.Clock == nil {
		return 0
	}
	return p.deps.Clock.Now()
}

// scheduleTimingGate hands the working payload to TimeKeeper per spec
// §4.F step 11 / §4.C's delay+interval coexistence rule: first fire at
// delay, subsequent fires at interval cadence.
func (p *Pipeline) scheduleTimingGate(now int64, working any) {
	if p.deps.Timers == nil {
		return
	}
	firstDelay := p.cfg.Delay
	period := p.cfg.Interval
	repeat := int64(0)
	switch {
	case p.cfg.Interval > 0 && p.cfg.Repeat.Infinite:
		repeat = timekeeper.RepeatInfinite
	case p.cfg.Interval > 0:
		repeat = p.cfg.Repeat.Count
	default:
		repeat = 1 // pure delay, one shot
	}
	if firstDelay == 0 && period > 0 {
		firstDelay = period
	}
	fire := func() { p.dispatch(p.now(), working) }
	if p.cfg.Priority == PriorityCritical {
		p.deps.Timers.KeepCritical(p.cfg.ID, timekeeper.KindInterval, firstDelay, period, repeat, fire)
	} else {
		p.deps.Timers.Keep(p.cfg.ID, timekeeper.KindInterval, firstDelay, period, repeat, fire)
	}
}

// Forget cancels all outstanding timers for this channel and resets
// debounce state to idle.
func (p *Pipeline) Forget() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deps.Timers != nil {
		p.deps.Timers.ForgetChannel(p.cfg.ID)
	}
	p.debouncePhase = debounceIdle
	p.debounceFirst = 0
}

func (p *Pipeline) emit(now int64, kind metrics.Kind, durationMs int64, reason string) {
	if p.deps.Metrics == nil {
		return
	}
	p.deps.Metrics.Emit(metrics.Event{
		Ts:         now,
		ChannelID:  p.cfg.ID,
		Kind:       kind,
		DurationMs: durationMs,
		Reason:     reason,
	})
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
