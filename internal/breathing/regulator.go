// Package breathing implements the adaptive load regulator of spec §4.B:
// a rolling stress score blended from call rate, execution latency, error
// rate and host load, driving a NORMAL/RECOVERY pattern and a recuperation
// flag that gates non-critical dispatch during overload.
package breathing

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/firestige/cyre/internal/clock"
	"github.com/firestige/cyre/internal/metrics"
)

// Pattern is the regulator's coarse operating mode.
type Pattern string

const (
	PatternNormal   Pattern = "normal"
	PatternRecovery Pattern = "recovery"
)

// Stress thresholds from spec §4.B. CRITICAL triggers recuperation;
// recuperation only lifts once stress has fallen below LOW and stayed
// there for the cooldown window (absorbing-state-until-cooldown, spec §9).
const (
	ThresholdLow      = 0.33
	ThresholdMedium   = 0.50
	ThresholdHigh     = 0.75
	ThresholdCritical = 0.90
)

// DefaultCooldown is how long stress must stay below ThresholdLow before
// recuperation is lifted.
const DefaultCooldown = 2 * time.Second

// Sample is one round of raw inputs to the stress blend. It is decoupled
// from internal/metrics' concrete Bus type so the regulator can be driven
// by any producer (tests, a metrics snapshot, a synthetic load generator).
type Sample struct {
	CallRate     float64 // calls/sec, caller-normalized against capacity
	LatencyP95Ms float64 // caller-normalized against an acceptable ceiling
	ErrorRate    float64 // 0..1
	HostLoad     float64 // 0..1, e.g. normalized runtime.NumGoroutine or loadavg
}

// State is the read-only snapshot returned to callers (spec §4.B: "never
// blocks callers").
type State struct {
	Stress         float64
	Pattern        Pattern
	IsRecuperating bool
	BreathCount    uint64
	RateMultiplier float64
}

// weights sum to 1; call rate and latency dominate since they are the most
// direct signal of a channel actually overwhelming the process.
const (
	weightCallRate = 0.35
	weightLatency  = 0.30
	weightError    = 0.20
	weightHostLoad = 0.15
)

// emaAlpha controls how quickly the stress score reacts to a new sample.
// Lower is smoother; chosen so a sustained overload crosses CRITICAL within
// a handful of breaths rather than one spike.
const emaAlpha = "0.35"

// Regulator holds the blended stress EMA and derived pattern/recuperation
// state. Safe for concurrent use; Publish and Snapshot never block for more
// than the duration of a mutex acquisition.
type Regulator struct {
	clock clock.Clock

	mu            sync.Mutex
	stress        decimal.Decimal
	pattern       Pattern
	recuperating  bool
	belowLow      bool  // currently below ThresholdLow
	belowLowSince int64 // clock ms timestamp belowLow first became true
	breathCount   uint64
	cooldown      time.Duration
	bus           *metrics.Bus
}

// New creates a Regulator anchored to c. Pass a real clock.System in
// production and a clock.Fake in tests to drive cooldown windows
// deterministically.
func New(c clock.Clock) *Regulator {
	return &Regulator{
		clock:    c,
		pattern:  PatternNormal,
		cooldown: DefaultCooldown,
	}
}

// WithCooldown overrides the default recuperation cooldown window.
func (r *Regulator) WithCooldown(d time.Duration) *Regulator {
	r.mu.Lock()
	r.cooldown = d
	r.mu.Unlock()
	return r
}

// WithMetrics attaches a metrics bus that Publish reports pattern
// transitions to (spec §4.B: "pattern transitions are logged as metric
// events"). Pass nil to detach.
func (r *Regulator) WithMetrics(bus *metrics.Bus) *Regulator {
	r.mu.Lock()
	r.bus = bus
	r.mu.Unlock()
	return r
}

// Publish blends a new sample into the stress EMA and updates pattern and
// recuperation state. It never blocks on anything beyond its own mutex.
func (r *Regulator) Publish(s Sample) State {
	blended := clamp01(s.CallRate)*weightCallRate +
		clamp01(s.LatencyP95Ms)*weightLatency +
		clamp01(s.ErrorRate)*weightError +
		clamp01(s.HostLoad)*weightHostLoad

	alpha, _ := decimal.NewFromString(emaAlpha)
	sample := decimal.NewFromFloat(blended)

	r.mu.Lock()

	if r.breathCount == 0 {
		r.stress = sample
	} else {
		// EMA: stress = alpha*sample + (1-alpha)*stress
		r.stress = alpha.Mul(sample).Add(decimal.NewFromInt(1).Sub(alpha).Mul(r.stress))
	}
	r.breathCount++

	stressF, _ := r.stress.Float64()
	now := r.clock.Now()

	switch {
	case stressF >= ThresholdCritical:
		r.recuperating = true
		r.belowLow = false
	case stressF < ThresholdLow:
		if !r.belowLow {
			r.belowLow = true
			r.belowLowSince = now
		}
		if r.recuperating && now-r.belowLowSince >= r.cooldown.Milliseconds() {
			r.recuperating = false
		}
	default:
		r.belowLow = false
	}

	prevPattern := r.pattern
	if stressF >= ThresholdMedium {
		r.pattern = PatternRecovery
	} else {
		r.pattern = PatternNormal
	}
	transitioned := r.pattern != prevPattern
	newPattern := r.pattern
	bus := r.bus

	state := r.snapshotLocked(stressF)
	r.mu.Unlock()

	if transitioned && bus != nil {
		bus.Emit(metrics.Event{
			Ts:     now,
			Kind:   metrics.KindPattern,
			Reason: string(prevPattern) + "->" + string(newPattern),
		})
	}

	return state
}

// Snapshot returns the current state without publishing a new sample.
func (r *Regulator) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	stressF, _ := r.stress.Float64()
	return r.snapshotLocked(stressF)
}

func (r *Regulator) snapshotLocked(stressF float64) State {
	return State{
		Stress:         stressF,
		Pattern:        r.pattern,
		IsRecuperating: r.recuperating,
		BreathCount:    r.breathCount,
		RateMultiplier: rateMultiplier(stressF),
	}
}

// rateMultiplier scales non-critical interval fires: 1.0 under LOW, growing
// past 1 as stress climbs toward CRITICAL so repeating timers stretch their
// cadence and back off before recuperation has to refuse calls outright.
func rateMultiplier(stress float64) float64 {
	switch {
	case stress < ThresholdLow:
		return 1.0
	case stress < ThresholdMedium:
		return 1.5
	case stress < ThresholdHigh:
		return 2.0
	case stress < ThresholdCritical:
		return 3.0
	default:
		return 4.0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
