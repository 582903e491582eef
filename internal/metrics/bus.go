// Package metrics implements the append-only metrics bus (spec §4.H):
// a bounded ring buffer of call/execution/skip/error events, derived
// per-channel and global counters, and ad-hoc filtered live streams for
// external collectors. The breathing regulator is the only built-in
// consumer and samples the derived counters, never the full stream.
package metrics

import (
	"sync"
	"time"
)

// Kind enumerates the metric event kinds named in spec §3.
type Kind string

const (
	KindCall      Kind = "call"
	KindExecution Kind = "execution"
	KindSkip      Kind = "skip"
	KindThrottle  Kind = "throttle"
	KindDebounce  Kind = "debounce"
	KindError     Kind = "error"
	KindIntralink Kind = "intralink"
	KindPattern   Kind = "pattern"
)

// Event is the normative metric record of spec §3.
type Event struct {
	Ts         int64
	ChannelID  string
	Kind       Kind
	DurationMs int64
	Reason     string
	Meta       map[string]any
}

// Counters are the derived, O(1)-updated aggregates kept per channel and
// globally. SkipReasons is lazily allocated.
type Counters struct {
	Calls          uint64
	Executions     uint64
	Skips          uint64
	Errors         uint64
	Debounced      uint64
	Throttled      uint64
	PatternChanges uint64
	SkipReasons    map[string]uint64
}

func (c *Counters) clone() Counters {
	out := *c
	if c.SkipReasons != nil {
		out.SkipReasons = make(map[string]uint64, len(c.SkipReasons))
		for k, v := range c.SkipReasons {
			out.SkipReasons[k] = v
		}
	}
	return out
}

func (c *Counters) apply(ev Event) {
	switch ev.Kind {
	case KindCall:
		c.Calls++
	case KindExecution:
		c.Executions++
	case KindSkip:
		c.Skips++
		if ev.Reason != "" {
			if c.SkipReasons == nil {
				c.SkipReasons = make(map[string]uint64)
			}
			c.SkipReasons[ev.Reason]++
		}
	case KindError:
		c.Errors++
	case KindDebounce:
		c.Debounced++
	case KindThrottle:
		c.Throttled++
	case KindPattern:
		c.PatternChanges++
	}
}

type subscription struct {
	id     int
	filter func(Event) bool
	cb     func(Event)
}

// Bus is the process-wide metrics sink. It is safe for concurrent use.
type Bus struct {
	mu       sync.Mutex
	ring     []Event
	next     int
	filled   bool
	global   Counters
	perChan  map[string]*Counters
	sink     Sink // optional external exposition (e.g. Prometheus)

	subsMu sync.RWMutex
	subs   map[int]*subscription
	subSeq int
}

// Sink receives a copy of every emitted event, for external exposition.
// Implementations must not block or panic.
type Sink interface {
	Observe(Event)
}

// NewBus creates a Bus with a ring buffer capacity of capacity events.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Bus{
		ring:    make([]Event, capacity),
		perChan: make(map[string]*Counters),
		subs:    make(map[int]*subscription),
	}
}

// SetSink installs an external exposition sink (e.g. Prometheus). Pass nil
// to detach.
func (b *Bus) SetSink(s Sink) {
	b.mu.Lock()
	b.sink = s
	b.mu.Unlock()
}

// Emit appends ev to the ring buffer, updates derived counters, notifies
// matching live-stream subscribers and forwards to the exposition sink.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	b.ring[b.next] = ev
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.filled = true
	}

	b.global.apply(ev)
	pc, ok := b.perChan[ev.ChannelID]
	if !ok {
		pc = &Counters{}
		b.perChan[ev.ChannelID] = pc
	}
	pc.apply(ev)
	sink := b.sink
	b.mu.Unlock()

	if sink != nil {
		sink.Observe(ev)
	}

	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	for _, s := range b.subs {
		if s.filter == nil || s.filter(ev) {
			s.cb(ev)
		}
	}
}

// Forget purges channelID's derived counters (spec §4.E: forget "purges
// config, pipeline, timers, payload state, and metrics keyed on id").
// Past events already written into the ring buffer are left alone — the
// ring is an append-only recent-history log, not a per-channel index —
// so Events may still surface a forgotten channel's history until those
// slots are overwritten.
func (b *Bus) Forget(channelID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.perChan, channelID)
}

// Counters returns a snapshot of the counters for channelID, or the global
// counters when channelID is empty.
func (b *Bus) Counters(channelID string) Counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	if channelID == "" {
		return b.global.clone()
	}
	pc, ok := b.perChan[channelID]
	if !ok {
		return Counters{}
	}
	return pc.clone()
}

// Events returns up to limit most recent events, newest last, optionally
// filtered to a single channel (pass "" for all channels). limit<=0 means
// unbounded (the full ring buffer).
func (b *Bus) Events(channelID string, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ordered []Event
	if b.filled {
		ordered = append(ordered, b.ring[b.next:]...)
	}
	ordered = append(ordered, b.ring[:b.next]...)

	var out []Event
	for _, ev := range ordered {
		if ev.Ts == 0 && ev.ChannelID == "" && ev.Kind == "" {
			continue // unwritten slot
		}
		if channelID != "" && ev.ChannelID != channelID {
			continue
		}
		out = append(out, ev)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Subscribe registers a live-stream callback invoked synchronously for
// every event matching filter (nil filter matches everything). The
// returned function unsubscribes.
func (b *Bus) Subscribe(filter func(Event) bool, cb func(Event)) (unsubscribe func()) {
	b.subsMu.Lock()
	b.subSeq++
	id := b.subSeq
	b.subs[id] = &subscription{id: id, filter: filter, cb: cb}
	b.subsMu.Unlock()

	return func() {
		b.subsMu.Lock()
		delete(b.subs, id)
		b.subsMu.Unlock()
	}
}

// CallRate returns calls-per-second observed over the trailing window.
func (b *Bus) CallRate(window time.Duration, nowMs int64) float64 {
	return b.rate(window, nowMs, KindCall)
}

// ErrorRate returns the fraction (0..1) of calls in the trailing window
// that resulted in an error event. Returns 0 when there were no calls.
func (b *Bus) ErrorRate(window time.Duration, nowMs int64) float64 {
	since := nowMs - window.Milliseconds()
	var calls, errs int
	for _, ev := range b.Events("", 0) {
		if ev.Ts < since {
			continue
		}
		switch ev.Kind {
		case KindCall:
			calls++
		case KindError:
			errs++
		}
	}
	if calls == 0 {
		return 0
	}
	return float64(errs) / float64(calls)
}

// LatencyP95 returns the p95 execution latency in milliseconds observed
// over the trailing window. Returns 0 when no executions were recorded.
func (b *Bus) LatencyP95(window time.Duration, nowMs int64) float64 {
	since := nowMs - window.Milliseconds()
	var samples []int64
	for _, ev := range b.Events("", 0) {
		if ev.Ts < since || ev.Kind != KindExecution {
			continue
		}
		samples = append(samples, ev.DurationMs)
	}
	if len(samples) == 0 {
		return 0
	}
	// insertion sort: samples are bounded by ring capacity, never huge
	for i := 1; i < len(samples); i++ {
		for j := i; j > 0 && samples[j-1] > samples[j]; j-- {
			samples[j-1], samples[j] = samples[j], samples[j-1]
		}
	}
	idx := (len(samples) * 95) / 100
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return float64(samples[idx])
}

func (b *Bus) rate(window time.Duration, nowMs int64, kind Kind) float64 {
	since := nowMs - window.Milliseconds()
	var n int
	for _, ev := range b.Events("", 0) {
		if ev.Ts >= since && ev.Kind == kind {
			n++
		}
	}
	secs := window.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(n) / secs
}
