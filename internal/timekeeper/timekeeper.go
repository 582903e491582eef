// Package timekeeper implements the cooperative scheduler of spec §4.C: a
// single min-heap of timer records driving one-shot delays, periodic
// intervals with finite or infinite repeats, and debounce tails, with
// drift-compensated rescheduling and idempotent cancellation.
package timekeeper

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/firestige/cyre/internal/breathing"
	"github.com/firestige/cyre/internal/clock"
)

// TimeKeeper is the process-wide scheduler singleton described by spec
// §4.C. All mutation happens under a single mutex; Run drives the single
// background goroutine that fires due timers.
type TimeKeeper struct {
	clock clock.Clock

	mu        sync.Mutex
	h         timerHeap
	byHandle  map[Handle]*timerRecord
	byChannel map[string]map[Handle]struct{}
	nextSeq   uint64
	nextID    uint64
	interrupt chan struct{}
	breathing *breathing.Regulator
}

// New creates a TimeKeeper driven by c. Pass a clock.System in production
// and a clock.Fake in tests, calling RunOnce directly after Advance instead
// of running the Run goroutine.
func New(c clock.Clock) *TimeKeeper {
	return &TimeKeeper{
		clock:     c,
		byHandle:  make(map[Handle]*timerRecord),
		byChannel: make(map[string]map[Handle]struct{}),
		interrupt: make(chan struct{}),
	}
}

// WithBreathing attaches the regulator whose RateMultiplier stretches
// non-critical periodic timers' cadence under recovery (spec §4.C's Tick
// procedure: "if periodic, compute next fireAt = fireAt + period *
// regulator.rate"). Pass nil to detach.
func (tk *TimeKeeper) WithBreathing(r *breathing.Regulator) *TimeKeeper {
	tk.mu.Lock()
	tk.breathing = r
	tk.mu.Unlock()
	return tk
}

// Keep schedules the first fire at now+firstDelay. If period > 0, it
// reschedules at lastFire+period (drift-compensated against the scheduled
// deadline, not the observed fire time) until repeat fires have elapsed.
// repeat counts the first fire; pass RepeatInfinite for a never-ending
// periodic timer, or 0 for period to register a one-shot (delay or
// debounce-tail) timer. A periodic timer with repeat 0 is never scheduled
// and never fires. The timer is subject to the breathing regulator's
// recovery cadence stretch; use KeepCritical to exempt it.
func (tk *TimeKeeper) Keep(channelID string, kind Kind, firstDelay time.Duration, period time.Duration, repeat int64, fn func()) Handle {
	return tk.keep(channelID, kind, firstDelay, period, repeat, false, fn)
}

// KeepCritical is Keep for a channel whose priority is critical (spec §4.F
// step 2): its cadence is never stretched by breathing recovery.
func (tk *TimeKeeper) KeepCritical(channelID string, kind Kind, firstDelay time.Duration, period time.Duration, repeat int64, fn func()) Handle {
	return tk.keep(channelID, kind, firstDelay, period, repeat, true, fn)
}

func (tk *TimeKeeper) keep(channelID string, kind Kind, firstDelay time.Duration, period time.Duration, repeat int64, critical bool, fn func()) Handle {
	tk.mu.Lock()
	defer tk.mu.Unlock()

	tk.nextID++
	handle := Handle(tk.nextID)
	if period > 0 && repeat == 0 {
		return handle
	}
	tk.nextSeq++

	t := &timerRecord{
		handle:    handle,
		channelID: channelID,
		kind:      kind,
		fireAt:    tk.clock.Now() + firstDelay.Milliseconds(),
		period:    period.Milliseconds(),
		remaining: repeat,
		seq:       tk.nextSeq,
		fn:        fn,
		critical:  critical,
	}
	heap.Push(&tk.h, t)
	tk.byHandle[handle] = t

	set, ok := tk.byChannel[channelID]
	if !ok {
		set = make(map[Handle]struct{})
		tk.byChannel[channelID] = set
	}
	set[handle] = struct{}{}

	tk.notifyLocked()
	return handle
}

// Cancel marks handle cancelled. Idempotent: cancelling an unknown or
// already-cancelled handle is a no-op.
func (tk *TimeKeeper) Cancel(handle Handle) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	tk.cancelLocked(handle)
	tk.notifyLocked()
}

func (tk *TimeKeeper) cancelLocked(handle Handle) {
	t, ok := tk.byHandle[handle]
	if !ok {
		return
	}
	t.cancelled = true
	delete(tk.byHandle, handle)
	if set, ok := tk.byChannel[t.channelID]; ok {
		delete(set, handle)
		if len(set) == 0 {
			delete(tk.byChannel, t.channelID)
		}
	}
}

// ForgetChannel cancels every outstanding timer owned by channelID. Cancelled
// records are skipped lazily when popped from the heap rather than removed
// eagerly, since container/heap has no O(log n) arbitrary-element removal.
func (tk *TimeKeeper) ForgetChannel(channelID string) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	set := tk.byChannel[channelID]
	for handle := range set {
		tk.cancelLocked(handle)
	}
	tk.notifyLocked()
}

// notifyLocked wakes a blocked Run loop. Callers must hold tk.mu.
func (tk *TimeKeeper) notifyLocked() {
	close(tk.interrupt)
	tk.interrupt = make(chan struct{})
}

// RunOnce fires every timer whose deadline is <= now, exactly once each,
// regardless of how far behind now they are. This is the "at-most-one
// catch-up per tick" guarantee of spec §9: a host that paused through
// several missed periods fires once on resume and reschedules from the
// last *scheduled* deadline, not from now, so it neither floods handlers
// nor permanently drifts. Returns the number of timers fired.
func (tk *TimeKeeper) RunOnce(now int64) int {
	tk.mu.Lock()
	var due []*timerRecord
	var rescheduled []*timerRecord
	// Pop everything due as of now, each exactly once. Rescheduled records
	// are pushed back only after this loop ends, so a timer whose new
	// deadline is still <= now (a host that paused through several missed
	// periods) does not fire again within this same call — it waits for
	// the next RunOnce, satisfying the at-most-one-catch-up-per-tick rule.
	for tk.h.Len() > 0 && tk.h[0].fireAt <= now {
		t := heap.Pop(&tk.h).(*timerRecord)
		if t.cancelled {
			continue
		}
		due = append(due, t)

		reschedule := false
		if t.period > 0 {
			if t.remaining == RepeatInfinite {
				reschedule = true
			} else if t.remaining > 1 {
				t.remaining--
				reschedule = true
			} else {
				t.remaining = 0
			}
		}
		if reschedule {
			rate := 1.0
			if !t.critical && tk.breathing != nil {
				rate = tk.breathing.Snapshot().RateMultiplier
			}
			t.fireAt += int64(float64(t.period) * rate)
			rescheduled = append(rescheduled, t)
		} else {
			delete(tk.byHandle, t.handle)
			if set, ok := tk.byChannel[t.channelID]; ok {
				delete(set, t.handle)
				if len(set) == 0 {
					delete(tk.byChannel, t.channelID)
				}
			}
		}
	}
	for _, t := range rescheduled {
		heap.Push(&tk.h, t)
	}
	tk.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
	return len(due)
}

// NextDeadline returns the fireAt of the soonest pending timer and true, or
// (0, false) if no timers are scheduled.
func (tk *TimeKeeper) NextDeadline() (int64, bool) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	if tk.h.Len() == 0 {
		return 0, false
	}
	return tk.h[0].fireAt, true
}

// Run drives the background scheduling loop until ctx is cancelled. It
// sleeps until the next deadline (or forever if idle), waking early when
// Keep/Cancel/ForgetChannel touch the heap.
func (tk *TimeKeeper) Run(ctx context.Context) {
	for {
		tk.mu.Lock()
		interrupt := tk.interrupt
		var deadline int64
		hasTimer := tk.h.Len() > 0
		if hasTimer {
			deadline = tk.h[0].fireAt
		}
		tk.mu.Unlock()

		if !hasTimer {
			select {
			case <-ctx.Done():
				return
			case <-interrupt:
				continue
			}
		}

		now := tk.clock.Now()
		if deadline <= now {
			tk.RunOnce(now)
			continue
		}

		d := time.Duration(deadline-now) * time.Millisecond
		woke := tk.clock.Sleep(d, fanIn(ctx.Done(), interrupt))
		if !woke && ctx.Err() != nil {
			return
		}
	}
}

func fanIn(a, b <-chan struct{}) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		defer close(out)
		select {
		case <-a:
		case <-b:
		}
	}()
	return out
}
