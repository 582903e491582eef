package timekeeper

// Handle identifies a scheduled timer record for Cancel.
type Handle uint64

// Kind enumerates the timer record kinds of spec §3.
type Kind string

const (
	KindDelay        Kind = "delay"
	KindInterval     Kind = "interval"
	KindDebounceTail Kind = "debounce-tail"
)

// RepeatInfinite marks a timer that reschedules forever (spec's
// `repeat: true` / `Infinity`).
const RepeatInfinite int64 = -1

type timerRecord struct {
	handle    Handle
	channelID string
	kind      Kind
	fireAt    int64 // monotonic ms
	period    int64 // ms; 0 for one-shot timers
	remaining int64 // RepeatInfinite, or remaining fire count including the upcoming one
	seq       uint64
	fn        func()
	cancelled bool
	critical  bool // exempt from breathing's recovery cadence stretch
	index     int
}

// timerHeap is a container/heap.Interface ordered by fireAt, with ties
// broken by insertion sequence so records with equal fireAt fire in
// insertion order (spec §4.C ordering guarantee).
type timerHeap []*timerRecord

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].fireAt != h[j].fireAt {
		return h[i].fireAt < h[j].fireAt
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timerRecord)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
