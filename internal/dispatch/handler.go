// Package dispatch implements the dispatch core of spec §4.G: handler
// resolution and subscription, the four invocation strategies
// (parallel/sequential/waterfall/race), fail-fast/continue error
// strategies, and chain-link processing (a handler return that enqueues a
// follow-up call on another channel).
package dispatch

import "context"

// Handler is a subscribed callback against a channel. ctx carries the
// call's correlation id (see CorrelationID) and is cancelled if the
// channel's error strategy is fail-fast and a sibling handler errored.
type Handler func(ctx context.Context, payload any) (any, error)

// Strategy selects how a channel's subscribed handlers are invoked.
type Strategy string

const (
	StrategyParallel   Strategy = "parallel" // default
	StrategySequential Strategy = "sequential"
	StrategyWaterfall  Strategy = "waterfall" // payload chained through handlers
	StrategyRace       Strategy = "race"
)

// ErrorStrategy governs how handler errors are aggregated.
type ErrorStrategy string

const (
	ErrorFailFast ErrorStrategy = "fail-fast" // default: first error decides
	ErrorContinue ErrorStrategy = "continue"  // collect all, report combined
)

// LinkCommand is a handler return recognised as a chain link (spec §9
// REDESIGN FLAGS: a tagged variant rather than arbitrary reflection).
type LinkCommand struct {
	ID      string
	Payload any
}

// AsLink recognises a handler's return value as a chain link: either a
// LinkCommand directly, or a map[string]any carrying an "id" string key
// (the structural fallback the spec explicitly allows).
func AsLink(v any) (LinkCommand, bool) {
	switch x := v.(type) {
	case LinkCommand:
		return x, true
	case *LinkCommand:
		if x == nil {
			return LinkCommand{}, false
		}
		return *x, true
	case map[string]any:
		id, ok := x["id"].(string)
		if !ok || id == "" {
			return LinkCommand{}, false
		}
		return LinkCommand{ID: id, Payload: x["payload"]}, true
	default:
		return LinkCommand{}, false
	}
}

// handlerSet is the mutable, replaceable subscription state for one
// channel. A new Subscribe call on the same channel id replaces the whole
// set (spec §4.G: "a new subscription on the same id replaces the
// previous list").
type handlerSet struct {
	handlers []Handler
	strategy Strategy
	errMode  ErrorStrategy
}
