package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/firestige/cyre/internal/clock"
	"github.com/firestige/cyre/internal/metrics"
	"github.com/firestige/cyre/internal/payload"
	"github.com/firestige/cyre/internal/pipeline"
	"github.com/firestige/cyre/internal/registry"
)

// ErrChannelMissing mirrors registry.ErrChannelMissing as the dispatch
// core's own decline reason ("channel-missing" in spec §6).
var ErrChannelMissing = errors.New("dispatch: channel-missing")

type correlationKey struct{}

// CorrelationID extracts the call's correlation id from ctx, if present.
func CorrelationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationKey{}).(string)
	return id, ok
}

// Dispatcher is the process-wide dispatch core. It owns handler
// subscriptions, wires each registered channel's pipeline Invoke callback
// back to handler resolution, and processes chain links by re-entering
// Call on the linked channel within the same dispatch turn.
type Dispatcher struct {
	reg     *registry.Registry
	metrics *metrics.Bus
	payload *payload.Store
	clock   clock.Clock

	mu       sync.Mutex
	handlers map[string]*handlerSet
}

// New creates a Dispatcher wired to reg for channel lookup/registration
// and bus/store/c for metrics emission, response storage and timestamps.
func New(reg *registry.Registry, bus *metrics.Bus, store *payload.Store, c clock.Clock) *Dispatcher {
	return &Dispatcher{
		reg:      reg,
		metrics:  bus,
		payload:  store,
		clock:    c,
		handlers: make(map[string]*handlerSet),
	}
}

// Register validates and compiles cfg's pipeline via the registry, wiring
// its Invoke callback to this dispatcher's handler resolution for cfg.ID.
func (d *Dispatcher) Register(cfg pipeline.Config) error {
	channelID := cfg.ID
	return d.reg.Register(cfg, func(working any) pipeline.Outcome {
		return d.invoke(channelID, working)
	})
}

// Subscribe replaces channelID's handler list and invocation/error
// strategy. strategy defaults to parallel and errMode to fail-fast when
// left zero-valued.
func (d *Dispatcher) Subscribe(channelID string, strategy Strategy, errMode ErrorStrategy, handlers ...Handler) {
	if strategy == "" {
		strategy = StrategyParallel
	}
	if errMode == "" {
		errMode = ErrorFailFast
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[channelID] = &handlerSet{handlers: handlers, strategy: strategy, errMode: errMode}
}

// Unsubscribe removes channelID's handler list entirely.
func (d *Dispatcher) Unsubscribe(channelID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, channelID)
}

// Call runs payload through channelID's compiled pipeline. Returns a
// channel-missing decline if channelID was never registered.
func (d *Dispatcher) Call(channelID string, working any) pipeline.Outcome {
	ch, ok := d.reg.Get(channelID)
	if !ok {
		return pipeline.Outcome{OK: false, Message: "channel-missing"}
	}
	return ch.Pipeline.Call(d.now(), working)
}

func (d *Dispatcher) now() int64 {
	if d.clock == nil {
		return 0
	}
	return d.clock.Now()
}

func (d *Dispatcher) getHandlerSet(channelID string) (*handlerSet, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs, ok := d.handlers[channelID]
	return hs, ok
}

// invoke is the pipeline.InvokeFunc wired into every channel registered
// through Register. It resolves subscribed handlers, runs them per the
// channel's strategy, processes a chain-link return, records the final
// response for introspection, and emits metric events.
func (d *Dispatcher) invoke(channelID string, working any) pipeline.Outcome {
	correlationID := uuid.NewString()
	ctx := context.WithValue(context.Background(), correlationKey{}, correlationID)

	hs, ok := d.getHandlerSet(channelID)
	if !ok || len(hs.handlers) == 0 {
		return pipeline.Outcome{OK: true, Message: "no-subscriber", Payload: working}
	}

	result, err := runStrategy(ctx, hs, working)
	if err != nil {
		d.emit(channelID, metrics.KindError, err.Error())
		return pipeline.Outcome{OK: false, Message: "operator-error"}
	}

	if d.payload != nil {
		d.payload.RecordResponse(channelID, result)
	}

	if link, isLink := AsLink(result); isLink {
		d.emit(channelID, metrics.KindIntralink, "")
		chainOut := d.Call(link.ID, link.Payload)
		return pipeline.Outcome{OK: true, Payload: result, Message: "executed", ChainResult: chainOut}
	}

	return pipeline.Outcome{OK: true, Payload: result, Message: "executed"}
}

func (d *Dispatcher) emit(channelID string, kind metrics.Kind, reason string) {
	if d.metrics == nil {
		return
	}
	d.metrics.Emit(metrics.Event{Ts: d.now(), ChannelID: channelID, Kind: kind, Reason: reason})
}

// runStrategy invokes hs.handlers against working per hs.strategy,
// aggregating errors per hs.errMode.
func runStrategy(ctx context.Context, hs *handlerSet, working any) (any, error) {
	switch hs.strategy {
	case StrategySequential:
		return runSequential(ctx, hs, working)
	case StrategyWaterfall:
		return runWaterfall(ctx, hs, working)
	case StrategyRace:
		return runRace(ctx, hs, working)
	default:
		return runParallel(ctx, hs, working)
	}
}

func runSequential(ctx context.Context, hs *handlerSet, working any) (any, error) {
	var last any
	var errs []error
	for _, h := range hs.handlers {
		out, err := h(ctx, working)
		if err != nil {
			errs = append(errs, err)
			if hs.errMode == ErrorFailFast {
				return nil, err
			}
			continue
		}
		last = out
	}
	return last, joinErrs(errs)
}

// runWaterfall chains each handler's output into the next handler's input.
func runWaterfall(ctx context.Context, hs *handlerSet, working any) (any, error) {
	current := working
	var errs []error
	for _, h := range hs.handlers {
		out, err := h(ctx, current)
		if err != nil {
			errs = append(errs, err)
			if hs.errMode == ErrorFailFast {
				return nil, err
			}
			continue
		}
		current = out
	}
	return current, joinErrs(errs)
}

// runParallel invokes every handler concurrently against the same
// payload, awaiting them all (spec §4.G's default strategy). fail-fast
// cancels the shared context on the first error; continue collects every
// result and reports a combined error if any occurred.
func runParallel(ctx context.Context, hs *handlerSet, working any) (any, error) {
	g, gctx := errgroup.WithContext(ctx)
	results := make([]any, len(hs.handlers))
	errsMu := sync.Mutex{}
	var errs []error

	for i, h := range hs.handlers {
		i, h := i, h
		g.Go(func() error {
			callCtx := gctx
			if hs.errMode == ErrorContinue {
				callCtx = ctx // continue mode: don't let a sibling's cancellation starve this handler
			}
			out, err := h(callCtx, working)
			if err != nil {
				if hs.errMode == ErrorContinue {
					errsMu.Lock()
					errs = append(errs, err)
					errsMu.Unlock()
					return nil
				}
				return err
			}
			results[i] = out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := joinErrs(errs); err != nil {
		return nil, err
	}
	return lastNonNil(results), nil
}

// runRace returns the first handler result to complete; the rest are left
// to finish on their own (their results are discarded).
func runRace(ctx context.Context, hs *handlerSet, working any) (any, error) {
	type outcome struct {
		val any
		err error
	}
	ch := make(chan outcome, len(hs.handlers))
	for _, h := range hs.handlers {
		h := h
		go func() {
			val, err := h(ctx, working)
			ch <- outcome{val: val, err: err}
		}()
	}
	first := <-ch
	return first.val, first.err
}

func lastNonNil(vs []any) any {
	for i := len(vs) - 1; i >= 0; i-- {
		if vs[i] != nil {
			return vs[i]
		}
	}
	return nil
}

func joinErrs(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("dispatch: %d handler errors: %v", len(errs), msgs)
}
