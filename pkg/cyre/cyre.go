// Package cyre is the public façade of the in-process reactive action
// dispatcher described by spec §1: register named channels, subscribe
// handlers, call them, and let the protection pipeline, scheduler and
// breathing regulator decide whether, when and how each call actually
// executes.
package cyre

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/firestige/cyre/internal/breathing"
	"github.com/firestige/cyre/internal/clock"
	"github.com/firestige/cyre/internal/config"
	"github.com/firestige/cyre/internal/dispatch"
	"github.com/firestige/cyre/internal/metrics"
	"github.com/firestige/cyre/internal/payload"
	"github.com/firestige/cyre/internal/pipeline"
	"github.com/firestige/cyre/internal/registry"
	"github.com/firestige/cyre/internal/timekeeper"
)

// Re-exported so callers need only import pkg/cyre for everyday use.
type (
	Config         = pipeline.Config
	Repeat         = pipeline.Repeat
	Priority       = pipeline.Priority
	Outcome        = pipeline.Outcome
	Handler        = dispatch.Handler
	Strategy       = dispatch.Strategy
	ErrorStrategy  = dispatch.ErrorStrategy
	LinkCommand    = dispatch.LinkCommand
	Counters       = metrics.Counters
	BreathingState = breathing.State
)

const (
	PriorityCritical   = pipeline.PriorityCritical
	PriorityHigh       = pipeline.PriorityHigh
	PriorityMedium     = pipeline.PriorityMedium
	PriorityLow        = pipeline.PriorityLow
	PriorityBackground = pipeline.PriorityBackground
	PriorityNormal     = pipeline.PriorityNormal

	StrategyParallel   = dispatch.StrategyParallel
	StrategySequential = dispatch.StrategySequential
	StrategyWaterfall  = dispatch.StrategyWaterfall
	StrategyRace       = dispatch.StrategyRace

	ErrorFailFast = dispatch.ErrorFailFast
	ErrorContinue = dispatch.ErrorContinue
)

// breathingSampleInterval is how often Start's background loop blends a
// fresh stress sample. It is independent of any channel's own timing.
const breathingSampleInterval = 250 * time.Millisecond

// Cyre is the orchestrator singleton binding the registry, scheduler,
// breathing regulator, metrics bus and dispatch core together. All
// channel-mutating calls (Register/Forget/Clear/Lock/Unlock) are
// serialized through the registry's own mutex; TimeKeeper and the
// breathing sampler each run on their own single background goroutine,
// matching the single-threaded cooperative model of spec §5.
type Cyre struct {
	clock      clock.Clock
	registry   *registry.Registry
	timers     *timekeeper.TimeKeeper
	store      *payload.Store
	bus        *metrics.Bus
	breathing  *breathing.Regulator
	dispatcher *dispatch.Dispatcher

	metricsServer *metrics.Server

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	shutdown bool
}

// New builds a Cyre instance from cfg. It does not start any background
// goroutine; call Start for that.
func New(cfg *config.GlobalConfig) (*Cyre, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cyre: nil config")
	}

	c := clock.NewSystem()
	store := payload.NewStore()
	bus := metrics.NewBus(cfg.Metrics.RingBufferCapacity)
	if cfg.Metrics.PrometheusEnabled {
		bus.SetSink(metrics.NewPromSink(prometheus.DefaultRegisterer))
	}

	regulator := breathing.New(c).WithCooldown(cfg.CooldownDuration()).WithMetrics(bus)
	timers := timekeeper.New(c).WithBreathing(regulator)

	deps := pipeline.Deps{
		Clock:     c,
		Timers:    timers,
		Payload:   store,
		Breathing: regulator,
		Metrics:   bus,
	}
	reg := registry.New(deps)
	if cfg.LockOnBoot {
		reg.Lock()
	}

	var server *metrics.Server
	if cfg.Metrics.PrometheusEnabled && cfg.Metrics.ListenAddr != "" {
		server = metrics.NewServer(cfg.Metrics.ListenAddr)
	}

	return &Cyre{
		clock:         c,
		registry:      reg,
		timers:        timers,
		store:         store,
		bus:           bus,
		breathing:     regulator,
		dispatcher:    dispatch.New(reg, bus, store, c),
		metricsServer: server,
	}, nil
}

// Start launches TimeKeeper's scheduling loop, the breathing sampler, and
// (if configured) the Prometheus HTTP server. Safe to call once; a second
// call is a no-op.
func (cy *Cyre) Start(ctx context.Context) error {
	cy.mu.Lock()
	defer cy.mu.Unlock()
	if cy.started {
		return nil
	}
	cy.started = true

	runCtx, cancel := context.WithCancel(ctx)
	cy.cancel = cancel

	cy.wg.Add(2)
	go func() { defer cy.wg.Done(); cy.timers.Run(runCtx) }()
	go func() { defer cy.wg.Done(); cy.runBreathingSampler(runCtx) }()

	if cy.metricsServer != nil {
		errCh := make(chan error, 1)
		cy.metricsServer.Start(errCh)
	}
	return nil
}

func (cy *Cyre) runBreathingSampler(ctx context.Context) {
	ticker := time.NewTicker(breathingSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := cy.clock.Now()
			window := breathingSampleInterval
			sample := breathing.Sample{
				CallRate:     normalizeRate(cy.bus.CallRate(window, now)),
				LatencyP95Ms: normalizeLatency(cy.bus.LatencyP95(window, now)),
				ErrorRate:    cy.bus.ErrorRate(window, now),
				HostLoad:     normalizeHostLoad(runtime.NumGoroutine(), cy.clock.Drift()),
			}
			cy.breathing.Publish(sample)
		}
	}
}

// normalizeRate and normalizeLatency fold raw counters into the regulator's
// expected 0..1 input range against a generous, configuration-free
// ceiling; operators who need precise tuning can replace Publish's caller
// with their own sampler driven by GetMetrics.
func normalizeRate(callsPerSec float64) float64 { return callsPerSec / 1000.0 }
func normalizeLatency(p95Ms float64) float64    { return p95Ms / 1000.0 }

// normalizeHostLoad blends goroutine count (a proxy for resident memory/
// scheduler pressure growth) and the clock's last observed scheduling
// drift into the regulator's 0..1 host-load input (spec §4.B: "resident
// memory growth and scheduler drift reported by A").
func normalizeHostLoad(goroutines int, driftMs int64) float64 {
	g := float64(goroutines) / 10000.0
	d := float64(driftMs) / 500.0
	load := (g + d) / 2
	if load < 0 {
		load = 0
	}
	if load > 1 {
		load = 1
	}
	return load
}

// Register validates cfg and compiles its protection pipeline. Calling
// Register again on the same id replaces the channel, cancelling its
// outstanding timers first.
func (cy *Cyre) Register(cfg Config) error {
	return cy.dispatcher.Register(cfg)
}

// Subscribe replaces channelID's handler list and invocation strategy.
func (cy *Cyre) Subscribe(channelID string, strategy Strategy, errMode ErrorStrategy, handlers ...Handler) {
	cy.dispatcher.Subscribe(channelID, strategy, errMode, handlers...)
}

// Call runs payload through channelID's compiled pipeline.
func (cy *Cyre) Call(channelID string, payload any) Outcome {
	return cy.dispatcher.Call(channelID, payload)
}

// Forget cancels channelID's outstanding timers, discards its pending
// debounce payload and removes its state. Reports whether it existed.
func (cy *Cyre) Forget(channelID string) bool {
	return cy.registry.Forget(channelID)
}

// Clear forgets every registered channel.
func (cy *Cyre) Clear() {
	cy.registry.Clear()
}

// Lock forbids new registrations while letting existing channels drain.
func (cy *Cyre) Lock() { cy.registry.Lock() }

// Unlock re-permits new registrations.
func (cy *Cyre) Unlock() { cy.registry.Unlock() }

// Get returns channelID's last handler response and whether the channel
// has ever fired.
func (cy *Cyre) Get(channelID string) (any, bool) {
	entry := cy.store.Get(channelID)
	return entry.LastResponse, entry.HasFired
}

// HasChanged reports whether candidate differs (by structural
// fingerprint) from channelID's last accepted request payload.
func (cy *Cyre) HasChanged(channelID string, candidate any) bool {
	return cy.store.DetectChanges(channelID, payload.Fingerprint64(candidate))
}

// GetMetrics returns the derived counters for channelID, or the
// process-wide counters when channelID is empty.
func (cy *Cyre) GetMetrics(channelID string) Counters {
	return cy.bus.Counters(channelID)
}

// GetBreathingState returns the regulator's current snapshot.
func (cy *Cyre) GetBreathingState() BreathingState {
	return cy.breathing.Snapshot()
}

// Shutdown cancels all timers, stops the background goroutines and the
// metrics server, and forbids further registrations. Staged so a failure
// partway through still leaves the process in a safe, fully-locked state.
func (cy *Cyre) Shutdown(ctx context.Context) error {
	cy.mu.Lock()
	if cy.shutdown {
		cy.mu.Unlock()
		return nil
	}
	cy.shutdown = true
	cy.mu.Unlock()

	cy.registry.Lock()
	cy.registry.Clear()

	if cy.cancel != nil {
		cy.cancel()
	}

	done := make(chan struct{})
	go func() { cy.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("cyre: shutdown timed out waiting for background loops: %w", ctx.Err())
	}

	if cy.metricsServer != nil {
		if err := cy.metricsServer.Stop(ctx); err != nil {
			return fmt.Errorf("cyre: stopping metrics server: %w", err)
		}
	}
	return nil
}
