// Package registry implements the action registry of spec §4.E: the
// authoritative per-channel config + compiled pipeline store, channel
// lifecycle (register/forget/clear), and the global lock that blocks new
// registrations while letting existing channels keep draining.
package registry

import (
	"errors"
	"sync"

	"github.com/firestige/cyre/internal/pipeline"
)

// ErrLocked is returned by Register while the registry is locked.
var ErrLocked = errors.New("registry: locked, no new registrations accepted")

// ErrChannelMissing is the condition behind the spec §6 "channel-missing"
// reason code.
var ErrChannelMissing = errors.New("registry: channel not found")

// Channel bundles a registered channel's config with its compiled,
// stateful operator pipeline.
type Channel struct {
	Config   pipeline.Config
	Pipeline *pipeline.Pipeline
}

// Registry is the process-wide channel registry singleton. Re-registering
// an existing id replaces its config and recompiles its pipeline, first
// cancelling the old pipeline's outstanding timers (spec §3 Lifecycle).
type Registry struct {
	mu       sync.Mutex
	channels map[string]*Channel
	baseDeps pipeline.Deps
	locked   bool
}

// New creates a Registry sharing baseDeps (clock, timekeeper, payload
// store, breathing regulator, metrics bus) across every compiled pipeline.
// Each channel's own Invoke callback is supplied at Register time.
func New(baseDeps pipeline.Deps) *Registry {
	return &Registry{
		channels: make(map[string]*Channel),
		baseDeps: baseDeps,
	}
}

// Register validates cfg, compiles its pipeline and installs it under
// cfg.ID, replacing and forgetting any prior channel with the same id.
func (r *Registry) Register(cfg pipeline.Config, invoke pipeline.InvokeFunc) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return ErrLocked
	}

	if old, ok := r.channels[cfg.ID]; ok {
		old.Pipeline.Forget()
	}

	cfg = cfg.WithDefaults()
	deps := r.baseDeps
	deps.Invoke = invoke
	r.channels[cfg.ID] = &Channel{Config: cfg, Pipeline: pipeline.Compile(cfg, deps)}
	return nil
}

// Get returns the channel registered under id.
func (r *Registry) Get(id string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// Forget purges id's config, pipeline, timers, payload state and metrics
// (spec §4.E) and removes it from the registry. Reports whether a channel
// was actually present.
func (r *Registry) Forget(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	if !ok {
		return false
	}
	ch.Pipeline.Forget()
	if r.baseDeps.Payload != nil {
		r.baseDeps.Payload.Forget(id)
	}
	if r.baseDeps.Metrics != nil {
		r.baseDeps.Metrics.Forget(id)
	}
	delete(r.channels, id)
	return true
}

// Clear forgets every registered channel: config, pipeline, timers, payload
// state and metrics keyed on each id (spec §4.E).
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.channels {
		ch.Pipeline.Forget()
		if r.baseDeps.Payload != nil {
			r.baseDeps.Payload.Forget(id)
		}
		if r.baseDeps.Metrics != nil {
			r.baseDeps.Metrics.Forget(id)
		}
	}
	r.channels = make(map[string]*Channel)
}

// Lock forbids new registrations; existing channels keep running.
func (r *Registry) Lock() {
	r.mu.Lock()
	r.locked = true
	r.mu.Unlock()
}

// Unlock re-permits new registrations.
func (r *Registry) Unlock() {
	r.mu.Lock()
	r.locked = false
	r.mu.Unlock()
}

// IsLocked reports the current lock state.
func (r *Registry) IsLocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked
}

// Len returns the number of currently registered channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Snapshot returns the configs of every registered channel, keyed by id,
// for introspection (spec §4 supplemented channel-status feature).
func (r *Registry) Snapshot() map[string]pipeline.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]pipeline.Config, len(r.channels))
	for id, ch := range r.channels {
		out[id] = ch.Config
	}
	return out
}
