package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/firestige/cyre/internal/pipeline"
)

// ChannelSpec is the YAML/JSON-friendly, wire-level shape of a channel
// registration, convenience-loaded at boot so an operator can declare a
// batch of channels without writing Go. It carries only the coherence
// fields of pipeline.Config; Schema/Selector/Condition/Transform are pure
// functions and are wired in code after loading, keyed by ChannelSpec.ID.
type ChannelSpec struct {
	ID            string `yaml:"id"`
	Priority      string `yaml:"priority"`
	Block         bool   `yaml:"block"`
	ThrottleMs    int64  `yaml:"throttle_ms"`
	DebounceMs    int64  `yaml:"debounce_ms"`
	MaxWaitMs     int64  `yaml:"max_wait_ms"`
	DetectChanges bool   `yaml:"detect_changes"`
	Required      bool   `yaml:"required"`
	DelayMs       int64  `yaml:"delay_ms"`
	IntervalMs    int64  `yaml:"interval_ms"`
	RepeatCount   *int64 `yaml:"repeat_count"`
	RepeatForever bool   `yaml:"repeat_forever"`
}

// LoadChannelSpecs reads a YAML document of channel specs from path. This
// is a boot-time convenience only — Cyre does not persist channel
// registrations across restarts; re-running this loader every boot is the
// intended usage, not a durable store.
func LoadChannelSpecs(path string) ([]ChannelSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading channel specs %s: %w", path, err)
	}
	var specs []ChannelSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("config: parsing channel specs %s: %w", path, err)
	}
	return specs, nil
}

// ToPipelineConfig converts a wire-level spec to a pipeline.Config. The
// caller is responsible for attaching Schema/Selector/Condition/Transform
// functions afterward, since those cannot cross the YAML boundary.
func (s ChannelSpec) ToPipelineConfig() pipeline.Config {
	cfg := pipeline.Config{
		ID:            s.ID,
		Priority:      priorityFromString(s.Priority),
		Block:         s.Block,
		Throttle:      time.Duration(s.ThrottleMs) * time.Millisecond,
		Debounce:      time.Duration(s.DebounceMs) * time.Millisecond,
		MaxWait:       time.Duration(s.MaxWaitMs) * time.Millisecond,
		DetectChanges: s.DetectChanges,
		Required:      s.Required,
		Delay:         time.Duration(s.DelayMs) * time.Millisecond,
		Interval:      time.Duration(s.IntervalMs) * time.Millisecond,
	}
	switch {
	case s.RepeatForever:
		cfg.Repeat = pipeline.Repeat{Set: true, Infinite: true}
	case s.RepeatCount != nil:
		cfg.Repeat = pipeline.Repeat{Set: true, Count: *s.RepeatCount}
	}
	return cfg
}

// priorityFromString parses the five-tier priority string of spec §3,
// defaulting an unrecognized or empty value to pipeline.DefaultPriority.
func priorityFromString(s string) pipeline.Priority {
	switch pipeline.Priority(s) {
	case pipeline.PriorityCritical, pipeline.PriorityHigh, pipeline.PriorityMedium,
		pipeline.PriorityLow, pipeline.PriorityBackground:
		return pipeline.Priority(s)
	default:
		return pipeline.DefaultPriority
	}
}
