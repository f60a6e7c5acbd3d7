// Package flags provides the feature switches that gate v2 event delivery,
// batched job execution and optimistic article mutations.
//
// Flags are injected as a Provider and read once per operation via Snapshot.
// Callers never cache a snapshot across operations.
package flags

import (
	"sync/atomic"

	"github.com/teranos/nebular/am"
)

// Flags is an immutable snapshot of the feature switches
type Flags struct {
	EventsV2            bool `json:"events_v2"`
	JobBatchV2          bool `json:"job_batch_v2"`
	OptimisticMutations bool `json:"optimistic_mutations"`
}

// Defaults returns the default flag set (everything on)
func Defaults() Flags {
	return Flags{EventsV2: true, JobBatchV2: true, OptimisticMutations: true}
}

// IsEventsV2Enabled reports whether event delivery is active
func (f Flags) IsEventsV2Enabled() bool { return f.EventsV2 }

// IsJobBatchV2Enabled reports whether sources within a cycle run concurrently
func (f Flags) IsJobBatchV2Enabled() bool { return f.JobBatchV2 }

// Provider yields the current flag snapshot
type Provider interface {
	Snapshot() Flags
}

// Static is a fixed flag set, mostly for tests
type Static Flags

// Snapshot implements Provider
func (s Static) Snapshot() Flags { return Flags(s) }

// ConfigProvider serves flags from the am configuration and follows reloads
type ConfigProvider struct {
	current atomic.Pointer[Flags]
}

// NewConfigProvider creates a provider seeded from cfg
func NewConfigProvider(cfg am.FlagsConfig) *ConfigProvider {
	p := &ConfigProvider{}
	p.Update(cfg)
	return p
}

// Update replaces the served flags
func (p *ConfigProvider) Update(cfg am.FlagsConfig) {
	f := Flags{
		EventsV2:            cfg.EventsV2,
		JobBatchV2:          cfg.JobBatchV2,
		OptimisticMutations: cfg.OptimisticMutations,
	}
	p.current.Store(&f)
}

// Snapshot implements Provider
func (p *ConfigProvider) Snapshot() Flags {
	if f := p.current.Load(); f != nil {
		return *f
	}
	return Defaults()
}

// Watch subscribes the provider to config reloads
func (p *ConfigProvider) Watch(cw *am.ConfigWatcher) {
	cw.OnReload(func(cfg *am.Config) error {
		p.Update(cfg.Flags)
		return nil
	})
}
