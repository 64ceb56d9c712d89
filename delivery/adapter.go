package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/teranos/studioos/am"
	"github.com/teranos/studioos/errors"
)

// ErrRejected marks a content problem reported by a platform. Adapters wrap
// it so the orchestrator records rejected instead of failed.
var ErrRejected = errors.New("rejected by platform")

// StatusReport is a platform's view of a submission
type StatusReport struct {
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
	URL      string `json:"url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Adapter talks to one distribution platform. The orchestrator treats all
// adapters the same; per-platform quirks live behind this interface or in
// the Requirements checked before dispatch.
type Adapter interface {
	Platform() PlatformID
	Submit(ctx context.Context, assets []AssetRef, cfg PlatformConfig) (Handle, error)
	Status(ctx context.Context, h Handle) (StatusReport, error)
	Cancel(ctx context.Context, h Handle) error
}

// Reconfigurable adapters are told about configuration changes, so calls
// without a PlatformConfig (Status, Cancel) use current credentials
type Reconfigurable interface {
	Reconfigure(cfg PlatformConfig)
}

// Requirements are a platform's content preconditions
type Requirements struct {
	Formats         []string `json:"formats,omitempty"`
	MinSampleRate   int      `json:"minSampleRate,omitempty"`
	TargetLUFS      *float64 `json:"targetLufs,omitempty"`
	LUFSTolerance   float64  `json:"lufsTolerance,omitempty"`
	MaxTruePeakDBTP *float64 `json:"maxTruePeakDbtp,omitempty"`
	RequireISRC     bool     `json:"requireIsrc,omitempty"`
}

// PlatformConfig is the runtime configuration of one platform
type PlatformConfig struct {
	ID                  PlatformID   `json:"id"`
	Name                string       `json:"name"`
	Endpoint            string       `json:"endpoint,omitempty"`
	APIKey              string       `json:"-"`
	RatePerSecond       float64      `json:"ratePerSecond,omitempty"`
	Burst               int          `json:"burst,omitempty"`
	AllowPrivateNetwork bool         `json:"-"`
	Requirements        Requirements `json:"requirements"`
}

// PlatformConfigFromAm converts a configured platform section
func PlatformConfigFromAm(id string, c am.PlatformConfig) PlatformConfig {
	name := c.Name
	if name == "" {
		name = id
	}
	return PlatformConfig{
		ID:                  PlatformID(id),
		Name:                name,
		Endpoint:            c.Endpoint,
		APIKey:              c.APIKey,
		RatePerSecond:       c.RatePerSecond,
		Burst:               c.Burst,
		AllowPrivateNetwork: c.AllowPrivateNetwork,
		Requirements: Requirements{
			Formats:         c.Formats,
			MinSampleRate:   c.MinSampleRate,
			TargetLUFS:      c.TargetLUFS,
			LUFSTolerance:   c.LUFSTolerance,
			MaxTruePeakDBTP: c.MaxTruePeakDBTP,
			RequireISRC:     c.RequireISRC,
		},
	}
}

func newLimiter(cfg PlatformConfig) *rate.Limiter {
	if cfg.RatePerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
}

type registeredAdapter struct {
	adapter Adapter
	config  PlatformConfig
	limiter *rate.Limiter
}

// AdapterRegistry maps platform ids to adapters, their configuration and
// a rate limiter shared by every task talking to that platform.
// Thread-safe for concurrent registration, reconfiguration and lookup.
type AdapterRegistry struct {
	entries map[PlatformID]*registeredAdapter
	mu      sync.RWMutex
}

// NewAdapterRegistry creates an empty registry
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{entries: make(map[PlatformID]*registeredAdapter)}
}

// Register adds an adapter under its platform id.
// Panics if the platform is already registered.
func (r *AdapterRegistry) Register(adapter Adapter, cfg PlatformConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := adapter.Platform()
	if _, exists := r.entries[id]; exists {
		panic(fmt.Sprintf("adapter already registered for platform: %s", id))
	}
	cfg.ID = id
	if cfg.Name == "" {
		cfg.Name = string(id)
	}
	r.entries[id] = &registeredAdapter{adapter: adapter, config: cfg, limiter: newLimiter(cfg)}
}

// Get returns the adapter for a platform, or nil
func (r *AdapterRegistry) Get(id PlatformID) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return e.adapter
	}
	return nil
}

// Has reports whether a platform is registered
func (r *AdapterRegistry) Has(id PlatformID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Config returns the current configuration of a platform
func (r *AdapterRegistry) Config(id PlatformID) (PlatformConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return e.config, true
	}
	return PlatformConfig{}, false
}

// Limiter returns the rate limiter of a platform, or nil
func (r *AdapterRegistry) Limiter(id PlatformID) *rate.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return e.limiter
	}
	return nil
}

// Reconfigure swaps requirements, rate and credentials of a registered
// platform. In-flight tasks pick up the change on their next call.
func (r *AdapterRegistry) Reconfigure(cfg PlatformConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[cfg.ID]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "platform %s", cfg.ID)
	}
	if cfg.Name == "" {
		cfg.Name = e.config.Name
	}
	e.config = cfg
	if ra, ok := e.adapter.(Reconfigurable); ok {
		ra.Reconfigure(cfg)
	}
	if cfg.RatePerSecond <= 0 {
		e.limiter.SetLimit(rate.Inf)
	} else {
		e.limiter.SetLimit(rate.Limit(cfg.RatePerSecond))
		e.limiter.SetBurst(max(cfg.Burst, 1))
	}
	return nil
}

// ApplyConfig reconfigures every registered platform present in platforms.
// Platforms missing from the new config keep their settings; new ones need
// a restart since adapters are built at startup.
func (r *AdapterRegistry) ApplyConfig(platforms map[string]am.PlatformConfig) error {
	for id, pc := range platforms {
		if !r.Has(PlatformID(id)) {
			continue
		}
		if err := r.Reconfigure(PlatformConfigFromAm(id, pc)); err != nil {
			return err
		}
	}
	return nil
}

// Names returns all registered platform ids, sorted
func (r *AdapterRegistry) Names() []PlatformID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]PlatformID, 0, len(r.entries))
	for id := range r.entries {
		names = append(names, id)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Configs returns the configuration of every platform, sorted by id
func (r *AdapterRegistry) Configs() []PlatformConfig {
	names := r.Names()
	out := make([]PlatformConfig, 0, len(names))
	for _, id := range names {
		if cfg, ok := r.Config(id); ok {
			out = append(out, cfg)
		}
	}
	return out
}
