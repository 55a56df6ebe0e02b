package breaker

import (
	"sort"
	"sync"
)

// Registry owns one breaker per endpoint class. Breakers are created on first use.
type Registry struct {
	defaults Config
	opts     []Option

	mu        sync.Mutex
	overrides map[string]Config
	breakers  map[string]*Breaker
}

// NewRegistry creates a registry whose breakers use cfg unless overridden.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	return &Registry{
		defaults:  cfg,
		opts:      opts,
		overrides: make(map[string]Config),
		breakers:  make(map[string]*Breaker),
	}
}

// Configure sets thresholds for one endpoint. It only affects breakers not yet created.
func (r *Registry) Configure(endpoint string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[endpoint] = cfg
}

// Get returns the breaker for endpoint, creating it if needed.
func (r *Registry) Get(endpoint string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[endpoint]; ok {
		return b
	}
	cfg, ok := r.overrides[endpoint]
	if !ok {
		cfg = r.defaults
	}
	b := New(endpoint, cfg, r.opts...)
	r.breakers[endpoint] = b
	return b
}

// Snapshots lists every created breaker by endpoint name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}
