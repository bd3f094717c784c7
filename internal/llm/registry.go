package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"promptrelay/internal/eventbus"
	"promptrelay/internal/logging"
)

// Metadata is the static information stored with a registered constructor.
type Metadata struct {
	Category     string    `json:"category,omitempty"`
	Description  string    `json:"description,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

type registryEntry struct {
	ctor Constructor
	meta Metadata
}

// Registry binds names to adapter constructors, caches configured instances
// and holds the default and fallback order. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	deps      Deps
	entries   map[string]registryEntry
	instances map[string]map[string]Provider // name -> config fingerprint -> instance
	def       string
	chain     []string
}

// NewRegistry creates an empty registry. deps are handed to every constructor.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:      deps.withDefaults(),
		entries:   make(map[string]registryEntry),
		instances: make(map[string]map[string]Provider),
	}
}

// Register binds name to ctor. An existing binding is left untouched.
func (r *Registry) Register(name string, ctor Constructor, meta Metadata) error {
	if name == "" || ctor == nil {
		return fmt.Errorf("register %q: %w: name and constructor are required", name, ErrInvalidConfig)
	}
	r.mu.Lock()
	if _, ok := r.entries[name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("register %q: %w", name, ErrDuplicateName)
	}
	if meta.RegisteredAt.IsZero() {
		meta.RegisteredAt = r.deps.Now()
	}
	r.entries[name] = registryEntry{ctor: ctor, meta: meta}
	count := len(r.entries)
	r.mu.Unlock()

	r.deps.Bus.Publish(eventbus.TopicProviderRegistered, ProviderEvent{Provider: name})
	logging.Info("registry", "registered", "name", name, "count", count)
	return nil
}

// Unregister removes name, its cached instances and any default or fallback
// reference to it. It reports false when name was not registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	if _, ok := r.entries[name]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, name)
	delete(r.instances, name)
	if r.def == name {
		r.def = ""
	}
	chain := r.chain[:0:0]
	for _, n := range r.chain {
		if n != name {
			chain = append(chain, n)
		}
	}
	r.chain = chain
	r.mu.Unlock()

	r.deps.Bus.Publish(eventbus.TopicProviderUnregistered, ProviderEvent{Provider: name})
	logging.Info("registry", "unregistered", "name", name)
	return true
}

// Resolve returns the cached instance for (name, cfg) or constructs one.
// Any error means no instance is available.
func (r *Registry) Resolve(name string, cfg ProviderConfig) (Provider, error) {
	fp := cfg.Fingerprint()

	r.mu.RLock()
	if p, ok := r.instances[name][fp]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", name, ErrUnregisteredName)
	}
	if p, ok := r.instances[name][fp]; ok {
		return p, nil
	}
	p, err := entry.ctor(cfg, r.deps)
	if err != nil {
		logging.Warn("registry", "construct failed", "name", name, "err", err)
		return nil, fmt.Errorf("resolve %q: %w", name, err)
	}
	if p == nil {
		return nil, fmt.Errorf("resolve %q: constructor returned no provider", name)
	}
	if r.instances[name] == nil {
		r.instances[name] = make(map[string]Provider)
	}
	r.instances[name][fp] = p
	r.deps.Bus.Publish(eventbus.TopicProviderResolved, ProviderEvent{Provider: name})
	return p, nil
}

// ResolveWithFallback returns the first authenticated instance among primary,
// the fallback chain in order and the default. Unauthenticated instances are
// authenticated with their entry in configs.
func (r *Registry) ResolveWithFallback(ctx context.Context, primary string, configs ConfigSet) (Provider, error) {
	r.mu.RLock()
	candidates := append([]string{primary}, r.chain...)
	if r.def != "" && r.def != primary {
		candidates = append(candidates, r.def)
	}
	r.mu.RUnlock()

	tried := make(map[string]bool, len(candidates))
	var errs []error
	for _, name := range candidates {
		if tried[name] {
			continue
		}
		tried[name] = true
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cfg := configs[name]
		p, err := r.Resolve(name, cfg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !p.IsAuthenticated() {
			if err := p.Authenticate(ctx, cfg); err != nil {
				logging.Warn("registry", "fallback candidate failed", "name", name, "err", err)
				errs = append(errs, fmt.Errorf("authenticate %q: %w", name, err))
				continue
			}
		}
		if name != primary {
			r.deps.Bus.Publish(eventbus.TopicFallbackUsed, ProviderEvent{Provider: name})
			logging.Info("registry", "fallback used", "primary", primary, "name", name)
		}
		return p, nil
	}
	return nil, fmt.Errorf("no provider available for %q: %w", primary, errors.Join(errs...))
}

// SetDefault fails with ErrUnregisteredName if name is unknown.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return fmt.Errorf("set default %q: %w", name, ErrUnregisteredName)
	}
	r.def = name
	return nil
}

// SetFallbackChain replaces the chain. Nothing changes if any name is unknown.
func (r *Registry) SetFallbackChain(names []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var missing []string
	for _, n := range names {
		if _, ok := r.entries[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("set fallback chain [%s]: %w", strings.Join(missing, ", "), ErrUnregisteredName)
	}
	r.chain = append([]string(nil), names...)
	return nil
}

// TestAll resolves every registered name and runs TestConnection with its
// entry in configs. Resolution failures become failed results.
func (r *Registry) TestAll(ctx context.Context, configs ConfigSet) map[string]TestResult {
	results := make(map[string]TestResult)
	for _, name := range r.Names() {
		cfg := configs[name]
		p, err := r.Resolve(name, cfg)
		if err != nil {
			results[name] = TestResult{Provider: name, Message: err.Error(), Kind: KindOf(err)}
			continue
		}
		results[name] = p.TestConnection(ctx, cfg)
	}
	return results
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Metadata(name string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.meta, ok
}

func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

func (r *Registry) FallbackChain() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.chain...)
}
