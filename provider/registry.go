package provider

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/careops/wardgate/logging"
)

// ErrNoProvider is returned when no configured backend is usable.
var ErrNoProvider = errors.New("provider: no available provider")

// Registry holds the configured backends and picks one per request.
type Registry struct {
	providers map[string]Provider
	order     []string
	def       string
	logger    logging.Logger
}

// RegistryOptions configures backend selection.
type RegistryOptions struct {
	// Default names the provider preferred when a request does not ask
	// for one explicitly.
	Default string
	Logger  logging.Logger
}

// NewRegistry builds adapters for each config entry. Unknown kinds are
// rejected up front so a typo fails at startup rather than mid-shift.
func NewRegistry(configs []Config, optFns ...func(o *RegistryOptions)) (*Registry, error) {
	opts := RegistryOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	r := &Registry{
		providers: make(map[string]Provider, len(configs)),
		def:       opts.Default,
		logger:    logging.OrNoOp(opts.Logger),
	}
	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, errors.New("provider: config entry missing name")
		}
		if _, dup := r.providers[cfg.Name]; dup {
			return nil, errors.Errorf("provider: duplicate provider %q", cfg.Name)
		}
		var p Provider
		switch cfg.Kind {
		case "openai", "":
			p = NewOpenAI(cfg)
		case "anthropic":
			p = NewAnthropic(cfg)
		default:
			return nil, errors.Errorf("provider: unknown kind %q for provider %q", cfg.Kind, cfg.Name)
		}
		r.providers[cfg.Name] = p
		r.order = append(r.order, cfg.Name)
	}
	if r.def == "" && len(r.order) > 0 {
		r.def = r.order[0]
	}
	if r.def != "" {
		if _, ok := r.providers[r.def]; !ok {
			return nil, errors.Errorf("provider: default %q is not configured", r.def)
		}
	}
	return r, nil
}

// NewRegistryFromProviders wires pre-built providers, keeping the given
// order for fallback. Used by tests and anywhere adapters are injected.
func NewRegistryFromProviders(def string, providers ...Provider) *Registry {
	r := &Registry{
		providers: make(map[string]Provider, len(providers)),
		def:       def,
		logger:    logging.NoOpLogger{},
	}
	for _, p := range providers {
		r.providers[p.Name()] = p
		r.order = append(r.order, p.Name())
	}
	if r.def == "" && len(r.order) > 0 {
		r.def = r.order[0]
	}
	return r
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, errors.Errorf("provider: unknown provider %q", name)
	}
	return p, nil
}

// Names returns the configured provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}

// Pick resolves the provider for one request. The preferred name wins
// when that backend is up, otherwise selection falls through the
// configured order. ErrNoProvider means every backend is down.
func (r *Registry) Pick(ctx context.Context, preferred string) (Provider, error) {
	if preferred == "" {
		preferred = r.def
	}
	if preferred != "" {
		p, err := r.Get(preferred)
		if err != nil {
			return nil, err
		}
		if p.Available(ctx) {
			return p, nil
		}
		r.logger.Warn("provider unavailable, trying fallbacks", "provider", preferred)
	}
	for _, name := range r.order {
		if name == preferred {
			continue
		}
		p := r.providers[name]
		if p.Available(ctx) {
			r.logger.Info("fell back to provider", "provider", name)
			return p, nil
		}
	}
	return nil, ErrNoProvider
}
