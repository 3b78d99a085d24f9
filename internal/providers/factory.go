package providers

import (
	"context"
	"fmt"

	"github.com/mheaton/tollgate/internal/config"
)

// Builder constructs a provider Route from its configuration.
type Builder func(ctx context.Context, cfg config.ProviderConfig) (Route, error)

// Factory builds provider routes from configuration using a registry of
// builders.
type Factory struct {
	cfg      *config.Config
	builders map[string]Builder
}

// NewFactory creates a factory with the default provider registry.
func NewFactory(cfg *config.Config) *Factory {
	return &Factory{cfg: cfg, builders: cloneDefaultBuilders()}
}

// Register allows tests or callers to override provider builders.
func (f *Factory) Register(name string, builder Builder) {
	if f.builders == nil {
		f.builders = make(map[string]Builder)
	}
	f.builders[name] = builder
}

// Build instantiates one route per configured provider, keyed by slug.
func (f *Factory) Build(ctx context.Context) (map[string]Route, error) {
	routes := make(map[string]Route, len(f.cfg.Providers))
	for _, pc := range f.cfg.Providers {
		kind := pc.Type
		if kind == "" {
			kind = pc.Slug
		}
		builder, ok := f.builders[kind]
		if !ok {
			return nil, fmt.Errorf("provider %q: type %q unsupported", pc.Slug, kind)
		}
		route, err := builder(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Slug, err)
		}
		route.Provider = pc.Slug
		routes[pc.Slug] = route
	}
	return routes, nil
}
