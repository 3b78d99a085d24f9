package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownModel        = errors.New("registry: unknown model")
	ErrProviderUnavailable = errors.New("registry: provider not available for model")
)

// Entry is one catalog row: a public alias mapped to a provider-native model.
// The same alias may appear on several rows; Priority orders the fallback
// chain, lowest first.
type Entry struct {
	Alias           string
	Provider        string
	ProviderModel   string
	Priority        int
	ContextWindow   int32
	MaxOutputTokens int32
	Modalities      []string
	PriceInput      decimal.Decimal
	PriceOutput     decimal.Decimal
	Enabled         *bool
}

func (e Entry) enabled() bool {
	if e.Enabled == nil {
		return true
	}
	return *e.Enabled
}

// Candidate is a resolved upstream target. Passthrough is set when the client
// addressed the provider directly instead of going through an alias.
type Candidate struct {
	Alias       string
	Provider    string
	Model       string
	Priority    int
	PriceInput  decimal.Decimal
	PriceOutput decimal.Decimal
	Passthrough bool
}

// ModelInfo is the catalog view served by the models listing.
type ModelInfo struct {
	Alias           string
	Providers       []string
	ContextWindow   int32
	MaxOutputTokens int32
	Modalities      []string
}

type snapshot struct {
	byAlias   map[string][]Candidate
	providers map[string]struct{}
	models    []ModelInfo
}

// Registry resolves public model names to ordered provider candidates.
// Lookups read an immutable snapshot through an atomic pointer, so Resolve
// never blocks on a concurrent Refresh and a request sees one consistent
// catalog end to end.
type Registry struct {
	current atomic.Pointer[snapshot]
}

func New(entries []Entry) (*Registry, error) {
	r := &Registry{}
	r.current.Store(&snapshot{
		byAlias:   map[string][]Candidate{},
		providers: map[string]struct{}{},
	})
	if err := r.Refresh(entries); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh validates and swaps in a new catalog. On error the previous
// snapshot stays live.
func (r *Registry) Refresh(entries []Entry) error {
	next, err := build(entries)
	if err != nil {
		return err
	}
	r.current.Store(next)
	return nil
}

func build(entries []Entry) (*snapshot, error) {
	byAlias := make(map[string][]Candidate)
	providers := make(map[string]struct{})
	meta := make(map[string]*ModelInfo)

	for i, e := range entries {
		alias := normalize(e.Alias)
		provider := normalize(e.Provider)
		if alias == "" || provider == "" {
			return nil, fmt.Errorf("registry: entry %d missing alias or provider", i)
		}
		model := strings.TrimSpace(e.ProviderModel)
		if model == "" {
			model = alias
		}
		providers[provider] = struct{}{}
		if !e.enabled() {
			continue
		}

		byAlias[alias] = append(byAlias[alias], Candidate{
			Alias:       alias,
			Provider:    provider,
			Model:       model,
			Priority:    e.Priority,
			PriceInput:  e.PriceInput,
			PriceOutput: e.PriceOutput,
		})

		info, ok := meta[alias]
		if !ok {
			meta[alias] = &ModelInfo{
				Alias:           alias,
				Providers:       []string{provider},
				ContextWindow:   e.ContextWindow,
				MaxOutputTokens: e.MaxOutputTokens,
				Modalities:      e.Modalities,
			}
			continue
		}
		if !contains(info.Providers, provider) {
			info.Providers = append(info.Providers, provider)
		}
	}

	for alias, candidates := range byAlias {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Priority < candidates[j].Priority
		})
		byAlias[alias] = candidates
	}

	models := make([]ModelInfo, 0, len(meta))
	for _, info := range meta {
		models = append(models, *info)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Alias < models[j].Alias })

	return &snapshot{byAlias: byAlias, providers: providers, models: models}, nil
}

// Resolve maps a requested model to its ordered candidate chain. A non-empty
// pin restricts the chain to one provider. Names of the form
// "<provider>/<model>" whose first segment is a known provider slug bypass
// the alias table and go straight to that provider.
func (r *Registry) Resolve(model, pin string) ([]Candidate, error) {
	snap := r.current.Load()
	name := normalize(model)
	pin = normalize(pin)

	if candidates, ok := snap.byAlias[name]; ok {
		if pin == "" {
			out := make([]Candidate, len(candidates))
			copy(out, candidates)
			return out, nil
		}
		var pinned []Candidate
		for _, c := range candidates {
			if c.Provider == pin {
				pinned = append(pinned, c)
			}
		}
		if len(pinned) == 0 {
			return nil, fmt.Errorf("%w: %s via %s", ErrProviderUnavailable, name, pin)
		}
		return pinned, nil
	}

	if provider, rest, ok := strings.Cut(name, "/"); ok && rest != "" {
		if _, known := snap.providers[provider]; known {
			if pin != "" && pin != provider {
				return nil, fmt.Errorf("%w: %s via %s", ErrProviderUnavailable, name, pin)
			}
			return []Candidate{{
				Alias:       name,
				Provider:    provider,
				Model:       rest,
				Passthrough: true,
			}}, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
}

// Models returns the catalog for the public models listing, sorted by alias.
func (r *Registry) Models() []ModelInfo {
	return r.current.Load().models
}

// KnownProvider reports whether a provider slug appears anywhere in the
// catalog, enabled or not.
func (r *Registry) KnownProvider(slug string) bool {
	_, ok := r.current.Load().providers[normalize(slug)]
	return ok
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
