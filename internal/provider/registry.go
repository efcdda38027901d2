package provider

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"authcrawl-backend/internal/components/telemetry"

	"github.com/antzucaro/matchr"
)

const report_registry_build = "registry.build"

var ErrUnknownProvider = errors.New("unknown provider")

// Registry maps a vendor id to its adapter.
type Registry struct {
	mutex    sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

// Register adds an adapter, replacing any adapter with the same id.
func (r *Registry) Register(adapter Adapter) {
	r.mutex.Lock()
	r.adapters[adapter.ID()] = adapter
	r.mutex.Unlock()
}

// Get resolves a provider given either as a vendor or as "vendor/model".
func (r *Registry) Get(provider string) (Adapter, error) {
	vendor := strings.ToLower(provider)
	if v, _, err := ParseProvider(provider); err == nil {
		vendor = v
	}

	r.mutex.RLock()
	adapter, ok := r.adapters[vendor]
	r.mutex.RUnlock()
	if ok {
		return adapter, nil
	}
	if suggestion := r.suggest(vendor); suggestion != "" {
		return nil, fmt.Errorf("%w %q, did you mean %q?", ErrUnknownProvider, provider, suggestion)
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownProvider, provider)
}

func (r *Registry) IDs() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) suggest(vendor string) string {
	best := ""
	bestScore := 0.7
	for _, id := range r.IDs() {
		score := matchr.JaroWinkler(vendor, id, false)
		if score > bestScore {
			best = id
			bestScore = score
		}
	}
	return best
}

// New builds the adapter for one provider configuration.
func New(config Config, tel telemetry.API) (Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	switch config.Vendor() {
	case "gemini":
		return NewGemini(config, tel), nil
	case "openai":
		return NewOpenAI(config, tel), nil
	case "zhipu":
		return NewZhipu(config, tel), nil
	case "static":
		return NewStatic(config), nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownProvider, config.Vendor())
}

// BuildRegistry builds an adapter per configuration. The static adapter is always available. A vendor configured
// twice keeps its last configuration.
func BuildRegistry(configs []Config, tel telemetry.API) (*Registry, error) {
	tel = telemetry.NewScopedAPI("provider", tel)
	registry := NewRegistry()
	registry.Register(NewStatic(Config{Provider: "static/echo"}))

	var errs []error
	for _, config := range configs {
		adapter, err := New(config, tel)
		if err != nil {
			tel.ReportBroken(report_registry_build, config, err)
			errs = append(errs, err)
			continue
		}
		registry.Register(adapter)
		tel.ReportDebug("registered provider", config)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return registry, nil
}

// Vendors lists the vendors New knows how to build.
func Vendors() []string {
	return []string{"gemini", "openai", "static", "zhipu"}
}
