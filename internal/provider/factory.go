package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"docrelay/internal/config"
	"docrelay/internal/domain"
)

// CompleterConstructor builds a completer from one providers entry.
type CompleterConstructor func(ctx context.Context, name string, pc config.ProviderConfig, logger *slog.Logger) (domain.Completer, error)

// Factory creates and caches completers from config.
type Factory struct {
	cfg          config.LLMConfig
	providers    map[string]config.ProviderConfig
	logger       *slog.Logger
	constructors map[string]CompleterConstructor
	cache        map[string]domain.Completer
	mu           sync.RWMutex
}

func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	f := &Factory{
		cfg:          cfg.LLM,
		providers:    cfg.Providers,
		logger:       logger,
		constructors: make(map[string]CompleterConstructor),
		cache:        make(map[string]domain.Completer),
	}
	f.constructors["openai"] = func(_ context.Context, name string, pc config.ProviderConfig, logger *slog.Logger) (domain.Completer, error) {
		return NewOpenAI(OpenAIConfig{Name: name, APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: logger}), nil
	}
	f.constructors["gemini"] = func(ctx context.Context, _ string, pc config.ProviderConfig, logger *slog.Logger) (domain.Completer, error) {
		return NewGemini(ctx, GeminiConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: logger})
	}
	return f
}

// RegisterConstructor adds or replaces the constructor for a provider kind.
func (f *Factory) RegisterConstructor(kind string, ctor CompleterConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = ctor
}

// Get returns the named completer, building it on first use.
func (f *Factory) Get(ctx context.Context, name string) (domain.Completer, error) {
	if name == "" {
		name = f.cfg.DefaultProvider
	}

	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}
	ctor, ok := f.constructors[pc.Kind]
	if !ok {
		return nil, fmt.Errorf("provider %s: unsupported kind %q", name, pc.Kind)
	}
	c, err := ctor(ctx, name, pc, f.logger)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", name, err)
	}
	f.cache[name] = c
	return c, nil
}

// Completer returns the default completer, or a Failover over the configured
// chain when one is set, throttled when llm.rateLimitPerMinute is positive.
func (f *Factory) Completer(ctx context.Context) (domain.Completer, error) {
	c, err := f.chain(ctx)
	if err != nil {
		return nil, err
	}
	if f.cfg.RateLimitPerMinute > 0 {
		return NewRateLimited(c, f.cfg.RateLimitBurst, f.cfg.RateLimitPerMinute), nil
	}
	return c, nil
}

func (f *Factory) chain(ctx context.Context) (domain.Completer, error) {
	if len(f.cfg.FailoverChain) == 0 {
		return f.Get(ctx, "")
	}

	names := f.cfg.FailoverChain
	if names[0] != f.cfg.DefaultProvider {
		names = append([]string{f.cfg.DefaultProvider}, names...)
	}
	seen := make(map[string]bool, len(names))
	var chain []domain.Completer
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		c, err := f.Get(ctx, name)
		if err != nil {
			f.logger.Warn("failover: skipping provider", "provider", name, "err", err)
			continue
		}
		chain = append(chain, c)
	}
	switch len(chain) {
	case 0:
		return nil, fmt.Errorf("no usable provider in failover chain %v", names)
	case 1:
		return chain[0], nil
	default:
		return NewFailover(chain, f.logger), nil
	}
}
