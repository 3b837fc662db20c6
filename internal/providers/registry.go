package providers

import (
	"context"
	"fmt"
	"sync"
)

// ImageGenerator is implemented by providers that can render images from a
// text prompt, optionally steered by reference images.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, model, prompt string, inputImages []ImageContent) ([]ImageContent, error)
}

// Credentials holds the per-provider API configuration from the config file.
type Credentials struct {
	Key     string `json:"key"`
	BaseURL string `json:"base_url,omitempty"`
}

// Registry constructs and caches providers from configured credentials.
type Registry struct {
	mu    sync.Mutex
	creds map[string]Credentials
	cache map[string]Provider
}

// NewRegistry creates a registry over the configured provider credentials.
func NewRegistry(creds map[string]Credentials) *Registry {
	return &Registry{
		creds: creds,
		cache: make(map[string]Provider),
	}
}

// Get returns the provider with the given name, constructing it on first use.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.cache[name]; ok {
		return p, nil
	}

	cred, ok := r.creds[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", name)
	}

	var p Provider
	switch name {
	case "anthropic":
		p = NewAnthropicProvider(cred.Key, WithAnthropicBaseURL(cred.BaseURL))
	case "openai":
		p = NewOpenAIProvider(cred.Key, WithOpenAIBaseURL(cred.BaseURL))
	default:
		return nil, fmt.Errorf("unknown provider %q (supported: anthropic, openai)", name)
	}

	r.cache[name] = p
	return p, nil
}

// Resolve parses a "provider:model" spec and returns it alongside the
// constructed provider.
func (r *Registry) Resolve(spec string) (ModelSpec, Provider, error) {
	ms, err := ParseModelSpec(spec)
	if err != nil {
		return ModelSpec{}, nil, err
	}
	p, err := r.Get(ms.Provider)
	if err != nil {
		return ModelSpec{}, nil, err
	}
	return ms, p, nil
}
