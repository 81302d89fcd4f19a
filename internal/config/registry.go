package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/talewind-ai/talewind/internal/llmclient"
	"github.com/talewind-ai/talewind/pkg/provider/embeddings"
	"github.com/talewind-ai/talewind/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It implements [llmclient.Resolver], so a configured
// registry can be handed to the LLM client directly. Safe for concurrent
// use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]func(ProviderEntry) (llm.Provider, error)
	embeddings map[string]func(ProviderEntry) (embeddings.Provider, error)
	entries    map[string]ProviderEntry
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]func(ProviderEntry) (llm.Provider, error)),
		embeddings: make(map[string]func(ProviderEntry) (embeddings.Provider, error)),
		entries:    make(map[string]ProviderEntry),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// UseCredentials stores the per-provider credential entries from the config,
// used by [Registry.Resolve] to build providers for route targets.
func (r *Registry) UseCredentials(entries map[string]ProviderEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, entry := range entries {
		r.entries[name] = entry
	}
}

// CreateLLM instantiates an LLM provider using the factory registered under
// name. Returns [ErrProviderNotRegistered] if no factory has been registered
// for that name.
func (r *Registry) CreateLLM(name string, entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, name)
	}
	return factory(entry)
}

// CreateEmbeddings instantiates an embeddings provider using the factory
// registered under name.
func (r *Registry) CreateEmbeddings(name string, entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, name)
	}
	return factory(entry)
}

// Resolve implements [llmclient.Resolver]: it builds the provider for a
// route target, merging the target's model into the provider's stored
// credential entry.
func (r *Registry) Resolve(target llmclient.Target) (llm.Provider, error) {
	r.mu.RLock()
	entry := r.entries[target.Provider]
	r.mu.RUnlock()

	entry.Model = target.Model
	return r.CreateLLM(target.Provider, entry)
}
