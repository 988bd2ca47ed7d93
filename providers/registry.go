package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openagency/conductor/core"
)

// Client is the interface every provider adapter implements. Adapters
// serialize SDK responses into the normalized Response at this boundary.
type Client interface {
	// Call performs one model invocation.
	Call(ctx context.Context, model string, req *Request) (*Response, error)

	// Name returns the provider's registry name.
	Name() string
}

// Config holds configuration for provider client creation.
type Config struct {
	// API credentials
	APIKey  string
	BaseURL string

	// Connection settings
	Timeout time.Duration

	Logger core.Logger
}

// Factory defines the interface for provider factories. Providers
// register themselves from init() functions in their packages.
type Factory interface {
	// Create creates a new client instance with the given configuration
	Create(config *Config) (Client, error)

	// DetectEnvironment checks if this provider can be used with the
	// current environment (credentials present). Returns priority
	// (higher = preferred) and availability.
	DetectEnvironment() (priority int, available bool)

	// Name returns the provider's name
	Name() string

	// Description returns a human-readable description
	Description() string

	// SupportsTools reports whether the provider emits structured
	// tool-use blocks. Only tool-capable providers may appear in the
	// tool_executor chain.
	SupportsTools() bool
}

// registryState manages registered provider factories
type registryState struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

var registry = &registryState{
	factories: make(map[string]Factory),
}

// Register registers a provider factory.
// This is typically called from init() functions in provider packages.
func Register(factory Factory) error {
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}
	name := factory.Name()
	if name == "" {
		return fmt.Errorf("factory.Name() cannot be empty")
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.factories[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	registry.factories[name] = factory
	return nil
}

// MustRegister registers a provider and panics on error.
// Use this in init() functions where errors cannot be handled.
func MustRegister(factory Factory) {
	if err := Register(factory); err != nil {
		panic(fmt.Sprintf("failed to register provider: %v", err))
	}
}

// GetFactory retrieves a registered factory by name.
func GetFactory(name string) (Factory, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	factory, exists := registry.factories[name]
	return factory, exists
}

// ListProviders returns all registered provider names, sorted.
func ListProviders() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	names := make([]string, 0, len(registry.factories))
	for name := range registry.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info describes a registered provider for diagnostics.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Available   bool   `json:"available"`
	Priority    int    `json:"priority"`
	Tools       bool   `json:"tools"`
}

// GetProviderInfo returns information about all registered providers,
// sorted by priority (highest first) then name.
func GetProviderInfo() []Info {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	info := make([]Info, 0, len(registry.factories))
	for name, factory := range registry.factories {
		priority, available := factory.DetectEnvironment()
		info = append(info, Info{
			Name:        name,
			Description: factory.Description(),
			Available:   available,
			Priority:    priority,
			Tools:       factory.SupportsTools(),
		})
	}

	sort.Slice(info, func(i, j int) bool {
		if info[i].Priority != info[j].Priority {
			return info[i].Priority > info[j].Priority
		}
		return info[i].Name < info[j].Name
	})
	return info
}
