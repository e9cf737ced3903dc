package crm

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/leapstack-labs/crmsync/pkg/core"
)

// Factory builds a client from its configuration.
type Factory func(cfg core.ClientConfig, logger *slog.Logger) (core.Client, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a client factory to the registry.
// Called by client implementations in their init() functions.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Get retrieves a client factory by name.
func Get(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// NewClient creates a client for cfg.Type.
// A nil logger is replaced with a discard logger.
func NewClient(cfg core.ClientConfig, logger *slog.Logger) (core.Client, error) {
	if cfg.Type == "" {
		return nil, fmt.Errorf("client type not specified")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	factory, ok := Get(cfg.Type)
	if !ok {
		return nil, &UnknownClientError{
			Type:      cfg.Type,
			Available: ListClients(),
		}
	}
	return factory(cfg, logger)
}

// ListClients returns all registered client names (sorted).
func ListClients() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered checks if a client type is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

// UnknownClientError is returned when an unknown client type is requested.
type UnknownClientError struct {
	Type      string
	Available []string
}

func (e *UnknownClientError) Error() string {
	return fmt.Sprintf("unknown portal type %q\nAvailable portal types: %v\nHint: Check source.type and target.type in crmsync.yaml", e.Type, e.Available)
}
