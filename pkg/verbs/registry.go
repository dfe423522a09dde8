package verbs

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs a Provider.
type Factory func() (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a provider available by name. Registering the same name
// twice replaces the previous factory.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Open constructs the named provider.
func Open(name string) (Provider, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		if name == HardwareProvider {
			return nil, fmt.Errorf("%w: %s", ErrProviderNotBuiltIn, name)
		}
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrProviderNotFound, name, Names())
	}
	return f()
}

// Names lists registered providers in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HardwareProvider is the name the libibverbs backend registers under.
const HardwareProvider = "ibverbs"
