package sideband

import (
	"fmt"
	"sort"
	"sync"
)

// Provider creates the two sides of sideband streams for one transport.
type Provider interface {
	// CreateProducer allocates buffers and returns the producer handle.
	CreateProducer(cfg ProducerConfig) (Handle, error)
	// CreateConsumer wraps a received native handle that already passed Validate.
	CreateConsumer(h *NativeHandle) (Handle, error)
}

// OpenFunc creates a provider instance from string options.
type OpenFunc func(options map[string]string) (Provider, error)

var (
	providersMu sync.RWMutex
	providers   = make(map[string]OpenFunc)
)

// Register makes a provider available by name. It panics if the name is
// registered twice or open is nil.
func Register(name string, open OpenFunc) {
	providersMu.Lock()
	defer providersMu.Unlock()
	if open == nil {
		panic("sideband: Register open func is nil")
	}
	if _, dup := providers[name]; dup {
		panic("sideband: Register called twice for provider " + name)
	}
	providers[name] = open
}

// Providers returns the sorted names of registered providers.
func Providers() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupProvider(name string) (OpenFunc, error) {
	providersMu.RLock()
	defer providersMu.RUnlock()
	open, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %v)", ErrUnknownProvider, name, providerNamesLocked())
	}
	return open, nil
}

func providerNamesLocked() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
