package driver

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Wildcard matches any value of a registry key component.
const Wildcard = "*"

type registryKey struct {
	platform string
	os       string
	firmware string
}

func (k registryKey) String() string {
	return k.platform + "/" + k.os + "/" + k.firmware
}

func normalizeKey(platform, os, firmware string) registryKey {
	norm := func(s string) string {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			return Wildcard
		}
		return s
	}
	return registryKey{platform: norm(platform), os: norm(os), firmware: norm(firmware)}
}

// Registry maps (platform, os, firmware) to a driver Factory.
//
// Lookup tries the exact key first, then platform+os with any firmware, then
// platform alone, then the full wildcard. Empty components register as
// wildcards. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[registryKey]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[registryKey]Factory)}
}

// Register binds a factory to a key. Registering the same key twice is an
// error so a misconfigured startup fails loudly.
func (r *Registry) Register(platform, os, firmware string, f Factory) error {
	if f == nil {
		return fmt.Errorf("register driver: nil factory")
	}
	key := normalizeKey(platform, os, firmware)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("register driver %s: already registered", key)
	}
	r.factories[key] = f
	return nil
}

// MustRegister is Register that panics on error. Intended for startup tables.
func (r *Registry) MustRegister(platform, os, firmware string, f Factory) {
	if err := r.Register(platform, os, firmware, f); err != nil {
		panic(err)
	}
}

// Lookup resolves the factory for dev.
func (r *Registry) Lookup(dev Device) (Factory, error) {
	exact := normalizeKey(dev.Platform, dev.OS, dev.Firmware)
	candidates := []registryKey{
		exact,
		{platform: exact.platform, os: exact.os, firmware: Wildcard},
		{platform: exact.platform, os: Wildcard, firmware: Wildcard},
		{platform: Wildcard, os: Wildcard, firmware: Wildcard},
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, key := range candidates {
		if f, ok := r.factories[key]; ok {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w for %s (%s)", ErrNoDriver, dev.Name, exact)
}

// New looks up the factory for dev and builds a driver.
func (r *Registry) New(dev Device) (Driver, error) {
	f, err := r.Lookup(dev)
	if err != nil {
		return nil, err
	}
	d, err := f(dev)
	if err != nil {
		return nil, fmt.Errorf("build driver for %s: %w", dev.Name, err)
	}
	return d, nil
}

// Keys returns the registered keys as "platform/os/firmware", sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	return keys
}
