package dispatch

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Resolver resolves ${...} placeholders in destination names and delay
// specs against external configuration.
type Resolver interface {
	Resolve(name string) (string, error)
}

// MapResolver resolves placeholders from a fixed map. Useful for tests
// and for programs that load configuration up front.
type MapResolver map[string]string

// Resolve implements Resolver.
func (m MapResolver) Resolve(name string) (string, error) {
	return expandPlaceholders(name, func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	})
}

// EnvResolver resolves placeholders from environment variables.
type EnvResolver struct{}

// Resolve implements Resolver.
func (EnvResolver) Resolve(name string) (string, error) {
	return expandPlaceholders(name, os.LookupEnv)
}

func expandPlaceholders(name string, lookup func(string) (string, bool)) (string, error) {
	var out strings.Builder
	rest := name
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}
		key := rest[start+2 : start+end]
		value, ok := lookup(key)
		if !ok {
			return "", fmt.Errorf("placeholder %q in %q is not configured", key, name)
		}
		out.WriteString(rest[:start])
		out.WriteString(value)
		rest = rest[start+end+1:]
	}
}

// DestinationCache wraps a Resolver and caches each destination after
// its first resolution, so that sends do not pay the resolution cost
// per message.
type DestinationCache struct {
	resolver Resolver
	mu       sync.RWMutex
	cache    map[string]string
}

// NewDestinationCache creates a caching wrapper around resolver.
func NewDestinationCache(resolver Resolver) *DestinationCache {
	return &DestinationCache{
		resolver: resolver,
		cache:    make(map[string]string),
	}
}

// Resolve implements Resolver with caching. Failed resolutions are not
// cached.
func (c *DestinationCache) Resolve(name string) (string, error) {
	c.mu.RLock()
	resolved, ok := c.cache[name]
	c.mu.RUnlock()
	if ok {
		return resolved, nil
	}

	resolved, err := c.resolver.Resolve(name)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.cache[name] = resolved
	c.mu.Unlock()
	return resolved, nil
}

// Remove drops a single destination from the cache.
func (c *DestinationCache) Remove(name string) {
	c.mu.Lock()
	delete(c.cache, name)
	c.mu.Unlock()
}

// Clear drops all cached destinations.
func (c *DestinationCache) Clear() {
	c.mu.Lock()
	c.cache = make(map[string]string)
	c.mu.Unlock()
}
