package dispatch

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapResolver(t *testing.T) {
	resolver := MapResolver{"env": "prod", "region": "eu-west-1"}

	t.Run("passes through names without placeholders", func(t *testing.T) {
		resolved, err := resolver.Resolve("dispatch-queue")
		require.NoError(t, err)
		assert.Equal(t, "dispatch-queue", resolved)
	})

	t.Run("expands placeholders", func(t *testing.T) {
		resolved, err := resolver.Resolve("dispatch-${env}-${region}")
		require.NoError(t, err)
		assert.Equal(t, "dispatch-prod-eu-west-1", resolved)
	})

	t.Run("fails on unknown placeholder", func(t *testing.T) {
		_, err := resolver.Resolve("dispatch-${cluster}")
		assert.Error(t, err)
	})

	t.Run("leaves unterminated placeholder alone", func(t *testing.T) {
		resolved, err := resolver.Resolve("dispatch-${env")
		require.NoError(t, err)
		assert.Equal(t, "dispatch-${env", resolved)
	})
}

func TestEnvResolver(t *testing.T) {
	t.Setenv("DISTQ_TEST_QUEUE", "orders")

	resolved, err := EnvResolver{}.Resolve("${DISTQ_TEST_QUEUE}-queue")
	require.NoError(t, err)
	assert.Equal(t, "orders-queue", resolved)
}

// countingResolver counts resolutions so caching is observable.
type countingResolver struct {
	mu    sync.Mutex
	calls int
	inner Resolver
}

func (c *countingResolver) Resolve(name string) (string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Resolve(name)
}

func TestDestinationCache(t *testing.T) {
	t.Run("resolves once per destination", func(t *testing.T) {
		counter := &countingResolver{inner: MapResolver{"env": "prod"}}
		cache := NewDestinationCache(counter)

		for i := 0; i < 5; i++ {
			resolved, err := cache.Resolve("dispatch-${env}")
			require.NoError(t, err)
			assert.Equal(t, "dispatch-prod", resolved)
		}
		assert.Equal(t, 1, counter.calls)
	})

	t.Run("does not cache failures", func(t *testing.T) {
		counter := &countingResolver{inner: MapResolver{}}
		cache := NewDestinationCache(counter)

		_, err := cache.Resolve("dispatch-${env}")
		assert.Error(t, err)
		_, err = cache.Resolve("dispatch-${env}")
		assert.Error(t, err)
		assert.Equal(t, 2, counter.calls)
	})

	t.Run("remove and clear force re-resolution", func(t *testing.T) {
		counter := &countingResolver{inner: MapResolver{"env": "prod"}}
		cache := NewDestinationCache(counter)

		_, err := cache.Resolve("a-${env}")
		require.NoError(t, err)
		_, err = cache.Resolve("b-${env}")
		require.NoError(t, err)

		cache.Remove("a-${env}")
		_, _ = cache.Resolve("a-${env}")
		_, _ = cache.Resolve("b-${env}")
		assert.Equal(t, 3, counter.calls)

		cache.Clear()
		_, _ = cache.Resolve("a-${env}")
		_, _ = cache.Resolve("b-${env}")
		assert.Equal(t, 5, counter.calls)
	})

	t.Run("safe under concurrent use", func(t *testing.T) {
		cache := NewDestinationCache(MapResolver{"n": "1"})
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					_, err := cache.Resolve(fmt.Sprintf("queue-%d-${n}", i%4))
					assert.NoError(t, err)
				}
			}(i)
		}
		wg.Wait()
	})
}
