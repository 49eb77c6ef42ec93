package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDelay(t *testing.T) {
	t.Run("empty spec means no delay", func(t *testing.T) {
		delay, err := ResolveDelay("", DefaultMaxRandomDelay, nil)
		require.NoError(t, err)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("literal seconds", func(t *testing.T) {
		delay, err := ResolveDelay("5", DefaultMaxRandomDelay, nil)
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, delay)
	})

	t.Run("clamps values above the transport maximum", func(t *testing.T) {
		delay, err := ResolveDelay("901", DefaultMaxRandomDelay, nil)
		require.NoError(t, err)
		assert.Equal(t, 900*time.Second, delay)

		delay, err = ResolveDelay("86400", DefaultMaxRandomDelay, nil)
		require.NoError(t, err)
		assert.Equal(t, 900*time.Second, delay)
	})

	t.Run("random stays under the configured maximum", func(t *testing.T) {
		max := 30 * time.Second
		for i := 0; i < 200; i++ {
			delay, err := ResolveDelay(DelayRandom, max, nil)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, delay, time.Duration(0))
			assert.Less(t, delay, max)
		}
	})

	t.Run("random with zero maximum is no delay", func(t *testing.T) {
		delay, err := ResolveDelay(DelayRandom, 0, nil)
		require.NoError(t, err)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("placeholder resolves against configuration", func(t *testing.T) {
		resolver := MapResolver{"debounce.seconds": "30"}
		delay, err := ResolveDelay("${debounce.seconds}", DefaultMaxRandomDelay, resolver)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, delay)
	})

	t.Run("placeholder can resolve to random", func(t *testing.T) {
		resolver := MapResolver{"smoothing": "random"}
		delay, err := ResolveDelay("${smoothing}", 10*time.Second, resolver)
		require.NoError(t, err)
		assert.Less(t, delay, 10*time.Second)
	})

	t.Run("placeholder resolving to empty means no delay", func(t *testing.T) {
		resolver := MapResolver{"unset": ""}
		delay, err := ResolveDelay("${unset}", DefaultMaxRandomDelay, resolver)
		require.NoError(t, err)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("unconfigured placeholder fails", func(t *testing.T) {
		_, err := ResolveDelay("${missing}", DefaultMaxRandomDelay, MapResolver{})
		assert.Error(t, err)
	})

	t.Run("garbage fails", func(t *testing.T) {
		_, err := ResolveDelay("soon", DefaultMaxRandomDelay, nil)
		assert.Error(t, err)

		_, err = ResolveDelay("-3", DefaultMaxRandomDelay, nil)
		assert.Error(t, err)
	})
}
