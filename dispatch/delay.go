package dispatch

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// DelayRandom is the delay spec sentinel that resolves to a uniformly
// random delay in [0, maxRandomDelay).
const DelayRandom = "random"

// DefaultMaxRandomDelay caps random delays and the backoff curve. It
// matches the transport's maximum supported delay.
const DefaultMaxRandomDelay = 900 * time.Second

// ResolveDelay turns a delay spec into a concrete delivery delay.
//
// The spec is either empty (no delay), a literal number of seconds,
// the sentinel "random", or a ${...} placeholder resolved against
// external configuration at dispatch time. The result is clamped to
// MaxTransportDelay.
func ResolveDelay(spec string, maxRandom time.Duration, resolver Resolver) (time.Duration, error) {
	if spec == "" {
		return 0, nil
	}

	if strings.Contains(spec, "${") {
		if resolver == nil {
			return 0, fmt.Errorf("delay spec %q needs a resolver", spec)
		}
		resolved, err := resolver.Resolve(spec)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve delay spec %q: %w", spec, err)
		}
		spec = resolved
	}

	if spec == "" {
		return 0, nil
	}

	if spec == DelayRandom {
		if maxRandom <= 0 {
			return 0, nil
		}
		return ClampDelay(time.Duration(rand.Int63n(int64(maxRandom)))), nil
	}

	seconds, err := strconv.ParseInt(spec, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("delay spec %q is not a number of seconds: %w", spec, err)
	}
	if seconds < 0 {
		return 0, fmt.Errorf("delay spec %q is negative", spec)
	}

	return ClampDelay(time.Duration(seconds) * time.Second), nil
}
