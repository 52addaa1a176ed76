package relay

import (
	"math/rand"
	"time"
)

// Backoff returns the pre-jitter reconnect delay for the given attempt
// (1-based): base doubled per attempt, capped at max. Attempts 1..6 with
// the default 2s/32s settings yield 2,4,8,16,32,32 seconds.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// jitter spreads simultaneous reconnects over up to one extra second
func jitter() time.Duration {
	return time.Duration(rand.Int63n(int64(time.Second)))
}
