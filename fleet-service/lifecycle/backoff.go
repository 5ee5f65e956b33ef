package lifecycle

import (
	"math/rand"
	"time"
)

const (
	backoffBase = 2 * time.Second
	backoffCap  = 60 * time.Second
)

// backoffFor returns the delay before the next attempt of a task that
// has already run `attempts` times. Exponential from backoffBase up to
// backoffCap, with 25% jitter so retries against a struggling provider
// spread out instead of arriving in lockstep.
func backoffFor(attempts int) time.Duration {
	delay := backoffBase
	for i := 0; i < attempts && delay < backoffCap; i++ {
		delay *= 2
	}
	if delay > backoffCap {
		delay = backoffCap
	}

	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay*3/4 + jitter
}
