package watchdog

import (
	"math/rand"
	"time"
)

// backoffDelay returns the wait before restart attempt n (0-based):
// exponential from base, capped at max, with up to 20% jitter so a batch
// of crashed workers does not restart in lockstep.
func backoffDelay(attempt int, base, max time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = base
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}

	if rng != nil {
		jitter := time.Duration(rng.Int63n(int64(d)/5 + 1))
		d += jitter
		if d > max {
			d = max
		}
	}
	return d
}

// shouldEscalate reports whether restarts crossed the sliding-window
// budget: more than limit restarts within window means the worker is
// systematically failing and restarting it again would just loop.
func shouldEscalate(restarts []time.Time, now time.Time, window time.Duration, limit int) bool {
	if limit <= 0 {
		return false
	}
	cutoff := now.Add(-window)
	recent := 0
	for _, t := range restarts {
		if t.After(cutoff) {
			recent++
		}
	}
	return recent > limit
}

// pruneRestarts drops restart timestamps older than the window, keeping
// the slice from growing without bound.
func pruneRestarts(restarts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := restarts[:0]
	for _, t := range restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
