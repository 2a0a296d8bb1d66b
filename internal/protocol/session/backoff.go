package session

import (
	"math"
	"math/rand"
	"time"
)

// BackoffDelay is how long to wait for a reply to attempt (1-based)
// before sending again. The first attempt always waits InitialDelay; later
// attempts grow by Multiplier up to MaxDelay, optionally jittered by a
// factor in [0.5, 1.5).
func BackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	growth := math.Max(cfg.Multiplier, 1)
	wait := float64(cfg.InitialDelay) * math.Pow(growth, float64(attempt-1))
	if cfg.MaxDelay > 0 {
		wait = math.Min(wait, float64(cfg.MaxDelay))
	}
	if cfg.Jitter {
		wait *= jitterFactor(rng)
	}
	return time.Duration(wait)
}

func jitterFactor(rng *rand.Rand) float64 {
	if rng == nil {
		return 1
	}
	return 0.5 + rng.Float64()
}

// HandshakeWait returns the reply wait for Connect attempt and whether the
// configured HandshakeAttempts bound is reached after it.
func (c Config) HandshakeWait(attempt int, rng *rand.Rand) (time.Duration, bool) {
	last := c.HandshakeAttempts > 0 && attempt >= c.HandshakeAttempts
	return BackoffDelay(c.Backoff, attempt, rng), last
}
