package session

import (
	"math"
	"math/rand"
	"time"
)

// ReconnectDelay returns the delay before reconnect attempt N (0-based).
// The exponent is capped at MaxExponent and the result at MaxDelay.
func ReconnectDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if cfg.MaxExponent > 0 && attempt > cfg.MaxExponent {
		attempt = cfg.MaxExponent
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
