package supervisor

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
	// MaxAttempts bounds consecutive reconnects before the session is
	// terminated with ErrRetriesExhausted. Zero means DefaultMaxAttempts.
	MaxAttempts int
}

// DefaultMaxAttempts is the retry ceiling when none is configured.
const DefaultMaxAttempts = 10

// DefaultBackoff returns the reconnect policy: 2s doubling to a 60s cap,
// jittered, ten attempts.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     60 * time.Second,
		Jitter:       true,
		MaxAttempts:  DefaultMaxAttempts,
	}
}

func (c BackoffConfig) maxAttempts() int {
	if c.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return c.MaxAttempts
}

// NextBackoffDelay returns the retry delay for attempt N (1-based). With
// jitter the delay is scaled by a factor in [0.5, 1.5). MaxDelay bounds the
// result either way.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 1.0
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
		if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
		}
	}
	return time.Duration(delay)
}
