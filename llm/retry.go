package llm

import (
	"math/rand/v2"
	"time"
)

// PollConfig controls how often the engine polls a loading server.
type PollConfig struct {
	// Interval is the initial delay between health checks.
	Interval time.Duration

	// Multiplier is applied to the delay after each unsuccessful check.
	Multiplier float64

	// MaxInterval caps the delay.
	MaxInterval time.Duration
}

// DefaultPollConfig returns polling defaults suitable for multi-GB model loads.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval:    100 * time.Millisecond,
		Multiplier:  1.5,
		MaxInterval: 2 * time.Second,
	}
}

// backoff computes the delay before check number attempt (1-based), with jitter.
func (c PollConfig) backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.Multiplier
	}

	d := time.Duration(float64(c.Interval) * multiplier)
	if c.MaxInterval > 0 && d > c.MaxInterval {
		d = c.MaxInterval
	}

	// +/- 10% so several engines don't poll in lockstep
	jitter := float64(d) * 0.1 * (rand.Float64()*2 - 1)
	return d + time.Duration(jitter)
}
