package delivery

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential retry delays with jitter
type Backoff struct {
	// Initial is the delay after the first failed attempt
	Initial time.Duration

	// Max caps the delay
	Max time.Duration

	// Multiplier grows the delay per attempt
	Multiplier float64

	// Jitter randomizes the delay by up to +/- this fraction (0 to 1)
	Jitter float64
}

// DefaultBackoff returns the backoff used between delivery attempts
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    time.Second,
		Max:        time.Minute,
		Multiplier: 2.0,
		Jitter:     0.2,
	}
}

func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = def.Initial
	}
	if b.Max <= 0 {
		b.Max = def.Max
	}
	if b.Multiplier <= 0 {
		b.Multiplier = def.Multiplier
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Jitter > 1 {
		b.Jitter = 1
	}
	return b
}

// Duration returns the delay before retry number attempt, counting from 0
func (b Backoff) Duration(attempt int) time.Duration {
	delay := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt))
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter > 0 {
		spread := delay * b.Jitter
		delay = delay - spread + rand.Float64()*2*spread
	}
	return time.Duration(delay)
}
