package queue

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the delay before retry attempt n (1-indexed).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Exponential doubles the delay each attempt: min(Initial * 2^(attempt-1), Max).
// With Jitter set the delay is drawn uniformly from [0, that value].
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if e.Jitter {
		d = rand.Float64() * d //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(d)
}
