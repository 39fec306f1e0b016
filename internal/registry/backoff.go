package registry

import (
	"math/rand"
	"time"
)

type BackoffKind int

const (
	BackoffNone BackoffKind = iota
	BackoffFixed
	BackoffExponential
)

type Backoff struct {
	Kind BackoffKind
	Base time.Duration
	Cap  time.Duration
}

func NoBackoff() Backoff { return Backoff{Kind: BackoffNone} }

func FixedBackoff(d time.Duration) Backoff {
	return Backoff{Kind: BackoffFixed, Base: d}
}

func ExponentialBackoff(base, cap time.Duration) Backoff {
	return Backoff{Kind: BackoffExponential, Base: base, Cap: cap}
}

// NextDelay computes the requeue delay after the given 1-based failed
// attempt. Exponential delays are jittered +/- 20% to prevent thundering
// herd on retry.
func (b Backoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch b.Kind {
	case BackoffFixed:
		return b.Base
	case BackoffExponential:
		// Double step by step so large attempt counts stop at the cap
		// instead of shifting past the int64 range into a negative delay.
		delay := b.Base
		for i := 1; i < attempt; i++ {
			doubled := delay << 1
			if doubled <= delay {
				break
			}
			delay = doubled
			if b.Cap > 0 && delay >= b.Cap {
				break
			}
		}
		if b.Cap > 0 && delay > b.Cap {
			delay = b.Cap
		}
		jitterFactor := 0.8 + (rand.Float64() * 0.4) // [0.8, 1.2)
		return time.Duration(float64(delay) * jitterFactor)
	default:
		return 0
	}
}
