package video

import (
	"math/rand"
	"time"
)

// BackoffConfig shapes reconnect delays for the camera and gamepad retry loops.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter spreads each delay by up to this fraction either way (0..1).
	Jitter float64
}

// Delay returns the wait before retry attempt n (1-based). A nil rng
// disables jitter. The result never exceeds MaxDelay.
func (b BackoffConfig) Delay(n int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.InitialDelay)
	for i := 1; i < n; i++ {
		d *= mult
		if b.MaxDelay > 0 && d >= float64(b.MaxDelay) {
			break
		}
	}
	if rng != nil && b.Jitter > 0 {
		j := min(b.Jitter, 1)
		d *= 1 + j*(2*rng.Float64()-1)
	}
	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		d = float64(b.MaxDelay)
	}
	return time.Duration(d)
}
