package dispatch

import (
	"math"
	"time"
)

// Policy controls retry pacing after transient delivery failures: the wait
// doubles (by Factor) per consecutive failure, capped at Cap, and resets on
// the next accepted batch.
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Factor float64
}

// Delay returns the wait before the next attempt after the given number of
// consecutive failures: min(Base * Factor^(failures-1), Cap).
func (p Policy) Delay(failures int) time.Duration {
	if failures <= 0 || p.Base <= 0 {
		return 0
	}
	factor := p.Factor
	if factor <= 1 {
		factor = 2.0
	}
	d := float64(p.Base) * math.Pow(factor, float64(failures-1))
	if p.Cap > 0 && d > float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(d)
}
