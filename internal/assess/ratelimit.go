package assess

import (
	"time"

	"golang.org/x/time/rate"

	"randomness-sts/internal/clock"
)

// tokenBucket admits assess requests through a rate.Limiter driven by an
// injectable clock. The bucket starts full.
type tokenBucket struct {
	limiter *rate.Limiter
	clock   clock.Clock
}

// newTokenBucket refills at rps tokens per second up to burst.
func newTokenBucket(rps float64, burst int, clk clock.Clock) *tokenBucket {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = max(1, int(rps))
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &tokenBucket{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		clock:   clk,
	}
}

// Allow takes one token. When none is available the reservation is returned
// and Allow reports the delay until the next token, never less than one second.
func (b *tokenBucket) Allow() (bool, time.Duration) {
	now := b.clock.Now()
	reservation := b.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Second
	}

	wait := reservation.DelayFrom(now)
	if wait == 0 {
		return true, 0
	}
	reservation.CancelAt(now)
	return false, max(wait, time.Second)
}
