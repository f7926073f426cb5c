// Package netsend implements the reliable network send engine: a UDP
// multicast fast path backed by a per-subscriber TCP replay channel,
// rate-limited and packed into MTU-sized datagrams.
package netsend

import (
	"time"

	"golang.org/x/time/rate"
)

// Rater is the token-bucket rate control the send engine applies to
// outgoing bytes (or messages), built on golang.org/x/time/rate
// rather than a hand-rolled bucket.
type Rater struct {
	limiter *rate.Limiter
}

// NewRater builds a Rater admitting up to ratePerSec units per second
// with burst headroom of burst units.
func NewRater(ratePerSec, burst int) *Rater {
	return &Rater{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Check reports whether n units would be permitted right now, without
// consuming them.
func (r *Rater) Check(n int) bool {
	now := time.Now()
	reservation := r.limiter.ReserveN(now, n)
	ok := reservation.OK() && reservation.DelayFrom(now) == 0
	reservation.CancelAt(now)
	return ok
}

// Commit deducts n units from the bucket, returning false (without
// blocking) if not enough budget remains right now.
func (r *Rater) Commit(n int) bool {
	return r.limiter.AllowN(time.Now(), n)
}
