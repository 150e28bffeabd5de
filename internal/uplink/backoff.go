package uplink

import "time"

const (
	backoffInitial = 1 * time.Second
	backoffFactor  = 1.5
	backoffMax     = 10 * time.Second
)

// backoff is a multiplicative retry delay, reset whenever a
// connection succeeds.
type backoff struct {
	cur time.Duration
}

func newBackoff() *backoff {
	return &backoff{cur: backoffInitial}
}

// next returns the current delay and advances it.
func (b *backoff) next() time.Duration {
	d := b.cur
	b.cur = time.Duration(float64(b.cur) * backoffFactor)
	if b.cur > backoffMax {
		b.cur = backoffMax
	}
	return d
}

func (b *backoff) reset() {
	b.cur = backoffInitial
}
