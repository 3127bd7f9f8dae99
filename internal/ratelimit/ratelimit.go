// Package ratelimit throttles byte streams with a token bucket. A limiter
// can be owned by a single transfer or shared across all of them to enforce
// an aggregate ceiling; a throttled reader can honor both at once.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket debited per byte transferred.
type Limiter struct {
	bucket *rate.Limiter
	burst  int
}

// New builds a limiter refilling at bytesPerSec with the given burst
// capacity. A non-positive burst defaults to one second's worth of tokens.
// A non-positive rate means unlimited and returns nil; nil limiters are
// accepted everywhere and never block.
func New(bytesPerSec int64, burst int) *Limiter {
	if bytesPerSec <= 0 {
		return nil
	}

	if burst <= 0 {
		burst = int(bytesPerSec)
	}

	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		burst:  burst,
	}
}

// Acquire blocks until n tokens are available, then debits them. It returns
// early with the context error on cancellation. Requests larger than the
// burst are split.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if l == nil {
		return nil
	}

	for n > 0 {
		chunk := n
		if chunk > l.burst {
			chunk = l.burst
		}

		if err := l.bucket.WaitN(ctx, chunk); err != nil {
			return err
		}

		n -= chunk
	}

	return nil
}

// SetRate adjusts the refill rate in place. Existing readers pick up the new
// rate on their next acquire.
func (l *Limiter) SetRate(bytesPerSec int64) {
	if l == nil {
		return
	}

	l.bucket.SetLimit(rate.Limit(bytesPerSec))
}

// Rate returns the current refill rate in bytes per second.
func (l *Limiter) Rate() int64 {
	if l == nil {
		return 0
	}

	return int64(l.bucket.Limit())
}

// maxRead caps single reads so an acquire never exceeds a bucket's burst.
func maxRead(limiters []*Limiter) int {
	max := 0

	for _, l := range limiters {
		if l == nil {
			continue
		}

		if max == 0 || l.burst < max {
			max = l.burst
		}
	}

	return max
}

type throttledReader struct {
	ctx      context.Context
	inner    io.Reader
	limiters []*Limiter
	cap      int
}

// Reader wraps r so every read first acquires tokens from each given
// limiter. Nil limiters are skipped; with none, r is returned unchanged.
func Reader(ctx context.Context, r io.Reader, limiters ...*Limiter) io.Reader {
	capBytes := maxRead(limiters)
	if capBytes == 0 {
		return r
	}

	return &throttledReader{ctx: ctx, inner: r, limiters: limiters, cap: capBytes}
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if len(p) > t.cap {
		p = p[:t.cap]
	}

	n, err := t.inner.Read(p)
	if n > 0 {
		for _, l := range t.limiters {
			if acqErr := l.Acquire(t.ctx, n); acqErr != nil {
				return n, acqErr
			}
		}
	}

	return n, err
}
