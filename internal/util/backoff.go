package util

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff produces reconnect delays that start at Base, double after every
// attempt and are capped at Max. Each delay carries a uniform random jitter
// in [0, Jitter). The sequence never resets; create a new Backoff to start
// over. A Backoff is not safe for concurrent use.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64

	current time.Duration
}

// NewBackoff returns a Backoff starting at one second with half a second of
// jitter, capped at max.
func NewBackoff(max time.Duration) *Backoff {
	return &Backoff{Base: time.Second, Max: max, Jitter: 500 * time.Millisecond}
}

// Current is the base delay the next call to Next will use, without jitter.
func (b *Backoff) Current() time.Duration {
	if b.current == 0 {
		return b.capped(b.Base)
	}
	return b.current
}

// Next returns the delay to wait before the next attempt and advances the
// sequence.
func (b *Backoff) Next() time.Duration {
	d := b.Current()
	b.current = b.capped(d * 2)

	if b.Jitter > 0 {
		r := rand.Float64
		if b.Rand != nil {
			r = b.Rand
		}
		d += time.Duration(r() * float64(b.Jitter))
	}
	return d
}

func (b *Backoff) capped(d time.Duration) time.Duration {
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter
// case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
