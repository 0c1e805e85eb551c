package ingest

import (
	"context"
	"math"
	"time"
)

// Backoff bounds the exponentially growing wait before a resubscribe.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

var (
	// DefaultStatusBackoff applies after the stream endpoint answered with a
	// non-200 status the listener chose to continue past.
	DefaultStatusBackoff = Backoff{Initial: 5 * time.Second, Max: 320 * time.Second}
	// DefaultConnectBackoff applies when no response arrived at all.
	DefaultConnectBackoff = Backoff{Initial: 250 * time.Millisecond, Max: 16 * time.Second}
)

// backoffState tracks consecutive failures against one Backoff.
type backoffState struct {
	Backoff
	attempt int
}

// next returns the delay for the current failure and advances the sequence:
// Initial, 2*Initial, 4*Initial, ... capped at Max.
func (b *backoffState) next() time.Duration {
	d := time.Duration(float64(b.Initial) * math.Pow(2, float64(b.attempt)))
	if d >= b.Max || d <= 0 {
		return b.Max
	}
	b.attempt++
	return d
}

func (b *backoffState) reset() {
	b.attempt = 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
