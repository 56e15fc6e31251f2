// Package push implements domain.Subscriber over the real-time transports
// the detection backend offers. Each transport owns its reconnection and
// reports connectivity changes as events on the subscription stream.
package push

import (
	"context"
	"time"

	"github.com/DukeRupert/ppewatch/internal/domain"
)

// eventBuffer is the per-subscription channel capacity.
const eventBuffer = 64

// Backoff is the reconnect delay policy.
type Backoff struct {
	// Min is the first delay after a failure.
	// Default: 1 second
	Min time.Duration

	// Max caps the delay.
	// Default: 30 seconds
	Max time.Duration
}

// DefaultBackoff returns a Backoff with sensible default values.
func DefaultBackoff() Backoff {
	return Backoff{Min: time.Second, Max: 30 * time.Second}
}

func (b Backoff) next(d time.Duration) time.Duration {
	if d <= 0 {
		return b.Min
	}
	return min(d*2, b.Max)
}

// after returns the delay before the next attempt. A connection that was
// established starts the sequence over.
func (b Backoff) after(prev time.Duration, connected bool) time.Duration {
	if connected {
		prev = 0
	}
	return b.next(prev)
}

// sleep waits for d or until ctx is done. It reports whether the wait
// completed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitter delivers events until done is closed.
type emitter struct {
	events chan domain.PushEvent
	done   <-chan struct{}
}

func (e emitter) emit(ev domain.PushEvent) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	}
}
