package daemon

import "time"

// backoff doubles the reconnect delay up to a cap.
type backoff struct {
	min, max time.Duration
	next     time.Duration
	failures int
}

func newBackoff(minDelay, maxDelay time.Duration) *backoff {
	if minDelay <= 0 {
		minDelay = 500 * time.Millisecond
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &backoff{min: minDelay, max: maxDelay, next: minDelay}
}

// Next returns the delay before the next attempt.
func (b *backoff) Next() time.Duration {
	d := b.next
	b.next = min(b.next*2, b.max)
	b.failures++
	return d
}

// Reset is called once a connection works again.
func (b *backoff) Reset() {
	b.next = b.min
	b.failures = 0
}
