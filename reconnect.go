package palindrom

import "time"

// backoff yields the delays between socket re-dial attempts: initial,
// doubled on every attempt and capped at max.
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
	attempt int
}

func newBackoff(initial, max time.Duration) *backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &backoff{
		initial: initial,
		max:     max,
		current: initial,
	}
}

func (b *backoff) next() time.Duration {
	b.attempt++
	d := min(b.current, b.max)
	b.current = min(b.current*2, b.max)
	return d
}

// attempts reports how many delays were handed out since the last reset.
func (b *backoff) attempts() int {
	return b.attempt
}

func (b *backoff) reset() {
	b.current = b.initial
	b.attempt = 0
}
