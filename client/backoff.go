package client

import (
	"math/rand"
	"sync"
	"time"
)

// backoff produces the delay schedule between reconnect attempts:
// next = min(cap, previous*2 + jitter), starting at base and resetting
// to base after any successful connection. The produced sequence is
// monotonically non-decreasing up to cap.
type backoff struct {
	base   time.Duration
	cap    time.Duration
	jitter time.Duration

	mu    sync.Mutex
	delay time.Duration
	rng   *rand.Rand
}

func newBackoff(base, cap, jitter time.Duration) *backoff {
	if base <= 0 {
		base = 2 * time.Second
	}
	if cap < base {
		cap = base
	}
	return &backoff{
		base:   base,
		cap:    cap,
		jitter: jitter,
		delay:  base,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// next returns the delay to wait before the upcoming attempt and
// advances the schedule.
func (b *backoff) next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.delay

	var j time.Duration
	if b.jitter > 0 {
		j = time.Duration(b.rng.Int63n(int64(b.jitter)))
	}
	b.delay = b.delay*2 + j
	if b.delay > b.cap {
		b.delay = b.cap
	}
	return d
}

// reset returns the schedule to the base delay.
func (b *backoff) reset() {
	b.mu.Lock()
	b.delay = b.base
	b.mu.Unlock()
}
