package utils

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff yields randomized, widening sleep intervals: each wait is drawn
// uniformly from [prev, min(max, prev*3)], starting at min. Copies share the
// random source and are safe for concurrent use.
type Backoff struct {
	min time.Duration
	max time.Duration
	mu  *sync.Mutex
	rnd *rand.Rand
}

func NewBackoff(min, max time.Duration, rnd *rand.Rand) Backoff {
	if max < min {
		max = min
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return Backoff{min: min, max: max, mu: &sync.Mutex{}, rnd: rnd}
}

// Next returns the wait that follows prev. A zero prev means first wait.
func (b Backoff) Next(prev time.Duration) time.Duration {
	lo := prev
	if lo < b.min {
		lo = b.min
	}
	if lo > b.max {
		lo = b.max
	}
	hi := prev * 3
	if hi > b.max {
		hi = b.max
	}
	if hi <= lo {
		return lo
	}
	b.mu.Lock()
	n := b.rnd.Int63n(int64(hi-lo) + 1)
	b.mu.Unlock()
	return lo + time.Duration(n)
}
