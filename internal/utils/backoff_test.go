package utils

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffWindow(t *testing.T) {
	b := NewBackoff(10*time.Second, 60*time.Second, rand.New(rand.NewSource(1)))

	prev := time.Duration(0)
	for i := 0; i < 50; i++ {
		next := b.Next(prev)
		lo := prev
		if lo < 10*time.Second {
			lo = 10 * time.Second
		}
		hi := prev * 3
		if hi > 60*time.Second {
			hi = 60 * time.Second
		}
		if hi < lo {
			hi = lo
		}
		assert.GreaterOrEqual(t, next, lo, "iteration %d", i)
		assert.LessOrEqual(t, next, hi, "iteration %d", i)
		prev = next
	}
}

func TestBackoffFirstWaitIsMin(t *testing.T) {
	b := NewBackoff(10*time.Second, 60*time.Second, nil)
	assert.Equal(t, 10*time.Second, b.Next(0))
}

func TestBackoffNeverExceedsCeiling(t *testing.T) {
	b := NewBackoff(10*time.Second, 60*time.Second, rand.New(rand.NewSource(7)))
	assert.Equal(t, 60*time.Second, b.Next(2*time.Minute))
	assert.LessOrEqual(t, b.Next(50*time.Second), 60*time.Second)
}

func TestBackoffConcurrentUse(t *testing.T) {
	b := NewBackoff(10*time.Second, 60*time.Second, rand.New(rand.NewSource(3)))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(c Backoff) {
			defer wg.Done()
			prev := time.Duration(0)
			for i := 0; i < 200; i++ {
				prev = c.Next(prev)
				assert.LessOrEqual(t, prev, 60*time.Second)
			}
		}(b)
	}
	wg.Wait()
}
