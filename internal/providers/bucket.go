package providers

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TokenBucket refills at rate tokens/sec up to capacity. Acquire blocks until
// enough tokens accumulate; tokens only ever arrive with the passage of time,
// so waiting is a sleep for the deficit rather than a condition broadcast.
type TokenBucket struct {
	mu       sync.Mutex
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time
	consumed float64
	clock    clockwork.Clock
}

func NewTokenBucket(rate, capacity float64, clock clockwork.Clock) (*TokenBucket, error) {
	if rate <= 0 || capacity <= 0 {
		return nil, fmt.Errorf("token bucket rate and capacity must be positive (rate=%v capacity=%v)", rate, capacity)
	}
	return &TokenBucket{
		rate:     rate,
		capacity: capacity,
		tokens:   capacity,
		last:     clock.Now(),
		clock:    clock,
	}, nil
}

// refill is monotonic in wall time; tokens never exceed capacity.
func (b *TokenBucket) refill() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
	}
	b.last = now
}

func (b *TokenBucket) Acquire(n float64) {
	if n <= 0 {
		return
	}
	for {
		b.mu.Lock()
		b.refill()
		if b.tokens >= n {
			b.tokens -= n
			b.consumed += n
			b.mu.Unlock()
			return
		}
		wait := time.Duration((n - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()
		b.clock.Sleep(wait)
	}
}

// TryAcquire takes n tokens without blocking; reports whether it did.
func (b *TokenBucket) TryAcquire(n float64) bool {
	if n <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	b.consumed += n
	return true
}

// Available reports the current token level after a refill.
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// Consumed reports cumulative tokens handed out since construction.
func (b *TokenBucket) Consumed() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumed
}
