package providers

import (
	"sync"
	"time"

	"agentsim/internal/config"
	"agentsim/internal/models"

	"github.com/gammazero/deque"
	"github.com/jonboulle/clockwork"
)

// Tier is one provider tier: an unbounded FIFO of attempts, a token bucket,
// and a concurrency cap. Workers and the scheduler share it concurrently.
type Tier struct {
	spec   config.TierSpec
	bucket *TokenBucket
	clock  clockwork.Clock

	mu       sync.Mutex
	cond     *sync.Cond
	queue    deque.Deque[models.QueuedAttempt]
	inFlight int
	closed   bool
	busy     time.Duration
}

func NewTier(spec config.TierSpec, clock clockwork.Clock) (*Tier, error) {
	bucket, err := NewTokenBucket(spec.RatePerSec, spec.Capacity, clock)
	if err != nil {
		return nil, err
	}
	t := &Tier{spec: spec, bucket: bucket, clock: clock}
	t.cond = sync.NewCond(&t.mu)
	return t, nil
}

func (t *Tier) Spec() config.TierSpec { return t.spec }

func (t *Tier) Provider() string { return t.spec.Provider }

func (t *Tier) TierID() int { return t.spec.TierID }

func (t *Tier) Bucket() *TokenBucket { return t.bucket }

func (t *Tier) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight
}

func (t *Tier) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.Len()
}

// CanAccept reports whether a new attempt would run without waiting behind
// the concurrency cap.
func (t *Tier) CanAccept() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight < t.spec.ConcurrencyCap
}

func (t *Tier) Enqueue(a models.QueuedAttempt) {
	a.EnqueuedAt = t.clock.Now()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.queue.PushBack(a)
	t.mu.Unlock()
	t.cond.Signal()
}

// TimedDequeue pops the next attempt once the concurrency cap allows it,
// waiting at most d. The wait duration since enqueue is returned for
// queue-wait accounting.
func (t *Tier) TimedDequeue(d time.Duration) (models.QueuedAttempt, time.Duration, bool) {
	deadline := t.clock.Now().Add(d)
	timer := t.clock.AfterFunc(d, func() { t.cond.Broadcast() })
	defer timer.Stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if t.queue.Len() > 0 && t.inFlight < t.spec.ConcurrencyCap {
			a := t.queue.PopFront()
			t.inFlight++
			return a, t.clock.Now().Sub(a.EnqueuedAt), true
		}
		if t.closed || !t.clock.Now().Before(deadline) {
			return models.QueuedAttempt{}, 0, false
		}
		t.cond.Wait()
	}
}

// AcquireTokens blocks on the token bucket for the attempt's token need.
func (t *Tier) AcquireTokens(a models.QueuedAttempt) {
	t.bucket.Acquire(float64(a.TokensNeeded))
}

// OnAttemptFinish releases the concurrency slot and credits busy time toward
// utilization accounting.
func (t *Tier) OnAttemptFinish(busy time.Duration) {
	t.mu.Lock()
	t.inFlight--
	t.busy += busy
	t.mu.Unlock()
	t.cond.Broadcast()
}

// BusyTime is the cumulative wall time workers spent on attempts.
func (t *Tier) BusyTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.busy
}

func (t *Tier) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cond.Broadcast()
}
