package estimate

import (
	"sort"
	"sync"

	"agentsim/internal/models"

	"github.com/gammazero/deque"
)

const defaultWindow = 1000

// Fallback estimates used until real samples arrive.
const (
	DefaultP50Ms       = 100.0
	DefaultP95Ms       = 300.0
	DefaultQueueWaitMs = 50.0
)

// window is a rolling-window quantile estimator over the most recent samples.
type window struct {
	samples deque.Deque[float64]
	limit   int
}

func newWindow(limit int) *window {
	return &window{limit: limit}
}

func (w *window) add(v float64) {
	w.samples.PushBack(v)
	if w.samples.Len() > w.limit {
		w.samples.PopFront()
	}
}

func (w *window) quantile(q float64) (float64, bool) {
	n := w.samples.Len()
	if n == 0 {
		return 0, false
	}
	sorted := make([]float64, n)
	for i := 0; i < n; i++ {
		sorted[i] = w.samples.At(i)
	}
	sort.Float64s(sorted)
	idx := int(q * float64(n))
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx], true
}

type latencyKey struct {
	Type     models.NodeType
	Provider string
	TierID   int
}

type queueKey struct {
	Provider string
	TierID   int
}

// Store keeps rolling latency quantiles per (node type, provider, tier) and
// queue-wait quantiles per (provider, tier). Safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	byKey     map[latencyKey]*window
	queueWait map[queueKey]*window
}

func NewStore() *Store {
	return &Store{
		byKey:     map[latencyKey]*window{},
		queueWait: map[queueKey]*window{},
	}
}

func (s *Store) Record(t models.NodeType, provider string, tierID int, durationMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := latencyKey{Type: t, Provider: provider, TierID: tierID}
	w, ok := s.byKey[k]
	if !ok {
		w = newWindow(defaultWindow)
		s.byKey[k] = w
	}
	w.add(durationMs)
}

func (s *Store) quantileOr(k latencyKey, q, fallback float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byKey[k]
	if !ok {
		return fallback
	}
	v, ok := w.quantile(q)
	if !ok {
		return fallback
	}
	return v
}

func (s *Store) P50(t models.NodeType, provider string, tierID int) float64 {
	return s.quantileOr(latencyKey{Type: t, Provider: provider, TierID: tierID}, 0.50, DefaultP50Ms)
}

func (s *Store) P95(t models.NodeType, provider string, tierID int) float64 {
	return s.quantileOr(latencyKey{Type: t, Provider: provider, TierID: tierID}, 0.95, DefaultP95Ms)
}

func (s *Store) RecordQueueWait(provider string, tierID int, waitMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := queueKey{Provider: provider, TierID: tierID}
	w, ok := s.queueWait[k]
	if !ok {
		w = newWindow(defaultWindow)
		s.queueWait[k] = w
	}
	w.add(waitMs)
}

func (s *Store) QueueWaitP95(provider string, tierID int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.queueWait[queueKey{Provider: provider, TierID: tierID}]
	if !ok {
		return DefaultQueueWaitMs
	}
	v, ok := w.quantile(0.95)
	if !ok {
		return DefaultQueueWaitMs
	}
	return v
}
