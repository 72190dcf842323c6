package worker

import (
	"sync/atomic"
	"time"

	"agentsim/internal/estimate"
	"agentsim/internal/models"
	"agentsim/internal/providers"
	"agentsim/internal/simrng"
	"agentsim/internal/trace"
)

const (
	dequeueWait = 100 * time.Millisecond
	cancelPoll  = 20 * time.Millisecond
)

// CancellableSleep sleeps for total in cancelPoll-sized chunks, returning
// early (and true) once the flag is observed set.
func CancellableSleep(total time.Duration, cancelled *atomic.Bool) bool {
	remaining := total
	for remaining > 0 {
		if cancelled != nil && cancelled.Load() {
			return true
		}
		chunk := min(remaining, cancelPoll)
		time.Sleep(chunk)
		remaining -= chunk
	}
	return cancelled != nil && cancelled.Load()
}

// TierConfig bundles what a tier worker loop needs beyond the tier itself.
type TierConfig struct {
	Sampler       *providers.Sampler
	Rng           *simrng.Rng
	Results       *ResultQueue
	Store         *estimate.Store
	Trace         *trace.Writer
	NowMs         func() float64
	TimeScale     int
	HeavyTailProb float64
	HeavyTailMult float64
}

// RunTier is the loop for one concurrency slot of a provider tier: dequeue,
// take tokens, sample a service time, sleep cooperatively, report the result.
func RunTier(tier *providers.Tier, cfg TierConfig, shutdown *atomic.Bool) {
	spec := tier.Spec()
	for !shutdown.Load() {
		attempt, queueWait, ok := tier.TimedDequeue(dequeueWait)
		if !ok {
			continue
		}
		cfg.Store.RecordQueueWait(spec.Provider, spec.TierID, queueWait.Seconds()*1000*float64(cfg.TimeScale))

		tier.AcquireTokens(attempt)
		if cfg.Trace != nil {
			cfg.Trace.Emit(trace.AttemptStart, cfg.NowMs(), attempt.WorkflowID, attempt.NodeID, spec.Provider)
		}

		start := time.Now()
		sample := cfg.Sampler.Sample(attempt.LatencyCtx, attempt.TimeoutMs, spec.PFail)
		if cfg.HeavyTailProb > 0 && cfg.Rng.Bernoulli(cfg.HeavyTailProb) {
			sample.ServiceTimeMs *= cfg.HeavyTailMult
		}

		scaled := time.Duration(max(1, int(sample.ServiceTimeMs)/cfg.TimeScale)) * time.Millisecond
		wasCancelled := CancellableSleep(scaled, attempt.Cancelled)

		elapsed := time.Since(start)
		res := models.AttemptResult{
			NodeID:     attempt.NodeID,
			WorkflowID: attempt.WorkflowID,
			AttemptID:  attempt.AttemptID,
			Provider:   attempt.Provider,
			TierID:     attempt.TierID,
			MaxRetries: attempt.MaxRetries,
			DurationMs: elapsed.Seconds() * 1000 * float64(cfg.TimeScale),
			Cost:       spec.PricePerCall,
		}
		switch {
		case wasCancelled:
			res.Error = models.ErrKindCancelled
		case sample.Failed:
			res.Error = models.ErrKindFailed
		case sample.Timeout:
			res.Error = models.ErrKindTimeout
		default:
			res.Success = true
		}

		tier.OnAttemptFinish(elapsed)
		cfg.Results.Push(res)
	}
}

// LocalConfig bundles the dependencies of a local cpu/io worker loop.
type LocalConfig struct {
	Sampler       *providers.Sampler
	Rng           *simrng.Rng
	Results       *ResultQueue
	TimeScale     int
	HeavyTailProb float64
	HeavyTailMult float64
}

// RunLocal executes cpu/io tasks: no token bucket, no failure injection, zero
// cost. Only cancellation can make a local task unsuccessful.
func RunLocal(queue *LocalQueue, resource models.ResourceClass, cfg LocalConfig, shutdown *atomic.Bool) {
	for !shutdown.Load() {
		task, ok := queue.TimedPop(dequeueWait)
		if !ok {
			continue
		}

		rawMs := cfg.Sampler.LocalServiceTime(task.LatencyCtx)
		if cfg.HeavyTailProb > 0 && cfg.Rng.Bernoulli(cfg.HeavyTailProb) {
			rawMs *= cfg.HeavyTailMult
		}
		scaled := time.Duration(max(1, int(rawMs)/cfg.TimeScale)) * time.Millisecond
		wasCancelled := CancellableSleep(scaled, task.Cancelled)

		res := models.AttemptResult{
			NodeID:     task.NodeID,
			WorkflowID: task.WorkflowID,
			AttemptID:  task.AttemptID,
			Provider:   "local",
			TierID:     int(resource),
			DurationMs: rawMs,
		}
		if wasCancelled {
			res.Error = models.ErrKindCancelled
		} else {
			res.Success = true
		}
		cfg.Results.Push(res)
	}
}
