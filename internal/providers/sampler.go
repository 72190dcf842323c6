package providers

import (
	"agentsim/internal/config"
	"agentsim/internal/models"
	"agentsim/internal/simrng"
)

type LatencySample struct {
	ServiceTimeMs float64
	Failed        bool
	Timeout       bool
}

// Sampler draws service times from the configured per-node-type distribution
// and applies failure and timeout outcomes.
type Sampler struct {
	latencies map[models.NodeType]config.LatencyParams
	rng       *simrng.Rng
}

func NewSampler(latencies map[models.NodeType]config.LatencyParams, rng *simrng.Rng) *Sampler {
	return &Sampler{latencies: latencies, rng: rng}
}

func (s *Sampler) serviceTime(ctx models.LatencyContext, tokenAdjust bool) float64 {
	params := config.LatencyFor(s.latencies, ctx.NodeType)
	var raw float64
	switch params.Dist {
	case config.DistLognormal:
		mu := params.Param1
		if tokenAdjust {
			switch ctx.NodeType {
			case models.Plan, models.ExtractEvidence, models.DecideNext:
				mu += 0.001 * float64(ctx.TokenLengthEst)
			}
		}
		raw = s.rng.Lognormal(mu, params.Param2)
	case config.DistGamma:
		raw = s.rng.Gamma(params.Param1, params.Param2)
	case config.DistLinear:
		switch ctx.NodeType {
		case models.Chunk:
			raw = params.Param1 + params.Param2*float64(ctx.PDFSizeEst) + s.rng.Uniform(-5, 5)
		case models.SimilaritySearch:
			raw = params.Param1 + params.Param2*float64(ctx.NumChunksEst)
		default:
			raw = params.Param1 + s.rng.Uniform(-2, 2)
		}
		raw = max(1, raw)
	}
	if params.TailProb > 0 && s.rng.Bernoulli(params.TailProb) {
		raw *= params.TailMult
	}
	return max(1, raw)
}

// Sample produces the full outcome for a provider-backed attempt: a service
// time, a Bernoulli transient failure, and a timeout clamp. timeoutMs is a
// simulation parameter, not a wall-clock deadline.
func (s *Sampler) Sample(ctx models.LatencyContext, timeoutMs int, pFail float64) LatencySample {
	out := LatencySample{ServiceTimeMs: s.serviceTime(ctx, true)}
	if s.rng.Bernoulli(pFail) {
		out.Failed = true
		return out
	}
	if timeoutMs > 0 && out.ServiceTimeMs > float64(timeoutMs) {
		out.Timeout = true
		out.ServiceTimeMs = float64(timeoutMs)
	}
	return out
}

// LocalServiceTime is the sampling path for cpu/io tasks: same distributions,
// no token-length adjustment, no failure or timeout outcome.
func (s *Sampler) LocalServiceTime(ctx models.LatencyContext) float64 {
	return s.serviceTime(ctx, false)
}
