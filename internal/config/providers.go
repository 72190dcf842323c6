package config

import "agentsim/internal/models"

const (
	EmbedProvider = "embed_provider"
	LLMProvider   = "llm_provider"
)

type TierSpec struct {
	Provider          string
	TierID            int
	RatePerSec        float64
	Capacity          float64
	ConcurrencyCap    int
	PricePerCall      float64
	PFail             float64
	DefaultTimeoutMs  int
	DefaultMaxRetries int
}

// DefaultTiers models two embedding tiers and two LLM tiers: a cheap/slow one
// and a fast/expensive one each.
func DefaultTiers() []TierSpec {
	return []TierSpec{
		{
			Provider:          EmbedProvider,
			TierID:            0,
			RatePerSec:        20,
			Capacity:          50,
			ConcurrencyCap:    4,
			PricePerCall:      0.0001,
			PFail:             0.02,
			DefaultTimeoutMs:  10000,
			DefaultMaxRetries: 3,
		},
		{
			Provider:          EmbedProvider,
			TierID:            1,
			RatePerSec:        100,
			Capacity:          200,
			ConcurrencyCap:    8,
			PricePerCall:      0.0005,
			PFail:             0.01,
			DefaultTimeoutMs:  5000,
			DefaultMaxRetries: 3,
		},
		{
			Provider:          LLMProvider,
			TierID:            0,
			RatePerSec:        5,
			Capacity:          20,
			ConcurrencyCap:    2,
			PricePerCall:      0.01,
			PFail:             0.03,
			DefaultTimeoutMs:  30000,
			DefaultMaxRetries: 3,
		},
		{
			Provider:          LLMProvider,
			TierID:            1,
			RatePerSec:        20,
			Capacity:          50,
			ConcurrencyCap:    4,
			PricePerCall:      0.05,
			PFail:             0.02,
			DefaultTimeoutMs:  15000,
			DefaultMaxRetries: 3,
		},
	}
}

type Dist int

const (
	DistLognormal Dist = iota
	DistGamma
	DistLinear
)

type LatencyParams struct {
	Dist     Dist
	Param1   float64 // lognormal: mu, gamma: shape, linear: base ms
	Param2   float64 // lognormal: sigma, gamma: scale, linear: coeff
	TailMult float64
	TailProb float64
}

var defaultLatency = LatencyParams{Dist: DistLognormal, Param1: 5.0, Param2: 0.8, TailMult: 1.0}

// DefaultLatencies returns the service-time distribution per node type.
func DefaultLatencies() map[models.NodeType]LatencyParams {
	llm := LatencyParams{Dist: DistLognormal, Param1: 6.0, Param2: 0.8, TailMult: 1.0}
	return map[models.NodeType]LatencyParams{
		// Occasional cache-miss tail on PDF fetch.
		models.LoadPDF: {Dist: DistLognormal, Param1: 5.0, Param2: 0.8, TailMult: 3.0, TailProb: 0.1},
		// Near-deterministic: base + coeff*pdf_size + jitter.
		models.Chunk: {Dist: DistLinear, Param1: 50, Param2: 0.5, TailMult: 1.0},
		models.Embed: {Dist: DistGamma, Param1: 4, Param2: 25, TailMult: 2.0, TailProb: 0.05},
		// base + coeff*num_chunks.
		models.SimilaritySearch: {Dist: DistLinear, Param1: 20, Param2: 2.0, TailMult: 1.0},
		models.Plan:             llm,
		models.ExtractEvidence:  llm,
		models.Aggregate:        llm,
		models.DecideNext:       llm,
	}
}

func LatencyFor(latencies map[models.NodeType]LatencyParams, t models.NodeType) LatencyParams {
	if p, ok := latencies[t]; ok {
		return p
	}
	return defaultLatency
}
