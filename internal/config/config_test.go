package config

import (
	"flag"
	"io"
	"testing"

	"agentsim/internal/models"

	"github.com/stretchr/testify/require"
)

func parseArgs(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	cfg := Default()
	fs := flag.NewFlagSet("agentsim", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var policyName string
	cfg.RegisterFlags(fs, &policyName)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Finish(policyName)
}

func TestDefaults(t *testing.T) {
	cfg, err := parseArgs(t)
	require.NoError(t, err)
	require.Equal(t, 100, cfg.Workflows)
	require.Equal(t, 10, cfg.PDFs)
	require.Equal(t, 3, cfg.Iters)
	require.Equal(t, 4, cfg.Subqueries)
	require.Equal(t, PolicyFull, cfg.Policy)
	require.Equal(t, uint64(1), cfg.Seed)
	require.Equal(t, 50, cfg.TimeScale)
	require.Equal(t, "out", cfg.OutDir)
	require.False(t, cfg.EnableModelRouting)
	require.InDelta(t, 0.02, cfg.HeavyTailProb, 1e-9)
	require.InDelta(t, 50.0, cfg.HeavyTailMult, 1e-9)
	require.Equal(t, 200, cfg.MaxInFlightGlobal)
	require.InDelta(t, 10.0, cfg.BudgetPerWorkflow, 1e-9)
}

func TestParseAllFlags(t *testing.T) {
	cfg, err := parseArgs(t,
		"--workflows", "2", "--pdfs", "1", "--iters", "1", "--subqueries", "0",
		"--policy", "fifo_cheapest", "--seed", "9", "--time_scale", "1000",
		"--out_dir", "/tmp/x", "--enable_model_routing", "--disable_hedging",
		"--heavy_tail_prob", "0.5", "--heavy_tail_mult", "100")
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Workflows)
	require.Equal(t, PolicyFIFOCheapest, cfg.Policy)
	require.Equal(t, uint64(9), cfg.Seed)
	require.True(t, cfg.EnableModelRouting)
	require.True(t, cfg.DisableHedging)
	require.InDelta(t, 0.5, cfg.HeavyTailProb, 1e-9)
}

func TestUnknownPolicyRejected(t *testing.T) {
	_, err := parseArgs(t, "--policy", "greedy")
	require.Error(t, err)
}

func TestValidation(t *testing.T) {
	for _, args := range [][]string{
		{"--workflows", "0"},
		{"--pdfs", "-1"},
		{"--iters", "0"},
		{"--subqueries", "-1"},
		{"--time_scale", "0"},
		{"--out_dir", ""},
		{"--heavy_tail_prob", "1.5"},
		{"--heavy_tail_mult", "0.5"},
	} {
		_, err := parseArgs(t, args...)
		require.Error(t, err, "args %v", args)
	}
}

func TestDefaultTiersSortedWithinProvider(t *testing.T) {
	tiers := DefaultTiers()
	require.Len(t, tiers, 4)
	byProvider := map[string][]TierSpec{}
	for _, ts := range tiers {
		byProvider[ts.Provider] = append(byProvider[ts.Provider], ts)
		require.Greater(t, ts.RatePerSec, 0.0)
		require.Greater(t, ts.Capacity, 0.0)
		require.Greater(t, ts.ConcurrencyCap, 0)
	}
	require.Len(t, byProvider[EmbedProvider], 2)
	require.Len(t, byProvider[LLMProvider], 2)
	for _, specs := range byProvider {
		require.Less(t, specs[0].PricePerCall, specs[1].PricePerCall)
	}
}

func TestDefaultLatenciesCoverAllTypes(t *testing.T) {
	lat := DefaultLatencies()
	for _, nt := range []models.NodeType{
		models.Plan, models.LoadPDF, models.Chunk, models.Embed,
		models.SimilaritySearch, models.ExtractEvidence, models.Aggregate, models.DecideNext,
	} {
		_, ok := lat[nt]
		require.True(t, ok, "missing latency params for %s", nt)
	}
	require.Equal(t, DistGamma, lat[models.Embed].Dist)
	require.Equal(t, DistLinear, lat[models.Chunk].Dist)
}

func TestLatencyForFallback(t *testing.T) {
	p := LatencyFor(map[models.NodeType]LatencyParams{}, models.Embed)
	require.Equal(t, DistLognormal, p.Dist)
	require.InDelta(t, 5.0, p.Param1, 1e-9)
}
