package report

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"agentsim/internal/config"
	"agentsim/internal/models"
	"agentsim/internal/util"
)

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func WriteWorkflowsCSV(outDir string, metrics []models.WorkflowMetrics) error {
	header := []string{"workflow_id", "makespan_ms", "cost", "retries", "cancellations", "hedges_launched", "wasted_ms"}
	rows := make([][]string, 0, len(metrics))
	for _, m := range metrics {
		rows = append(rows, []string{
			strconv.FormatUint(uint64(m.WorkflowID), 10),
			formatFloat(m.MakespanMs),
			formatFloat(m.Cost),
			strconv.Itoa(m.Retries),
			strconv.Itoa(m.Cancellations),
			strconv.Itoa(m.HedgesLaunched),
			formatFloat(m.WastedMs),
		})
	}
	return util.WriteCSVAtomic(filepath.Join(outDir, "workflows.csv"), header, rows)
}

func WriteTiersCSV(outDir string, stats []models.TierStats) error {
	header := []string{"provider", "tier_id", "utilization", "queue_wait_p95_ms", "in_flight_avg"}
	rows := make([][]string, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, []string{
			s.Provider,
			strconv.Itoa(s.TierID),
			formatFloat(s.Utilization),
			formatFloat(s.QueueWaitP95Ms),
			formatFloat(s.InFlightAvg),
		})
	}
	return util.WriteCSVAtomic(filepath.Join(outDir, "tiers.csv"), header, rows)
}

func WriteSummaryCSV(outDir string, summary models.SummaryMetrics) error {
	header := []string{"makespan_mean_ms", "makespan_p50_ms", "makespan_p95_ms", "makespan_p99_ms", "cost_mean", "cost_p50"}
	rows := [][]string{{
		formatFloat(summary.MakespanMeanMs),
		formatFloat(summary.MakespanP50Ms),
		formatFloat(summary.MakespanP95Ms),
		formatFloat(summary.MakespanP99Ms),
		formatFloat(summary.CostMean),
		formatFloat(summary.CostP50),
	}}
	return util.WriteCSVAtomic(filepath.Join(outDir, "summary.csv"), header, rows)
}

// Manifest records one run end to end, the way a corpus summary artifact
// would for a real ingest.
type Manifest struct {
	RunID              string    `json:"run_id"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
	Workflows          int       `json:"workflows"`
	PDFs               int       `json:"pdfs"`
	Iters              int       `json:"iters"`
	Subqueries         int       `json:"subqueries"`
	Policy             string    `json:"policy"`
	Seed               uint64    `json:"seed"`
	TimeScale          int       `json:"time_scale"`
	EnableModelRouting bool      `json:"enable_model_routing"`
	DisableHedging     bool      `json:"disable_hedging"`
	DisableEscalation  bool      `json:"disable_escalation"`
	DisableDAGPriority bool      `json:"disable_dag_priority"`
	HeavyTailProb      float64   `json:"heavy_tail_prob"`
	HeavyTailMult      float64   `json:"heavy_tail_mult"`

	Summary models.SummaryMetrics `json:"summary"`
}

func WriteManifest(outDir, runID string, cfg config.Config, startedAt, finishedAt time.Time, summary models.SummaryMetrics) error {
	m := Manifest{
		RunID:              runID,
		StartedAt:          startedAt,
		FinishedAt:         finishedAt,
		Workflows:          cfg.Workflows,
		PDFs:               cfg.PDFs,
		Iters:              cfg.Iters,
		Subqueries:         cfg.Subqueries,
		Policy:             string(cfg.Policy),
		Seed:               cfg.Seed,
		TimeScale:          cfg.TimeScale,
		EnableModelRouting: cfg.EnableModelRouting,
		DisableHedging:     cfg.DisableHedging,
		DisableEscalation:  cfg.DisableEscalation,
		DisableDAGPriority: cfg.DisableDAGPriority,
		HeavyTailProb:      cfg.HeavyTailProb,
		HeavyTailMult:      cfg.HeavyTailMult,
		Summary:            summary,
	}
	if err := util.WriteJSONAtomic(filepath.Join(outDir, "manifest.json"), m); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
