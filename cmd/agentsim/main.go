package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"agentsim/internal/config"
	"agentsim/internal/controller"
	"agentsim/internal/report"
	"agentsim/internal/util"

	"github.com/joho/godotenv"
)

func run() error {
	cfg := config.Default()
	fs := flag.NewFlagSet("agentsim", flag.ExitOnError)
	var policyName string
	cfg.RegisterFlags(fs, &policyName)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if err := cfg.Finish(policyName); err != nil {
		fs.SetOutput(os.Stderr)
		fs.Usage()
		return err
	}

	if err := util.EnsureDir(cfg.OutDir); err != nil {
		return err
	}

	fmt.Printf("agentsim config:\n")
	fmt.Printf("  workflows=%d\n", cfg.Workflows)
	fmt.Printf("  pdfs=%d\n", cfg.PDFs)
	fmt.Printf("  iters=%d\n", cfg.Iters)
	fmt.Printf("  subqueries=%d\n", cfg.Subqueries)
	fmt.Printf("  policy=%s\n", cfg.Policy)
	fmt.Printf("  seed=%d\n", cfg.Seed)
	fmt.Printf("  time_scale=%d\n", cfg.TimeScale)
	fmt.Printf("  out_dir=%s\n", cfg.OutDir)
	fmt.Printf("  enable_model_routing=%t\n", cfg.EnableModelRouting)
	fmt.Printf("  disable_hedging=%t\n", cfg.DisableHedging)
	fmt.Printf("  disable_escalation=%t\n", cfg.DisableEscalation)
	fmt.Printf("  disable_dag_priority=%t\n", cfg.DisableDAGPriority)

	c, err := controller.New(cfg)
	if err != nil {
		return err
	}

	startedAt := time.Now()
	if err := c.Run(); err != nil {
		return err
	}
	finishedAt := time.Now()

	if err := report.WriteWorkflowsCSV(cfg.OutDir, c.WorkflowMetrics()); err != nil {
		return err
	}
	if err := report.WriteTiersCSV(cfg.OutDir, c.TierStats()); err != nil {
		return err
	}
	if err := report.WriteSummaryCSV(cfg.OutDir, c.Summary()); err != nil {
		return err
	}
	if err := c.Trace().Flush(filepath.Join(cfg.OutDir, "trace.json")); err != nil {
		return err
	}
	if err := report.WriteManifest(cfg.OutDir, c.RunID(), cfg, startedAt, finishedAt, c.Summary()); err != nil {
		return err
	}

	summary := c.Summary()
	fmt.Printf("summary:\n")
	fmt.Printf("  makespan_mean_ms=%.2f\n", summary.MakespanMeanMs)
	fmt.Printf("  makespan_p95_ms=%.2f\n", summary.MakespanP95Ms)
	fmt.Printf("  cost_mean=%.4f\n", summary.CostMean)
	fmt.Printf("  outputs: %s/workflows.csv, %s/tiers.csv, %s/summary.csv, %s/trace.json\n",
		cfg.OutDir, cfg.OutDir, cfg.OutDir, cfg.OutDir)
	return nil
}

func main() {
	_ = godotenv.Load(".env")
	log.SetPrefix("agentsim ")
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
}
