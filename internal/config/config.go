package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
)

type Policy string

const (
	PolicyFIFOCheapest  Policy = "fifo_cheapest"
	PolicyDAGCheapest   Policy = "dag_cheapest"
	PolicyDAGEscalation Policy = "dag_escalation"
	PolicyFull          Policy = "full"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyFIFOCheapest, PolicyDAGCheapest, PolicyDAGEscalation, PolicyFull:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown policy: %s", s)
}

type Config struct {
	Workflows  int
	PDFs       int
	Iters      int
	Subqueries int
	Policy     Policy
	Seed       uint64
	TimeScale  int
	OutDir     string

	EnableModelRouting bool
	DisableHedging     bool
	DisableEscalation  bool
	DisableDAGPriority bool

	HeavyTailProb float64
	HeavyTailMult float64

	// Tuning knobs without CLI flags; overridable through AGENTSIM_* env vars.
	SchedulerIntervalMs            int
	MonitorIntervalMs              int
	StragglerStretchThreshold      float64
	MaxInFlightGlobal              int
	BudgetPerWorkflow              float64
	EscalationBenefitCostThreshold float64
	Alpha                          float64
	Beta                           float64
	Gamma                          float64
	CPUWorkers                     int
	IOWorkers                      int
}

func Default() Config {
	return Config{
		Workflows:  100,
		PDFs:       10,
		Iters:      3,
		Subqueries: 4,
		Policy:     PolicyFull,
		Seed:       1,
		TimeScale:  50,
		OutDir:     getenv("AGENTSIM_OUT_DIR", "out"),

		HeavyTailProb: 0.02,
		HeavyTailMult: 50.0,

		SchedulerIntervalMs:            getenvInt("AGENTSIM_SCHEDULER_INTERVAL_MS", 50),
		MonitorIntervalMs:              getenvInt("AGENTSIM_MONITOR_INTERVAL_MS", 100),
		StragglerStretchThreshold:      getenvFloat("AGENTSIM_STRAGGLER_STRETCH_THRESHOLD", 1.5),
		MaxInFlightGlobal:              getenvInt("AGENTSIM_MAX_IN_FLIGHT_GLOBAL", 200),
		BudgetPerWorkflow:              getenvFloat("AGENTSIM_BUDGET_PER_WORKFLOW", 10.0),
		EscalationBenefitCostThreshold: getenvFloat("AGENTSIM_ESCALATION_THRESHOLD", 0.5),
		Alpha:                          getenvFloat("AGENTSIM_SCORE_ALPHA", 1.0),
		Beta:                           getenvFloat("AGENTSIM_SCORE_BETA", 0.5),
		Gamma:                          getenvFloat("AGENTSIM_SCORE_GAMMA", 0.1),
		CPUWorkers:                     getenvInt("AGENTSIM_CPU_WORKERS", 4),
		IOWorkers:                      getenvInt("AGENTSIM_IO_WORKERS", 2),
	}
}

// RegisterFlags binds the CLI surface onto fs. The policy flag lands in
// policyName and is resolved by Finish after parsing.
func (c *Config) RegisterFlags(fs *flag.FlagSet, policyName *string) {
	fs.IntVar(&c.Workflows, "workflows", c.Workflows, "Number of workflows")
	fs.IntVar(&c.PDFs, "pdfs", c.PDFs, "PDFs per workflow")
	fs.IntVar(&c.Iters, "iters", c.Iters, "Max iterations")
	fs.IntVar(&c.Subqueries, "subqueries", c.Subqueries, "Subqueries per iteration")
	fs.StringVar(policyName, "policy", string(c.Policy), "One of: fifo_cheapest, dag_cheapest, dag_escalation, full")
	fs.Uint64Var(&c.Seed, "seed", c.Seed, "RNG seed")
	fs.IntVar(&c.TimeScale, "time_scale", c.TimeScale, "Divide all sleeps by N (>=1)")
	fs.StringVar(&c.OutDir, "out_dir", c.OutDir, "Output directory")
	fs.BoolVar(&c.EnableModelRouting, "enable_model_routing", c.EnableModelRouting, "Enable preference-list routing, escalation, and hedging")
	fs.BoolVar(&c.DisableHedging, "disable_hedging", c.DisableHedging, "Disable straggler hedge")
	fs.BoolVar(&c.DisableEscalation, "disable_escalation", c.DisableEscalation, "Pick cheapest eligible tier")
	fs.BoolVar(&c.DisableDAGPriority, "disable_dag_priority", c.DisableDAGPriority, "Fall back to age-only scoring")
	fs.Float64Var(&c.HeavyTailProb, "heavy_tail_prob", c.HeavyTailProb, "Fraction of tasks with heavy-tail latency")
	fs.Float64Var(&c.HeavyTailMult, "heavy_tail_mult", c.HeavyTailMult, "Latency multiplier for heavy-tail tasks")
}

// Finish resolves the policy name and validates everything parsed.
func (c *Config) Finish(policyName string) error {
	p, err := ParsePolicy(policyName)
	if err != nil {
		return err
	}
	c.Policy = p
	return c.Validate()
}

func (c Config) Validate() error {
	requirePos := func(v int, name string) error {
		if v <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
		return nil
	}
	if err := requirePos(c.Workflows, "workflows"); err != nil {
		return err
	}
	if err := requirePos(c.PDFs, "pdfs"); err != nil {
		return err
	}
	if err := requirePos(c.Iters, "iters"); err != nil {
		return err
	}
	if c.Subqueries < 0 {
		return fmt.Errorf("subqueries must be >= 0")
	}
	if err := requirePos(c.TimeScale, "time_scale"); err != nil {
		return err
	}
	if c.OutDir == "" {
		return fmt.Errorf("out_dir must be non-empty")
	}
	if c.HeavyTailProb < 0 || c.HeavyTailProb > 1 {
		return fmt.Errorf("heavy_tail_prob must be in [0, 1]")
	}
	if c.HeavyTailMult < 1 {
		return fmt.Errorf("heavy_tail_mult must be >= 1")
	}
	if err := requirePos(c.SchedulerIntervalMs, "scheduler interval"); err != nil {
		return err
	}
	if err := requirePos(c.MonitorIntervalMs, "monitor interval"); err != nil {
		return err
	}
	if err := requirePos(c.MaxInFlightGlobal, "max in-flight"); err != nil {
		return err
	}
	return nil
}

func getenv(k, fallback string) string {
	v := os.Getenv(k)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(k string, fallback int) int {
	v := os.Getenv(k)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvFloat(k string, fallback float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
