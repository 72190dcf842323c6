package sched

import (
	"sync/atomic"
	"testing"

	"agentsim/internal/config"
	"agentsim/internal/estimate"
	"agentsim/internal/models"
	"agentsim/internal/providers"
	"agentsim/internal/trace"
	"agentsim/internal/worker"
	"agentsim/internal/workflow"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	sched    *Scheduler
	mgr      *providers.Manager
	store    *estimate.Store
	cpuQueue *worker.LocalQueue
	ioQueue  *worker.LocalQueue
	trace    *trace.Writer
	nextID   atomic.Uint64
	flags    map[uint64]*atomic.Bool
}

func key(wf models.WorkflowID, node models.NodeID) uint64 {
	return uint64(wf)<<32 | uint64(node)
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.MaxInFlightGlobal == 0 {
		cfg.MaxInFlightGlobal = 200
	}
	if cfg.BudgetPerWorkflow == 0 {
		cfg.BudgetPerWorkflow = 10
	}
	if cfg.EscalationBenefitCostThreshold == 0 {
		cfg.EscalationBenefitCostThreshold = 0.5
	}
	if cfg.Alpha == 0 && cfg.Beta == 0 && cfg.Gamma == 0 {
		cfg.Alpha, cfg.Beta, cfg.Gamma = 1.0, 0.5, 0.1
	}
	mgr, err := providers.NewManager(config.DefaultTiers(), clockwork.NewRealClock())
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	f := &fixture{
		mgr:      mgr,
		store:    estimate.NewStore(),
		cpuQueue: worker.NewLocalQueue(),
		ioQueue:  worker.NewLocalQueue(),
		trace:    trace.NewWriter(),
		flags:    map[uint64]*atomic.Bool{},
	}
	f.sched = New(cfg, mgr, f.store, f.cpuQueue, f.ioQueue, f.trace)
	return f
}

func (f *fixture) pass(workflows map[models.WorkflowID]*workflow.Workflow, nowMs float64,
	cost, start map[models.WorkflowID]float64) Pass {
	return Pass{
		Workflows:       workflows,
		NowMs:           nowMs,
		WorkflowCost:    cost,
		WorkflowStartMs: start,
		NextAttemptID:   &f.nextID,
		NewFlag: func(wf models.WorkflowID, node models.NodeID) *atomic.Bool {
			flag := &atomic.Bool{}
			f.flags[key(wf, node)] = flag
			return flag
		},
		IsCritical: func(wf models.WorkflowID, node models.NodeID) bool {
			switch workflows[wf].Node(node).Type {
			case models.Plan, models.Aggregate, models.DecideNext, models.ExtractEvidence:
				return true
			}
			return false
		},
	}
}

func newWorkflowSet(t *testing.T, n int, pdfs, subqueries, iters int) map[models.WorkflowID]*workflow.Workflow {
	t.Helper()
	out := map[models.WorkflowID]*workflow.Workflow{}
	for i := 1; i <= n; i++ {
		wf, err := workflow.New(models.WorkflowID(i),
			workflow.Params{PDFs: pdfs, SubqueriesPerIter: subqueries, MaxIters: iters, Seed: 1},
			config.DefaultTiers())
		require.NoError(t, err)
		out[wf.ID()] = wf
	}
	return out
}

func zeroMaps(workflows map[models.WorkflowID]*workflow.Workflow) (map[models.WorkflowID]float64, map[models.WorkflowID]float64) {
	cost := map[models.WorkflowID]float64{}
	start := map[models.WorkflowID]float64{}
	for id := range workflows {
		cost[id] = 0
		start[id] = 0
	}
	return cost, start
}

func TestDispatchSendsPlanToLLMTier(t *testing.T) {
	f := newFixture(t, Config{Policy: config.PolicyFull, EnableModelRouting: true})
	workflows := newWorkflowSet(t, 1, 1, 0, 1)
	cost, start := zeroMaps(workflows)

	n := f.sched.Dispatch(f.pass(workflows, 0, cost, start))
	require.Equal(t, 1, n)

	wf := workflows[1]
	planID := models.NodeID(1)
	require.Equal(t, models.Queued, wf.Node(planID).State)

	tier, _ := f.mgr.Tier(config.LLMProvider, 0)
	require.Equal(t, 1, tier.QueueLen())
	require.NotNil(t, f.flags[key(1, planID)])
	require.Equal(t, 1, f.trace.Len())
}

func TestDispatchLocalGoesToLocalQueues(t *testing.T) {
	f := newFixture(t, Config{Policy: config.PolicyFull, EnableModelRouting: true})
	workflows := newWorkflowSet(t, 1, 2, 0, 1)
	cost, start := zeroMaps(workflows)
	wf := workflows[1]
	wf.MarkQueued(1)
	// Expands: both LoadPDF nodes (io class) become runnable, and with no
	// subqueries so does the Aggregate (cpu class), which hangs off the Plan.
	wf.MarkSucceeded(1)

	n := f.sched.Dispatch(f.pass(workflows, 0, cost, start))
	require.Equal(t, 3, n)
	require.Equal(t, 2, f.ioQueue.Len())
	require.Equal(t, 1, f.cpuQueue.Len())
}

func TestGlobalInFlightCap(t *testing.T) {
	f := newFixture(t, Config{Policy: config.PolicyFull, EnableModelRouting: true, MaxInFlightGlobal: 3})
	workflows := newWorkflowSet(t, 10, 1, 0, 1)
	cost, start := zeroMaps(workflows)

	n := f.sched.Dispatch(f.pass(workflows, 0, cost, start))
	require.Equal(t, 3, n)

	queued := 0
	for _, wf := range workflows {
		for _, node := range wf.Nodes() {
			if node.State == models.Queued {
				queued++
			}
		}
	}
	require.Equal(t, 3, queued)
}

func TestBudgetSkipsUnaffordableTiers(t *testing.T) {
	f := newFixture(t, Config{Policy: config.PolicyFull, EnableModelRouting: true, BudgetPerWorkflow: 0.005})
	workflows := newWorkflowSet(t, 1, 1, 0, 1)
	cost, start := zeroMaps(workflows)

	// Cheapest LLM tier costs 0.01 > budget: the Plan cannot dispatch.
	n := f.sched.Dispatch(f.pass(workflows, 0, cost, start))
	require.Equal(t, 0, n)
	require.Equal(t, models.Runnable, workflows[1].Node(1).State)
}

func TestBudgetAccountsAccumulatedCost(t *testing.T) {
	f := newFixture(t, Config{Policy: config.PolicyFull, EnableModelRouting: true, BudgetPerWorkflow: 0.02})
	workflows := newWorkflowSet(t, 1, 1, 0, 1)
	cost, start := zeroMaps(workflows)
	cost[1] = 0.015 // remaining 0.005 < cheapest llm price

	n := f.sched.Dispatch(f.pass(workflows, 0, cost, start))
	require.Equal(t, 0, n)
}

func TestFallbackPathWithoutRouting(t *testing.T) {
	f := newFixture(t, Config{Policy: config.PolicyFull})
	workflows := newWorkflowSet(t, 1, 1, 0, 1)
	cost, start := zeroMaps(workflows)

	n := f.sched.Dispatch(f.pass(workflows, 0, cost, start))
	require.Equal(t, 1, n)
	tier, _ := f.mgr.Tier(config.LLMProvider, 0)
	require.Equal(t, 1, tier.QueueLen())
}

func TestEscalationTakesFasterTier(t *testing.T) {
	f := newFixture(t, Config{Policy: config.PolicyFull, EnableModelRouting: true})
	// Make tier 0 look slow: big queue wait and latency, tier 1 fast.
	for i := 0; i < 100; i++ {
		f.store.RecordQueueWait(config.LLMProvider, 0, 5000)
		f.store.Record(models.Plan, config.LLMProvider, 0, 4000)
		f.store.RecordQueueWait(config.LLMProvider, 1, 10)
		f.store.Record(models.Plan, config.LLMProvider, 1, 200)
	}
	workflows := newWorkflowSet(t, 1, 1, 0, 1)
	cost, start := zeroMaps(workflows)

	n := f.sched.Dispatch(f.pass(workflows, 0, cost, start))
	require.Equal(t, 1, n)
	// benefit = 9000 - 210 = 8790, delta cost = 0.04: far over threshold.
	fast, _ := f.mgr.Tier(config.LLMProvider, 1)
	require.Equal(t, 1, fast.QueueLen())
}

func TestEscalationDisabledSticksWithCheapest(t *testing.T) {
	f := newFixture(t, Config{Policy: config.PolicyFull, EnableModelRouting: true, DisableEscalation: true})
	for i := 0; i < 100; i++ {
		f.store.RecordQueueWait(config.LLMProvider, 0, 5000)
		f.store.Record(models.Plan, config.LLMProvider, 0, 4000)
	}
	workflows := newWorkflowSet(t, 1, 1, 0, 1)
	cost, start := zeroMaps(workflows)

	require.Equal(t, 1, f.sched.Dispatch(f.pass(workflows, 0, cost, start)))
	cheap, _ := f.mgr.Tier(config.LLMProvider, 0)
	require.Equal(t, 1, cheap.QueueLen())
}

func TestEscalationSkippedWhenBenefitTooSmall(t *testing.T) {
	f := newFixture(t, Config{Policy: config.PolicyFull, EnableModelRouting: true})
	// Nearly identical estimates: benefit/cost below threshold.
	for i := 0; i < 100; i++ {
		f.store.RecordQueueWait(config.LLMProvider, 0, 50)
		f.store.Record(models.Plan, config.LLMProvider, 0, 100)
		f.store.RecordQueueWait(config.LLMProvider, 1, 50)
		f.store.Record(models.Plan, config.LLMProvider, 1, 100)
	}
	workflows := newWorkflowSet(t, 1, 1, 0, 1)
	cost, start := zeroMaps(workflows)

	require.Equal(t, 1, f.sched.Dispatch(f.pass(workflows, 0, cost, start)))
	cheap, _ := f.mgr.Tier(config.LLMProvider, 0)
	require.Equal(t, 1, cheap.QueueLen())
}

func TestFIFOPolicyScoresByAge(t *testing.T) {
	f := newFixture(t, Config{Policy: config.PolicyFIFOCheapest, EnableModelRouting: true, MaxInFlightGlobal: 1})
	workflows := newWorkflowSet(t, 2, 1, 0, 1)
	cost := map[models.WorkflowID]float64{1: 0, 2: 0}
	start := map[models.WorkflowID]float64{1: 500, 2: 0} // wf 2 is older

	n := f.sched.Dispatch(f.pass(workflows, 1000, cost, start))
	require.Equal(t, 1, n)
	require.Equal(t, models.Queued, workflows[2].Node(1).State)
	require.Equal(t, models.Runnable, workflows[1].Node(1).State)
}

func TestDoneWorkflowIgnored(t *testing.T) {
	f := newFixture(t, Config{Policy: config.PolicyFull, EnableModelRouting: true})
	workflows := newWorkflowSet(t, 1, 1, 0, 1)
	cost, start := zeroMaps(workflows)
	wf := workflows[1]
	// Drive to done.
	for !wf.Done() {
		for _, id := range wf.RunnableNodes() {
			wf.MarkQueued(id)
			wf.MarkSucceeded(id)
		}
	}
	require.Equal(t, 0, f.sched.Dispatch(f.pass(workflows, 0, cost, start)))
}

func TestConcurrencyCapSkipsToNextOption(t *testing.T) {
	f := newFixture(t, Config{Policy: config.PolicyFull, EnableModelRouting: true})
	// Fill llm tier 0's two slots so it stops accepting.
	tier0, _ := f.mgr.Tier(config.LLMProvider, 0)
	tier0.Enqueue(models.QueuedAttempt{AttemptID: 1001})
	tier0.Enqueue(models.QueuedAttempt{AttemptID: 1002})
	_, _, ok := tier0.TimedDequeue(0)
	require.True(t, ok)
	_, _, ok = tier0.TimedDequeue(0)
	require.True(t, ok)
	require.False(t, tier0.CanAccept())

	workflows := newWorkflowSet(t, 1, 1, 0, 1)
	cost, start := zeroMaps(workflows)
	require.Equal(t, 1, f.sched.Dispatch(f.pass(workflows, 0, cost, start)))
	tier1, _ := f.mgr.Tier(config.LLMProvider, 1)
	require.Equal(t, 1, tier1.QueueLen())
}
