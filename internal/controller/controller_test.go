package controller

import (
	"testing"
	"time"

	"agentsim/internal/config"
	"agentsim/internal/models"
	"agentsim/internal/trace"

	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Workflows = 1
	cfg.PDFs = 1
	cfg.Iters = 1
	cfg.Subqueries = 0
	cfg.Policy = config.PolicyFIFOCheapest
	cfg.Seed = 1
	cfg.TimeScale = 1000
	cfg.SchedulerIntervalMs = 5
	cfg.MonitorIntervalMs = 10
	return cfg
}

// checkInvariants audits the final state every end-to-end test shares.
func checkInvariants(t *testing.T, c *Controller) {
	t.Helper()
	for _, wf := range c.workflows {
		if !wf.Done() {
			continue
		}
		stop, ok := wf.StopIter()
		require.True(t, ok)
		for _, n := range wf.Nodes() {
			if n.Iter > stop {
				require.Equal(t, models.Cancelled, n.State,
					"wf %d node %d beyond stop iter", wf.ID(), n.ID)
			}
		}
	}
	for _, tier := range c.mgr.Tiers() {
		require.GreaterOrEqual(t, tier.InFlight(), 0)
		require.LessOrEqual(t, tier.InFlight(), tier.Spec().ConcurrencyCap)
		elapsed := time.Since(c.runStart).Seconds()
		consumed := tier.Bucket().Consumed()
		require.LessOrEqual(t, consumed, elapsed*tier.Spec().RatePerSec+tier.Spec().Capacity+1)
	}
}

func TestTrivialSequentialRun(t *testing.T) {
	cfg := testConfig()
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Run())

	wf := c.workflows[1]
	require.True(t, wf.Done())
	require.Equal(t, 1, wf.CompletedIters())

	types := map[models.NodeType]int{}
	for _, n := range wf.Nodes() {
		types[n.Type]++
		// With no subqueries the Aggregate hangs off the Plan directly, so
		// the per-PDF chain may still have been in flight at stop time; the
		// decision path itself must have succeeded.
		switch n.Type {
		case models.Plan, models.Aggregate, models.DecideNext:
			require.Equal(t, models.Succeeded, n.State)
		}
	}
	require.Equal(t, map[models.NodeType]int{
		models.Plan: 1, models.LoadPDF: 1, models.Chunk: 1, models.Embed: 1,
		models.Aggregate: 1, models.DecideNext: 1,
	}, types)

	// Aggregate's sole parent is the Plan when subqueries == 0.
	for _, n := range wf.Nodes() {
		if n.Type == models.Aggregate {
			require.Len(t, n.Deps, 1)
			require.Equal(t, models.Plan, wf.Node(n.Deps[0]).Type)
		}
	}

	require.Len(t, c.WorkflowMetrics(), 1)
	m := c.WorkflowMetrics()[0]
	require.Greater(t, m.MakespanMs, 0.0)
	require.Greater(t, m.Cost, 0.0) // plan + decide hit the llm tier

	summary := c.Summary()
	require.Greater(t, summary.MakespanMeanMs, 0.0)
	require.Len(t, c.TierStats(), 4)
	checkInvariants(t, c)
}

func TestFanOutRunAllWorkflowsFinish(t *testing.T) {
	cfg := testConfig()
	cfg.Workflows = 4
	cfg.PDFs = 2
	cfg.Subqueries = 3
	cfg.Policy = config.PolicyFull
	cfg.EnableModelRouting = true
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Run())

	require.Len(t, c.WorkflowMetrics(), 4)
	for _, wf := range c.workflows {
		require.True(t, wf.Done())
		require.Equal(t, 1, wf.CompletedIters())
		// Plan + 2*3 chain nodes + 2*3*2 subquery nodes + aggregate + decide.
		require.Len(t, wf.Nodes(), 21)
	}
	checkInvariants(t, c)
}

func TestDeterministicGraphAcrossRuns(t *testing.T) {
	shape := func() map[models.WorkflowID][]int {
		cfg := testConfig()
		cfg.Workflows = 3
		cfg.PDFs = 4
		cfg.Subqueries = 2
		cfg.Iters = 3
		cfg.Seed = 42
		c, err := New(cfg)
		require.NoError(t, err)
		require.NoError(t, c.Run())
		out := map[models.WorkflowID][]int{}
		for id, wf := range c.workflows {
			evidence := 0
			for _, n := range wf.Nodes() {
				evidence += n.EvidenceCountEst
			}
			out[id] = []int{len(wf.Nodes()), wf.CompletedIters(), evidence}
		}
		return out
	}
	require.Equal(t, shape(), shape())
}

func TestHedgeWinnerCancelsLoser(t *testing.T) {
	cfg := testConfig()
	cfg.Policy = config.PolicyFull
	cfg.EnableModelRouting = true
	cfg.TimeScale = 500
	cfg.HeavyTailProb = 1.0
	cfg.HeavyTailMult = 100
	cfg.StragglerStretchThreshold = 1.0
	cfg.PDFs = 1
	cfg.Subqueries = 1
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Run())

	records := c.Trace().Records()
	hedges := map[models.NodeID]int{}
	for _, r := range records {
		if r.Ev == string(trace.HedgeLaunched) {
			hedges[r.Node]++
		}
	}
	require.NotEmpty(t, hedges, "expected at least one hedge with forced heavy tails")

	// For any hedged node that got cancelled, the winning finish came first.
	for node := range hedges {
		finishIdx, cancelIdx := -1, -1
		for i, r := range records {
			if r.Node != node {
				continue
			}
			if r.Ev == string(trace.AttemptFinish) && finishIdx < 0 {
				finishIdx = i
			}
			if r.Ev == string(trace.AttemptCancel) && cancelIdx < 0 {
				cancelIdx = i
			}
		}
		if cancelIdx >= 0 {
			require.Greater(t, cancelIdx, finishIdx)
			require.GreaterOrEqual(t, finishIdx, 0)
		}
	}
	checkInvariants(t, c)
}

func TestBudgetStarvationHoldsWorkflowBack(t *testing.T) {
	cfg := testConfig()
	cfg.Policy = config.PolicyFull
	cfg.EnableModelRouting = true
	cfg.BudgetPerWorkflow = 0.005 // below the cheapest llm tier price
	c, err := New(cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Run() }()

	time.Sleep(500 * time.Millisecond)
	c.mu.Lock()
	wf := c.workflows[1]
	require.False(t, wf.Done())
	// The initial Plan is llm-class and unaffordable: it must still be
	// runnable, never queued.
	require.Equal(t, models.Runnable, wf.Node(1).State)
	c.mu.Unlock()

	c.Stop()
	require.NoError(t, <-done)
	require.Empty(t, c.WorkflowMetrics())
}

func TestRetriesRecoverFromTransientFailures(t *testing.T) {
	cfg := testConfig()
	cfg.Workflows = 3
	cfg.PDFs = 2
	cfg.Subqueries = 2
	cfg.Seed = 11
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Run())

	// With default per-tier failure probabilities every workflow still
	// finishes; any failed attempt must show up as a retry.
	require.Len(t, c.WorkflowMetrics(), 3)
	failRetries := 0
	for _, r := range c.Trace().Records() {
		if r.Ev == string(trace.AttemptFail) {
			failRetries++
		}
	}
	totalRetries := 0
	for _, m := range c.WorkflowMetrics() {
		totalRetries += m.Retries
	}
	require.Equal(t, totalRetries, failRetries)
	checkInvariants(t, c)
}

func TestGlobalInFlightBounded(t *testing.T) {
	cfg := testConfig()
	cfg.Workflows = 6
	cfg.PDFs = 2
	cfg.Subqueries = 2
	cfg.MaxInFlightGlobal = 5
	c, err := New(cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Run() }()

	maxSeen := 0
	for i := 0; i < 200; i++ {
		c.mu.Lock()
		inFlight := 0
		for _, wf := range c.workflows {
			for _, n := range wf.Nodes() {
				if n.State == models.Queued || n.State == models.Running {
					inFlight++
				}
			}
		}
		c.mu.Unlock()
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		if c.workflowsDone.Load() == 6 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, <-done)
	require.LessOrEqual(t, maxSeen, 5)
}

func TestWorkflowDoneEmittedOncePerWorkflow(t *testing.T) {
	cfg := testConfig()
	cfg.Workflows = 3
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Run())

	doneEvents := map[models.WorkflowID]int{}
	for _, r := range c.Trace().Records() {
		if r.Ev == string(trace.WorkflowDone) {
			doneEvents[r.WF]++
		}
	}
	require.Len(t, doneEvents, 3)
	for _, count := range doneEvents {
		require.Equal(t, 1, count)
	}
}
