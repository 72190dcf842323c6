package controller

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"agentsim/internal/config"
	"agentsim/internal/estimate"
	"agentsim/internal/models"
	"agentsim/internal/providers"
	"agentsim/internal/sched"
	"agentsim/internal/simrng"
	"agentsim/internal/trace"
	"agentsim/internal/worker"
	"agentsim/internal/workflow"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const resultPollInterval = 10 * time.Millisecond

type wfCounters struct {
	retries        int
	cancellations  int
	hedgesLaunched int
	wastedMs       float64
}

type inFlightSample struct {
	sum     int
	samples int
}

// Controller owns the workflows, provider tiers, worker goroutines, and the
// result-processing loop. A single mutex guards the workflow set and the
// per-workflow accumulators; workers never touch it.
type Controller struct {
	cfg   config.Config
	runID string
	clock clockwork.Clock

	mgr      *providers.Manager
	store    *estimate.Store
	results  *worker.ResultQueue
	cpuQueue *worker.LocalQueue
	ioQueue  *worker.LocalQueue
	trace    *trace.Writer
	rng      *simrng.Rng
	sampler  *providers.Sampler
	sched    *sched.Scheduler

	mu           sync.Mutex
	workflows    map[models.WorkflowID]*workflow.Workflow
	startMs      map[models.WorkflowID]float64
	cost         map[models.WorkflowID]float64
	counters     map[models.WorkflowID]*wfCounters
	flags        map[uint64]*atomic.Bool
	attemptStart map[uint64]time.Time
	retryCount   map[uint64]int
	hedged       map[uint64]bool
	tierInFlight map[int]*inFlightSample

	nextAttemptID atomic.Uint64
	shutdown      atomic.Bool
	workflowsDone atomic.Int32

	runStart  time.Time
	wfMetrics []models.WorkflowMetrics
	summary   models.SummaryMetrics
	tierStats []models.TierStats
}

func flagKey(wf models.WorkflowID, node models.NodeID) uint64 {
	return uint64(wf)<<32 | uint64(node)
}

func New(cfg config.Config) (*Controller, error) {
	clock := clockwork.NewRealClock()
	mgr, err := providers.NewManager(config.DefaultTiers(), clock)
	if err != nil {
		return nil, fmt.Errorf("provider manager: %w", err)
	}
	rng := simrng.New(cfg.Seed)

	c := &Controller{
		cfg:          cfg,
		runID:        uuid.NewString(),
		clock:        clock,
		mgr:          mgr,
		store:        estimate.NewStore(),
		results:      worker.NewResultQueue(),
		cpuQueue:     worker.NewLocalQueue(),
		ioQueue:      worker.NewLocalQueue(),
		trace:        trace.NewWriter(),
		rng:          rng,
		sampler:      providers.NewSampler(config.DefaultLatencies(), rng),
		workflows:    map[models.WorkflowID]*workflow.Workflow{},
		startMs:      map[models.WorkflowID]float64{},
		cost:         map[models.WorkflowID]float64{},
		counters:     map[models.WorkflowID]*wfCounters{},
		flags:        map[uint64]*atomic.Bool{},
		attemptStart: map[uint64]time.Time{},
		retryCount:   map[uint64]int{},
		hedged:       map[uint64]bool{},
		tierInFlight: map[int]*inFlightSample{},
	}

	c.sched = sched.New(sched.Config{
		Policy:                         cfg.Policy,
		EnableModelRouting:             cfg.EnableModelRouting,
		DisableEscalation:              cfg.DisableEscalation,
		DisableDAGPriority:             cfg.DisableDAGPriority,
		MaxInFlightGlobal:              cfg.MaxInFlightGlobal,
		BudgetPerWorkflow:              cfg.BudgetPerWorkflow,
		EscalationBenefitCostThreshold: cfg.EscalationBenefitCostThreshold,
		Alpha:                          cfg.Alpha,
		Beta:                           cfg.Beta,
		Gamma:                          cfg.Gamma,
	}, mgr, c.store, c.cpuQueue, c.ioQueue, c.trace)

	for i := 1; i <= cfg.Workflows; i++ {
		wf, err := workflow.New(models.WorkflowID(i), workflow.Params{
			PDFs:              cfg.PDFs,
			SubqueriesPerIter: cfg.Subqueries,
			MaxIters:          cfg.Iters,
			Seed:              cfg.Seed,
		}, config.DefaultTiers())
		if err != nil {
			return nil, fmt.Errorf("workflow %d: %w", i, err)
		}
		c.workflows[wf.ID()] = wf
		c.startMs[wf.ID()] = -1
		c.cost[wf.ID()] = 0
		c.counters[wf.ID()] = &wfCounters{}
	}
	return c, nil
}

func (c *Controller) RunID() string { return c.runID }

func (c *Controller) Trace() *trace.Writer { return c.trace }

func (c *Controller) WorkflowMetrics() []models.WorkflowMetrics { return c.wfMetrics }

func (c *Controller) Summary() models.SummaryMetrics { return c.summary }

func (c *Controller) TierStats() []models.TierStats { return c.tierStats }

// Stop aborts a run that cannot make progress (e.g. budget starvation).
func (c *Controller) Stop() { c.shutdown.Store(true) }

// nowMs is the simulated clock: real time since run start stretched by the
// time scale.
func (c *Controller) nowMs() float64 {
	return time.Since(c.runStart).Seconds() * 1000 * float64(c.cfg.TimeScale)
}

func (c *Controller) isCritical(wfID models.WorkflowID, nodeID models.NodeID) bool {
	wf, ok := c.workflows[wfID]
	if !ok {
		return false
	}
	switch wf.Node(nodeID).Type {
	case models.Plan, models.Aggregate, models.DecideNext, models.ExtractEvidence:
		return true
	}
	return false
}

// Run drives the simulation to completion: spawns workers and loops, applies
// results, then computes the final metrics.
func (c *Controller) Run() error {
	c.runStart = time.Now()

	var g errgroup.Group
	for _, tier := range c.mgr.Tiers() {
		tierCfg := worker.TierConfig{
			Sampler:       c.sampler,
			Rng:           c.rng,
			Results:       c.results,
			Store:         c.store,
			Trace:         c.trace,
			NowMs:         c.nowMs,
			TimeScale:     c.cfg.TimeScale,
			HeavyTailProb: c.cfg.HeavyTailProb,
			HeavyTailMult: c.cfg.HeavyTailMult,
		}
		for slot := 0; slot < tier.Spec().ConcurrencyCap; slot++ {
			t := tier
			g.Go(func() error {
				worker.RunTier(t, tierCfg, &c.shutdown)
				return nil
			})
		}
	}
	localCfg := worker.LocalConfig{
		Sampler:       c.sampler,
		Rng:           c.rng,
		Results:       c.results,
		TimeScale:     c.cfg.TimeScale,
		HeavyTailProb: c.cfg.HeavyTailProb,
		HeavyTailMult: c.cfg.HeavyTailMult,
	}
	for i := 0; i < c.cfg.CPUWorkers; i++ {
		g.Go(func() error {
			worker.RunLocal(c.cpuQueue, models.ResourceCPU, localCfg, &c.shutdown)
			return nil
		})
	}
	for i := 0; i < c.cfg.IOWorkers; i++ {
		g.Go(func() error {
			worker.RunLocal(c.ioQueue, models.ResourceIO, localCfg, &c.shutdown)
			return nil
		})
	}
	g.Go(func() error { c.schedulerLoop(); return nil })
	g.Go(func() error { c.monitorLoop(); return nil })

	total := int32(c.cfg.Workflows)
	for c.workflowsDone.Load() < total && !c.shutdown.Load() {
		if res, ok := c.results.TimedPop(resultPollInterval); ok {
			c.processResult(res)
			for {
				res, ok := c.results.TryPop()
				if !ok {
					break
				}
				c.processResult(res)
			}
		}
	}

	c.shutdown.Store(true)
	c.mgr.Close()
	c.cpuQueue.Close()
	c.ioQueue.Close()
	c.results.Close()
	if err := g.Wait(); err != nil {
		return err
	}

	c.computeSummary()
	c.computeTierStats(time.Since(c.runStart))
	log.Printf("simulation done run_id=%s workflows=%d makespan_mean_ms=%.1f cost_mean=%.4f",
		c.runID, len(c.wfMetrics), c.summary.MakespanMeanMs, c.summary.CostMean)
	return nil
}

func (c *Controller) schedulerLoop() {
	interval := time.Duration(c.cfg.SchedulerIntervalMs) * time.Millisecond
	for !c.shutdown.Load() {
		now := c.nowMs()
		c.mu.Lock()
		active := make(map[models.WorkflowID]*workflow.Workflow, len(c.workflows))
		for id, wf := range c.workflows {
			if !wf.Done() {
				active[id] = wf
			}
		}
		c.sched.Dispatch(sched.Pass{
			Workflows:       active,
			NowMs:           now,
			WorkflowCost:    c.cost,
			WorkflowStartMs: c.startMs,
			NextAttemptID:   &c.nextAttemptID,
			NewFlag: func(wfID models.WorkflowID, nodeID models.NodeID) *atomic.Bool {
				flag := &atomic.Bool{}
				c.flags[flagKey(wfID, nodeID)] = flag
				return flag
			},
			IsCritical: c.isCritical,
			OnDispatch: func(wfID models.WorkflowID, nodeID models.NodeID, dispatchMs float64) {
				if c.startMs[wfID] < 0 {
					c.startMs[wfID] = dispatchMs
				}
				c.attemptStart[flagKey(wfID, nodeID)] = time.Now()
			},
		})
		c.mu.Unlock()
		time.Sleep(interval)
	}
}

func (c *Controller) monitorLoop() {
	interval := time.Duration(c.cfg.MonitorIntervalMs) * time.Millisecond
	hedging := c.cfg.Policy == config.PolicyFull && !c.cfg.DisableHedging
	for !c.shutdown.Load() {
		c.mu.Lock()
		for i, tier := range c.mgr.Tiers() {
			s, ok := c.tierInFlight[i]
			if !ok {
				s = &inFlightSample{}
				c.tierInFlight[i] = s
			}
			s.sum += tier.InFlight()
			s.samples++
		}
		if hedging {
			c.scanForStragglers()
		}
		c.mu.Unlock()
		time.Sleep(interval)
	}
}

// scanForStragglers hedges queued critical nodes whose attempt has run far
// past the estimated p95 for its preferred tier. Caller holds c.mu.
func (c *Controller) scanForStragglers() {
	now := c.nowMs()
	for wfID, wf := range c.workflows {
		if wf.Done() {
			continue
		}
		for nodeID, n := range wf.Nodes() {
			if n.State != models.Queued || len(n.PreferenceList) < 2 {
				continue
			}
			key := flagKey(wfID, nodeID)
			if c.hedged[key] {
				continue
			}
			started, ok := c.attemptStart[key]
			if !ok {
				continue
			}
			runtimeMs := time.Since(started).Seconds() * 1000 * float64(c.cfg.TimeScale)
			pref := n.PreferenceList[0]
			estP95 := c.store.P95(n.Type, pref.Provider, pref.TierID)
			if estP95 <= 0 {
				continue
			}
			stretch := runtimeMs / estP95
			if stretch > c.cfg.StragglerStretchThreshold && c.isCritical(wfID, nodeID) {
				c.launchHedge(wf, n, now)
				break
			}
		}
	}
}

// launchHedge enqueues a second attempt on the next-cheapest option, sharing
// the primary attempt's cancellation flag so the first completion wins.
// Caller holds c.mu.
func (c *Controller) launchHedge(wf *workflow.Workflow, n *models.Node, nowMs float64) {
	opt := n.PreferenceList[1]
	tier, ok := c.mgr.Tier(opt.Provider, opt.TierID)
	if !ok || !tier.CanAccept() {
		return
	}
	key := flagKey(wf.ID(), n.ID)
	flag, ok := c.flags[key]
	if !ok {
		flag = &atomic.Bool{}
		c.flags[key] = flag
	}

	tier.Enqueue(models.QueuedAttempt{
		NodeID:       n.ID,
		WorkflowID:   wf.ID(),
		NodeType:     n.Type,
		Provider:     opt.Provider,
		TierID:       opt.TierID,
		TokensNeeded: 1,
		TimeoutMs:    opt.TimeoutMs,
		MaxRetries:   opt.MaxRetries,
		LatencyCtx: models.LatencyContext{
			NodeType:       n.Type,
			TokenLengthEst: n.OutputSizeEst,
		},
		AttemptID: models.AttemptID(c.nextAttemptID.Add(1)),
		Cancelled: flag,
	})
	c.hedged[key] = true
	c.counters[wf.ID()].hedgesLaunched++
	c.trace.Emit(trace.HedgeLaunched, nowMs, wf.ID(), n.ID, "hedge")
}

func (c *Controller) processResult(res models.AttemptResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wf, ok := c.workflows[res.WorkflowID]
	if !ok || wf.Done() {
		return
	}
	n := wf.Node(res.NodeID)
	key := flagKey(res.WorkflowID, res.NodeID)
	counters := c.counters[res.WorkflowID]

	if n.State.Terminal() {
		// Late arrival, e.g. a hedge loser racing in after the winner.
		if res.Error == models.ErrKindCancelled {
			counters.cancellations++
			counters.wastedMs += res.DurationMs
			c.trace.Emit(trace.AttemptCancel, res.DurationMs, res.WorkflowID, res.NodeID, "hedge_loser")
		}
		return
	}

	c.store.Record(n.Type, res.Provider, res.TierID, res.DurationMs)
	c.cost[res.WorkflowID] += res.Cost

	switch {
	case res.Success:
		if flag, ok := c.flags[key]; ok {
			flag.Store(true) // first completion wins; any sibling cancels
		}
		newly := wf.MarkSucceeded(res.NodeID)
		c.trace.Emit(trace.AttemptFinish, res.DurationMs, res.WorkflowID, res.NodeID, "ok")
		for _, id := range newly {
			c.trace.Emit(trace.NodeRunnable, c.nowMs(), res.WorkflowID, id, "")
		}
	case res.Error == models.ErrKindCancelled:
		wf.Cancel(res.NodeID)
		counters.cancellations++
		counters.wastedMs += res.DurationMs
		c.trace.Emit(trace.AttemptCancel, res.DurationMs, res.WorkflowID, res.NodeID, "hedge_loser")
	default:
		// Transient failure or timeout: retry on the same node until the
		// attempt's retry allowance runs out, then fail it for good.
		if c.retryCount[key] < res.MaxRetries {
			c.retryCount[key]++
			counters.retries++
			wf.RequeueForRetry(res.NodeID)
			c.trace.Emit(trace.AttemptFail, res.DurationMs, res.WorkflowID, res.NodeID, res.Error+"_retry")
		} else {
			wf.MarkFailed(res.NodeID)
			c.trace.Emit(trace.AttemptFail, res.DurationMs, res.WorkflowID, res.NodeID, res.Error)
		}
	}

	delete(c.attemptStart, key)

	if wf.Done() {
		c.workflowsDone.Add(1)
		start := c.startMs[res.WorkflowID]
		now := c.nowMs()
		makespan := now
		if start >= 0 {
			makespan = now - start
		}
		c.wfMetrics = append(c.wfMetrics, models.WorkflowMetrics{
			WorkflowID:     res.WorkflowID,
			MakespanMs:     makespan,
			Cost:           c.cost[res.WorkflowID],
			Retries:        counters.retries,
			Cancellations:  counters.cancellations,
			HedgesLaunched: counters.hedgesLaunched,
			WastedMs:       counters.wastedMs,
		})
		c.trace.Emit(trace.WorkflowDone, makespan, res.WorkflowID, 0, "")
	}
}

func (c *Controller) computeSummary() {
	n := len(c.wfMetrics)
	if n == 0 {
		return
	}
	makespans := make([]float64, 0, n)
	costs := make([]float64, 0, n)
	var makespanSum, costSum float64
	for _, m := range c.wfMetrics {
		makespans = append(makespans, m.MakespanMs)
		costs = append(costs, m.Cost)
		makespanSum += m.MakespanMs
		costSum += m.Cost
	}
	sort.Float64s(makespans)
	sort.Float64s(costs)
	pick := func(sorted []float64, q float64) float64 {
		idx := int(q * float64(len(sorted)))
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}
	c.summary = models.SummaryMetrics{
		MakespanMeanMs: makespanSum / float64(n),
		MakespanP50Ms:  pick(makespans, 0.50),
		MakespanP95Ms:  pick(makespans, 0.95),
		MakespanP99Ms:  pick(makespans, 0.99),
		CostMean:       costSum / float64(n),
		CostP50:        pick(costs, 0.50),
	}
}

func (c *Controller) computeTierStats(elapsed time.Duration) {
	for i, tier := range c.mgr.Tiers() {
		spec := tier.Spec()
		stats := models.TierStats{
			Provider:       spec.Provider,
			TierID:         spec.TierID,
			QueueWaitP95Ms: c.store.QueueWaitP95(spec.Provider, spec.TierID),
		}
		if elapsed > 0 && spec.ConcurrencyCap > 0 {
			stats.Utilization = tier.BusyTime().Seconds() / elapsed.Seconds() / float64(spec.ConcurrencyCap)
		}
		if s, ok := c.tierInFlight[i]; ok && s.samples > 0 {
			stats.InFlightAvg = float64(s.sum) / float64(s.samples)
		}
		c.tierStats = append(c.tierStats, stats)
	}
}
