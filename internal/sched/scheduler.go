package sched

import (
	"fmt"
	"sort"
	"sync/atomic"

	"agentsim/internal/config"
	"agentsim/internal/estimate"
	"agentsim/internal/models"
	"agentsim/internal/providers"
	"agentsim/internal/trace"
	"agentsim/internal/worker"
	"agentsim/internal/workflow"
)

const (
	localNumChunksEst = 50
	localTimeoutMs    = 5000
)

type Config struct {
	Policy             config.Policy
	EnableModelRouting bool
	DisableEscalation  bool
	DisableDAGPriority bool

	MaxInFlightGlobal              int
	BudgetPerWorkflow              float64
	EscalationBenefitCostThreshold float64
	Alpha                          float64
	Beta                           float64
	Gamma                          float64
}

// Scheduler scores runnable nodes and dispatches them to provider tiers or
// local queues. It owns no state of its own beyond configuration; the caller
// holds the workflow-set lock across a Dispatch pass.
type Scheduler struct {
	cfg      Config
	mgr      *providers.Manager
	store    *estimate.Store
	cpuQueue *worker.LocalQueue
	ioQueue  *worker.LocalQueue
	trace    *trace.Writer
}

func New(cfg Config, mgr *providers.Manager, store *estimate.Store, cpuQueue, ioQueue *worker.LocalQueue, tr *trace.Writer) *Scheduler {
	return &Scheduler{cfg: cfg, mgr: mgr, store: store, cpuQueue: cpuQueue, ioQueue: ioQueue, trace: tr}
}

// Pass carries the per-dispatch shared state owned by the controller.
type Pass struct {
	Workflows       map[models.WorkflowID]*workflow.Workflow
	NowMs           float64
	WorkflowCost    map[models.WorkflowID]float64
	WorkflowStartMs map[models.WorkflowID]float64
	NextAttemptID   *atomic.Uint64
	NewFlag         func(wf models.WorkflowID, node models.NodeID) *atomic.Bool
	IsCritical      func(wf models.WorkflowID, node models.NodeID) bool
	OnDispatch      func(wf models.WorkflowID, node models.NodeID, nowMs float64)
}

type scoredNode struct {
	nodeID     models.NodeID
	workflowID models.WorkflowID
	score      float64
}

// remainingCriticalPath estimates time left on this node's longest descendant
// chain, using the preferred tier's P50 when known.
func (s *Scheduler) remainingCriticalPath(wf *workflow.Workflow, id models.NodeID) float64 {
	n := wf.Node(id)
	est := s.nodeP50(n)
	maxChild := 0.0
	for _, cid := range n.Children {
		c := wf.Node(cid)
		if c.State.Terminal() {
			continue
		}
		if cp := s.remainingCriticalPath(wf, cid); cp > maxChild {
			maxChild = cp
		}
	}
	return est + maxChild
}

func (s *Scheduler) nodeP50(n *models.Node) float64 {
	if len(n.PreferenceList) == 0 {
		return estimate.DefaultP50Ms
	}
	opt := n.PreferenceList[0]
	return s.store.P50(n.Type, opt.Provider, opt.TierID)
}

func (s *Scheduler) scoreAndSort(p Pass) []scoredNode {
	var scored []scoredNode
	for wfID, wf := range p.Workflows {
		if wf == nil || wf.Done() {
			continue
		}
		// Start times default to -1 before first dispatch, which makes
		// untouched workflows the oldest and gets them going first.
		ageMs := p.NowMs - p.WorkflowStartMs[wfID]
		for _, nid := range wf.RunnableNodes() {
			n := wf.Node(nid)
			var score float64
			if s.cfg.DisableDAGPriority || s.cfg.Policy == config.PolicyFIFOCheapest {
				score = ageMs
			} else {
				remCP := s.remainingCriticalPath(wf, nid)
				slack := 0.0
				if len(n.Children) > 0 {
					minChild := -1.0
					for _, cid := range n.Children {
						c := wf.Node(cid)
						if !c.State.Active() {
							continue
						}
						cp := s.remainingCriticalPath(wf, cid)
						if minChild < 0 || cp < minChild {
							minChild = cp
						}
					}
					if minChild >= 0 {
						slack = max(0, minChild-s.nodeP50(n))
					}
				}
				score = s.cfg.Alpha*remCP + s.cfg.Beta/(1+slack) + s.cfg.Gamma*ageMs
			}
			scored = append(scored, scoredNode{nodeID: nid, workflowID: wfID, score: score})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if scored[i].workflowID != scored[j].workflowID {
			return scored[i].workflowID < scored[j].workflowID
		}
		return scored[i].nodeID < scored[j].nodeID
	})
	return scored
}

// selectOption walks the preference list cheapest-first under the remaining
// budget, then considers a single escalation step for critical nodes.
func (s *Scheduler) selectOption(n *models.Node, budgetLeft float64, isCritical bool) (models.ExecutionOption, bool) {
	var chosen models.ExecutionOption
	found := false
	for i, opt := range n.PreferenceList {
		if opt.PricePerCall > budgetLeft {
			continue
		}
		tier, ok := s.mgr.Tier(opt.Provider, opt.TierID)
		if !ok || !tier.CanAccept() {
			continue
		}
		chosen = opt
		found = true

		cheapestFirst := s.cfg.DisableEscalation ||
			s.cfg.Policy == config.PolicyFIFOCheapest ||
			s.cfg.Policy == config.PolicyDAGCheapest
		if cheapestFirst || !isCritical {
			break
		}

		// One escalation step: the first eligible pricier alternative is
		// taken iff the latency benefit per extra dollar clears the bar.
		base := n.PreferenceList[0]
		for j := i + 1; j < len(n.PreferenceList); j++ {
			alt := n.PreferenceList[j]
			if alt.PricePerCall > budgetLeft {
				continue
			}
			altTier, ok := s.mgr.Tier(alt.Provider, alt.TierID)
			if !ok || !altTier.CanAccept() {
				continue
			}
			deltaCost := alt.PricePerCall - base.PricePerCall
			if deltaCost <= 0 {
				break
			}
			ectCheap := s.store.QueueWaitP95(base.Provider, base.TierID) + s.store.P50(n.Type, base.Provider, base.TierID)
			ectFast := s.store.QueueWaitP95(alt.Provider, alt.TierID) + s.store.P50(n.Type, alt.Provider, alt.TierID)
			benefit := ectCheap - ectFast
			if benefit/deltaCost >= s.cfg.EscalationBenefitCostThreshold {
				chosen = alt
			}
			break
		}
		break
	}
	return chosen, found
}

// Dispatch runs one scheduling pass and returns how many nodes it enqueued.
func (s *Scheduler) Dispatch(p Pass) int {
	scored := s.scoreAndSort(p)

	inFlight := 0
	for _, wf := range p.Workflows {
		if wf == nil || wf.Done() {
			continue
		}
		for _, n := range wf.Nodes() {
			if n.State == models.Queued || n.State == models.Running {
				inFlight++
			}
		}
	}

	dispatched := 0
	for _, sn := range scored {
		if inFlight >= s.cfg.MaxInFlightGlobal {
			break
		}
		wf := p.Workflows[sn.workflowID]
		if wf == nil || wf.Done() {
			continue
		}
		n := wf.Node(sn.nodeID)
		if n.State != models.Runnable {
			continue
		}

		if n.Resource == models.ResourceCPU || n.Resource == models.ResourceIO {
			task := models.LocalTask{
				NodeID:     sn.nodeID,
				WorkflowID: sn.workflowID,
				NodeType:   n.Type,
				Resource:   n.Resource,
				LatencyCtx: models.LatencyContext{
					NodeType:     n.Type,
					PDFSizeEst:   n.OutputSizeEst,
					NumChunksEst: localNumChunksEst,
				},
				TimeoutMs: localTimeoutMs,
				AttemptID: models.AttemptID(p.NextAttemptID.Add(1)),
				Cancelled: p.NewFlag(sn.workflowID, sn.nodeID),
			}
			wf.MarkQueued(sn.nodeID)
			if n.Resource == models.ResourceCPU {
				s.cpuQueue.Push(task)
			} else {
				s.ioQueue.Push(task)
			}
			if s.trace != nil {
				s.trace.Emit(trace.NodeQueued, p.NowMs, sn.workflowID, sn.nodeID, "local")
			}
			if p.OnDispatch != nil {
				p.OnDispatch(sn.workflowID, sn.nodeID, p.NowMs)
			}
			dispatched++
			inFlight++
			continue
		}

		var tier *providers.Tier
		var opt models.ExecutionOption
		if s.cfg.EnableModelRouting && len(n.PreferenceList) > 0 {
			isCritical := p.IsCritical != nil && p.IsCritical(sn.workflowID, sn.nodeID)
			budgetLeft := s.cfg.BudgetPerWorkflow - p.WorkflowCost[sn.workflowID]
			selected, ok := s.selectOption(n, budgetLeft, isCritical)
			if !ok {
				continue
			}
			t, ok := s.mgr.Tier(selected.Provider, selected.TierID)
			if !ok || !t.CanAccept() {
				continue
			}
			tier = t
			opt = selected
		} else {
			providerName := config.LLMProvider
			if n.Resource == models.ResourceEmbed {
				providerName = config.EmbedProvider
			}
			t, ok := s.mgr.FirstAccepting(providerName)
			if !ok {
				continue
			}
			tier = t
			spec := t.Spec()
			opt = models.ExecutionOption{
				Provider:     spec.Provider,
				TierID:       spec.TierID,
				PricePerCall: spec.PricePerCall,
				TimeoutMs:    spec.DefaultTimeoutMs,
				MaxRetries:   spec.DefaultMaxRetries,
			}
		}

		attempt := models.QueuedAttempt{
			NodeID:       sn.nodeID,
			WorkflowID:   sn.workflowID,
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
			AttemptID: models.AttemptID(p.NextAttemptID.Add(1)),
			Cancelled: p.NewFlag(sn.workflowID, sn.nodeID),
		}
		wf.MarkQueued(sn.nodeID)
		tier.Enqueue(attempt)
		if s.trace != nil {
			s.trace.Emit(trace.NodeQueued, p.NowMs, sn.workflowID, sn.nodeID,
				fmt.Sprintf("%s_%d", opt.Provider, opt.TierID))
		}
		if p.OnDispatch != nil {
			p.OnDispatch(sn.workflowID, sn.nodeID, p.NowMs)
		}
		dispatched++
		inFlight++
	}
	return dispatched
}
