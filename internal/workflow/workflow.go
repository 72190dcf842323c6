package workflow

import (
	"fmt"
	"sort"

	"agentsim/internal/config"
	"agentsim/internal/models"
	"agentsim/internal/simrng"
)

type Params struct {
	PDFs              int
	SubqueriesPerIter int
	MaxIters          int
	Seed              uint64
}

type DecideAction int

const (
	DecideStop DecideAction = iota
	DecideContinue
)

// Workflow owns one DAG. It is not internally synchronized: the controller
// serializes every mutation behind its workflow-set mutex.
type Workflow struct {
	id     models.WorkflowID
	params Params
	tiers  []config.TierSpec

	nodes      map[models.NodeID]*models.Node
	nextNodeID models.NodeID

	done           bool
	completedIters int
	stopIter       int
	hasStopIter    bool
}

func New(id models.WorkflowID, params Params, tiers []config.TierSpec) (*Workflow, error) {
	if params.PDFs <= 0 {
		return nil, fmt.Errorf("params.PDFs must be > 0")
	}
	if params.SubqueriesPerIter < 0 {
		return nil, fmt.Errorf("params.SubqueriesPerIter must be >= 0")
	}
	if params.MaxIters <= 0 {
		return nil, fmt.Errorf("params.MaxIters must be > 0")
	}
	wf := &Workflow{
		id:         id,
		params:     params,
		tiers:      tiers,
		nodes:      make(map[models.NodeID]*models.Node),
		nextNodeID: 1,
	}
	wf.addInitialPlan()
	wf.RefreshRunnable()
	return wf, nil
}

func (wf *Workflow) ID() models.WorkflowID { return wf.id }

func (wf *Workflow) Params() Params { return wf.params }

func (wf *Workflow) Done() bool { return wf.done }

func (wf *Workflow) CompletedIters() int { return wf.completedIters }

func (wf *Workflow) StopIter() (int, bool) {
	return wf.stopIter, wf.hasStopIter
}

func (wf *Workflow) Node(id models.NodeID) *models.Node {
	n, ok := wf.nodes[id]
	if !ok {
		panic(fmt.Sprintf("workflow %d: unknown node id %d", wf.id, id))
	}
	return n
}

// Nodes exposes the node map for iteration under the caller's lock.
func (wf *Workflow) Nodes() map[models.NodeID]*models.Node {
	return wf.nodes
}

func (wf *Workflow) newNodeID() models.NodeID {
	id := wf.nextNodeID
	wf.nextNodeID++
	return id
}

func (wf *Workflow) addNode(n *models.Node) *models.Node {
	if n.ID == 0 {
		n.ID = wf.newNodeID()
	}
	if n.WorkflowID == 0 {
		n.WorkflowID = wf.id
	}
	if _, exists := wf.nodes[n.ID]; exists {
		panic(fmt.Sprintf("workflow %d: duplicate node id %d", wf.id, n.ID))
	}
	wf.nodes[n.ID] = n
	return n
}

// addEdge records from -> to. Expansion only ever links existing nodes to
// newly created ones, which keeps the graph acyclic by construction.
func (wf *Workflow) addEdge(from, to models.NodeID) {
	a := wf.Node(from)
	b := wf.Node(to)
	a.Children = append(a.Children, to)
	b.Deps = append(b.Deps, from)
}

func (wf *Workflow) depsSatisfied(n *models.Node) bool {
	for _, d := range n.Deps {
		if wf.Node(d).State != models.Succeeded {
			return false
		}
	}
	return true
}

func (wf *Workflow) initStateFromDeps(id models.NodeID) {
	n := wf.Node(id)
	if n.State.Terminal() {
		return
	}
	if wf.depsSatisfied(n) {
		n.State = models.Runnable
	} else {
		n.State = models.WaitingDeps
	}
}

// setState enforces the transition rules. A violation is a programming error,
// not a runtime condition, so it panics.
func (wf *Workflow) setState(id models.NodeID, next models.NodeState) {
	n := wf.Node(id)
	if n.State == next {
		return
	}
	require := func(ok bool, msg string) {
		if !ok {
			panic(fmt.Sprintf("invalid node transition on wf=%d node=%d (%s -> %s): %s",
				wf.id, id, n.State, next, msg))
		}
	}
	require(!n.State.Terminal(), "terminal state cannot transition")
	switch next {
	case models.WaitingDeps:
		require(!wf.depsSatisfied(n), "cannot move to WaitingDeps when deps satisfied")
	case models.Runnable:
		require(wf.depsSatisfied(n), "cannot move to Runnable before deps satisfied")
	case models.Queued:
		require(n.State == models.Runnable, "Queued only allowed from Runnable")
	case models.Running:
		require(n.State == models.Queued || n.State == models.Runnable, "Running only allowed from Queued/Runnable")
	case models.Succeeded, models.Failed:
		require(n.State == models.Running || n.State == models.Queued || n.State == models.Runnable,
			"terminal result only allowed from Running/Queued/Runnable")
	case models.Cancelled:
		// Best-effort: any non-terminal state may be cancelled.
	}
	n.State = next
}

// RefreshRunnable recomputes WaitingDeps <-> Runnable for every node that has
// no attempt in flight and returns the ids that just became runnable.
func (wf *Workflow) RefreshRunnable() []models.NodeID {
	var newly []models.NodeID
	for id, n := range wf.nodes {
		if n.State.Terminal() || n.State == models.Queued || n.State == models.Running {
			continue
		}
		ready := wf.depsSatisfied(n)
		if ready && n.State != models.Runnable {
			n.State = models.Runnable
			newly = append(newly, id)
		} else if !ready && n.State != models.WaitingDeps {
			n.State = models.WaitingDeps
		}
	}
	sort.Slice(newly, func(i, j int) bool { return newly[i] < newly[j] })
	return newly
}

func (wf *Workflow) RunnableNodes() []models.NodeID {
	out := make([]models.NodeID, 0, len(wf.nodes))
	for id, n := range wf.nodes {
		if n.State == models.Runnable {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (wf *Workflow) MarkQueued(id models.NodeID) {
	wf.setState(id, models.Queued)
}

func (wf *Workflow) MarkRunning(id models.NodeID) {
	wf.setState(id, models.Running)
}

// MarkSucceeded applies the success transition and runs any structural
// consequences: Plan success expands the iteration, DecideNext success either
// stops the workflow or seeds the next Plan. Returns ids that became runnable.
func (wf *Workflow) MarkSucceeded(id models.NodeID) []models.NodeID {
	n := wf.Node(id)
	nodeType := n.Type
	iter := n.Iter

	wf.setState(id, models.Succeeded)

	switch nodeType {
	case models.Plan:
		wf.expandIteration(id)
	case models.DecideNext:
		wf.onDecideNext(id)
		if iter+1 > wf.completedIters {
			wf.completedIters = iter + 1
		}
	}
	return wf.RefreshRunnable()
}

// RequeueForRetry returns a node whose attempt failed transiently to
// Runnable so the scheduler can dispatch a fresh attempt.
func (wf *Workflow) RequeueForRetry(id models.NodeID) {
	wf.setState(id, models.Runnable)
}

func (wf *Workflow) MarkFailed(id models.NodeID) {
	wf.setState(id, models.Failed)
	wf.RefreshRunnable()
}

func (wf *Workflow) Cancel(id models.NodeID) {
	n := wf.Node(id)
	if n.State.Terminal() {
		return
	}
	n.State = models.Cancelled
	wf.RefreshRunnable()
}

// PruneAfterStop cancels every non-terminal node beyond the stop iteration.
func (wf *Workflow) PruneAfterStop(stopIter int) {
	for _, n := range wf.nodes {
		if n.State.Terminal() {
			continue
		}
		if n.Iter > stopIter {
			n.State = models.Cancelled
		}
	}
	wf.RefreshRunnable()
}

func resourceForType(t models.NodeType) models.ResourceClass {
	switch t {
	case models.LoadPDF:
		return models.ResourceIO
	case models.Chunk, models.SimilaritySearch, models.Aggregate:
		return models.ResourceCPU
	case models.Embed:
		return models.ResourceEmbed
	case models.Plan, models.ExtractEvidence, models.DecideNext:
		return models.ResourceLLM
	}
	return models.ResourceCPU
}

func (wf *Workflow) newNode(t models.NodeType, iter, pdfIdx, subqueryIdx int) *models.Node {
	return &models.Node{
		ID:          wf.newNodeID(),
		WorkflowID:  wf.id,
		Type:        t,
		Resource:    resourceForType(t),
		Idempotent:  true,
		Iter:        iter,
		PDFIdx:      pdfIdx,
		SubqueryIdx: subqueryIdx,
	}
}

func (wf *Workflow) addInitialPlan() {
	plan := wf.newNode(models.Plan, 0, -1, -1)
	plan.State = models.Runnable // root has no deps
	plan.OutputSizeEst = 200 + 10*wf.params.SubqueriesPerIter + 3*wf.params.PDFs
	wf.addNode(plan)
	wf.populatePreferenceList(plan)
}

// expandIteration builds the per-PDF chains, per-subquery branches, and the
// aggregate/decide pair for the iteration a Plan node just finished planning.
func (wf *Workflow) expandIteration(planID models.NodeID) {
	plan := wf.Node(planID)
	iter := plan.Iter
	if iter >= wf.params.MaxIters {
		return
	}

	// Guard against replayed success: one Aggregate per iteration.
	for _, n := range wf.nodes {
		if n.Type == models.Aggregate && n.Iter == iter {
			return
		}
	}

	K := wf.params.SubqueriesPerIter
	extractIDs := make([]models.NodeID, 0, wf.params.PDFs*max(1, K))

	for p := 0; p < wf.params.PDFs; p++ {
		load := wf.addNode(wf.newNode(models.LoadPDF, iter, p, -1))
		chunk := wf.addNode(wf.newNode(models.Chunk, iter, p, -1))
		embed := wf.addNode(wf.newNode(models.Embed, iter, p, -1))
		wf.populatePreferenceList(load)
		wf.populatePreferenceList(chunk)
		wf.populatePreferenceList(embed)

		wf.addEdge(planID, load.ID)
		wf.addEdge(load.ID, chunk.ID)
		wf.addEdge(chunk.ID, embed.ID)

		for q := 0; q < K; q++ {
			ss := wf.addNode(wf.newNode(models.SimilaritySearch, iter, p, q))
			ex := wf.addNode(wf.newNode(models.ExtractEvidence, iter, p, q))
			ex.EvidenceCountEst = evidenceEstimate(wf.params.Seed, wf.id, iter, p, q)
			wf.populatePreferenceList(ss)
			wf.populatePreferenceList(ex)

			wf.addEdge(embed.ID, ss.ID)
			wf.addEdge(ss.ID, ex.ID)
			extractIDs = append(extractIDs, ex.ID)
		}
	}

	agg := wf.addNode(wf.newNode(models.Aggregate, iter, -1, -1))
	decide := wf.addNode(wf.newNode(models.DecideNext, iter, -1, -1))
	wf.populatePreferenceList(agg)
	wf.populatePreferenceList(decide)

	if len(extractIDs) > 0 {
		for _, exID := range extractIDs {
			wf.addEdge(exID, agg.ID)
		}
	} else {
		// No subqueries: the iteration yields no evidence but still progresses.
		wf.addEdge(planID, agg.ID)
	}
	wf.addEdge(agg.ID, decide.ID)

	wf.initStateFromDeps(agg.ID)
	wf.initStateFromDeps(decide.ID)
}

// evidenceEstimate is deterministic in (seed, wfID, iter, p, q): it must match
// across runs and never depend on scheduling order.
func evidenceEstimate(seed uint64, wfID models.WorkflowID, iter, p, q int) int {
	h := simrng.Mix64(seed ^
		uint64(wfID)<<32 ^
		uint64(iter)*0x9e3779b97f4a7c15 ^
		uint64(p)<<8 ^
		uint64(q))
	return int(h % 4)
}

func (wf *Workflow) iterEvidenceTotal(iter int) int {
	total := 0
	for _, n := range wf.nodes {
		if n.Iter == iter && n.Type == models.ExtractEvidence {
			total += n.EvidenceCountEst
		}
	}
	return total
}

func (wf *Workflow) iterPDFCoverage(iter int) int {
	covered := make(map[int]struct{}, wf.params.PDFs)
	for _, n := range wf.nodes {
		if n.Iter != iter || n.Type != models.ExtractEvidence {
			continue
		}
		if n.EvidenceCountEst > 0 {
			covered[n.PDFIdx] = struct{}{}
		}
	}
	return len(covered)
}

func (wf *Workflow) computeDecideAction(iter int) DecideAction {
	if iter+1 >= wf.params.MaxIters {
		return DecideStop
	}

	total := wf.iterEvidenceTotal(iter)
	covered := wf.iterPDFCoverage(iter)

	coverage := float64(covered) / float64(max(1, wf.params.PDFs))
	denom := float64(max(1, wf.params.PDFs*max(1, wf.params.SubqueriesPerIter)*2))
	confidence := min(1.0, float64(total)/denom)

	// Deterministic tie-breaker for borderline evidence.
	h := simrng.Mix64(wf.params.Seed ^
		uint64(wf.id)<<1 ^
		uint64(iter)*0xD1B54A32D192ED03)
	u01 := float64(h&0xFFFF) / 65535.0

	strong := coverage >= 0.60 && confidence >= 0.50
	borderline := coverage >= 0.45 && confidence >= 0.35 && u01 > 0.70
	if strong || borderline {
		return DecideStop
	}
	return DecideContinue
}

func (wf *Workflow) onDecideNext(decideID models.NodeID) {
	iter := wf.Node(decideID).Iter

	if wf.computeDecideAction(iter) == DecideStop {
		wf.done = true
		wf.stopIter = iter
		wf.hasStopIter = true
		wf.PruneAfterStop(iter)
		return
	}

	plan := wf.newNode(models.Plan, iter+1, -1, -1)
	plan.OutputSizeEst = 220 + 15*wf.params.SubqueriesPerIter + 4*wf.params.PDFs
	wf.addNode(plan)
	wf.populatePreferenceList(plan)
	wf.addEdge(decideID, plan.ID)
	wf.initStateFromDeps(plan.ID)
}

// populatePreferenceList matches the node's resource class to provider tiers,
// cheapest first. Local classes (cpu, io) get no list.
func (wf *Workflow) populatePreferenceList(n *models.Node) {
	var want string
	switch n.Resource {
	case models.ResourceEmbed:
		want = config.EmbedProvider
	case models.ResourceLLM:
		want = config.LLMProvider
	default:
		return
	}
	n.PreferenceList = n.PreferenceList[:0]
	for _, ts := range wf.tiers {
		if ts.Provider != want {
			continue
		}
		n.PreferenceList = append(n.PreferenceList, models.ExecutionOption{
			Provider:     ts.Provider,
			TierID:       ts.TierID,
			PricePerCall: ts.PricePerCall,
			TimeoutMs:    ts.DefaultTimeoutMs,
			MaxRetries:   ts.DefaultMaxRetries,
		})
	}
	sort.SliceStable(n.PreferenceList, func(i, j int) bool {
		return n.PreferenceList[i].PricePerCall < n.PreferenceList[j].PricePerCall
	})
}
