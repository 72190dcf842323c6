package models

import (
	"sync/atomic"
	"time"
)

type WorkflowID uint32

type NodeID uint64

type AttemptID uint64

type NodeType int

const (
	Plan NodeType = iota
	LoadPDF
	Chunk
	Embed
	SimilaritySearch
	ExtractEvidence
	Aggregate
	DecideNext
)

func (t NodeType) String() string {
	switch t {
	case Plan:
		return "Plan"
	case LoadPDF:
		return "LoadPDF"
	case Chunk:
		return "Chunk"
	case Embed:
		return "Embed"
	case SimilaritySearch:
		return "SimilaritySearch"
	case ExtractEvidence:
		return "ExtractEvidence"
	case Aggregate:
		return "Aggregate"
	case DecideNext:
		return "DecideNext"
	}
	return "Unknown"
}

type ResourceClass int

const (
	ResourceCPU ResourceClass = iota
	ResourceIO
	ResourceEmbed
	ResourceLLM
)

func (r ResourceClass) String() string {
	switch r {
	case ResourceCPU:
		return "cpu"
	case ResourceIO:
		return "io"
	case ResourceEmbed:
		return "embed"
	case ResourceLLM:
		return "llm"
	}
	return "unknown"
}

type NodeState int

const (
	WaitingDeps NodeState = iota
	Runnable
	Queued
	Running
	Succeeded
	Failed
	Cancelled
)

func (s NodeState) String() string {
	switch s {
	case WaitingDeps:
		return "waiting_deps"
	case Runnable:
		return "runnable"
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

func (s NodeState) Terminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

// Active means the node is runnable or has an attempt somewhere in flight.
func (s NodeState) Active() bool {
	return s == Runnable || s == Queued || s == Running
}

type ExecutionOption struct {
	Provider     string  `json:"provider"`
	TierID       int     `json:"tier_id"`
	PricePerCall float64 `json:"price_per_call"`
	TimeoutMs    int     `json:"timeout_ms"`
	MaxRetries   int     `json:"max_retries"`
}

type Node struct {
	ID         NodeID
	WorkflowID WorkflowID

	Type       NodeType
	Resource   ResourceClass
	Idempotent bool

	State NodeState

	Iter        int
	PDFIdx      int
	SubqueryIdx int

	Deps     []NodeID
	Children []NodeID

	// Ordered cheapest-first; populated for provider-backed resource classes.
	PreferenceList []ExecutionOption

	OutputSizeEst    int
	EvidenceCountEst int
}

// LatencyContext carries the per-node estimates the sampler formulas consume.
type LatencyContext struct {
	NodeType       NodeType
	PDFSizeEst     int
	NumChunksEst   int
	TokenLengthEst int
}

type QueuedAttempt struct {
	NodeID     NodeID
	WorkflowID WorkflowID
	NodeType   NodeType
	Provider   string
	TierID     int

	TokensNeeded int
	TimeoutMs    int
	MaxRetries   int
	LatencyCtx   LatencyContext

	AttemptID  AttemptID
	Cancelled  *atomic.Bool
	EnqueuedAt time.Time
}

type LocalTask struct {
	NodeID     NodeID
	WorkflowID WorkflowID
	NodeType   NodeType
	Resource   ResourceClass
	LatencyCtx LatencyContext
	TimeoutMs  int
	AttemptID  AttemptID
	Cancelled  *atomic.Bool
}

const (
	ErrKindTimeout   = "timeout"
	ErrKindFailed    = "failed"
	ErrKindCancelled = "cancelled"
)

type AttemptResult struct {
	NodeID     NodeID
	WorkflowID WorkflowID
	AttemptID  AttemptID
	Success    bool
	DurationMs float64
	Cost       float64
	Provider   string
	TierID     int
	MaxRetries int
	Error      string // one of the ErrKind constants, empty on success
}

type WorkflowMetrics struct {
	WorkflowID     WorkflowID `json:"workflow_id"`
	MakespanMs     float64    `json:"makespan_ms"`
	Cost           float64    `json:"cost"`
	Retries        int        `json:"retries"`
	Cancellations  int        `json:"cancellations"`
	HedgesLaunched int        `json:"hedges_launched"`
	WastedMs       float64    `json:"wasted_ms"`
}

type TierStats struct {
	Provider       string  `json:"provider"`
	TierID         int     `json:"tier_id"`
	Utilization    float64 `json:"utilization"`
	QueueWaitP95Ms float64 `json:"queue_wait_p95_ms"`
	InFlightAvg    float64 `json:"in_flight_avg"`
}

type SummaryMetrics struct {
	MakespanMeanMs float64 `json:"makespan_mean_ms"`
	MakespanP50Ms  float64 `json:"makespan_p50_ms"`
	MakespanP95Ms  float64 `json:"makespan_p95_ms"`
	MakespanP99Ms  float64 `json:"makespan_p99_ms"`
	CostMean       float64 `json:"cost_mean"`
	CostP50        float64 `json:"cost_p50"`
}
